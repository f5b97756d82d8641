// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pool - relay membership with read/write roles and one connection per relay.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/retry"
	"github.com/girino/relaypool/transport"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrDisposed is returned by every operation on a disposed pool.
	ErrDisposed = errors.New("relay pool disposed")
	// ErrUnknownRelay is returned for URLs the pool has no connection for.
	ErrUnknownRelay = errors.New("unknown relay")
)

// Descriptor is a pool member and its roles.
type Descriptor struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// Change describes one membership mutation. A role change lists the URL in
// both Appended and Removed.
type Change struct {
	Appended []string
	Removed  []string
	Current  []string
}

// NormalizeURL returns the identity of a relay URL: scheme kept, host
// lowercased, trailing slash and fragment stripped, query sorted.
func NormalizeURL(raw string) string {
	n := nostr.NormalizeURL(raw)
	if n == "" {
		return ""
	}
	u, err := url.Parse(n)
	if err != nil {
		return n
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// Config wires a Pool to its collaborators.
type Config struct {
	Dialer transport.Dialer
	Retry  retry.Spec
	Clock  clock.Clock
	// Seed for retry jitter; zero picks a time based seed.
	Seed uint64
	// DialTimeout bounds one connection attempt. Zero means 10s.
	DialTimeout time.Duration
	// OnMessage receives inbound frames from every relay.
	OnMessage func(url string, msg []byte)
}

type entry struct {
	machine *connection.Machine
	refs    int
	member  bool
	stop    func()
}

// Pool owns one connection.Machine per relay, keyed by normalized URL.
// Machines are created for members and for relays acquired by explicit
// subscriptions, and disposed once neither holds them.
type Pool struct {
	cfg Config
	log logging.Logger

	// serializes mutations so change listeners see them in order
	opMu sync.Mutex

	mu       sync.Mutex
	disposed bool
	members  map[string]Descriptor
	entries  map[string]*entry
	seq      uint64

	lmu       sync.Mutex
	lseq      int
	changeLs  map[int]func(Change)
	stateLs   map[int]func(connection.StateChange)
	lastState *xsync.MapOf[string, connection.StateChange]
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return &Pool{
		cfg:       cfg,
		log:       logging.For("pool"),
		members:   make(map[string]Descriptor),
		entries:   make(map[string]*entry),
		changeLs:  make(map[int]func(Change)),
		stateLs:   make(map[int]func(connection.StateChange)),
		lastState: xsync.NewMapOf[string, connection.StateChange](),
	}
}

// SetAll replaces the membership with descs.
func (p *Pool) SetAll(descs ...Descriptor) (Change, bool, error) {
	return p.mutate(func(cur map[string]Descriptor) map[string]Descriptor {
		next := make(map[string]Descriptor, len(descs))
		for _, d := range normalize(descs) {
			next[d.URL] = d
		}
		return next
	})
}

// Add adds or updates members.
func (p *Pool) Add(descs ...Descriptor) (Change, bool, error) {
	return p.mutate(func(cur map[string]Descriptor) map[string]Descriptor {
		next := make(map[string]Descriptor, len(cur)+len(descs))
		for k, v := range cur {
			next[k] = v
		}
		for _, d := range normalize(descs) {
			next[d.URL] = d
		}
		return next
	})
}

// Remove drops members by URL.
func (p *Pool) Remove(urls ...string) (Change, bool, error) {
	return p.mutate(func(cur map[string]Descriptor) map[string]Descriptor {
		next := make(map[string]Descriptor, len(cur))
		for k, v := range cur {
			next[k] = v
		}
		for _, u := range urls {
			delete(next, NormalizeURL(u))
		}
		return next
	})
}

func normalize(descs []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		d.URL = NormalizeURL(d.URL)
		if d.URL != "" {
			out = append(out, d)
		}
	}
	return out
}

// mutate applies fn to the membership and reports the resulting change.
// Listeners run before removed machines are disposed, so they can still
// send CLOSE on them.
func (p *Pool) mutate(fn func(map[string]Descriptor) map[string]Descriptor) (Change, bool, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return Change{}, false, ErrDisposed
	}
	next := fn(p.members)
	var ch Change
	for u, d := range next {
		old, ok := p.members[u]
		switch {
		case !ok:
			ch.Appended = append(ch.Appended, u)
		case old != d:
			ch.Appended = append(ch.Appended, u)
			ch.Removed = append(ch.Removed, u)
		}
	}
	for u := range p.members {
		if _, ok := next[u]; !ok {
			ch.Removed = append(ch.Removed, u)
		}
	}
	if len(ch.Appended) == 0 && len(ch.Removed) == 0 {
		p.mu.Unlock()
		return Change{}, false, nil
	}
	p.members = next
	for u := range next {
		ch.Current = append(ch.Current, u)
	}
	slices.Sort(ch.Appended)
	slices.Sort(ch.Removed)
	slices.Sort(ch.Current)

	for _, u := range ch.Appended {
		e := p.entryLocked(u)
		e.member = true
	}
	for _, u := range ch.Removed {
		if _, still := next[u]; !still && p.entries[u] != nil {
			p.entries[u].member = false
		}
	}
	p.mu.Unlock()

	p.log.Debug("mutate", "appended=%v removed=%v current=%d", ch.Appended, ch.Removed, len(ch.Current))
	for _, fn := range p.changeListeners() {
		fn(ch)
	}

	p.mu.Lock()
	var dispose []*entry
	for _, u := range ch.Removed {
		e := p.entries[u]
		if e == nil || e.member || e.refs > 0 {
			continue
		}
		delete(p.entries, u)
		dispose = append(dispose, e)
	}
	p.mu.Unlock()
	for _, e := range dispose {
		p.disposeEntry(e)
	}
	return ch, true, nil
}

// entryLocked returns the entry for u, creating and connecting its machine.
func (p *Pool) entryLocked(u string) *entry {
	if e, ok := p.entries[u]; ok {
		return e
	}
	p.seq++
	m := connection.New(connection.Config{
		URL:         u,
		Dialer:      p.cfg.Dialer,
		Backoff:     retry.NewBackoff(p.cfg.Retry, p.cfg.Seed+p.seq),
		Clock:       p.cfg.Clock,
		DialTimeout: p.cfg.DialTimeout,
		OnMessage:   p.cfg.OnMessage,
	})
	e := &entry{machine: m}
	e.stop = m.Observe(p.forwardState)
	p.entries[u] = e
	m.Connect()
	return e
}

func (p *Pool) disposeEntry(e *entry) {
	e.machine.Dispose()
	e.stop()
	p.lastState.Delete(e.machine.URL())
}

func (p *Pool) forwardState(sc connection.StateChange) {
	p.lastState.Store(sc.URL, sc)
	p.lmu.Lock()
	ls := make([]func(connection.StateChange), 0, len(p.stateLs))
	for _, fn := range p.stateLs {
		ls = append(ls, fn)
	}
	p.lmu.Unlock()
	for _, fn := range ls {
		fn(sc)
	}
}

func (p *Pool) changeListeners() []func(Change) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	ids := make([]int, 0, len(p.changeLs))
	for id := range p.changeLs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = p.changeLs[id]
	}
	return out
}

// OnChange registers fn for membership changes. fn runs synchronously on the
// mutating goroutine, before removed relays are disconnected.
func (p *Pool) OnChange(fn func(Change)) (cancel func()) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	p.lseq++
	id := p.lseq
	p.changeLs[id] = fn
	return func() {
		p.lmu.Lock()
		defer p.lmu.Unlock()
		delete(p.changeLs, id)
	}
}

// OnState registers fn for connection state changes of every relay. fn
// runs under the reporting machine's lock and must not block.
func (p *Pool) OnState(fn func(connection.StateChange)) (cancel func()) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	p.lseq++
	id := p.lseq
	p.stateLs[id] = fn
	return func() {
		p.lmu.Lock()
		defer p.lmu.Unlock()
		delete(p.stateLs, id)
	}
}

// Acquire pins a connection to url for an explicit subscription target,
// creating it when the relay is not a member.
func (p *Pool) Acquire(raw string) (string, error) {
	u := NormalizeURL(raw)
	if u == "" {
		return "", fmt.Errorf("invalid relay url %q", raw)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return "", ErrDisposed
	}
	p.entryLocked(u).refs++
	return u, nil
}

// Release undoes one Acquire.
func (p *Pool) Release(raw string) {
	u := NormalizeURL(raw)
	p.mu.Lock()
	e, ok := p.entries[u]
	if !ok || e.refs == 0 {
		p.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 || e.member {
		p.mu.Unlock()
		return
	}
	delete(p.entries, u)
	p.mu.Unlock()
	p.disposeEntry(e)
}

// Conn returns the machine for url.
func (p *Pool) Conn(raw string) (*connection.Machine, bool) {
	u := NormalizeURL(raw)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[u]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// Send writes msg to url. See connection.Machine.Send.
func (p *Pool) Send(ctx context.Context, url string, msg []byte) (uint64, error) {
	m, ok := p.Conn(url)
	if !ok {
		if p.Disposed() {
			return 0, ErrDisposed
		}
		return 0, fmt.Errorf("%s: %w", url, ErrUnknownRelay)
	}
	return m.Send(ctx, msg)
}

// Reconnect forces a fresh connection to url.
func (p *Pool) Reconnect(url string) error {
	m, ok := p.Conn(url)
	if !ok {
		if p.Disposed() {
			return ErrDisposed
		}
		return fmt.Errorf("%s: %w", url, ErrUnknownRelay)
	}
	return m.Reconnect()
}

// State returns the latest connection state of url.
func (p *Pool) State(url string) (connection.StateChange, bool) {
	return p.lastState.Load(NormalizeURL(url))
}

// States returns the latest connection state of every relay with a machine.
func (p *Pool) States() map[string]connection.StateChange {
	out := make(map[string]connection.StateChange)
	p.lastState.Range(func(k string, v connection.StateChange) bool {
		out[k] = v
		return true
	})
	return out
}

// Descriptors returns the members sorted by URL.
func (p *Pool) Descriptors() []Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Descriptor, 0, len(p.members))
	for _, d := range p.members {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.URL, b.URL) })
	return out
}

// ReadURLs returns the members with the read role, sorted.
func (p *Pool) ReadURLs() []string {
	return p.urls(func(d Descriptor) bool { return d.Read })
}

// WriteURLs returns the members with the write role, sorted.
func (p *Pool) WriteURLs() []string {
	return p.urls(func(d Descriptor) bool { return d.Write })
}

func (p *Pool) urls(keep func(Descriptor) bool) []string {
	var out []string
	for _, d := range p.Descriptors() {
		if keep(d) {
			out = append(out, d.URL)
		}
	}
	return out
}

func (p *Pool) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Stats returns per connection counters sorted by URL.
func (p *Pool) Stats() []connection.Stats {
	p.mu.Lock()
	machines := make([]*connection.Machine, 0, len(p.entries))
	for _, e := range p.entries {
		machines = append(machines, e.machine)
	}
	p.mu.Unlock()
	out := make([]connection.Stats, len(machines))
	for i, m := range machines {
		out[i] = m.Stats()
	}
	slices.SortFunc(out, func(a, b connection.Stats) int { return strings.Compare(a.URL, b.URL) })
	return out
}

// Dispose terminates every connection. Membership is not reported as
// removed; listeners are expected to be disposed alongside the pool.
func (p *Pool) Dispose() {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.members = make(map[string]Descriptor)
	p.mu.Unlock()

	for _, e := range entries {
		p.disposeEntry(e)
	}
}
