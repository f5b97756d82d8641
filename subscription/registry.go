// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package subscription

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/capability"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/pool"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrDisposed is returned for operations on a stopped subscription or a
	// disposed registry.
	ErrDisposed = errors.New("subscription disposed")
	// ErrOver is returned by Emit after Over.
	ErrOver = errors.New("subscription over")
	// ErrDuplicateID is returned when a live subscription already uses the id.
	ErrDuplicateID = errors.New("subscription id in use")
)

// Relays is the view of the relay pool the registry works against. Relays
// are referenced by normalized URL only.
type Relays interface {
	Send(ctx context.Context, url string, msg []byte) (uint64, error)
	ReadURLs() []string
	Acquire(url string) (string, error)
	Release(url string)
}

// Limits reports per relay capabilities.
type Limits interface {
	GetOrDefault(url string) capability.Descriptor
}

// Deferrer holds an operation until the relay is authenticated. Exactly
// one of replay or fail is eventually called.
type Deferrer interface {
	Defer(relay string, replay func(), fail func(error))
}

// Config wires a Registry to its collaborators.
type Config struct {
	Relays Relays
	Limits Limits
	Auth   Deferrer
	Clock  clock.Clock
	// EOSETimeout bounds every backward query. Zero means 30s.
	EOSETimeout time.Duration
	// SendTimeout bounds one frame write. Zero means 10s.
	SendTimeout time.Duration
}

// Route is what the intake pipeline needs to know about one REQ on one
// relay: the logical sub id and the exact filters that were sent.
type Route struct {
	Relay   string
	WireID  string
	SubID   string
	Filters []nostr.Filter

	sub *Subscription
	w   *wire
}

// Matches reports whether evt satisfies any filter sent for the route.
func (rt *Route) Matches(evt *nostr.Event) bool {
	for _, f := range rt.Filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

// Deliver hands evt to the owning subscription.
func (rt *Route) Deliver(evt *nostr.Event) bool {
	return rt.sub.deliver(EventPacket{From: rt.Relay, SubID: rt.SubID, Event: evt})
}

// slot tracks the REQs open on one relay and those waiting for room.
type slot struct {
	active map[*wire]struct{}
	queue  []*wire
}

// Registry keeps every subscription's REQs consistent with the relay pool.
// All reconciliation runs on one goroutine, one trigger at a time.
type Registry struct {
	cfg Config
	log logging.Logger

	subs   *xsync.MapOf[string, *Subscription]
	routes *xsync.MapOf[string, *Route]

	qmu     sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	exited  chan struct{}

	disposed atomic.Bool

	// owned by run
	slots map[string]*slot
	seq   uint64

	reqs          int64
	closes        int64
	eoses         int64
	closedByRelay int64
	timeouts      int64
	queued        int64
	resends       int64
}

// Stats holds runtime counters for the registry.
type Stats struct {
	Subscriptions int   `json:"subscriptions"`
	Routes        int   `json:"routes"`
	Reqs          int64 `json:"reqs"`
	Closes        int64 `json:"closes"`
	EOSE          int64 `json:"eose"`
	ClosedByRelay int64 `json:"closed_by_relay"`
	Timeouts      int64 `json:"timeouts"`
	Queued        int64 `json:"queued"`
	Resends       int64 `json:"resends"`
}

// New starts a Registry.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.EOSETimeout <= 0 {
		cfg.EOSETimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	r := &Registry{
		cfg:    cfg,
		log:    logging.For("subscription"),
		subs:   xsync.NewMapOf[string, *Subscription](),
		routes: xsync.NewMapOf[string, *Route](),
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
		slots:  make(map[string]*slot),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.exited)
	for {
		r.qmu.Lock()
		q := r.queue
		r.queue = nil
		stopped := r.stopped
		r.qmu.Unlock()

		for _, fn := range q {
			fn()
		}
		if len(q) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-r.wake
	}
}

func (r *Registry) post(fn func()) bool {
	r.qmu.Lock()
	if r.stopped {
		r.qmu.Unlock()
		return false
	}
	r.queue = append(r.queue, fn)
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the registry goroutine and waits for it.
func (r *Registry) call(fn func()) bool {
	done := make(chan struct{})
	if !r.post(func() { defer close(done); fn() }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-r.exited:
		return false
	}
}

// Forward opens a live subscription.
func (r *Registry) Forward(id string, opts ...Option) (*Subscription, error) {
	return r.open(id, Forward, opts)
}

// Backward opens a historical subscription.
func (r *Registry) Backward(id string, opts ...Option) (*Subscription, error) {
	return r.open(id, Backward, opts)
}

func (r *Registry) open(id string, strategy Strategy, opts []Option) (*Subscription, error) {
	if r.disposed.Load() {
		return nil, ErrDisposed
	}
	o := options{buffer: 1024, eoseTimeout: r.cfg.EOSETimeout}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Subscription{
		reg:      r,
		id:       id,
		strategy: strategy,
		timeout:  o.eoseTimeout,
		out:      make(chan EventPacket, o.buffer),
		errs:     make(chan error, 16),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if _, loaded := r.subs.LoadOrStore(id, s); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	for _, raw := range o.relays {
		u, err := r.cfg.Relays.Acquire(raw)
		if err != nil {
			r.releaseExplicit(s)
			r.subs.Delete(id)
			return nil, err
		}
		if slices.Contains(s.explicit, u) {
			r.cfg.Relays.Release(u)
			continue
		}
		s.explicit = append(s.explicit, u)
	}
	s.live.Store(true)
	if !r.post(func() { r.attach(s) }) {
		r.releaseExplicit(s)
		r.subs.Delete(id)
		return nil, ErrDisposed
	}
	r.log.Debug("open", "%s (%s)", id, strategy)
	return s, nil
}

func (r *Registry) releaseExplicit(s *Subscription) {
	for _, u := range s.explicit {
		r.cfg.Relays.Release(u)
	}
	s.explicit = nil
}

// Lookup resolves a wire sub id received from relay.
func (r *Registry) Lookup(relay, wireID string) (*Route, bool) {
	return r.routes.Load(routeKey(relay, wireID))
}

func routeKey(relay, wireID string) string { return relay + "\x00" + wireID }

// HandlePoolChange reconciles every pool bound subscription with a
// membership change. It returns once the resulting REQ and CLOSE frames
// were sent, so removed relays can be disconnected afterwards.
func (r *Registry) HandlePoolChange(ch pool.Change) {
	r.call(func() { r.poolChanged(ch) })
}

// HandleState reacts to a relay connection state change.
func (r *Registry) HandleState(sc connection.StateChange) {
	r.post(func() { r.stateChanged(sc) })
}

// HandleEOSE records end of stored events for a wire sub id.
func (r *Registry) HandleEOSE(relay, wireID string) {
	r.post(func() { r.eose(relay, wireID) })
}

// HandleClosed handles a relay side CLOSED for a wire sub id.
func (r *Registry) HandleClosed(relay, wireID, message string) {
	r.post(func() { r.closed(relay, wireID, message) })
}

// Dispose stops every subscription and the registry goroutine.
func (r *Registry) Dispose() {
	if r.disposed.Swap(true) {
		return
	}
	var all []*Subscription
	r.subs.Range(func(_ string, s *Subscription) bool {
		s.live.Store(false)
		s.interrupt()
		all = append(all, s)
		return true
	})
	r.post(func() {
		for _, s := range all {
			r.finish(s)
		}
	})
	r.qmu.Lock()
	r.stopped = true
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.exited
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Subscriptions: r.subs.Size(),
		Routes:        r.routes.Size(),
		Reqs:          atomic.LoadInt64(&r.reqs),
		Closes:        atomic.LoadInt64(&r.closes),
		EOSE:          atomic.LoadInt64(&r.eoses),
		ClosedByRelay: atomic.LoadInt64(&r.closedByRelay),
		Timeouts:      atomic.LoadInt64(&r.timeouts),
		Queued:        atomic.LoadInt64(&r.queued),
		Resends:       atomic.LoadInt64(&r.resends),
	}
}

// Everything below runs on the registry goroutine.

func (r *Registry) attach(s *Subscription) {
	if !s.live.Load() {
		return
	}
	s.targets = make(map[string]bool)
	if s.explicit != nil {
		for _, u := range s.explicit {
			s.targets[u] = true
		}
		return
	}
	for _, u := range r.cfg.Relays.ReadURLs() {
		s.targets[u] = true
	}
}

func (r *Registry) emit(s *Subscription, filters []LazyFilter) {
	if !s.live.Load() || s.finished {
		return
	}
	if s.strategy == Forward && len(s.children) > 0 {
		c := s.children[0]
		c.filters = filters
		for _, u := range sortedKeys(c.links) {
			r.refreshLink(c, c.links[u])
		}
		return
	}

	index := 0
	if s.strategy == Backward {
		index = s.index
		s.index++
	}
	c := &child{
		sub:     s,
		subID:   subID(s.id, index),
		filters: filters,
		links:   make(map[string]*link),
	}
	s.children = append(s.children, c)
	for _, u := range sortedKeys(s.targets) {
		r.openLink(c, u)
	}
	if s.strategy == Forward {
		return
	}
	if len(c.links) == 0 {
		r.completeChild(c)
		return
	}
	c.timer = r.cfg.Clock.AfterFunc(s.timeout, func() {
		r.post(func() { r.timeoutChild(c) })
	})
}

func (r *Registry) limits(relay string) capability.Descriptor {
	if r.cfg.Limits == nil {
		return capability.Descriptor{}
	}
	return r.cfg.Limits.GetOrDefault(relay)
}

func (r *Registry) newWires(c *child, relay string) []*wire {
	var out []*wire
	for n, b := range chunkBounds(len(c.filters), r.limits(relay).MaxFilters) {
		r.seq++
		out = append(out, &wire{
			seq:   r.seq,
			id:    wireID(c.subID, n),
			relay: relay,
			child: c,
			lo:    b[0],
			hi:    b[1],
		})
	}
	return out
}

func (r *Registry) openLink(c *child, relay string) {
	l := &link{relay: relay, wires: r.newWires(c, relay)}
	c.links[relay] = l
	for _, w := range l.wires {
		r.issue(w)
	}
}

// refreshLink re-issues a forward child's REQs with new filters. Wire ids
// are reused; each open one is closed before its new REQ goes out.
func (r *Registry) refreshLink(c *child, l *link) {
	fresh := r.newWires(c, l.relay)
	for i, nw := range fresh {
		if i < len(l.wires) && l.wires[i].state != wireClosed {
			w := l.wires[i]
			w.lo, w.hi = nw.lo, nw.hi
			fresh[i] = w
			if w.state == wireActive {
				if w.sent {
					r.sendCLOSE(w)
				}
				r.sendREQ(w)
			}
			continue
		}
		r.issue(nw)
	}
	for i := len(fresh); i < len(l.wires); i++ {
		r.closeWire(l.wires[i], true)
	}
	l.wires = fresh
}

func (r *Registry) closeLink(c *child, relay string) {
	l, ok := c.links[relay]
	if !ok {
		return
	}
	for _, w := range l.wires {
		r.closeWire(w, true)
	}
	delete(c.links, relay)
}

// abandonLink stops waiting for relay in a backward query.
func (r *Registry) abandonLink(c *child, relay string) {
	l, ok := c.links[relay]
	if !ok || l.done {
		return
	}
	for _, w := range l.wires {
		r.closeWire(w, true)
	}
	l.done = true
	r.checkChild(c)
}

func (r *Registry) slot(relay string) *slot {
	s, ok := r.slots[relay]
	if !ok {
		s = &slot{active: make(map[*wire]struct{})}
		r.slots[relay] = s
	}
	return s
}

// issue opens w, or queues it while the relay is at its subscription limit.
func (r *Registry) issue(w *wire) {
	s := r.slot(w.relay)
	if limit := r.limits(w.relay).MaxSubscriptions; limit > 0 && len(s.active) >= limit {
		w.state = wireQueued
		s.queue = append(s.queue, w)
		atomic.AddInt64(&r.queued, 1)
		r.log.With(w.relay).Debug("issue", "%s queued, %d open", w.id, len(s.active))
		return
	}
	w.state = wireActive
	s.active[w] = struct{}{}
	r.sendREQ(w)
}

func (r *Registry) drain(relay string) {
	s, ok := r.slots[relay]
	if !ok {
		return
	}
	limit := r.limits(relay).MaxSubscriptions
	for len(s.queue) > 0 && (limit <= 0 || len(s.active) < limit) {
		w := s.queue[0]
		s.queue = s.queue[1:]
		if w.state != wireQueued || !w.child.sub.live.Load() {
			continue
		}
		w.state = wireActive
		s.active[w] = struct{}{}
		r.sendREQ(w)
	}
	if len(s.active) == 0 && len(s.queue) == 0 {
		delete(r.slots, relay)
	}
}

func (r *Registry) sendREQ(w *wire) {
	c := w.child
	if !c.sub.live.Load() || r.disposed.Load() {
		return
	}
	filters := evaluate(c.filters[w.lo:w.hi], r.limits(w.relay).MaxLimit)
	r.routes.Store(routeKey(w.relay, w.id), &Route{
		Relay:   w.relay,
		WireID:  w.id,
		SubID:   c.subID,
		Filters: filters,
		sub:     c.sub,
		w:       w,
	})

	frame := make([]any, 0, len(filters)+2)
	frame = append(frame, "REQ", w.id)
	for _, f := range filters {
		frame = append(frame, f)
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		panic(fmt.Sprintf("subscription: REQ %s does not encode: %v", w.id, err))
	}

	session, err := r.send(w.relay, msg)
	if err != nil {
		w.sent = false
		r.log.With(w.relay).Debug("sendREQ", "%s waits for connection: %v", w.id, err)
		return
	}
	if w.session != 0 {
		atomic.AddInt64(&r.resends, 1)
	}
	w.sent = true
	w.session = session
	w.eose = false
	atomic.AddInt64(&r.reqs, 1)
}

func (r *Registry) sendCLOSE(w *wire) {
	msg, _ := json.Marshal([]any{"CLOSE", w.id})
	if _, err := r.send(w.relay, msg); err != nil {
		r.log.With(w.relay).Debug("sendCLOSE", "%s: %v", w.id, err)
		return
	}
	atomic.AddInt64(&r.closes, 1)
}

func (r *Registry) send(relay string, msg []byte) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	defer cancel()
	return r.cfg.Relays.Send(ctx, relay, msg)
}

// closeWire retires w. CLOSE goes out only for REQs the relay has seen.
func (r *Registry) closeWire(w *wire, sendClose bool) {
	if w.state == wireClosed {
		return
	}
	prev := w.state
	w.state = wireClosed
	if rt, ok := r.routes.Load(routeKey(w.relay, w.id)); ok && rt.w == w {
		r.routes.Delete(routeKey(w.relay, w.id))
	}
	s := r.slot(w.relay)
	if prev == wireQueued {
		s.queue = slices.DeleteFunc(s.queue, func(q *wire) bool { return q == w })
		r.drain(w.relay)
		return
	}
	delete(s.active, w)
	if sendClose && w.sent {
		r.sendCLOSE(w)
	}
	r.drain(w.relay)
}

func (r *Registry) poolChanged(ch pool.Change) {
	removed := make(map[string]bool, len(ch.Removed))
	for _, u := range ch.Removed {
		removed[u] = true
	}
	reads := make(map[string]bool)
	for _, u := range r.cfg.Relays.ReadURLs() {
		reads[u] = true
	}

	r.subs.Range(func(_ string, s *Subscription) bool {
		if !s.live.Load() || s.finished || s.explicit != nil || s.targets == nil {
			return true
		}
		// a role change on a relay that stays readable is a close then a reopen
		var toClose, toOpen []string
		for u := range s.targets {
			if !reads[u] || removed[u] {
				toClose = append(toClose, u)
			}
		}
		for u := range reads {
			if !s.targets[u] || removed[u] {
				toOpen = append(toOpen, u)
			}
		}
		slices.Sort(toClose)
		slices.Sort(toOpen)
		s.targets = make(map[string]bool, len(reads))
		for u := range reads {
			s.targets[u] = true
		}

		for _, c := range s.children {
			if s.strategy == Forward {
				for _, u := range toClose {
					r.closeLink(c, u)
				}
				for _, u := range toOpen {
					r.openLink(c, u)
				}
				continue
			}
			// running historical queries keep the relays they started on
			for _, u := range toClose {
				if !reads[u] {
					r.abandonLink(c, u)
				}
			}
		}
		return true
	})
}

func (r *Registry) stateChanged(sc connection.StateChange) {
	s, ok := r.slots[sc.URL]
	if !ok {
		return
	}
	wires := make([]*wire, 0, len(s.active)+len(s.queue))
	for w := range s.active {
		wires = append(wires, w)
	}
	slices.SortFunc(wires, func(a, b *wire) int { return cmp.Compare(a.seq, b.seq) })

	switch sc.State {
	case connection.Connected:
		for _, w := range wires {
			if !w.sent || w.session != sc.Session {
				r.sendREQ(w)
			}
		}
	case connection.Error, connection.Terminated:
		wires = append(wires, s.queue...)
		for _, w := range wires {
			if w.child.sub.strategy == Forward {
				w.sent = false
				continue
			}
			// an unreachable relay ends its part of a historical query
			r.closeWire(w, false)
			if l := w.child.links[w.relay]; l != nil && !l.done && l.allClosed() {
				l.done = true
				r.checkChild(w.child)
			}
		}
	}
}

func (r *Registry) eose(relay, wireID string) {
	rt, ok := r.routes.Load(routeKey(relay, wireID))
	if !ok || rt.w.state != wireActive {
		return
	}
	atomic.AddInt64(&r.eoses, 1)
	w := rt.w
	w.eose = true
	if w.child.sub.strategy == Forward {
		return
	}
	r.closeWire(w, true)
	r.linkProgress(w)
}

func (r *Registry) linkProgress(w *wire) {
	l := w.child.links[w.relay]
	if l == nil || l.done || !l.allClosed() {
		return
	}
	l.done = true
	r.checkChild(w.child)
}

func (r *Registry) closed(relay, wireID, message string) {
	rt, ok := r.routes.Load(routeKey(relay, wireID))
	if !ok || rt.w.state != wireActive {
		return
	}
	atomic.AddInt64(&r.closedByRelay, 1)
	w := rt.w
	if r.cfg.Auth != nil && strings.HasPrefix(message, "auth-required:") {
		r.log.With(relay).Debug("closed", "%s waits for auth", wireID)
		w.sent = false
		r.cfg.Auth.Defer(relay, func() {
			r.post(func() {
				if w.state == wireActive && !w.sent {
					r.sendREQ(w)
				}
			})
		}, func(err error) {
			r.post(func() { r.failWire(w, err) })
		})
		return
	}
	r.failWire(w, errors.New(message))
}

// failWire gives up on w after a relay refused it. Failures caused by a
// lost connection leave w in place; the next session re-issues it.
func (r *Registry) failWire(w *wire, err error) {
	if w.state != wireActive {
		return
	}
	if errors.Is(err, connection.ErrNotConnected) {
		w.sent = false
		return
	}
	r.log.With(w.relay).Debug("failWire", "%s: %v", w.id, err)
	r.closeWire(w, false)
	w.child.sub.report(w.relay, w.child.subID, err)
	if w.child.sub.strategy == Backward {
		r.linkProgress(w)
	}
}

func (r *Registry) timeoutChild(c *child) {
	if c.complete {
		return
	}
	atomic.AddInt64(&r.timeouts, 1)
	r.log.Debug("timeoutChild", "%s timed out", c.subID)
	for _, u := range sortedKeys(c.links) {
		l := c.links[u]
		if l.done {
			continue
		}
		for _, w := range l.wires {
			r.closeWire(w, true)
		}
		l.done = true
	}
	r.completeChild(c)
}

func (r *Registry) checkChild(c *child) {
	if c.complete {
		return
	}
	for _, l := range c.links {
		if !l.done {
			return
		}
	}
	r.completeChild(c)
}

func (r *Registry) completeChild(c *child) {
	c.complete = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	r.checkSub(c.sub)
}

// checkSub ends a backward subscription once it is over and every query
// completed.
func (r *Registry) checkSub(s *Subscription) {
	if s.finished || s.strategy != Backward || !s.over.Load() {
		return
	}
	for _, c := range s.children {
		if !c.complete {
			return
		}
	}
	r.finish(s)
}

func (r *Registry) finish(s *Subscription) {
	if s.finished {
		return
	}
	s.finished = true
	s.live.Store(false)
	for _, c := range s.children {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		for _, u := range sortedKeys(c.links) {
			for _, w := range c.links[u].wires {
				r.closeWire(w, true)
			}
		}
	}
	r.subs.Compute(s.id, func(old *Subscription, loaded bool) (*Subscription, bool) {
		return old, !loaded || old == s
	})
	r.releaseExplicit(s)
	s.closeOutput()
	r.log.Debug("finish", "%s done", s.id)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
