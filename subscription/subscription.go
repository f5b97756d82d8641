// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package subscription

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
)

// Strategy selects how a subscription treats its REQs.
type Strategy int

const (
	// Forward subscriptions are live until stopped and are re-issued on
	// every reconnect.
	Forward Strategy = iota
	// Backward subscriptions are historical queries that complete once
	// every target relay sent EOSE or the timeout elapsed.
	Backward
)

func (s Strategy) String() string {
	if s == Backward {
		return "backward"
	}
	return "forward"
}

// EventPacket is one event delivered to a subscription.
type EventPacket struct {
	From  string
	SubID string
	Event *nostr.Event
}

// RelayError reports a failure of one REQ on one relay. It never ends the
// subscription.
type RelayError struct {
	Relay string
	SubID string
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Relay, e.SubID, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Option configures a subscription.
type Option func(*options)

type options struct {
	relays      []string
	eoseTimeout time.Duration
	buffer      int
}

// WithRelays pins the subscription to relays instead of the pool's read
// relays.
func WithRelays(urls ...string) Option {
	return func(o *options) { o.relays = append(o.relays, urls...) }
}

// WithEOSETimeout overrides the registry's completion timeout for a
// backward subscription.
func WithEOSETimeout(d time.Duration) Option {
	return func(o *options) { o.eoseTimeout = d }
}

// WithBuffer sets the capacity of the packet channel.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// Subscription is the handle of one logical subscription.
type Subscription struct {
	reg      *Registry
	id       string
	strategy Strategy
	explicit []string
	timeout  time.Duration
	live     atomic.Bool
	over     atomic.Bool

	// owned by the registry goroutine
	index    int
	targets  map[string]bool
	children []*child
	finished bool

	out      chan EventPacket
	errs     chan error
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	omu      sync.RWMutex
	closed   bool
}

// ID returns the logical id the subscription was opened with.
func (s *Subscription) ID() string { return s.id }

// Strategy reports whether the subscription is forward or backward.
func (s *Subscription) Strategy() Strategy { return s.strategy }

// Emit sends a new filter set. A forward subscription replaces its filters
// in place; every backward emission starts a new historical query with its
// own sub id.
func (s *Subscription) Emit(filters ...LazyFilter) error {
	if !s.live.Load() {
		return ErrDisposed
	}
	if s.over.Load() {
		return ErrOver
	}
	fs := append([]LazyFilter(nil), filters...)
	if !s.reg.post(func() { s.reg.emit(s, fs) }) {
		return ErrDisposed
	}
	return nil
}

// EmitFilters is Emit for plain filters.
func (s *Subscription) EmitFilters(filters ...nostr.Filter) error {
	return s.Emit(Fixed(filters...)...)
}

// Over declares that no more filters will be emitted. A backward
// subscription completes once its running queries do.
func (s *Subscription) Over() {
	if s.over.Swap(true) || !s.live.Load() {
		return
	}
	s.reg.post(func() { s.reg.checkSub(s) })
}

// Stop closes every REQ of the subscription and ends it. No REQ is sent
// for it once Stop returns.
func (s *Subscription) Stop() {
	if !s.live.Swap(false) {
		return
	}
	s.interrupt()
	if !s.reg.post(func() { s.reg.finish(s) }) {
		s.closeOutput()
	}
}

// Packets returns the event stream. It is closed when the subscription ends.
func (s *Subscription) Packets() <-chan EventPacket { return s.out }

// Errors reports per relay failures such as CLOSED or failed AUTH. Errors
// are dropped when nobody reads them.
func (s *Subscription) Errors() <-chan error { return s.errs }

// Done is closed when the subscription ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// deliver blocks while the consumer is slow, which throttles the relay's
// read loop, and gives up once the subscription is stopped.
func (s *Subscription) deliver(pkt EventPacket) bool {
	s.omu.RLock()
	defer s.omu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- pkt:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Subscription) report(relay, subID string, err error) {
	select {
	case s.errs <- &RelayError{Relay: relay, SubID: subID, Err: err}:
	default:
	}
}

func (s *Subscription) interrupt() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Subscription) closeOutput() {
	s.interrupt()
	s.omu.Lock()
	defer s.omu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
	close(s.done)
}

// child is one sub id: the only one of a forward subscription, or one
// emission of a backward subscription.
type child struct {
	sub      *Subscription
	subID    string
	filters  []LazyFilter
	links    map[string]*link
	complete bool
	timer    *clock.Timer
}

// link is the state of one child on one relay.
type link struct {
	relay string
	wires []*wire
	done  bool
}

type wireState int

const (
	wireQueued wireState = iota
	wireActive
	wireClosed
)

// wire is one REQ on one relay: a whole child or one chunk of it.
type wire struct {
	seq     uint64
	id      string
	relay   string
	child   *child
	lo, hi  int
	state   wireState
	sent    bool
	session uint64
	eose    bool
}

func (l *link) allClosed() bool {
	for _, w := range l.wires {
		if w.state != wireClosed {
			return false
		}
	}
	return true
}
