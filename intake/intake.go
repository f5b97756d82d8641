// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Intake - validation, verification and delivery of inbound events.
package intake

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/subscription"
	"github.com/nbd-wtf/go-nostr"
)

// Verifier decides whether an event is authentic. It may block, e.g. to
// batch work with other callers.
type Verifier interface {
	Verify(ctx context.Context, evt *nostr.Event) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, evt *nostr.Event) bool

func (f VerifierFunc) Verify(ctx context.Context, evt *nostr.Event) bool { return f(ctx, evt) }

// CheckSignature verifies id and signature with go-nostr.
func CheckSignature(evt *nostr.Event) bool {
	if !evt.CheckID() {
		return false
	}
	ok, err := evt.CheckSignature()
	return err == nil && ok
}

// SignatureVerifier checks every event inline.
var SignatureVerifier Verifier = VerifierFunc(func(_ context.Context, evt *nostr.Event) bool {
	return CheckSignature(evt)
})

// NoopVerifier accepts everything.
var NoopVerifier Verifier = VerifierFunc(func(context.Context, *nostr.Event) bool { return true })

// Target is the subscription side of one REQ.
type Target interface {
	Matches(evt *nostr.Event) bool
	Deliver(evt *nostr.Event) bool
}

// Router resolves wire sub ids to their subscription.
type Router interface {
	Route(relay, wireID string) (Target, bool)
}

// RegistryRouter routes through a subscription registry.
type RegistryRouter struct {
	Registry *subscription.Registry
}

func (r RegistryRouter) Route(relay, wireID string) (Target, bool) {
	rt, ok := r.Registry.Lookup(relay, wireID)
	if !ok {
		return nil, false
	}
	return rt, true
}

// Config wires a Pipeline.
type Config struct {
	Router Router
	// Verifier defaults to SignatureVerifier.
	Verifier Verifier
	// SkipFilterMatch trusts relays to only send matching events.
	SkipFilterMatch bool
	// LaneSize bounds the events of one relay waiting for verification
	// in Submit. Zero means 256.
	LaneSize int
}

// Pipeline takes EVENT messages from relays to subscriptions. Events of
// one relay are delivered in the order the relay sent them.
type Pipeline struct {
	cfg Config
	log logging.Logger

	mu    sync.Mutex
	lanes map[string]*lane

	received          int64
	droppedUnknown    int64
	droppedMismatch   int64
	droppedUnverified int64
	delivered         int64
}

// Stats holds runtime counters for the pipeline.
type Stats struct {
	Received          int64 `json:"received"`
	DroppedUnknown    int64 `json:"dropped_unknown"`
	DroppedMismatch   int64 `json:"dropped_mismatch"`
	DroppedUnverified int64 `json:"dropped_unverified"`
	Delivered         int64 `json:"delivered"`
}

// New creates a Pipeline; see Config for the defaults.
func New(cfg Config) *Pipeline {
	if cfg.Verifier == nil {
		cfg.Verifier = SignatureVerifier
	}
	if cfg.LaneSize <= 0 {
		cfg.LaneSize = 256
	}
	return &Pipeline{cfg: cfg, log: logging.For("intake"), lanes: make(map[string]*lane)}
}

// Handle processes one event received from relay for wireID and reports
// whether it reached a subscriber. It blocks for the verification. Rejected
// events are only logged.
func (p *Pipeline) Handle(ctx context.Context, relay, wireID string, evt *nostr.Event) bool {
	rt, ok := p.admit(relay, wireID, evt)
	if !ok {
		return false
	}
	return p.finish(relay, rt, evt, p.cfg.Verifier.Verify(ctx, evt))
}

// Submit is Handle without waiting: verification starts at once and the
// event is delivered by the relay's lane once it and every earlier event
// of that relay are settled. It blocks only while the lane is full.
func (p *Pipeline) Submit(ctx context.Context, relay, wireID string, evt *nostr.Event) {
	rt, ok := p.admit(relay, wireID, evt)
	if !ok {
		return
	}
	it := &laneItem{target: rt, evt: evt, verified: make(chan bool, 1)}
	if !p.enqueue(ctx, relay, it) {
		return
	}
	go func() { it.verified <- p.cfg.Verifier.Verify(ctx, evt) }()
}

// After runs fn on the relay's lane once every event submitted before it
// was delivered or dropped, e.g. to handle EOSE after the stored events.
func (p *Pipeline) After(ctx context.Context, relay string, fn func()) {
	p.enqueue(ctx, relay, &laneItem{after: fn})
}

func (p *Pipeline) admit(relay, wireID string, evt *nostr.Event) (Target, bool) {
	atomic.AddInt64(&p.received, 1)

	rt, ok := p.cfg.Router.Route(relay, wireID)
	if !ok {
		atomic.AddInt64(&p.droppedUnknown, 1)
		p.log.With(relay).Debug("Handle", "no subscription %s", wireID)
		return nil, false
	}
	if !p.cfg.SkipFilterMatch && !rt.Matches(evt) {
		atomic.AddInt64(&p.droppedMismatch, 1)
		p.log.With(relay).Debug("Handle", "event %s does not match %s", evt.ID, wireID)
		return nil, false
	}
	return rt, true
}

func (p *Pipeline) finish(relay string, rt Target, evt *nostr.Event, verified bool) bool {
	if !verified {
		atomic.AddInt64(&p.droppedUnverified, 1)
		p.log.With(relay).Debug("Handle", "event %s failed verification", evt.ID)
		return false
	}
	if !rt.Deliver(evt) {
		return false
	}
	atomic.AddInt64(&p.delivered, 1)
	return true
}

// lane keeps one relay's submitted events in arrival order. Its drain
// goroutine runs only while items are queued.
type lane struct {
	items   chan *laneItem
	queued  int
	running bool
}

type laneItem struct {
	target   Target
	evt      *nostr.Event
	verified chan bool
	after    func()
}

func (p *Pipeline) enqueue(ctx context.Context, relay string, it *laneItem) bool {
	p.mu.Lock()
	l, ok := p.lanes[relay]
	if !ok {
		l = &lane{items: make(chan *laneItem, p.cfg.LaneSize)}
		p.lanes[relay] = l
	}
	l.queued++
	if !l.running {
		l.running = true
		go p.drain(ctx, relay, l)
	}
	p.mu.Unlock()

	select {
	case l.items <- it:
		return true
	case <-ctx.Done():
		p.mu.Lock()
		l.queued--
		p.mu.Unlock()
		return false
	}
}

func (p *Pipeline) drain(ctx context.Context, relay string, l *lane) {
	for {
		p.mu.Lock()
		if l.queued == 0 {
			l.running = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		var it *laneItem
		select {
		case it = <-l.items:
		case <-ctx.Done():
			p.mu.Lock()
			l.running = false
			p.mu.Unlock()
			return
		}
		if it.after != nil {
			it.after()
		} else {
			p.finish(relay, it.target, it.evt, <-it.verified)
		}

		p.mu.Lock()
		l.queued--
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:          atomic.LoadInt64(&p.received),
		DroppedUnknown:    atomic.LoadInt64(&p.droppedUnknown),
		DroppedMismatch:   atomic.LoadInt64(&p.droppedMismatch),
		DroppedUnverified: atomic.LoadInt64(&p.droppedUnverified),
		Delivered:         atomic.LoadInt64(&p.delivered),
	}
}
