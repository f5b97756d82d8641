// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package rxnostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/subscription"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrOKTimeout is reported for relays that did not answer an EVENT.
	ErrOKTimeout = errors.New("timed out waiting for OK")
	// ErrInFlight is reported when the same event is already being
	// published to the relay.
	ErrInFlight = errors.New("event already in flight")
)

// OKPacket is the outcome of publishing one event to one relay. Err is set
// when no OK was received; OK false with a Message is a relay rejection.
type OKPacket struct {
	From    string
	EventID string
	OK      bool
	Message string
	Err     error
}

// SendOption configures one Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	relays    []string
	okTimeout time.Duration
}

// ToRelays publishes to the given relays instead of the pool's write relays.
func ToRelays(urls ...string) SendOption {
	return func(o *sendOptions) { o.relays = append(o.relays, urls...) }
}

// WithSendTimeout overrides the OK timeout of the client for one Send.
func WithSendTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.okTimeout = d }
}

type sender interface {
	Send(ctx context.Context, url string, msg []byte) (uint64, error)
}

// publisher tracks EVENTs waiting for their OK, keyed by relay and event id.
type publisher struct {
	relays sender
	auth   subscription.Deferrer
	clock  clock.Clock
	log    logging.Logger

	pending *xsync.MapOf[string, *attempt]

	published int64
	accepted  int64
	rejected  int64
	failed    int64
	timeouts  int64
	authRetry int64
}

// PublishStats holds runtime counters for Send.
type PublishStats struct {
	Published int64 `json:"published"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
	Timeouts  int64 `json:"timeouts"`
	AuthRetry int64 `json:"auth_retry"`
	InFlight  int   `json:"in_flight"`
}

type publication struct {
	eventID  string
	out      chan OKPacket
	left     atomic.Int32
	finished chan struct{}
	release  func()
}

type attempt struct {
	pub     *publication
	relay   string
	msg     []byte
	ctx     context.Context
	timeout time.Duration

	mu       sync.Mutex
	timer    *clock.Timer
	deferred bool
	done     bool
}

func newPublisher(relays sender, auth subscription.Deferrer, c clock.Clock) *publisher {
	return &publisher{
		relays:  relays,
		auth:    auth,
		clock:   c,
		log:     logging.For("publish"),
		pending: xsync.NewMapOf[string, *attempt](),
	}
}

func pendingKey(relay, eventID string) string { return relay + "\x00" + eventID }

// publish sends evt to every relay in targets. The returned channel gets
// one packet per relay and is closed after the last one.
func (p *publisher) publish(ctx context.Context, evt *nostr.Event, targets []string, timeout time.Duration, release func()) (<-chan OKPacket, error) {
	msg, err := json.Marshal([]any{"EVENT", evt})
	if err != nil {
		release()
		return nil, fmt.Errorf("encode event: %w", err)
	}
	pub := &publication{
		eventID:  evt.ID,
		out:      make(chan OKPacket, len(targets)),
		finished: make(chan struct{}),
		release:  release,
	}
	if len(targets) == 0 {
		close(pub.out)
		release()
		return pub.out, nil
	}
	pub.left.Store(int32(len(targets)))

	attempts := make([]*attempt, len(targets))
	for i, relay := range targets {
		attempts[i] = &attempt{pub: pub, relay: relay, msg: msg, ctx: ctx, timeout: timeout}
	}
	go func() {
		select {
		case <-ctx.Done():
			for _, a := range attempts {
				p.finish(a, OKPacket{Err: ctx.Err()})
			}
		case <-pub.finished:
		}
	}()

	for _, a := range attempts {
		atomic.AddInt64(&p.published, 1)
		if _, loaded := p.pending.LoadOrStore(pendingKey(a.relay, pub.eventID), a); loaded {
			p.finish(a, OKPacket{Err: ErrInFlight})
			continue
		}
		p.start(a)
	}
	return pub.out, nil
}

func (p *publisher) start(a *attempt) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = p.clock.AfterFunc(a.timeout, func() {
		atomic.AddInt64(&p.timeouts, 1)
		p.finish(a, OKPacket{Err: ErrOKTimeout})
	})
	a.mu.Unlock()

	if _, err := p.relays.Send(a.ctx, a.relay, a.msg); err != nil {
		p.finish(a, OKPacket{Err: err})
		return
	}
	p.log.With(a.relay).Debug("start", "EVENT %s", a.pub.eventID)
}

// handleOK settles the attempt an OK answers. It reports false for OKs
// nobody waits for.
func (p *publisher) handleOK(relay, eventID string, ok bool, message string) bool {
	a, found := p.pending.Load(pendingKey(relay, eventID))
	if !found {
		return false
	}
	if !ok && p.auth != nil && strings.HasPrefix(message, "auth-required:") {
		a.mu.Lock()
		retry := !a.deferred && !a.done
		if retry {
			a.deferred = true
			if a.timer != nil {
				a.timer.Stop()
				a.timer = nil
			}
		}
		a.mu.Unlock()
		if retry {
			atomic.AddInt64(&p.authRetry, 1)
			p.auth.Defer(relay, func() { p.start(a) }, func(err error) {
				p.finish(a, OKPacket{Message: message, Err: err})
			})
			return true
		}
	}
	p.finish(a, OKPacket{OK: ok, Message: message})
	return true
}

// handleState fails attempts on relays that lost their connection.
func (p *publisher) handleState(sc connection.StateChange) {
	if sc.State == connection.Connected || sc.State == connection.Connecting {
		return
	}
	prefix := sc.URL + "\x00"
	p.pending.Range(func(k string, a *attempt) bool {
		if strings.HasPrefix(k, prefix) {
			a.mu.Lock()
			deferred := a.deferred
			a.mu.Unlock()
			// deferred attempts are failed by the auth coordinator
			if !deferred {
				p.finish(a, OKPacket{Err: fmt.Errorf("%s: %w", sc.URL, connection.ErrNotConnected)})
			}
		}
		return true
	})
}

// dispose fails every attempt still waiting.
func (p *publisher) dispose(err error) {
	p.pending.Range(func(_ string, a *attempt) bool {
		p.finish(a, OKPacket{Err: err})
		return true
	})
}

func (p *publisher) finish(a *attempt, pkt OKPacket) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	p.pending.Compute(pendingKey(a.relay, a.pub.eventID), func(cur *attempt, loaded bool) (*attempt, bool) {
		return cur, !loaded || cur == a
	})

	switch {
	case pkt.Err != nil:
		if !errors.Is(pkt.Err, ErrOKTimeout) {
			atomic.AddInt64(&p.failed, 1)
		}
	case pkt.OK:
		atomic.AddInt64(&p.accepted, 1)
	default:
		atomic.AddInt64(&p.rejected, 1)
	}

	pkt.From = a.relay
	pkt.EventID = a.pub.eventID
	a.pub.out <- pkt
	if a.pub.left.Add(-1) == 0 {
		close(a.pub.out)
		close(a.pub.finished)
		// may run under a connection's lock; releasing can dispose it
		go a.pub.release()
	}
}

func (p *publisher) stats() PublishStats {
	return PublishStats{
		Published: atomic.LoadInt64(&p.published),
		Accepted:  atomic.LoadInt64(&p.accepted),
		Rejected:  atomic.LoadInt64(&p.rejected),
		Failed:    atomic.LoadInt64(&p.failed),
		Timeouts:  atomic.LoadInt64(&p.timeouts),
		AuthRetry: atomic.LoadInt64(&p.authRetry),
		InFlight:  p.pending.Size(),
	}
}
