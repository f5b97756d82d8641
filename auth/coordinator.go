// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/logging"
	"github.com/nbd-wtf/go-nostr/nip42"
)

var (
	// ErrNoSigner fails operations that need AUTH when no signer is set.
	ErrNoSigner = errors.New("auth required but no signer configured")
	// ErrAuthFailed is returned when signing failed or the relay refused
	// the AUTH event.
	ErrAuthFailed = errors.New("auth failed")
	// ErrAuthTimeout is returned when the handshake did not finish in time.
	ErrAuthTimeout = errors.New("auth timed out")
	// ErrConnectionLost fails held operations when the connection drops.
	// It matches connection.ErrNotConnected, so callers may retry.
	ErrConnectionLost = fmt.Errorf("auth: connection lost: %w", connection.ErrNotConnected)
)

// Status of the handshake with one relay.
type Status int

const (
	Unauthenticated Status = iota
	Pending
	Authenticated
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	}
	return "unauthenticated"
}

// Sender writes frames to a relay.
type Sender interface {
	Send(ctx context.Context, url string, msg []byte) (uint64, error)
}

// Config wires a Coordinator.
type Config struct {
	Sender Sender
	// Signer may be nil; every AUTH then fails with ErrNoSigner.
	Signer Signer
	Clock  clock.Clock
	// Timeout bounds one handshake. Zero means 10s.
	Timeout time.Duration
}

type deferred struct {
	replay func()
	fail   func(error)
}

type relayAuth struct {
	status  Status
	gen     uint64
	eventID string
	err     error
	timer   *clock.Timer
	queue   []deferred
}

// Coordinator answers AUTH challenges and holds operations a relay
// rejected with "auth-required:" until the handshake is done.
type Coordinator struct {
	cfg Config
	log logging.Logger

	mu     sync.Mutex
	relays map[string]*relayAuth

	challenges int64
	successes  int64
	failures   int64
	replayed   int64
}

// Stats holds runtime counters for the coordinator.
type Stats struct {
	Challenges int64 `json:"challenges"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	Replayed   int64 `json:"replayed"`
}

// New creates a Coordinator with no relay authenticated.
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Coordinator{
		cfg:    cfg,
		log:    logging.For("auth"),
		relays: make(map[string]*relayAuth),
	}
}

func (c *Coordinator) entryLocked(relay string) *relayAuth {
	ra, ok := c.relays[relay]
	if !ok {
		ra = &relayAuth{}
		c.relays[relay] = ra
	}
	return ra
}

// Status returns the handshake status with relay.
func (c *Coordinator) Status(relay string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ra, ok := c.relays[relay]; ok {
		return ra.status
	}
	return Unauthenticated
}

// HandleChallenge starts a handshake for an ["AUTH", challenge] message.
func (c *Coordinator) HandleChallenge(relay, challenge string) {
	atomic.AddInt64(&c.challenges, 1)
	c.mu.Lock()
	ra := c.entryLocked(relay)
	ra.gen++
	gen := ra.gen
	if c.cfg.Signer == nil {
		fails := c.settleLocked(ra, Failed, ErrNoSigner)
		c.mu.Unlock()
		runFails(fails, ErrNoSigner)
		return
	}
	ra.status = Pending
	ra.eventID = ""
	ra.err = nil
	c.armLocked(relay, ra)
	c.mu.Unlock()

	go c.authenticate(relay, challenge, gen)
}

func (c *Coordinator) authenticate(relay, challenge string, gen uint64) {
	ctx, cancel := c.cfg.Clock.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	pk, err := c.cfg.Signer.PublicKey(ctx)
	if err != nil {
		c.fail(relay, gen, fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}
	evt := nip42.CreateUnsignedAuthEvent(challenge, pk, relay)
	if err := c.cfg.Signer.Sign(ctx, &evt); err != nil {
		c.fail(relay, gen, fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}

	c.mu.Lock()
	ra, ok := c.relays[relay]
	if !ok || ra.gen != gen {
		c.mu.Unlock()
		return
	}
	ra.eventID = evt.ID
	c.mu.Unlock()

	msg, err := json.Marshal([]any{"AUTH", evt})
	if err != nil {
		c.fail(relay, gen, fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}
	if _, err := c.cfg.Sender.Send(ctx, relay, msg); err != nil {
		c.fail(relay, gen, err)
		return
	}
	c.log.With(relay).Debug("authenticate", "sent AUTH %s", evt.ID)
}

// HandleOK consumes the OK answering our AUTH event. It reports false for
// OKs that belong to anything else.
func (c *Coordinator) HandleOK(relay, eventID string, ok bool, message string) bool {
	c.mu.Lock()
	ra, found := c.relays[relay]
	if !found || ra.status != Pending || ra.eventID == "" || ra.eventID != eventID {
		c.mu.Unlock()
		return false
	}
	if !ok {
		err := fmt.Errorf("%w: %s", ErrAuthFailed, message)
		fails := c.settleLocked(ra, Failed, err)
		c.mu.Unlock()
		atomic.AddInt64(&c.failures, 1)
		c.log.With(relay).Debug("HandleOK", "rejected: %s", message)
		runFails(fails, err)
		return true
	}
	replays := c.settleLocked(ra, Authenticated, nil)
	c.mu.Unlock()
	atomic.AddInt64(&c.successes, 1)
	atomic.AddInt64(&c.replayed, int64(len(replays)))
	c.log.With(relay).Debug("HandleOK", "authenticated, replaying %d", len(replays))
	for _, d := range replays {
		d.replay()
	}
	return true
}

// Defer holds an operation the relay rejected with "auth-required:". It
// runs right away when the relay is already authenticated and fails right
// away when no handshake can succeed.
func (c *Coordinator) Defer(relay string, replay func(), fail func(error)) {
	if c.cfg.Signer == nil {
		fail(ErrNoSigner)
		return
	}
	c.mu.Lock()
	ra := c.entryLocked(relay)
	switch ra.status {
	case Authenticated:
		c.mu.Unlock()
		atomic.AddInt64(&c.replayed, 1)
		replay()
		return
	case Failed:
		err := ra.err
		c.mu.Unlock()
		fail(err)
		return
	}
	ra.queue = append(ra.queue, deferred{replay: replay, fail: fail})
	// the challenge may still be on its way; don't wait forever for it
	if ra.timer == nil {
		c.armLocked(relay, ra)
	}
	c.mu.Unlock()
}

// HandleState resets a relay to unauthenticated whenever its connection
// leaves Connected. Held operations fail with ErrConnectionLost.
func (c *Coordinator) HandleState(sc connection.StateChange) {
	if sc.State == connection.Connected {
		return
	}
	c.mu.Lock()
	ra, ok := c.relays[sc.URL]
	if !ok {
		c.mu.Unlock()
		return
	}
	ra.gen++
	fails := c.settleLocked(ra, Unauthenticated, nil)
	if sc.State == connection.Terminated {
		delete(c.relays, sc.URL)
	}
	c.mu.Unlock()
	runFails(fails, ErrConnectionLost)
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Challenges: atomic.LoadInt64(&c.challenges),
		Successes:  atomic.LoadInt64(&c.successes),
		Failures:   atomic.LoadInt64(&c.failures),
		Replayed:   atomic.LoadInt64(&c.replayed),
	}
}

func (c *Coordinator) armLocked(relay string, ra *relayAuth) {
	if ra.timer != nil {
		ra.timer.Stop()
	}
	gen := ra.gen
	ra.timer = c.cfg.Clock.AfterFunc(c.cfg.Timeout, func() { c.fail(relay, gen, ErrAuthTimeout) })
}

func (c *Coordinator) fail(relay string, gen uint64, err error) {
	c.mu.Lock()
	ra, ok := c.relays[relay]
	if !ok || ra.gen != gen || ra.status == Authenticated {
		c.mu.Unlock()
		return
	}
	fails := c.settleLocked(ra, Failed, err)
	c.mu.Unlock()
	atomic.AddInt64(&c.failures, 1)
	c.log.With(relay).Debug("fail", "%v", err)
	runFails(fails, err)
}

// settleLocked moves ra to status and hands back the held operations.
func (c *Coordinator) settleLocked(ra *relayAuth, status Status, err error) []deferred {
	ra.status = status
	ra.err = err
	ra.eventID = ""
	if ra.timer != nil {
		ra.timer.Stop()
		ra.timer = nil
	}
	q := ra.queue
	ra.queue = nil
	return q
}

func runFails(ds []deferred, err error) {
	for _, d := range ds {
		d.fail(err)
	}
}
