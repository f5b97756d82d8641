// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Mirror - live events from the pool's read relays rebroadcast to local
// clients.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/intake"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/pool"
	"github.com/girino/relaypool/subscription"
	"github.com/nbd-wtf/go-nostr"
)

// Engine is the part of rxnostr.Client the mirror needs.
type Engine interface {
	Forward(id string, opts ...subscription.Option) (*subscription.Subscription, error)
	DefaultRelays() []pool.Descriptor
	ConnectionState(url string) (connection.State, bool)
}

// Broadcaster receives mirrored events. *khatru.Relay satisfies it.
type Broadcaster interface {
	BroadcastEvent(evt *nostr.Event) int
}

// MirrorManager handles continuous mirroring of events from the read relays
// to a local relay
type MirrorManager struct {
	engine   Engine
	clock    clock.Clock
	interval time.Duration
	filter   nostr.Filter
	log      logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mirroredEvents int64
	// mirroring health tracking
	mirrorAttempts            int64
	mirrorSuccesses           int64
	mirrorFailures            int64
	consecutiveMirrorFailures int64
	// relay health tracking
	liveRelays int64
	deadRelays int64
}

// MirrorStats holds runtime counters for mirroring operations
type MirrorStats struct {
	MirroredEvents            int64  `json:"mirrored_events"`
	MirrorAttempts            int64  `json:"mirror_attempts"`
	MirrorSuccesses           int64  `json:"mirror_successes"`
	MirrorFailures            int64  `json:"mirror_failures"`
	ConsecutiveMirrorFailures int64  `json:"consecutive_mirror_failures"`
	MirrorHealthState         string `json:"mirror_health_state"`
	Running                   bool   `json:"running"`
	// Relay health statistics
	LiveRelays int64 `json:"live_relays"`
	DeadRelays int64 `json:"dead_relays"`
}

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// Option configures a MirrorManager.
type Option func(*MirrorManager)

// WithClock sets the clock used for the since bound and health checks.
func WithClock(c clock.Clock) Option {
	return func(m *MirrorManager) { m.clock = c }
}

// WithHealthInterval sets how often relay health is checked. Default 30s.
func WithHealthInterval(d time.Duration) Option {
	return func(m *MirrorManager) { m.interval = d }
}

// WithFilter narrows what is mirrored. Since is always set at start.
func WithFilter(f nostr.Filter) Option {
	return func(m *MirrorManager) { m.filter = f }
}

// NewMirrorManager creates a MirrorManager over engine's read relays.
func NewMirrorManager(engine Engine, opts ...Option) *MirrorManager {
	m := &MirrorManager{
		engine:   engine,
		clock:    clock.New(),
		interval: 30 * time.Second,
		log:      logging.For("mirror"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close stops mirroring.
func (m *MirrorManager) Close() {
	m.StopMirroring()
}

// Stats returns a snapshot of the MirrorManager counters
func (m *MirrorManager) Stats() MirrorStats {
	consecutiveMirrorFailures := atomic.LoadInt64(&m.consecutiveMirrorFailures)
	m.mu.Lock()
	running := m.cancel != nil
	m.mu.Unlock()

	return MirrorStats{
		MirroredEvents:            atomic.LoadInt64(&m.mirroredEvents),
		MirrorAttempts:            atomic.LoadInt64(&m.mirrorAttempts),
		MirrorSuccesses:           atomic.LoadInt64(&m.mirrorSuccesses),
		MirrorFailures:            atomic.LoadInt64(&m.mirrorFailures),
		ConsecutiveMirrorFailures: consecutiveMirrorFailures,
		MirrorHealthState:         healthState(consecutiveMirrorFailures),
		Running:                   running,
		LiveRelays:                atomic.LoadInt64(&m.liveRelays),
		DeadRelays:                atomic.LoadInt64(&m.deadRelays),
	}
}

// healthState determines the health state based on consecutive failures
func healthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

func (m *MirrorManager) readURLs() []string {
	var urls []string
	for _, d := range m.engine.DefaultRelays() {
		if d.Read {
			urls = append(urls, d.URL)
		}
	}
	return urls
}

// StartMirroring begins continuous mirroring of events from the read relays
// to target. It is a no-op if mirroring already runs or no read relay is
// configured, and fails if every read relay is dead.
func (m *MirrorManager) StartMirroring(target Broadcaster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	urls := m.readURLs()
	if len(urls) == 0 {
		m.log.Info("no read relays configured, skipping mirroring")
		return nil
	}
	live, _ := m.checkRelayHealth()
	if live == 0 {
		return fmt.Errorf("no read relays are available (configured: %d)", len(urls))
	}

	since := nostr.Timestamp(m.clock.Now().Unix())
	f := m.filter
	f.Since = &since
	sub, err := m.engine.Forward("mirror")
	if err != nil {
		return fmt.Errorf("open mirror subscription: %w", err)
	}
	if err := sub.EmitFilters(f); err != nil {
		sub.Stop()
		return fmt.Errorf("emit mirror filter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.log.Info("starting event mirroring from %d read relays (%d available)", len(urls), live)

	go m.mirror(ctx, sub, target, m.done)
	go m.monitorRelayHealth(ctx)
	return nil
}

// StopMirroring stops the continuous mirroring of events and waits for the
// mirror loop to exit.
func (m *MirrorManager) StopMirroring() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	m.log.Info("stopping event mirroring")
	cancel()
	<-done
}

func (m *MirrorManager) mirror(ctx context.Context, sub *subscription.Subscription, target Broadcaster, done chan struct{}) {
	defer close(done)
	defer sub.Stop()

	uniq := intake.NewUniq(0)
	for {
		select {
		case <-ctx.Done():
			m.log.Debug("mirror", "stopped (context cancelled)")
			return
		case err := <-sub.Errors():
			m.log.Debug("mirror", "%v", err)
		case pkt, ok := <-sub.Packets():
			if !ok {
				m.log.Debug("mirror", "subscription closed")
				return
			}
			if !uniq.Accept(pkt) {
				continue
			}
			clients := target.BroadcastEvent(pkt.Event)
			atomic.AddInt64(&m.mirroredEvents, 1)
			atomic.AddInt64(&m.mirrorSuccesses, 1)
			m.log.Debug("mirror", "mirrored event %s from %s to %d clients", pkt.Event.ID, pkt.From, clients)
		}
	}
}

// monitorRelayHealth periodically checks the health of the read relays
func (m *MirrorManager) monitorRelayHealth(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkRelayHealth()
		}
	}
}

// checkRelayHealth counts live and dead read relays. More than half dead
// counts as a mirror failure.
func (m *MirrorManager) checkRelayHealth() (live, dead int64) {
	urls := m.readURLs()
	if len(urls) == 0 {
		return 0, 0
	}
	atomic.AddInt64(&m.mirrorAttempts, 1)

	for _, url := range urls {
		state, ok := m.engine.ConnectionState(url)
		if !ok || !state.Alive() {
			dead++
			m.log.Debug("checkRelayHealth", "relay %s is dead (%s)", url, state)
		}
	}
	total := int64(len(urls))
	live = total - dead
	atomic.StoreInt64(&m.liveRelays, live)
	atomic.StoreInt64(&m.deadRelays, dead)

	if dead > total/2 {
		atomic.AddInt64(&m.mirrorFailures, 1)
		atomic.AddInt64(&m.consecutiveMirrorFailures, 1)
		m.log.Warn("mirror health check failed: %d/%d relays dead", dead, total)
	} else {
		atomic.StoreInt64(&m.consecutiveMirrorFailures, 0)
		m.log.Debug("checkRelayHealth", "%d/%d relays alive", live, total)
	}
	return live, dead
}
