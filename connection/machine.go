// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/observe"
	"github.com/girino/relaypool/retry"
	"github.com/girino/relaypool/transport"
)

// Config wires a Machine to its collaborators.
type Config struct {
	URL     string
	Dialer  transport.Dialer
	Backoff *retry.Backoff
	Clock   clock.Clock
	// DialTimeout bounds one connection attempt. Zero means 10s.
	DialTimeout time.Duration
	// OnMessage receives every inbound frame, on the socket's read goroutine.
	OnMessage func(url string, msg []byte)
}

// Machine owns the transport for one relay and moves it through
//
//	Idle -> Connecting -> Connected -> Retrying -> Connecting ...
//	Retrying -> Error (retries exhausted), any -> Terminated (Dispose)
//
// State listeners run while the machine's lock is held, so they must not
// block or call back into the machine.
type Machine struct {
	cfg Config
	log logging.Logger

	mu        sync.Mutex
	state     State
	conn      transport.Conn
	gen       uint64
	session   uint64
	attempt   int
	lastCode  int
	lastErr   error
	timer     *clock.Timer
	abortDial context.CancelFunc

	states *observe.Latest[StateChange]

	dials    int64
	opens    int64
	failures int64
	retries  int64
}

// Stats holds runtime counters for one connection.
type Stats struct {
	URL      string `json:"url"`
	State    string `json:"state"`
	Dials    int64  `json:"dials"`
	Opens    int64  `json:"opens"`
	Failures int64  `json:"failures"`
	Retries  int64  `json:"retries"`
}

// New creates a Machine in the Idle state. Nothing is dialed until Connect.
func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.NewBackoff(retry.Default(), uint64(time.Now().UnixNano()))
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	m := &Machine{
		cfg:   cfg,
		log:   logging.For("connection").With(cfg.URL),
		state: Idle,
	}
	m.states = observe.NewLatestWith(StateChange{URL: cfg.URL, State: Idle})
	return m
}

func (m *Machine) URL() string { return m.cfg.URL }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session number and whether it is open.
func (m *Machine) Session() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.state == Connected
}

// Observe registers fn for state changes. The current state is delivered
// before Observe returns.
func (m *Machine) Observe(fn func(StateChange)) (cancel func()) {
	return m.states.Subscribe(fn)
}

// Connect starts connecting from Idle. It is a no-op in every other live
// state; Error needs an explicit Reconnect.
func (m *Machine) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Terminated:
		return ErrDisposed
	case Idle:
		m.startDialLocked()
	}
	return nil
}

// Reconnect forces a fresh socket from Error or Connected and resets the
// attempt counter. From Idle it behaves like Connect; while Connecting or
// Retrying an attempt is already under way and nothing changes.
func (m *Machine) Reconnect() error {
	m.mu.Lock()
	var old transport.Conn
	switch m.state {
	case Terminated:
		m.mu.Unlock()
		return ErrDisposed
	case Error, Connected:
		old = m.conn
		m.conn = nil
		m.attempt = 0
		m.stopTimerLocked()
		m.startDialLocked()
	case Idle:
		m.startDialLocked()
	}
	m.mu.Unlock()

	if old != nil {
		go old.Close(transport.CloseNormal, "reconnect")
	}
	return nil
}

// Dispose terminates the machine. It is irreversible and idempotent.
func (m *Machine) Dispose() {
	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopTimerLocked()
	if m.abortDial != nil {
		m.abortDial()
		m.abortDial = nil
	}
	old := m.conn
	m.conn = nil
	m.setStateLocked(Terminated)
	m.mu.Unlock()

	if old != nil {
		go old.Close(transport.CloseNormal, "dispose")
	}
}

// Send writes msg on the open socket and returns the session it went out
// on. It fails fast with ErrNotConnected when the socket is not open.
func (m *Machine) Send(ctx context.Context, msg []byte) (uint64, error) {
	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		return 0, ErrDisposed
	}
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		return 0, ErrNotConnected
	}
	conn, session := m.conn, m.session
	m.mu.Unlock()

	if err := conn.Send(ctx, msg); err != nil {
		return session, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return session, nil
}

// Stats returns a snapshot of the connection counters.
func (m *Machine) Stats() Stats {
	return Stats{
		URL:      m.cfg.URL,
		State:    m.State().String(),
		Dials:    atomic.LoadInt64(&m.dials),
		Opens:    atomic.LoadInt64(&m.opens),
		Failures: atomic.LoadInt64(&m.failures),
		Retries:  atomic.LoadInt64(&m.retries),
	}
}

func (m *Machine) setStateLocked(s State) {
	m.state = s
	m.states.Publish(StateChange{
		URL:       m.cfg.URL,
		State:     s,
		Session:   m.session,
		CloseCode: m.lastCode,
		Err:       m.lastErr,
	})
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) startDialLocked() {
	m.gen++
	m.lastErr = nil
	ctx, cancel := m.cfg.Clock.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.abortDial = cancel
	m.setStateLocked(Connecting)
	atomic.AddInt64(&m.dials, 1)
	go m.dial(ctx, cancel, &handler{m: m, gen: m.gen, ready: make(chan struct{})})
}

func (m *Machine) dial(ctx context.Context, cancel context.CancelFunc, h *handler) {
	m.log.Debug("dial", "connecting")
	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL, h)
	cancel()

	m.mu.Lock()
	if h.gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		close(h.ready)
		if conn != nil {
			conn.Close(transport.CloseNormal, "superseded")
		}
		return
	}
	m.abortDial = nil
	if err != nil {
		m.log.Debug("dial", "failed: %v", err)
		m.lastCode = transport.CloseAbnormal
		m.lastErr = err
		m.failLocked()
		m.mu.Unlock()
		close(h.ready)
		return
	}
	m.conn = conn
	m.session++
	m.attempt = 0
	m.lastErr = nil
	atomic.AddInt64(&m.opens, 1)
	m.setStateLocked(Connected)
	m.log.Debug("dial", "connected (session %d)", m.session)
	m.mu.Unlock()
	close(h.ready)
}

// failLocked moves to Retrying with a scheduled attempt, or to Error when
// the retry budget is spent.
func (m *Machine) failLocked() {
	atomic.AddInt64(&m.failures, 1)
	m.attempt++
	delay, ok := m.cfg.Backoff.Next(m.attempt)
	if !ok {
		m.log.Debug("fail", "giving up after %d attempts (code %d)", m.attempt, m.lastCode)
		m.setStateLocked(Error)
		return
	}
	gen := m.gen
	m.setStateLocked(Retrying)
	m.timer = m.cfg.Clock.AfterFunc(delay, func() { m.retry(gen) })
	m.log.Debug("fail", "retry %d in %s (code %d)", m.attempt, delay, m.lastCode)
}

func (m *Machine) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Retrying {
		return
	}
	m.timer = nil
	atomic.AddInt64(&m.retries, 1)
	m.startDialLocked()
}

func (m *Machine) onClose(gen uint64, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Connected {
		return
	}
	m.conn = nil
	m.lastCode = code
	m.log.Debug("onClose", "closed by relay: %d %s", code, reason)
	if code == transport.CloseDontRetry {
		m.setStateLocked(Error)
		return
	}
	m.failLocked()
}

func (m *Machine) onMessage(gen uint64, msg []byte) {
	m.mu.Lock()
	current := gen == m.gen && m.state == Connected
	m.mu.Unlock()
	if !current || m.cfg.OnMessage == nil {
		return
	}
	m.cfg.OnMessage(m.cfg.URL, msg)
}

// handler binds transport callbacks to the dial generation that created
// them; callbacks from superseded sockets are ignored.
type handler struct {
	m     *Machine
	gen   uint64
	ready chan struct{}
}

func (h *handler) OnMessage(msg []byte) {
	<-h.ready
	h.m.onMessage(h.gen, msg)
}

func (h *handler) OnClose(code int, reason string) {
	<-h.ready
	h.m.onClose(h.gen, code, reason)
}
