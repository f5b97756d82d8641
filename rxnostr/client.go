// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// RxNostr - a client over a pool of relays: subscriptions that follow the
// pool, verified event intake, NIP-42 and publishing.
package rxnostr

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/auth"
	"github.com/girino/relaypool/capability"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/intake"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/pool"
	"github.com/girino/relaypool/retry"
	"github.com/girino/relaypool/subscription"
	"github.com/girino/relaypool/transport/wstransport"
	"github.com/nbd-wtf/go-nostr"
)

// ErrDisposed is returned by every call on a disposed client.
var ErrDisposed = errors.New("client disposed")

// Client ties a relay pool, the subscription registry, event intake and
// the auth coordinator together.
type Client struct {
	opts options
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pool   *pool.Pool
	caps   *capability.Store
	reg    *subscription.Registry
	intake *intake.Pipeline
	auth   *auth.Coordinator
	pub    *publisher

	stops    []func()
	disposed atomic.Bool

	notices   int64
	malformed int64
}

// Stats is a snapshot of every component's counters.
type Stats struct {
	Connections  []connection.Stats `json:"connections"`
	Capabilities capability.Stats   `json:"capabilities"`
	Registry     subscription.Stats `json:"registry"`
	Intake       intake.Stats       `json:"intake"`
	Auth         auth.Stats         `json:"auth"`
	Publish      PublishStats       `json:"publish"`
	Notices      int64              `json:"notices"`
	Malformed    int64              `json:"malformed"`
}

// New creates a client with an empty pool.
func New(opts ...Option) *Client {
	o := options{
		retry:       retry.Default(),
		eoseTimeout: 30 * time.Second,
		authTimeout: 10 * time.Second,
		okTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = wstransport.New()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.verifier == nil {
		o.verifier = intake.SignatureVerifier
	}
	if o.caps == nil {
		o.caps = capability.NewStore(capability.NIP11)
	}

	c := &Client{opts: o, log: logging.For("rxnostr"), caps: o.caps}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.pool = pool.New(pool.Config{
		Dialer:      o.dialer,
		Retry:       o.retry,
		Clock:       o.clock,
		Seed:        o.seed,
		DialTimeout: o.dialTimeout,
		OnMessage:   c.handleMessage,
	})
	c.auth = auth.New(auth.Config{
		Sender:  c.pool,
		Signer:  o.signer,
		Clock:   o.clock,
		Timeout: o.authTimeout,
	})
	c.reg = subscription.New(subscription.Config{
		Relays:      c.pool,
		Limits:      c.caps,
		Auth:        c.auth,
		Clock:       o.clock,
		EOSETimeout: o.eoseTimeout,
	})
	c.intake = intake.New(intake.Config{
		Router:          intake.RegistryRouter{Registry: c.reg},
		Verifier:        o.verifier,
		SkipFilterMatch: o.skipMatch,
	})
	c.pub = newPublisher(c.pool, c.auth, o.clock)

	c.stops = append(c.stops,
		c.pool.OnChange(c.reg.HandlePoolChange),
		c.pool.OnState(func(sc connection.StateChange) {
			c.auth.HandleState(sc)
			c.pub.handleState(sc)
			c.reg.HandleState(sc)
		}),
	)
	if o.fetchCaps {
		c.stops = append(c.stops, c.pool.OnChange(func(ch pool.Change) {
			for _, u := range ch.Appended {
				go c.caps.GetOrFetch(c.ctx, u)
			}
		}))
	}
	return c
}

func (c *Client) check() error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	return nil
}

// SetDefaultRelays replaces the pool membership.
func (c *Client) SetDefaultRelays(descs ...pool.Descriptor) (pool.Change, error) {
	if err := c.check(); err != nil {
		return pool.Change{}, err
	}
	ch, _, err := c.pool.SetAll(descs...)
	return ch, err
}

// AddDefaultRelays adds relays or updates their roles.
func (c *Client) AddDefaultRelays(descs ...pool.Descriptor) (pool.Change, error) {
	if err := c.check(); err != nil {
		return pool.Change{}, err
	}
	ch, _, err := c.pool.Add(descs...)
	return ch, err
}

// RemoveDefaultRelays removes relays from the pool.
func (c *Client) RemoveDefaultRelays(urls ...string) (pool.Change, error) {
	if err := c.check(); err != nil {
		return pool.Change{}, err
	}
	ch, _, err := c.pool.Remove(urls...)
	return ch, err
}

// DefaultRelays returns the pool members.
func (c *Client) DefaultRelays() []pool.Descriptor {
	return c.pool.Descriptors()
}

// ConnectionState returns the latest state of url's connection.
func (c *Client) ConnectionState(url string) (connection.State, bool) {
	sc, ok := c.pool.State(url)
	return sc.State, ok
}

// OnConnectionState registers fn for state changes of every relay. fn must
// not block.
func (c *Client) OnConnectionState(fn func(connection.StateChange)) (cancel func()) {
	return c.pool.OnState(fn)
}

// Reconnect forces a fresh connection to url.
func (c *Client) Reconnect(url string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.pool.Reconnect(url)
}

// Forward opens a live subscription.
func (c *Client) Forward(id string, opts ...subscription.Option) (*subscription.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.reg.Forward(id, opts...)
}

// Backward opens a historical subscription.
func (c *Client) Backward(id string, opts ...subscription.Option) (*subscription.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.reg.Backward(id, opts...)
}

// Send publishes evt to the write relays of the pool, or to the relays
// given with ToRelays. Unsigned events are signed with the client's
// signer. The channel carries one OKPacket per relay and is closed after
// the last one.
func (c *Client) Send(ctx context.Context, evt *nostr.Event, opts ...SendOption) (<-chan OKPacket, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	so := sendOptions{okTimeout: c.opts.okTimeout}
	for _, opt := range opts {
		opt(&so)
	}
	if evt.Sig == "" {
		if c.opts.signer == nil {
			return nil, auth.ErrNoSigner
		}
		if err := c.opts.signer.Sign(ctx, evt); err != nil {
			return nil, err
		}
	}

	targets := c.pool.WriteURLs()
	release := func() {}
	if len(so.relays) > 0 {
		targets = nil
		seen := make(map[string]bool)
		for _, raw := range so.relays {
			u, err := c.pool.Acquire(raw)
			if err != nil {
				for _, t := range targets {
					c.pool.Release(t)
				}
				return nil, err
			}
			if seen[u] {
				c.pool.Release(u)
				continue
			}
			seen[u] = true
			targets = append(targets, u)
		}
		acquired := targets
		release = func() {
			for _, u := range acquired {
				c.pool.Release(u)
			}
		}
	}
	return c.pub.publish(ctx, evt, targets, so.okTimeout, release)
}

// Capabilities returns the store holding relay limits.
func (c *Client) Capabilities() *capability.Store { return c.caps }

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connections:  c.pool.Stats(),
		Capabilities: c.caps.Stats(),
		Registry:     c.reg.Stats(),
		Intake:       c.intake.Stats(),
		Auth:         c.auth.Stats(),
		Publish:      c.pub.stats(),
		Notices:      atomic.LoadInt64(&c.notices),
		Malformed:    atomic.LoadInt64(&c.malformed),
	}
}

// Dispose stops every subscription and closes every connection. It is
// irreversible.
func (c *Client) Dispose() {
	if c.disposed.Swap(true) {
		return
	}
	c.cancel()
	for i := len(c.stops) - 1; i >= 0; i-- {
		c.stops[i]()
	}
	c.reg.Dispose()
	c.pub.dispose(ErrDisposed)
	c.pool.Dispose()
	c.log.Debug("Dispose", "client disposed")
}
