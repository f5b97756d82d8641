// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package rxnostr

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/auth"
	"github.com/girino/relaypool/capability"
	"github.com/girino/relaypool/intake"
	"github.com/girino/relaypool/retry"
	"github.com/girino/relaypool/transport"
)

type options struct {
	dialer      transport.Dialer
	retry       retry.Spec
	seed        uint64
	clock       clock.Clock
	verifier    intake.Verifier
	skipMatch   bool
	signer      auth.Signer
	caps        *capability.Store
	fetchCaps   bool
	eoseTimeout time.Duration
	authTimeout time.Duration
	okTimeout   time.Duration
	dialTimeout time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithDialer replaces the websocket transport.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRetry sets the reconnection policy of every relay.
func WithRetry(spec retry.Spec) Option {
	return func(o *options) { o.retry = spec }
}

// WithSeed fixes the retry jitter source.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithVerifier replaces the signature verifier, e.g. with an
// intake.BatchVerifier.
func WithVerifier(v intake.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithSkipVerify accepts events without checking signatures.
func WithSkipVerify() Option {
	return func(o *options) { o.verifier = intake.NoopVerifier }
}

// WithSkipValidation trusts relays to only send events matching the REQ.
func WithSkipValidation() Option {
	return func(o *options) { o.skipMatch = true }
}

// WithSigner enables NIP-42 and signing of unsigned events on Send.
func WithSigner(s auth.Signer) Option {
	return func(o *options) { o.signer = s }
}

// WithCapabilities shares a capability store between clients.
func WithCapabilities(s *capability.Store) Option {
	return func(o *options) { o.caps = s }
}

// WithFetchCapabilities fetches NIP-11 limits for every relay joining the pool.
func WithFetchCapabilities(fetch bool) Option {
	return func(o *options) { o.fetchCaps = fetch }
}

// WithEOSETimeout bounds backward queries.
func WithEOSETimeout(d time.Duration) Option {
	return func(o *options) { o.eoseTimeout = d }
}

// WithAuthTimeout bounds one NIP-42 handshake.
func WithAuthTimeout(d time.Duration) Option {
	return func(o *options) { o.authTimeout = d }
}

// WithOKTimeout bounds the wait for a relay's OK after publishing.
func WithOKTimeout(d time.Duration) Option {
	return func(o *options) { o.okTimeout = d }
}

// WithDialTimeout bounds one connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}
