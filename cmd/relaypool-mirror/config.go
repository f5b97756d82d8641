// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for relaypool-mirror.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/girino/relaypool/pool"
	"github.com/girino/relaypool/retry"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(env string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(env)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(env string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(env)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(env string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(env)); err == nil {
		return v
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr           string
	QueryRemotes   []string
	PublishRemotes []string
	Verbose        string

	RelayServiceURL  string
	RelayName        string
	RelayDescription string
	RelayContact     string
	RelaySecKey      string
	RelayPubKey      string
	RelayIcon        string
	RelayBanner      string

	// Connection settings
	RetryStrategy     string
	RetryCount        int
	RetryInterval     time.Duration
	DialTimeout       time.Duration
	EOSETimeout       time.Duration
	OKTimeout         time.Duration
	AuthTimeout       time.Duration
	FetchCapabilities bool

	// Verification batching
	VerifyWindow time.Duration
	VerifyBatch  int

	// Broadcast settings
	BroadcastCacheTTL    time.Duration
	BroadcastMaxFailures int
	HealthInterval       time.Duration
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	return loadConfig(flag.CommandLine, os.Args[1:])
}

func loadConfig(fs *flag.FlagSet, args []string) *Config {
	// Basic settings
	addr := fs.String("addr", getEnvOr("ADDR", ":3337"), "address to listen on (env: ADDR)")
	queryRemotes := fs.String("query-remotes", os.Getenv("QUERY_REMOTES"), "comma-separated list of remote relay URLs to use for queries/subscriptions (env: QUERY_REMOTES)")
	publishRemotes := fs.String("publish-remotes", os.Getenv("PUBLISH_REMOTES"), "comma-separated list of remote relay URLs events are published to (env: PUBLISH_REMOTES)")
	verbose := fs.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'relaystore' for module, 'relaystore.QueryEvents,mirror' for specific methods (env: VERBOSE)")

	// Relay identity settings
	relayServiceURL := fs.String("relay-service-url", os.Getenv("RELAY_SERVICE_URL"), "service URL for relay (env: RELAY_SERVICE_URL)")
	relayName := fs.String("relay-name", os.Getenv("RELAY_NAME"), "relay name (env: RELAY_NAME)")
	relayDescription := fs.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "relay description (env: RELAY_DESCRIPTION)")
	relayContact := fs.String("relay-contact", os.Getenv("RELAY_CONTACT"), "relay contact (env: RELAY_CONTACT)")
	relaySecKey := fs.String("relay-seckey", os.Getenv("RELAY_SECKEY"), "relay secret key, hex or nsec, also used for NIP-42 upstream (env: RELAY_SECKEY)")
	relayPubKey := fs.String("relay-pubkey", os.Getenv("RELAY_PUBKEY"), "relay public key (env: RELAY_PUBKEY)")
	relayIcon := fs.String("relay-icon", os.Getenv("RELAY_ICON"), "relay icon URL (env: RELAY_ICON)")
	relayBanner := fs.String("relay-banner", os.Getenv("RELAY_BANNER"), "relay banner URL (env: RELAY_BANNER)")

	// Connection settings
	retryStrategy := fs.String("retry-strategy", getEnvOr("RETRY_STRATEGY", "exponential"), "reconnection strategy: off, immediate, linear or exponential (env: RETRY_STRATEGY)")
	retryCount := fs.Int("retry-count", getEnvInt("RETRY_COUNT", 5), "reconnection attempts before giving up (env: RETRY_COUNT)")
	retryInterval := fs.Duration("retry-interval", getEnvDuration("RETRY_INTERVAL", time.Second), "linear interval or exponential initial delay (env: RETRY_INTERVAL)")
	dialTimeout := fs.Duration("dial-timeout", getEnvDuration("DIAL_TIMEOUT", 10*time.Second), "websocket dial timeout (env: DIAL_TIMEOUT)")
	eoseTimeout := fs.Duration("eose-timeout", getEnvDuration("EOSE_TIMEOUT", 30*time.Second), "how long a query waits for EOSE from each relay (env: EOSE_TIMEOUT)")
	okTimeout := fs.Duration("ok-timeout", getEnvDuration("OK_TIMEOUT", 10*time.Second), "how long a publish waits for OK from each relay (env: OK_TIMEOUT)")
	authTimeout := fs.Duration("auth-timeout", getEnvDuration("AUTH_TIMEOUT", 10*time.Second), "how long operations wait for NIP-42 auth (env: AUTH_TIMEOUT)")
	fetchCaps := fs.Bool("fetch-capabilities", getEnvBool("FETCH_CAPABILITIES", true), "read NIP-11 limits of upstream relays (env: FETCH_CAPABILITIES)")

	verifyWindow := fs.Duration("verify-window", getEnvDuration("VERIFY_WINDOW", 5*time.Millisecond), "how long signature checks are collected into a batch (env: VERIFY_WINDOW)")
	verifyBatch := fs.Int("verify-batch", getEnvInt("VERIFY_BATCH", 256), "largest signature check batch (env: VERIFY_BATCH)")

	// Broadcast settings
	broadcastCacheTTL := fs.Duration("broadcast-cache-ttl", getEnvDuration("BROADCAST_CACHE_TTL", time.Hour), "cache TTL for broadcast events (env: BROADCAST_CACHE_TTL)")
	broadcastMaxFailures := fs.Int("broadcast-max-failures", getEnvInt("BROADCAST_MAX_FAILURES", 10), "consecutive failed broadcasts before events are rejected, 0 disables (env: BROADCAST_MAX_FAILURES)")
	healthInterval := fs.Duration("health-interval", getEnvDuration("HEALTH_INTERVAL", 30*time.Second), "interval of upstream relay health checks (env: HEALTH_INTERVAL)")

	fs.Parse(args)

	return &Config{
		Addr:           *addr,
		QueryRemotes:   splitList(*queryRemotes),
		PublishRemotes: splitList(*publishRemotes),
		Verbose:        *verbose,

		RelayServiceURL:  *relayServiceURL,
		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelaySecKey:      *relaySecKey,
		RelayPubKey:      *relayPubKey,
		RelayIcon:        *relayIcon,
		RelayBanner:      *relayBanner,

		RetryStrategy:     *retryStrategy,
		RetryCount:        *retryCount,
		RetryInterval:     *retryInterval,
		DialTimeout:       *dialTimeout,
		EOSETimeout:       *eoseTimeout,
		OKTimeout:         *okTimeout,
		AuthTimeout:       *authTimeout,
		FetchCapabilities: *fetchCaps,

		VerifyWindow: *verifyWindow,
		VerifyBatch:  *verifyBatch,

		BroadcastCacheTTL:    *broadcastCacheTTL,
		BroadcastMaxFailures: *broadcastMaxFailures,
		HealthInterval:       *healthInterval,
	}
}

// Retry builds the reconnection spec.
func (c *Config) Retry() (retry.Spec, error) {
	s, err := retry.ParseStrategy(c.RetryStrategy)
	if err != nil {
		return retry.Spec{}, err
	}
	switch s {
	case retry.StrategyImmediate:
		return retry.Immediate(c.RetryCount), nil
	case retry.StrategyLinear:
		return retry.Linear(c.RetryCount, c.RetryInterval), nil
	case retry.StrategyExponential:
		return retry.Exponential(c.RetryCount, c.RetryInterval), nil
	}
	return retry.Off(), nil
}

// Relays merges the query and publish remotes into pool descriptors. A
// relay listed in both gets both roles.
func (c *Config) Relays() ([]pool.Descriptor, error) {
	var descs []pool.Descriptor
	index := map[string]int{}
	add := func(raw string, read bool) error {
		u := pool.NormalizeURL(raw)
		if u == "" {
			return fmt.Errorf("invalid relay url %q", raw)
		}
		i, ok := index[u]
		if !ok {
			i = len(descs)
			index[u] = i
			descs = append(descs, pool.Descriptor{URL: u})
		}
		if read {
			descs[i].Read = true
		} else {
			descs[i].Write = true
		}
		return nil
	}
	for _, u := range c.QueryRemotes {
		if err := add(u, true); err != nil {
			return nil, err
		}
	}
	for _, u := range c.PublishRemotes {
		if err := add(u, false); err != nil {
			return nil, err
		}
	}
	return descs, nil
}

// ApplyToRelay applies config NIP-11 fields to a khatru Relay instance.
func ApplyToRelay(r *khatru.Relay, cfg *Config) {
	if cfg.RelayServiceURL != "" {
		r.ServiceURL = cfg.RelayServiceURL
	}
	if cfg.RelayName != "" {
		r.Info.Name = cfg.RelayName
	} else {
		r.Info.Name = ProjectName
	}
	if cfg.RelayDescription != "" {
		r.Info.Description = cfg.RelayDescription
	}
	if cfg.RelayContact != "" {
		r.Info.Contact = cfg.RelayContact
	}
	// software and version are fixed
	r.Info.Software = SoftwareURL
	r.Info.Version = Version
	if cfg.RelayPubKey != "" {
		r.Info.PubKey = cfg.RelayPubKey
	}
	if cfg.RelayIcon != "" {
		r.Info.Icon = cfg.RelayIcon
	}
	if cfg.RelayBanner != "" {
		r.Info.Banner = cfg.RelayBanner
	}
}
