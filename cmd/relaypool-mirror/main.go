// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// relaypool-mirror - a khatru relay answered by a pool of upstream relays.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/girino/relaypool/auth"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/eventstore/broadcaststore"
	"github.com/girino/relaypool/intake"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/mirror"
	"github.com/girino/relaypool/relaystore"
	"github.com/girino/relaypool/rxnostr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000  // 30k goroutines = yellow health
	GoroutineRedThreshold    = 100000 // 100k goroutines = red health
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// getGoroutineHealthState determines the health state based on goroutine count
func getGoroutineHealthState(goroutineCount int) string {
	if goroutineCount >= GoroutineRedThreshold {
		return HealthRed
	} else if goroutineCount >= GoroutineYellowThreshold {
		return HealthYellow
	}
	return HealthGreen
}

func healthRank(state string) int {
	switch state {
	case HealthGreen:
		return 0
	case HealthYellow:
		return 1
	case HealthRed:
		return 2
	}
	return -1
}

// worstHealth returns the worst of the known states, ignoring empty ones.
func worstHealth(states ...string) string {
	worst := ""
	for _, s := range states {
		if healthRank(s) > healthRank(worst) {
			worst = s
		}
	}
	return worst
}

type appStats struct {
	Version    string         `json:"version"`
	Uptime     float64        `json:"uptime"`
	Goroutines goroutineStats `json:"goroutines"`
	Memory     memoryStats    `json:"memory"`
}

type goroutineStats struct {
	Count       int    `json:"count"`
	HealthState string `json:"health_state"`
}

type memoryStats struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapInuseBytes  uint64 `json:"heap_inuse_bytes"`
	GCCycles        uint32 `json:"gc_cycles"`
	GCPauseNs       uint64 `json:"gc_pause_ns"`
}

func collectAppStats(startTime time.Time) appStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()
	return appStats{
		Version: Version,
		Uptime:  time.Since(startTime).Seconds(),
		Goroutines: goroutineStats{
			Count:       n,
			HealthState: getGoroutineHealthState(n),
		},
		Memory: memoryStats{
			AllocBytes:      m.Alloc,
			TotalAllocBytes: m.TotalAlloc,
			SysBytes:        m.Sys,
			HeapAllocBytes:  m.HeapAlloc,
			HeapInuseBytes:  m.HeapInuse,
			GCCycles:        m.NumGC,
			GCPauseNs:       m.PauseTotalNs,
		},
	}
}

// allStats is served at /api/v1/stats.
type allStats struct {
	App       appStats              `json:"app"`
	Client    rxnostr.Stats         `json:"client"`
	Relay     relaystore.Stats      `json:"relay"`
	Mirror    mirror.MirrorStats    `json:"mirror"`
	Broadcast *broadcaststore.Stats `json:"broadcaststore,omitempty"`
}

// healthReport is served at /api/v1/health.
type healthReport struct {
	Status                       string `json:"status"`
	Service                      string `json:"service"`
	Version                      string `json:"version"`
	MainHealthState              string `json:"main_health_state"`
	PublishHealthState           string `json:"publish_health_state"`
	QueryHealthState             string `json:"query_health_state"`
	MirrorHealthState            string `json:"mirror_health_state"`
	BroadcastHealthState         string `json:"broadcast_health_state,omitempty"`
	GoroutineHealthState         string `json:"goroutine_health_state"`
	ConsecutivePublishFailures   int64  `json:"consecutive_publish_failures"`
	ConsecutiveQueryFailures     int64  `json:"consecutive_query_failures"`
	ConsecutiveMirrorFailures    int64  `json:"consecutive_mirror_failures"`
	ConsecutiveBroadcastFailures int64  `json:"consecutive_broadcast_failures"`
}

// buildHealth folds the component states into one report and its HTTP
// status.
func buildHealth(service string, st allStats) (healthReport, int) {
	h := healthReport{
		Service:                    service,
		Version:                    Version,
		PublishHealthState:         st.Relay.PublishHealthState,
		QueryHealthState:           st.Relay.QueryHealthState,
		MirrorHealthState:          st.Mirror.MirrorHealthState,
		GoroutineHealthState:       st.App.Goroutines.HealthState,
		ConsecutivePublishFailures: st.Relay.ConsecutivePublishFailures,
		ConsecutiveQueryFailures:   st.Relay.ConsecutiveQueryFailures,
		ConsecutiveMirrorFailures:  st.Mirror.ConsecutiveMirrorFailures,
	}
	if st.Broadcast != nil {
		h.BroadcastHealthState = HealthGreen
		if !st.Broadcast.Healthy {
			h.BroadcastHealthState = HealthRed
		}
		h.ConsecutiveBroadcastFailures = st.Broadcast.ConsecutiveFailures
	}
	h.MainHealthState = worstHealth(st.Relay.MainHealthState, h.MirrorHealthState, h.BroadcastHealthState, h.GoroutineHealthState)

	switch h.MainHealthState {
	case HealthGreen:
		h.Status = "healthy"
		return h, http.StatusOK
	case HealthYellow:
		h.Status = "degraded"
		return h, http.StatusOK
	case HealthRed:
		h.Status = "unhealthy"
		return h, http.StatusServiceUnavailable
	}
	h.Status = "unknown"
	return h, http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func main() {
	// Track start time for uptime calculation
	startTime := time.Now()

	// use LoadConfig to read env/flags
	cfg := LoadConfig()

	// Initialize logging package from config
	// Examples:
	//   - VERBOSE=1 or VERBOSE=true: enable all verbose logging
	//   - VERBOSE=relaystore: enable verbose for relaystore module only
	//   - VERBOSE=rxnostr,pool.Add: enable specific module + method
	//   - VERBOSE=: disable all verbose logging (default)
	logging.SetVerbose(cfg.Verbose)

	if len(cfg.QueryRemotes) == 0 {
		logging.Fatal("no query remotes provided - relaystore requires query remotes")
	}
	descs, err := cfg.Relays()
	if err != nil {
		logging.Fatal("relay list: %v", err)
	}
	retrySpec, err := cfg.Retry()
	if err != nil {
		logging.Fatal("retry: %v", err)
	}

	// create a basic khatru relay instance
	r := khatru.NewRelay()
	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	ApplyToRelay(r, cfg)
	// ensure SupportedNIPs contains 11, 42, and 45
	ensureSupportedNips(r, []int{11, 42, 45})

	// RELAY_SECKEY accepts nsec bech32 or raw hex; a fresh key is generated
	// when none is provided. The same key answers upstream AUTH challenges.
	sec := cfg.RelaySecKey
	if sec == "" {
		sec = nostr.GeneratePrivateKey()
		logging.DebugMethod("main", "main", "generated new relay secret key")
	}
	signer, err := auth.NewKeySigner(sec)
	if err != nil {
		logging.Fatal("relay secret key: %v", err)
	}
	if r.Info.PubKey == "" {
		r.Info.PubKey, _ = signer.PublicKey(context.Background())
	}

	verifier := intake.NewBatchVerifier(cfg.VerifyWindow, cfg.VerifyBatch)
	client := rxnostr.New(
		rxnostr.WithRetry(retrySpec),
		rxnostr.WithSigner(signer),
		rxnostr.WithVerifier(verifier),
		rxnostr.WithFetchCapabilities(cfg.FetchCapabilities),
		rxnostr.WithDialTimeout(cfg.DialTimeout),
		rxnostr.WithEOSETimeout(cfg.EOSETimeout),
		rxnostr.WithOKTimeout(cfg.OKTimeout),
		rxnostr.WithAuthTimeout(cfg.AuthTimeout),
	)
	defer client.Dispose()
	if _, err := client.SetDefaultRelays(descs...); err != nil {
		logging.Fatal("setting upstream relays: %v", err)
	}
	client.OnConnectionState(func(sc connection.StateChange) {
		logging.DebugMethod("main", "connection", "%s is %s", sc.URL, sc.State)
	})

	rs := relaystore.New(client)
	if err := rs.Init(); err != nil {
		logging.Fatal("initializing relaystore: %v", err)
	}

	// Apply custom connection and filter policies for upstream relay protection
	filterIpRateLimiter := policies.FilterIPRateLimiter(20, time.Minute, 100)
	r.RejectFilter = append(r.RejectFilter,
		// Restrictive filter rate limiting to prevent upstream overload
		func(ctx context.Context, filter nostr.Filter) (reject bool, msg string) {
			reject, msg = filterIpRateLimiter(ctx, filter)
			if reject {
				logging.Warn("filter IP rate limiter: %v, %s, from: %s", reject, msg, khatru.GetIP(ctx))
			}
			return reject, msg
		},
	)

	// Strict connection rate limiting to prevent bot abuse
	connectionRateLimiter := policies.ConnectionRateLimiter(1, time.Minute*5, 100)
	r.RejectConnection = append(r.RejectConnection,
		func(req *http.Request) (reject bool) {
			reject = connectionRateLimiter(req)
			if reject {
				logging.Warn("connection rate limiter: %v, from: %s", reject, khatru.GetIPFromRequest(req))
			}
			return reject
		},
	)

	// with publish remotes configured, events are broadcast without waiting;
	// otherwise the relaystore waits for the write relays' answers
	var bs *broadcaststore.BroadcastStore
	if len(cfg.PublishRemotes) > 0 {
		bs = broadcaststore.NewBroadcastStore(client, cfg.BroadcastCacheTTL, int64(cfg.BroadcastMaxFailures))
		if err := bs.Init(); err != nil {
			logging.Fatal("initializing broadcaststore: %v", err)
		}
		defer bs.Close()
		r.StoreEvent = append(r.StoreEvent, bs.SaveEvent)
		r.ReplaceEvent = append(r.ReplaceEvent, bs.ReplaceEvent)
		r.RejectEvent = append(r.RejectEvent, bs.RejectEvent)
		logging.Info("broadcaststore initialized with %d publish relays", len(cfg.PublishRemotes))
	} else {
		r.StoreEvent = append(r.StoreEvent, rs.SaveEvent)
		r.ReplaceEvent = append(r.ReplaceEvent, rs.ReplaceEvent)
	}
	r.QueryEvents = append(r.QueryEvents, rs.QueryEvents)
	r.CountEvents = append(r.CountEvents, rs.CountEvents)

	// start event mirroring from query relays
	mm := mirror.NewMirrorManager(client, mirror.WithHealthInterval(cfg.HealthInterval))
	if err := mm.StartMirroring(r); err != nil {
		logging.Fatal("[mirror] failed to start mirroring: %v", err)
	}
	defer mm.StopMirroring()

	collect := func() allStats {
		st := allStats{
			App:    collectAppStats(startTime),
			Client: client.Stats(),
			Relay:  rs.Stats(),
			Mirror: mm.Stats(),
		}
		if bs != nil {
			b := bs.Stats()
			st.Broadcast = &b
		}
		return st
	}

	// expose stats endpoint using the relay's router
	mux := r.Router()
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, collect())
	})

	// expose health endpoint for docker healthchecks
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		h, status := buildHealth(r.Info.Name, collect())
		writeJSON(w, status, h)
	})

	// parse addr into host and port
	host, port, err := splitAddr(cfg.Addr)
	if err != nil {
		logging.Fatal("invalid addr: %v", err)
	}

	logging.Info("Starting %s on %s with %d upstream relays", ProjectName, cfg.Addr, len(descs))
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}

// splitAddr accepts host:port or a bare :port.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func ensureSupportedNips(r *khatru.Relay, nips []int) {
	if r == nil || r.Info == nil {
		return
	}
	present := map[int]bool{}
	for _, v := range r.Info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			present[vv] = true
		case int64:
			present[int(vv)] = true
		}
	}
	for _, ni := range nips {
		if !present[ni] {
			r.Info.SupportedNIPs = append(r.Info.SupportedNIPs, ni)
		}
	}
}
