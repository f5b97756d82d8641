// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// BroadcastStore - Nostr eventstore that hands events to the pool's write
// relays without waiting for their answers.
package broadcaststore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/rxnostr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultCacheSize bounds the recently broadcast event ids.
const DefaultCacheSize = 50_000

// Publisher is the part of rxnostr.Client the store needs.
type Publisher interface {
	Send(ctx context.Context, evt *nostr.Event, opts ...rxnostr.SendOption) (<-chan rxnostr.OKPacket, error)
}

// BroadcastStore implements eventstore.Store interface for broadcasting events
type BroadcastStore struct {
	publisher Publisher
	cache     *expirable.LRU[string, struct{}]
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats tracking
	attempts               int64
	successes              int64
	failures               int64
	relayAccepts           int64
	relayRejects           int64
	consecutiveFailures    int64
	maxConsecutiveFailures int64
}

// Stats holds the BroadcastStore counters.
type Stats struct {
	Attempts            int64 `json:"attempts"`
	Successes           int64 `json:"successes"`
	Failures            int64 `json:"failures"`
	RelayAccepts        int64 `json:"relay_accepts"`
	RelayRejects        int64 `json:"relay_rejects"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
	CacheSize           int   `json:"cache_size"`
	Healthy             bool  `json:"healthy"`
}

// NewBroadcastStore creates a BroadcastStore. Events broadcast within
// cacheTTL are not sent again. Once maxConsecutiveFailures broadcasts in a
// row were accepted by no relay, RejectEvent turns new events away; zero
// disables that.
func NewBroadcastStore(publisher Publisher, cacheTTL time.Duration, maxConsecutiveFailures int64) *BroadcastStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &BroadcastStore{
		publisher:              publisher,
		cache:                  expirable.NewLRU[string, struct{}](DefaultCacheSize, nil, cacheTTL),
		ctx:                    ctx,
		cancel:                 cancel,
		maxConsecutiveFailures: maxConsecutiveFailures,
	}
}

// WithSendTimeout overrides the client's OK timeout for broadcasts.
func (bs *BroadcastStore) WithSendTimeout(d time.Duration) *BroadcastStore {
	bs.timeout = d
	return bs
}

func (bs *BroadcastStore) Init() error {
	logging.DebugMethod("broadcaststore", "Init", "Initializing broadcast store")
	return nil
}

// Close abandons pending broadcasts and waits for their bookkeeping.
func (bs *BroadcastStore) Close() {
	logging.DebugMethod("broadcaststore", "Close", "Closing broadcast store")
	bs.cancel()
	bs.wg.Wait()
}

// Wait blocks until every broadcast started so far has been answered.
func (bs *BroadcastStore) Wait() {
	bs.wg.Wait()
}

// SaveEvent broadcasts an event if it hasn't been cached recently. It only
// fails when the event could not be handed to the client at all.
func (bs *BroadcastStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	if bs.cache.Contains(evt.ID) {
		logging.DebugMethod("broadcaststore", "SaveEvent", "Event %s is cached, skipping broadcast", evt.ID)
		return nil
	}
	atomic.AddInt64(&bs.attempts, 1)

	var opts []rxnostr.SendOption
	if bs.timeout > 0 {
		opts = append(opts, rxnostr.WithSendTimeout(bs.timeout))
	}
	ch, err := bs.publisher.Send(bs.ctx, evt, opts...)
	if err != nil {
		bs.failed()
		return err
	}
	bs.cache.Add(evt.ID, struct{}{})

	bs.wg.Add(1)
	go bs.collect(evt.ID, ch)
	return nil
}

func (bs *BroadcastStore) collect(id string, ch <-chan rxnostr.OKPacket) {
	defer bs.wg.Done()
	accepted := 0
	for pkt := range ch {
		if pkt.Err == nil && pkt.OK {
			accepted++
			atomic.AddInt64(&bs.relayAccepts, 1)
			continue
		}
		atomic.AddInt64(&bs.relayRejects, 1)
		logging.DebugMethod("broadcaststore", "collect", "%s refused %s: %s %v", pkt.From, id, pkt.Message, pkt.Err)
	}
	if accepted == 0 {
		bs.failed()
		logging.Warn("broadcaststore: event %s accepted by no relay", id)
		return
	}
	atomic.AddInt64(&bs.successes, 1)
	atomic.StoreInt64(&bs.consecutiveFailures, 0)
	logging.DebugMethod("broadcaststore", "collect", "Broadcast event %s accepted by %d relays", id, accepted)
}

func (bs *BroadcastStore) failed() {
	atomic.AddInt64(&bs.failures, 1)
	atomic.AddInt64(&bs.consecutiveFailures, 1)
}

// RejectEvent is a khatru RejectEvent hook that turns events away while the
// broadcast path keeps failing.
func (bs *BroadcastStore) RejectEvent(ctx context.Context, evt *nostr.Event) (bool, string) {
	if bs.healthy() {
		return false, ""
	}
	return true, "error: no upstream relay is accepting events"
}

func (bs *BroadcastStore) healthy() bool {
	return bs.maxConsecutiveFailures <= 0 || atomic.LoadInt64(&bs.consecutiveFailures) < bs.maxConsecutiveFailures
}

// QueryEvents returns an empty closed channel since we don't store events locally
func (bs *BroadcastStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	ch := make(chan *nostr.Event)
	close(ch)
	return ch, nil
}

// DeleteEvent is a no-op. Deletion requests are ordinary kind 5 events and
// reach the relays through SaveEvent.
func (bs *BroadcastStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	logging.DebugMethod("broadcaststore", "DeleteEvent", "DeleteEvent called for event %s", evt.ID)
	return nil
}

// ReplaceEvent replaces an event (atomically)
func (bs *BroadcastStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return bs.SaveEvent(ctx, evt)
}

// Stats returns a snapshot of the counters.
func (bs *BroadcastStore) Stats() Stats {
	return Stats{
		Attempts:            atomic.LoadInt64(&bs.attempts),
		Successes:           atomic.LoadInt64(&bs.successes),
		Failures:            atomic.LoadInt64(&bs.failures),
		RelayAccepts:        atomic.LoadInt64(&bs.relayAccepts),
		RelayRejects:        atomic.LoadInt64(&bs.relayRejects),
		ConsecutiveFailures: atomic.LoadInt64(&bs.consecutiveFailures),
		CacheSize:           bs.cache.Len(),
		Healthy:             bs.healthy(),
	}
}

var _ eventstore.Store = (*BroadcastStore)(nil)
