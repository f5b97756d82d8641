// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// RelayStore - eventstore.Store answered by remote relays through the pool.
package relaystore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/fiatjaf/eventstore"
	"github.com/girino/relaypool/intake"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/rxnostr"
	"github.com/girino/relaypool/subscription"
	"github.com/nbd-wtf/go-nostr"
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// query ids must be unique per engine, which stores may share
var querySeq atomic.Int64

// Engine is the part of rxnostr.Client the store needs.
type Engine interface {
	Backward(id string, opts ...subscription.Option) (*subscription.Subscription, error)
	Send(ctx context.Context, evt *nostr.Event, opts ...rxnostr.SendOption) (<-chan rxnostr.OKPacket, error)
}

// RelayStore forwards events to the pool's write relays and answers
// queries from its read relays. It does not persist events locally.
type RelayStore struct {
	engine Engine

	// stats
	publishAttempts            int64
	publishSuccesses           int64
	publishFailures            int64
	consecutivePublishFailures int64
	queryRequests              int64
	queryFailures              int64
	consecutiveQueryFailures   int64
	queryEventsReturned        int64
}

// Stats holds runtime counters exported by RelayStore
type Stats struct {
	PublishAttempts            int64  `json:"publish_attempts"`
	PublishSuccesses           int64  `json:"publish_successes"`
	PublishFailures            int64  `json:"publish_failures"`
	ConsecutivePublishFailures int64  `json:"consecutive_publish_failures"`
	PublishHealthState         string `json:"publish_health_state"`
	QueryRequests              int64  `json:"query_requests"`
	QueryFailures              int64  `json:"query_failures"`
	ConsecutiveQueryFailures   int64  `json:"consecutive_query_failures"`
	QueryHealthState           string `json:"query_health_state"`
	QueryEventsReturned        int64  `json:"query_events_returned"`
	MainHealthState            string `json:"main_health_state"`
}

func New(engine Engine) *RelayStore {
	return &RelayStore{engine: engine}
}

func (r *RelayStore) Init() error {
	return nil
}

// Close is a no-op; connections belong to the engine.
func (r *RelayStore) Close() {}

// Stats returns a snapshot of the RelayStore counters
func (r *RelayStore) Stats() Stats {
	pub := atomic.LoadInt64(&r.consecutivePublishFailures)
	qry := atomic.LoadInt64(&r.consecutiveQueryFailures)
	pubState := healthState(pub)
	qryState := healthState(qry)
	main := pubState
	if worse(qryState, main) {
		main = qryState
	}
	return Stats{
		PublishAttempts:            atomic.LoadInt64(&r.publishAttempts),
		PublishSuccesses:           atomic.LoadInt64(&r.publishSuccesses),
		PublishFailures:            atomic.LoadInt64(&r.publishFailures),
		ConsecutivePublishFailures: pub,
		PublishHealthState:         pubState,
		QueryRequests:              atomic.LoadInt64(&r.queryRequests),
		QueryFailures:              atomic.LoadInt64(&r.queryFailures),
		ConsecutiveQueryFailures:   qry,
		QueryHealthState:           qryState,
		QueryEventsReturned:        atomic.LoadInt64(&r.queryEventsReturned),
		MainHealthState:            main,
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

func rank(state string) int {
	switch state {
	case HealthRed:
		return 2
	case HealthYellow:
		return 1
	}
	return 0
}

func worse(a, b string) bool { return rank(a) > rank(b) }

// QueryEvents runs a backward subscription for filter and streams every
// distinct event until all relays sent EOSE, the query timed out or ctx
// is done.
func (r *RelayStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	atomic.AddInt64(&r.queryRequests, 1)

	id := "q" + strconv.FormatInt(querySeq.Add(1), 36)
	sub, err := r.engine.Backward(id)
	if err != nil {
		r.queryFailed()
		return nil, fmt.Errorf("open query: %w", err)
	}
	if err := sub.EmitFilters(filter); err != nil {
		sub.Stop()
		r.queryFailed()
		return nil, fmt.Errorf("emit query: %w", err)
	}
	sub.Over()
	atomic.StoreInt64(&r.consecutiveQueryFailures, 0)

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer sub.Stop()
		uniq := intake.NewUniq(0)
		returned := 0
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-sub.Packets():
				if !ok {
					logging.DebugMethod("relaystore", "QueryEvents", "%s done, %d events", id, returned)
					return
				}
				if !uniq.Accept(pkt) {
					continue
				}
				select {
				case out <- pkt.Event:
				case <-ctx.Done():
					return
				}
				returned++
				atomic.AddInt64(&r.queryEventsReturned, 1)
				if filter.Limit > 0 && returned >= filter.Limit {
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RelayStore) queryFailed() {
	atomic.AddInt64(&r.queryFailures, 1)
	atomic.AddInt64(&r.consecutiveQueryFailures, 1)
}

// CountEvents counts the distinct events the query relays return.
func (r *RelayStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	ch, err := r.QueryEvents(ctx, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	for range ch {
		n++
	}
	return n, ctx.Err()
}

// DeleteEvent is a no-op for relay forwarding store.
func (r *RelayStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

// SaveEvent publishes the event. It returns nil if at least one relay
// accepted it.
func (r *RelayStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	ch, err := r.engine.Send(ctx, evt)
	if err != nil {
		atomic.AddInt64(&r.publishFailures, 1)
		atomic.AddInt64(&r.consecutivePublishFailures, 1)
		return err
	}

	var errs []error
	accepted := 0
	for pkt := range ch {
		atomic.AddInt64(&r.publishAttempts, 1)
		switch {
		case pkt.Err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", pkt.From, pkt.Err))
		case !pkt.OK:
			errs = append(errs, fmt.Errorf("%s: %s", pkt.From, pkt.Message))
		default:
			accepted++
		}
	}
	if accepted > 0 {
		atomic.AddInt64(&r.publishSuccesses, 1)
		atomic.StoreInt64(&r.consecutivePublishFailures, 0)
		logging.DebugMethod("relaystore", "SaveEvent", "event %s accepted by %d relays", evt.ID, accepted)
		return nil
	}

	if len(errs) == 0 {
		logging.Warn("relaystore: no remotes configured, event %s not forwarded", evt.ID)
		return nil
	}
	atomic.AddInt64(&r.publishFailures, 1)
	atomic.AddInt64(&r.consecutivePublishFailures, 1)
	return fmt.Errorf("publish %s: %w", evt.ID, errors.Join(errs...))
}

// ReplaceEvent just forwards the event (best-effort), similar to SaveEvent.
func (r *RelayStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return r.SaveEvent(ctx, evt)
}

// Ensure RelayStore implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*RelayStore)(nil)
var _ eventstore.Counter = (*RelayStore)(nil)
