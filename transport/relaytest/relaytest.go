// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

// Package relaytest runs in-memory khatru relays for end to end tests.
package relaytest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
)

// Store is a slicestore that is safe for khatru's concurrent handlers.
type Store struct {
	mu    sync.RWMutex
	inner slicestore.SliceStore
}

func NewStore() *Store {
	s := &Store{}
	s.inner.Init()
	return s
}

func (s *Store) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SaveEvent(ctx, evt)
}

func (s *Store) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DeleteEvent(ctx, evt)
}

// QueryEvents collects the matches under the read lock and streams them
// from a copy.
func (s *Store) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	s.mu.RLock()
	ch, err := s.inner.QueryEvents(ctx, filter)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	var events []*nostr.Event
collect:
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				break collect
			}
			events = append(events, evt)
		case <-ctx.Done():
			break collect
		}
	}
	s.mu.RUnlock()

	out := make(chan *nostr.Event, len(events))
	for _, evt := range events {
		out <- evt
	}
	close(out)
	return out, nil
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, _ := s.inner.CountEvents(context.Background(), nostr.Filter{})
	return int(n)
}

// Start serves a relay backed by a fresh Store until the test ends and
// returns its ws:// URL.
func Start(t testing.TB) (string, *Store) {
	t.Helper()
	store := NewStore()
	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, store.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, store.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, store.DeleteEvent)

	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), store
}
