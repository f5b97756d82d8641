// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Capability - cached per-relay limits (NIP-11) used to shape REQ traffic.
package capability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relaypool/logging"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

var log = logging.For("capability")

// Descriptor holds the limits a relay declares. Zero values mean unlimited.
type Descriptor struct {
	MaxFilters       int  `json:"max_filters,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	AuthRequired     bool `json:"auth_required,omitempty"`
}

// FromNIP11 extracts the limits from a relay information document.
func FromNIP11(doc nip11.RelayInformationDocument) Descriptor {
	if doc.Limitation == nil {
		return Descriptor{}
	}
	return Descriptor{
		MaxFilters:       doc.Limitation.MaxFilters,
		MaxSubscriptions: doc.Limitation.MaxSubscriptions,
		MaxLimit:         doc.Limitation.MaxLimit,
		AuthRequired:     doc.Limitation.AuthRequired,
	}
}

// Fetcher looks up the descriptor of one relay.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Descriptor, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (Descriptor, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (Descriptor, error) {
	return f(ctx, url)
}

// NIP11 fetches descriptors over HTTP with go-nostr's nip11 client.
var NIP11 Fetcher = FetcherFunc(func(ctx context.Context, url string) (Descriptor, error) {
	doc, err := nip11.Fetch(ctx, url)
	if err != nil {
		return Descriptor{}, err
	}
	return FromNIP11(doc), nil
})

// Store is a lockable descriptor cache with explicit lifecycle. Values set
// with Set take precedence over fetched ones until forgotten.
type Store struct {
	fetcher      Fetcher
	fetchTimeout time.Duration

	mu  sync.RWMutex
	def Descriptor

	entries *xsync.MapOf[string, Descriptor]
	group   singleflight.Group

	fetches  int64
	failures int64
}

// Stats holds runtime counters for the store.
type Stats struct {
	Entries  int   `json:"entries"`
	Fetches  int64 `json:"fetches"`
	Failures int64 `json:"failures"`
}

// NewStore creates a Store. A nil fetcher makes GetOrFetch return cached
// values or the default only.
func NewStore(fetcher Fetcher) *Store {
	return &Store{
		fetcher:      fetcher,
		fetchTimeout: 10 * time.Second,
		entries:      xsync.NewMapOf[string, Descriptor](),
	}
}

func key(url string) string { return nostr.NormalizeURL(url) }

// Set overrides the descriptor for url.
func (s *Store) Set(url string, d Descriptor) {
	s.entries.Store(key(url), d)
}

// SetDefault changes the descriptor returned for unknown relays.
func (s *Store) SetDefault(d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = d
}

func (s *Store) Default() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// Forget drops the cached descriptor for url.
func (s *Store) Forget(url string) {
	s.entries.Delete(key(url))
}

// ForgetAll drops every cached descriptor. The default is kept.
func (s *Store) ForgetAll() {
	s.entries.Clear()
}

// GetOrDefault returns the cached descriptor for url, or the default.
func (s *Store) GetOrDefault(url string) Descriptor {
	if d, ok := s.entries.Load(key(url)); ok {
		return d
	}
	return s.Default()
}

// GetOrFetch returns the cached descriptor for url, fetching it first when
// absent. Concurrent fetches for one relay are coalesced. A failed fetch
// caches nothing and yields the default.
func (s *Store) GetOrFetch(ctx context.Context, url string) Descriptor {
	k := key(url)
	if d, ok := s.entries.Load(k); ok {
		return d
	}
	if s.fetcher == nil {
		return s.Default()
	}

	ch := s.group.DoChan(k, func() (any, error) {
		atomic.AddInt64(&s.fetches, 1)
		fctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
		defer cancel()
		d, err := s.fetcher.Fetch(fctx, url)
		if err != nil {
			return nil, err
		}
		// an override set while fetching wins
		d, _ = s.entries.LoadOrStore(k, d)
		return d, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			atomic.AddInt64(&s.failures, 1)
			log.Debug("GetOrFetch", "%s: %v", url, res.Err)
			return s.Default()
		}
		return res.Val.(Descriptor)
	case <-ctx.Done():
		return s.Default()
	}
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Entries:  s.entries.Size(),
		Fetches:  atomic.LoadInt64(&s.fetches),
		Failures: atomic.LoadInt64(&s.failures),
	}
}
