package capability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverridesAndDefault(t *testing.T) {
	s := NewStore(nil)
	s.SetDefault(Descriptor{MaxFilters: 10})

	assert.Equal(t, Descriptor{MaxFilters: 10}, s.GetOrDefault("wss://a.example"))

	s.Set("wss://a.example/", Descriptor{MaxSubscriptions: 2})
	assert.Equal(t, Descriptor{MaxSubscriptions: 2}, s.GetOrDefault("wss://a.example"),
		"keys are normalized")

	s.Forget("wss://a.example")
	assert.Equal(t, Descriptor{MaxFilters: 10}, s.GetOrDefault("wss://a.example"))

	s.Set("wss://a.example", Descriptor{MaxLimit: 5})
	s.Set("wss://b.example", Descriptor{MaxLimit: 6})
	s.ForgetAll()
	assert.Equal(t, 0, s.Stats().Entries)
	assert.Equal(t, Descriptor{MaxFilters: 10}, s.Default())
}

func TestGetOrFetchCoalescesAndCaches(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	s := NewStore(FetcherFunc(func(ctx context.Context, url string) (Descriptor, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return Descriptor{MaxSubscriptions: 7}, nil
	}))

	var wg sync.WaitGroup
	results := make([]Descriptor, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.GetOrFetch(context.Background(), "wss://a.example")
		}(i)
	}
	// let every goroutine join the in-flight fetch
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for _, d := range results {
		assert.Equal(t, 7, d.MaxSubscriptions)
	}
	assert.Equal(t, 7, s.GetOrFetch(context.Background(), "wss://a.example").MaxSubscriptions)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.Equal(t, int64(1), s.Stats().Fetches)
}

func TestGetOrFetchFailureYieldsDefault(t *testing.T) {
	var calls int64
	s := NewStore(FetcherFunc(func(ctx context.Context, url string) (Descriptor, error) {
		atomic.AddInt64(&calls, 1)
		return Descriptor{}, errors.New("boom")
	}))
	s.SetDefault(Descriptor{MaxFilters: 3})

	assert.Equal(t, Descriptor{MaxFilters: 3}, s.GetOrFetch(context.Background(), "wss://a.example"))
	assert.Equal(t, Descriptor{MaxFilters: 3}, s.GetOrFetch(context.Background(), "wss://a.example"))
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "failures are not cached")
	assert.Equal(t, int64(2), s.Stats().Failures)
}

func TestOverrideBeatsFetch(t *testing.T) {
	s := NewStore(FetcherFunc(func(ctx context.Context, url string) (Descriptor, error) {
		t.Fatal("fetcher must not run for a known relay")
		return Descriptor{}, nil
	}))
	s.Set("wss://a.example", Descriptor{AuthRequired: true})
	assert.True(t, s.GetOrFetch(context.Background(), "wss://a.example").AuthRequired)
}

func TestNIP11Fetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Write([]byte(`{"name":"test","limitation":{"max_filters":2,"max_subscriptions":4,"max_limit":500,"auth_required":true}}`))
	}))
	defer srv.Close()

	s := NewStore(NIP11)
	d := s.GetOrFetch(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	assert.Equal(t, Descriptor{MaxFilters: 2, MaxSubscriptions: 4, MaxLimit: 500, AuthRequired: true}, d)
}

func TestFromNIP11(t *testing.T) {
	assert.Equal(t, Descriptor{}, FromNIP11(nip11.RelayInformationDocument{}))
	doc := nip11.RelayInformationDocument{Limitation: &nip11.RelayLimitationDocument{MaxFilters: 2, MaxSubscriptions: 5}}
	assert.Equal(t, Descriptor{MaxFilters: 2, MaxSubscriptions: 5}, FromNIP11(doc))
}
