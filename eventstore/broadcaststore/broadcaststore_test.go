package broadcaststore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/girino/relaypool/rxnostr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu    sync.Mutex
	sent  []string
	reply func(evt *nostr.Event) []rxnostr.OKPacket
	err   error
}

func (f *fakePublisher) Send(ctx context.Context, evt *nostr.Event, opts ...rxnostr.SendOption) (<-chan rxnostr.OKPacket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, evt.ID)
	pkts := f.reply(evt)
	ch := make(chan rxnostr.OKPacket, len(pkts))
	for _, p := range pkts {
		ch <- p
	}
	close(ch)
	return ch, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func accept(evt *nostr.Event) []rxnostr.OKPacket {
	return []rxnostr.OKPacket{
		{From: "wss://a.example", EventID: evt.ID, OK: true},
		{From: "wss://b.example", EventID: evt.ID, OK: false, Message: "blocked: no"},
	}
}

func reject(evt *nostr.Event) []rxnostr.OKPacket {
	return []rxnostr.OKPacket{{From: "wss://a.example", EventID: evt.ID, Err: rxnostr.ErrOKTimeout}}
}

func event(id string) *nostr.Event {
	return &nostr.Event{ID: id, Kind: 1}
}

func TestSaveEventBroadcastsOnce(t *testing.T) {
	pub := &fakePublisher{reply: accept}
	bs := NewBroadcastStore(pub, time.Hour, 3)
	require.NoError(t, bs.Init())
	defer bs.Close()

	ctx := context.Background()
	require.NoError(t, bs.SaveEvent(ctx, event("e1")))
	require.NoError(t, bs.SaveEvent(ctx, event("e1")))
	require.NoError(t, bs.ReplaceEvent(ctx, event("e2")))
	bs.Wait()

	assert.Equal(t, 2, pub.count())
	st := bs.Stats()
	assert.Equal(t, int64(2), st.Attempts)
	assert.Equal(t, int64(2), st.Successes)
	assert.Equal(t, int64(2), st.RelayAccepts)
	assert.Equal(t, int64(2), st.RelayRejects)
	assert.Equal(t, 2, st.CacheSize)
	assert.True(t, st.Healthy)
}

func TestCacheExpires(t *testing.T) {
	pub := &fakePublisher{reply: accept}
	bs := NewBroadcastStore(pub, 20*time.Millisecond, 0)
	defer bs.Close()

	require.NoError(t, bs.SaveEvent(context.Background(), event("e1")))
	require.Eventually(t, func() bool { return bs.Stats().CacheSize == 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, bs.SaveEvent(context.Background(), event("e1")))
	bs.Wait()
	assert.Equal(t, 2, pub.count())
}

func TestRejectsAfterConsecutiveFailures(t *testing.T) {
	pub := &fakePublisher{reply: reject}
	bs := NewBroadcastStore(pub, time.Hour, 2)
	defer bs.Close()
	ctx := context.Background()

	refused, _ := bs.RejectEvent(ctx, event("x"))
	assert.False(t, refused)

	require.NoError(t, bs.SaveEvent(ctx, event("e1")))
	require.NoError(t, bs.SaveEvent(ctx, event("e2")))
	bs.Wait()

	refused, msg := bs.RejectEvent(ctx, event("x"))
	assert.True(t, refused)
	assert.Contains(t, msg, "error:")
	assert.False(t, bs.Stats().Healthy)

	pub.reply = accept
	require.NoError(t, bs.SaveEvent(ctx, event("e3")))
	bs.Wait()
	refused, _ = bs.RejectEvent(ctx, event("x"))
	assert.False(t, refused)
	assert.Equal(t, int64(0), bs.Stats().ConsecutiveFailures)
}

func TestSendErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	pub := &fakePublisher{err: boom}
	bs := NewBroadcastStore(pub, time.Hour, 0)
	defer bs.Close()

	assert.ErrorIs(t, bs.SaveEvent(context.Background(), event("e1")), boom)
	st := bs.Stats()
	assert.Equal(t, int64(1), st.Failures)
	assert.Zero(t, st.CacheSize)
	assert.True(t, st.Healthy)
}

func TestQueryEventsIsEmpty(t *testing.T) {
	bs := NewBroadcastStore(&fakePublisher{reply: accept}, time.Hour, 0)
	defer bs.Close()
	ch, err := bs.QueryEvents(context.Background(), nostr.Filter{})
	require.NoError(t, err)
	_, ok := <-ch
	assert.False(t, ok)
}
