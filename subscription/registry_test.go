package subscription

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/capability"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/pool"
	"github.com/girino/relaypool/retry"
	"github.com/girino/relaypool/transport"
	"github.com/girino/relaypool/transport/transporttest"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	relay1 = "wss://relay1.example"
	relay2 = "wss://relay2.example"
	relay3 = "wss://relay3.example"
)

type env struct {
	t     *testing.T
	d     *transporttest.Dialer
	clock *clock.Mock
	pool  *pool.Pool
	caps  *capability.Store
	reg   *Registry
}

func newEnv(t *testing.T, auth Deferrer, relays ...string) *env {
	t.Helper()
	e := &env{
		t:     t,
		d:     transporttest.NewDialer(),
		clock: clock.NewMock(),
		caps:  capability.NewStore(nil),
	}
	e.pool = pool.New(pool.Config{Dialer: e.d, Retry: retry.Off(), Clock: e.clock, Seed: 1})
	e.reg = New(Config{Relays: e.pool, Limits: e.caps, Auth: auth, Clock: e.clock})
	e.pool.OnChange(e.reg.HandlePoolChange)
	e.pool.OnState(e.reg.HandleState)
	t.Cleanup(func() {
		e.reg.Dispose()
		e.pool.Dispose()
	})
	if len(relays) > 0 {
		e.add(relays...)
	}
	return e
}

func (e *env) add(urls ...string) {
	e.t.Helper()
	var descs []pool.Descriptor
	for _, u := range urls {
		descs = append(descs, pool.Descriptor{URL: u, Read: true, Write: true})
	}
	_, _, err := e.pool.Add(descs...)
	require.NoError(e.t, err)
	e.waitConnected(urls...)
}

// waitConnected returns once every relay is open and the registry has seen it.
func (e *env) waitConnected(urls ...string) {
	e.t.Helper()
	for _, u := range urls {
		require.Eventually(e.t, func() bool {
			m, ok := e.pool.Conn(u)
			return ok && m.State() == connection.Connected
		}, time.Second, 5*time.Millisecond, u)
	}
	e.flush()
}

// flush waits until every trigger posted so far was processed.
func (e *env) flush() {
	e.reg.call(func() {})
}

func (e *env) reqs(url string) []string   { return e.d.Relay(url).SubIDs("REQ") }
func (e *env) closes(url string) []string { return e.d.Relay(url).SubIDs("CLOSE") }

func reqFilters(t *testing.T, frame []json.RawMessage) []nostr.Filter {
	t.Helper()
	var out []nostr.Filter
	for _, raw := range frame[2:] {
		var f nostr.Filter
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func TestForwardReachesNewRelaysOnly(t *testing.T) {
	e := newEnv(t, nil, relay1, relay2)

	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	e.flush()

	assert.Equal(t, []string{"sub:0"}, e.reqs(relay1))
	assert.Equal(t, []string{"sub:0"}, e.reqs(relay2))
	frame := e.d.Relay(relay1).FramesOf("REQ")[0]
	assert.JSONEq(t, `{"limit":1}`, string(frame[2]))

	e.add(relay3)
	assert.Equal(t, []string{"sub:0"}, e.reqs(relay3))
	assert.Equal(t, []string{"sub:0"}, e.reqs(relay1), "existing relays are left alone")
	assert.Equal(t, []string{"sub:0"}, e.reqs(relay2))
}

func TestRemovedRelayGetsClose(t *testing.T) {
	e := newEnv(t, nil, relay1, relay2)
	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	e.flush()

	_, _, err = e.pool.Remove(relay2)
	require.NoError(t, err)

	assert.Equal(t, []string{"sub:0"}, e.closes(relay2))
	assert.Empty(t, e.closes(relay1))
	_, ok := e.reg.Lookup(relay2, "sub:0")
	assert.False(t, ok, "late events from a removed relay are dropped")
}

func TestReqClosePairingAcrossMembershipChurn(t *testing.T) {
	e := newEnv(t, nil, relay1)
	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{1}}))
	e.flush()

	for i := 0; i < 3; i++ {
		e.add(relay2)
		_, _, err := e.pool.Remove(relay2)
		require.NoError(t, err)
	}
	e.flush()

	var kinds []string
	for _, f := range e.d.Relay(relay2).Frames() {
		var typ string
		require.NoError(t, json.Unmarshal(f[0], &typ))
		kinds = append(kinds, typ)
	}
	assert.Equal(t, []string{"REQ", "CLOSE", "REQ", "CLOSE", "REQ", "CLOSE"}, kinds)
	assert.Equal(t, []string{"sub:0"}, e.reqs(relay1))
}

func TestRoleChangeClosesThenReopens(t *testing.T) {
	e := newEnv(t, nil, relay1)
	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	e.flush()

	_, _, err = e.pool.Add(pool.Descriptor{URL: relay1, Write: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub:0"}, e.closes(relay1), "write only relays are not read from")

	_, _, err = e.pool.Add(pool.Descriptor{URL: relay1, Read: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub:0", "sub:0"}, e.reqs(relay1))

	// a role change that keeps the relay readable still reissues cleanly
	_, _, err = e.pool.Add(pool.Descriptor{URL: relay1, Read: true, Write: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub:0", "sub:0"}, e.closes(relay1))
	assert.Equal(t, []string{"sub:0", "sub:0", "sub:0"}, e.reqs(relay1))
}

func TestForwardReissuedAfterReconnect(t *testing.T) {
	e := newEnv(t, nil, relay1)
	start := e.clock.Now()

	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.Emit(LazyFilter{
		Filter:    nostr.Filter{Kinds: []int{1}},
		SinceFunc: Ago(e.clock, time.Hour),
	}))
	e.flush()

	e.d.Relay(relay1).Drop(transport.CloseAbnormal, "")
	st, _ := e.pool.State(relay1)
	require.Equal(t, connection.Error, st.State)

	e.clock.Add(10 * time.Minute)
	require.NoError(t, e.pool.Reconnect(relay1))
	e.waitConnected(relay1)

	frames := e.d.Relay(relay1).FramesOf("REQ")
	require.Len(t, frames, 2)
	first, second := reqFilters(t, frames[0]), reqFilters(t, frames[1])
	assert.Equal(t, nostr.Timestamp(start.Add(-time.Hour).Unix()), *first[0].Since)
	assert.Equal(t, nostr.Timestamp(start.Add(-50*time.Minute).Unix()), *second[0].Since,
		"the window moves with the clock")
	assert.Equal(t, int64(1), e.reg.Stats().Resends)
}

func TestReqBufferedUntilConnected(t *testing.T) {
	e := newEnv(t, nil)
	release := e.d.Hold(relay1)
	_, _, err := e.pool.Add(pool.Descriptor{URL: relay1, Read: true})
	require.NoError(t, err)

	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	e.flush()
	assert.Empty(t, e.reqs(relay1))

	release()
	e.waitConnected(relay1)
	assert.Equal(t, []string{"sub:0"}, e.reqs(relay1))
}

func TestBackwardEmissionsGetOwnSubIDs(t *testing.T) {
	e := newEnv(t, nil, relay1)
	sub, err := e.reg.Backward("sub")
	require.NoError(t, err)

	for limit := 1; limit <= 3; limit++ {
		require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: limit}))
	}
	sub.Over()
	assert.ErrorIs(t, sub.EmitFilters(nostr.Filter{}), ErrOver)
	e.flush()

	frames := e.d.Relay(relay1).FramesOf("REQ")
	require.Len(t, frames, 3)
	for i, f := range frames {
		var id string
		require.NoError(t, json.Unmarshal(f[1], &id))
		assert.Equal(t, subID("sub", i), id)
		assert.Equal(t, i+1, reqFilters(t, f)[0].Limit)
	}

	for i := 0; i < 3; i++ {
		e.reg.HandleEOSE(relay1, subID("sub", i))
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("backward subscription did not complete")
	}
	assert.Equal(t, []string{"sub:0", "sub:1", "sub:2"}, e.closes(relay1))
}

func TestBackwardCompletesOnEOSEFromAll(t *testing.T) {
	e := newEnv(t, nil, relay1, relay2)
	sub, err := e.reg.Backward("q")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 10}))
	sub.Over()

	e.reg.HandleEOSE(relay1, "q:0")
	e.flush()
	select {
	case <-sub.Done():
		t.Fatal("completed before every relay sent EOSE")
	default:
	}

	e.reg.HandleEOSE(relay2, "q:0")
	e.flush()
	select {
	case <-sub.Done():
	default:
		t.Fatal("not completed after EOSE from every relay")
	}
	_, open := <-sub.Packets()
	assert.False(t, open)
}

func TestBackwardTimeout(t *testing.T) {
	e := newEnv(t, nil, relay1, relay2)
	sub, err := e.reg.Backward("q", WithEOSETimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 10}))
	sub.Over()
	e.reg.HandleEOSE(relay1, "q:0")
	e.flush()

	e.clock.Add(5 * time.Second)
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout did not complete the query")
	}
	assert.Equal(t, []string{"q:0"}, e.closes(relay2), "the silent relay is closed")
	assert.Equal(t, int64(1), e.reg.Stats().Timeouts)
}

func TestBackwardIgnoresDeadRelay(t *testing.T) {
	e := newEnv(t, nil, relay1, relay2)
	sub, err := e.reg.Backward("q")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 10}))
	sub.Over()
	e.reg.HandleEOSE(relay1, "q:0")

	e.d.Relay(relay2).Drop(transport.CloseAbnormal, "")
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("a relay in error must not hold the query open")
	}
}

func TestChunksByMaxFilters(t *testing.T) {
	e := newEnv(t, nil)
	e.caps.Set(relay1, capability.Descriptor{MaxFilters: 2})
	e.add(relay1)

	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(
		nostr.Filter{Kinds: []int{1}}, nostr.Filter{Kinds: []int{2}}, nostr.Filter{Kinds: []int{3}},
		nostr.Filter{Kinds: []int{4}}, nostr.Filter{Kinds: []int{5}},
	))
	e.flush()

	assert.Equal(t, []string{"sub:0", "sub:0.1", "sub:0.2"}, e.reqs(relay1))
	frames := e.d.Relay(relay1).FramesOf("REQ")
	assert.Len(t, reqFilters(t, frames[0]), 2)
	assert.Len(t, reqFilters(t, frames[1]), 2)
	assert.Len(t, reqFilters(t, frames[2]), 1)

	rt, ok := e.reg.Lookup(relay1, "sub:0.2")
	require.True(t, ok)
	assert.Equal(t, "sub:0", rt.SubID)
	assert.Equal(t, []int{5}, rt.Filters[0].Kinds)

	// fewer filters close the extra chunks
	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{1}}))
	e.flush()
	assert.ElementsMatch(t, []string{"sub:0", "sub:0.1", "sub:0.2"}, e.closes(relay1))
	assert.Equal(t, []string{"sub:0", "sub:0.1", "sub:0.2", "sub:0"}, e.reqs(relay1))
}

func TestForwardReemitClosesBeforeReq(t *testing.T) {
	e := newEnv(t, nil)
	e.caps.Set(relay1, capability.Descriptor{MaxFilters: 1})
	e.add(relay1)
	r := e.d.Relay(relay1)

	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{1}}))
	e.flush()
	require.Equal(t, []string{"sub:0"}, e.reqs(relay1))

	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{7}}, nostr.Filter{Kinds: []int{9}}))
	e.flush()
	assert.Equal(t, []string{"sub:0"}, e.closes(relay1))
	assert.Equal(t, []string{"sub:0", "sub:0", "sub:0.1"}, e.reqs(relay1))
	var order []string
	for _, f := range r.Frames() {
		var typ, id string
		require.NoError(t, json.Unmarshal(f[0], &typ))
		require.NoError(t, json.Unmarshal(f[1], &id))
		order = append(order, typ+" "+id)
	}
	assert.Equal(t, []string{"REQ sub:0", "CLOSE sub:0", "REQ sub:0", "REQ sub:0.1"}, order)

	rt, ok := e.reg.Lookup(relay1, "sub:0")
	require.True(t, ok)
	assert.Equal(t, []int{7}, rt.Filters[0].Kinds)
	rt, ok = e.reg.Lookup(relay1, "sub:0.1")
	require.True(t, ok)
	assert.Equal(t, []int{9}, rt.Filters[0].Kinds)

	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{3}}))
	e.flush()
	assert.ElementsMatch(t, []string{"sub:0", "sub:0", "sub:0.1"}, e.closes(relay1))
	assert.Equal(t, []string{"sub:0", "sub:0", "sub:0.1", "sub:0"}, e.reqs(relay1))
	_, ok = e.reg.Lookup(relay1, "sub:0.1")
	assert.False(t, ok)
}

func TestMaxLimitClampsFilters(t *testing.T) {
	e := newEnv(t, nil)
	e.caps.Set(relay1, capability.Descriptor{MaxLimit: 50})
	e.add(relay1)

	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 500}))
	e.flush()
	assert.Equal(t, 50, reqFilters(t, e.d.Relay(relay1).FramesOf("REQ")[0])[0].Limit)
}

func TestBackpressureQueuesPerRelay(t *testing.T) {
	e := newEnv(t, nil)
	e.caps.Set(relay1, capability.Descriptor{MaxSubscriptions: 1})
	e.add(relay1, relay2)

	sub, err := e.reg.Backward("q")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 2}))
	e.flush()

	assert.Equal(t, []string{"q:0"}, e.reqs(relay1))
	assert.Equal(t, []string{"q:0", "q:1"}, e.reqs(relay2), "limits are per relay")
	assert.Equal(t, int64(1), e.reg.Stats().Queued)

	e.reg.HandleEOSE(relay1, "q:0")
	e.flush()
	assert.Equal(t, []string{"q:0"}, e.closes(relay1))
	assert.Equal(t, []string{"q:0", "q:1"}, e.reqs(relay1))
}

func TestDeliverAndStop(t *testing.T) {
	e := newEnv(t, nil, relay1)
	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{1}}))
	e.flush()

	rt, ok := e.reg.Lookup(relay1, "sub:0")
	require.True(t, ok)
	evt := &nostr.Event{ID: "aa", Kind: 1}
	assert.True(t, rt.Matches(evt))
	assert.False(t, rt.Matches(&nostr.Event{Kind: 2}))
	require.True(t, rt.Deliver(evt))

	pkt := <-sub.Packets()
	assert.Equal(t, EventPacket{From: relay1, SubID: "sub:0", Event: evt}, pkt)

	sub.Stop()
	assert.ErrorIs(t, sub.EmitFilters(nostr.Filter{}), ErrDisposed)
	<-sub.Done()
	assert.Equal(t, []string{"sub:0"}, e.closes(relay1))
	_, ok = e.reg.Lookup(relay1, "sub:0")
	assert.False(t, ok)
	assert.False(t, rt.Deliver(evt), "stale routes cannot deliver")

	// the id is free again
	_, err = e.reg.Forward("sub")
	assert.NoError(t, err)
}

func TestStopPreventsPendingReq(t *testing.T) {
	e := newEnv(t, nil, relay1)
	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)

	// hold the registry goroutine so the emission is still queued at Stop
	gate := make(chan struct{})
	e.reg.post(func() { <-gate })
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	sub.Stop()
	close(gate)
	<-sub.Done()
	e.flush()

	assert.Empty(t, e.reqs(relay1))
}

func TestDuplicateIDAndDisposal(t *testing.T) {
	e := newEnv(t, nil, relay1)
	_, err := e.reg.Forward("sub")
	require.NoError(t, err)
	_, err = e.reg.Backward("sub")
	assert.ErrorIs(t, err, ErrDuplicateID)

	sub, err := e.reg.Backward("other")
	require.NoError(t, err)
	e.reg.Dispose()
	<-sub.Done()
	_, err = e.reg.Forward("late")
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, sub.EmitFilters(nostr.Filter{}), ErrDisposed)
}

func TestExplicitRelaysIgnorePool(t *testing.T) {
	e := newEnv(t, nil, relay1)
	sub, err := e.reg.Forward("pinned", WithRelays(relay3+"/", relay3))
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	e.waitConnected(relay3)

	assert.Equal(t, []string{"pinned:0"}, e.reqs(relay3))
	assert.Empty(t, e.reqs(relay1))

	e.add(relay2)
	assert.Empty(t, e.reqs(relay2))

	sub.Stop()
	<-sub.Done()
	assert.Equal(t, []string{"pinned:0"}, e.closes(relay3))
	_, ok := e.pool.Conn(relay3)
	assert.False(t, ok, "released relays that are not members are dropped")
}

func TestClosedByRelayIsReported(t *testing.T) {
	e := newEnv(t, nil, relay1)
	sub, err := e.reg.Backward("q")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Limit: 1}))
	sub.Over()
	e.flush()

	e.reg.HandleClosed(relay1, "q:0", "error: shutting down")
	<-sub.Done()

	var rerr *RelayError
	require.ErrorAs(t, <-sub.Errors(), &rerr)
	assert.Equal(t, relay1, rerr.Relay)
	assert.Equal(t, "q:0", rerr.SubID)
	assert.Empty(t, e.closes(relay1), "the relay already closed it")
}

type fakeAuth struct {
	mu     sync.Mutex
	replay []func()
	fail   []func(error)
}

func (f *fakeAuth) Defer(relay string, replay func(), fail func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replay = append(f.replay, replay)
	f.fail = append(f.fail, fail)
}

func TestAuthRequiredReplaysReq(t *testing.T) {
	auth := &fakeAuth{}
	e := newEnv(t, auth, relay1)
	sub, err := e.reg.Forward("sub")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{4}}))
	e.flush()

	e.reg.HandleClosed(relay1, "sub:0", "auth-required: dms are private")
	e.flush()
	require.Len(t, auth.replay, 1)
	assert.Equal(t, []string{"sub:0"}, e.reqs(relay1))

	auth.replay[0]()
	e.flush()
	assert.Equal(t, []string{"sub:0", "sub:0"}, e.reqs(relay1))
}

func TestAuthFailureEndsReq(t *testing.T) {
	auth := &fakeAuth{}
	e := newEnv(t, auth, relay1)
	sub, err := e.reg.Backward("q")
	require.NoError(t, err)
	require.NoError(t, sub.EmitFilters(nostr.Filter{Kinds: []int{4}}))
	sub.Over()
	e.flush()

	e.reg.HandleClosed(relay1, "q:0", "auth-required: nope")
	e.flush()
	require.Len(t, auth.fail, 1)
	auth.fail[0](assert.AnError)
	<-sub.Done()
	assert.ErrorIs(t, <-sub.Errors(), assert.AnError)
}
