package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/connection"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relayURL = "wss://relay.example.com"

type sentFrame struct {
	url string
	msg []byte
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func (f *fakeSender) Send(_ context.Context, url string, msg []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.frames = append(f.frames, sentFrame{url, msg})
	return 1, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// authEvent waits for the AUTH frame and returns the event it carries.
func (f *fakeSender) authEvent(t *testing.T) nostr.Event {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > 0 }, time.Second, time.Millisecond)
	f.mu.Lock()
	msg := f.frames[len(f.frames)-1].msg
	f.mu.Unlock()

	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(msg, &arr))
	require.Len(t, arr, 2)
	var typ string
	require.NoError(t, json.Unmarshal(arr[0], &typ))
	require.Equal(t, "AUTH", typ)
	var evt nostr.Event
	require.NoError(t, json.Unmarshal(arr[1], &evt))
	return evt
}

type outcome struct {
	mu       sync.Mutex
	replayed []int
	errs     []error
}

// hold defers operation n on relay, recording its replay or failure.
func (o *outcome) hold(c *Coordinator, relay string, n int) {
	replay := func() {
		o.mu.Lock()
		o.replayed = append(o.replayed, n)
		o.mu.Unlock()
	}
	fail := func(err error) {
		o.mu.Lock()
		o.errs = append(o.errs, err)
		o.mu.Unlock()
	}
	c.Defer(relay, replay, fail)
}

func (o *outcome) snapshot() ([]int, []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.replayed...), append([]error(nil), o.errs...)
}

func newSigner(t *testing.T) *KeySigner {
	t.Helper()
	s, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return s
}

func TestKeySignerAcceptsHexAndNsec(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	a, err := NewKeySigner(sk)
	require.NoError(t, err)
	b, err := NewKeySigner(nsec)
	require.NoError(t, err)

	pa, _ := a.PublicKey(context.Background())
	pb, _ := b.PublicKey(context.Background())
	assert.Equal(t, pa, pb)

	_, err = NewKeySigner("not a key")
	assert.Error(t, err)
}

func TestHandshakeReplaysHeldOperationsInOrder(t *testing.T) {
	sender := &fakeSender{}
	signer := newSigner(t)
	c := New(Config{Sender: sender, Signer: signer, Clock: clock.NewMock()})
	var o outcome

	o.hold(c, relayURL, 1)
	c.HandleChallenge(relayURL, "challenge-1")
	o.hold(c, relayURL, 2)
	assert.Equal(t, Pending, c.Status(relayURL))

	evt := sender.authEvent(t)
	assert.Equal(t, nostr.KindClientAuthentication, evt.Kind)
	assert.Equal(t, "challenge-1", evt.Tags.GetFirst([]string{"challenge", ""}).Value())
	assert.Equal(t, relayURL, evt.Tags.GetFirst([]string{"relay", ""}).Value())
	pk, _ := signer.PublicKey(context.Background())
	assert.Equal(t, pk, evt.PubKey)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	assert.False(t, c.HandleOK(relayURL, "some-other-event", true, ""))
	assert.True(t, c.HandleOK(relayURL, evt.ID, true, ""))
	assert.Equal(t, Authenticated, c.Status(relayURL))

	replayed, errs := o.snapshot()
	assert.Equal(t, []int{1, 2}, replayed)
	assert.Empty(t, errs)

	// already authenticated: runs at once
	o.hold(c, relayURL, 3)
	replayed, _ = o.snapshot()
	assert.Equal(t, []int{1, 2, 3}, replayed)
	assert.Equal(t, Stats{Challenges: 1, Successes: 1, Replayed: 3}, c.Stats())
}

func TestRejectedAuthFailsHeldOperations(t *testing.T) {
	sender := &fakeSender{}
	c := New(Config{Sender: sender, Signer: newSigner(t), Clock: clock.NewMock()})
	var o outcome

	c.HandleChallenge(relayURL, "c")
	o.hold(c, relayURL, 1)
	evt := sender.authEvent(t)
	assert.True(t, c.HandleOK(relayURL, evt.ID, false, "restricted: not on the list"))

	replayed, errs := o.snapshot()
	assert.Empty(t, replayed)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAuthFailed)
	assert.Contains(t, errs[0].Error(), "not on the list")
	assert.Equal(t, Failed, c.Status(relayURL))

	// later operations fail with the same error
	o.hold(c, relayURL, 2)
	_, errs = o.snapshot()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1], ErrAuthFailed)
}

func TestHandshakeTimesOut(t *testing.T) {
	mock := clock.NewMock()
	c := New(Config{Sender: &fakeSender{}, Signer: newSigner(t), Clock: mock, Timeout: 5 * time.Second})
	var o outcome

	// no challenge ever arrives
	o.hold(c, relayURL, 1)
	mock.Add(5 * time.Second)

	require.Eventually(t, func() bool {
		_, errs := o.snapshot()
		return len(errs) == 1
	}, time.Second, time.Millisecond)
	_, errs := o.snapshot()
	assert.ErrorIs(t, errs[0], ErrAuthTimeout)
}

func TestNoSigner(t *testing.T) {
	c := New(Config{Sender: &fakeSender{}, Clock: clock.NewMock()})
	var o outcome
	o.hold(c, relayURL, 1)
	c.HandleChallenge(relayURL, "c")

	_, errs := o.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoSigner)
	assert.Equal(t, Failed, c.Status(relayURL))
}

func TestConnectionLossResetsState(t *testing.T) {
	sender := &fakeSender{}
	c := New(Config{Sender: sender, Signer: newSigner(t), Clock: clock.NewMock()})
	var o outcome

	c.HandleChallenge(relayURL, "c")
	o.hold(c, relayURL, 1)
	evt := sender.authEvent(t)

	c.HandleState(connection.StateChange{URL: relayURL, State: connection.Retrying})
	assert.Equal(t, Unauthenticated, c.Status(relayURL))
	assert.False(t, c.HandleOK(relayURL, evt.ID, true, ""), "OK of the old session is ignored")

	_, errs := o.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrConnectionLost)
	assert.True(t, errors.Is(errs[0], connection.ErrNotConnected))
}

func TestSendFailureFailsHandshake(t *testing.T) {
	sender := &fakeSender{err: connection.ErrNotConnected}
	c := New(Config{Sender: sender, Signer: newSigner(t), Clock: clock.NewMock()})
	var o outcome

	o.hold(c, relayURL, 1)
	c.HandleChallenge(relayURL, "c")

	require.Eventually(t, func() bool { return c.Status(relayURL) == Failed }, time.Second, time.Millisecond)
	_, errs := o.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], connection.ErrNotConnected)
}
