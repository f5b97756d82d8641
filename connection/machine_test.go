package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/girino/relaypool/retry"
	"github.com/girino/relaypool/transport"
	"github.com/girino/relaypool/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relayURL = "wss://relay.example"

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) add(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.State
	}
	return out
}

func (r *recorder) last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func newMachine(t *testing.T, spec retry.Spec) (*Machine, *transporttest.Dialer, *clock.Mock, *recorder) {
	t.Helper()
	d := transporttest.NewDialer()
	mock := clock.NewMock()
	m := New(Config{
		URL:     relayURL,
		Dialer:  d,
		Backoff: retry.NewBackoff(spec, 1),
		Clock:   mock,
	})
	rec := &recorder{}
	m.Observe(rec.add)
	t.Cleanup(m.Dispose)
	return m, d, mock, rec
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		time.Second, 5*time.Millisecond, "want state %s, have %s", want, m.State())
}

func TestConnectOpensSession(t *testing.T) {
	m, d, _, rec := newMachine(t, retry.Off())

	require.NoError(t, m.Connect())
	waitState(t, m, Connected)
	require.NoError(t, m.Connect(), "connect is idempotent")

	assert.Equal(t, []State{Idle, Connecting, Connected}, rec.states())
	assert.Equal(t, 1, d.Relay(relayURL).Dials())

	session, open := m.Session()
	assert.True(t, open)
	assert.Equal(t, uint64(1), session)
}

func TestObserveReplaysCurrentState(t *testing.T) {
	m, _, _, _ := newMachine(t, retry.Off())
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	var got []State
	cancel := m.Observe(func(c StateChange) { got = append(got, c.State) })
	defer cancel()
	assert.Equal(t, []State{Connected}, got)
}

func TestAbnormalCloseWithRetryOffGoesToError(t *testing.T) {
	m, d, _, rec := newMachine(t, retry.Off())
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	d.Relay(relayURL).Drop(transport.CloseAbnormal, "")
	assert.Equal(t, Error, m.State())
	assert.Equal(t, transport.CloseAbnormal, rec.last().CloseCode)

	require.NoError(t, m.Reconnect())
	waitState(t, m, Connected)
	assert.Equal(t, []State{Idle, Connecting, Connected, Error, Connecting, Connected}, rec.states())
	assert.Equal(t, 2, d.Relay(relayURL).Dials())

	session, _ := m.Session()
	assert.Equal(t, uint64(2), session)
}

func TestExponentialRetryReconnects(t *testing.T) {
	m, d, mock, _ := newMachine(t, retry.Exponential(5, time.Second))
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	d.Relay(relayURL).Drop(transport.CloseGoingAway, "restart")
	assert.Equal(t, Retrying, m.State())

	// first delay is 1s plus jitter below 1s
	mock.Add(999 * time.Millisecond)
	assert.Equal(t, Retrying, m.State())
	mock.Add(time.Second)
	waitState(t, m, Connected)

	st := m.Stats()
	assert.Equal(t, int64(2), st.Opens)
	assert.Equal(t, int64(1), st.Retries)
	assert.Equal(t, int64(1), st.Failures)
}

func TestRetryExhaustionEndsInError(t *testing.T) {
	m, d, mock, rec := newMachine(t, retry.Linear(1, time.Second))
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	d.Refuse(relayURL, true)
	d.Relay(relayURL).Drop(transport.CloseAbnormal, "")
	assert.Equal(t, Retrying, m.State())

	mock.Add(time.Second)
	waitState(t, m, Error)
	assert.ErrorIs(t, rec.last().Err, transporttest.ErrRefused)

	// Error is terminal until an explicit reconnect
	mock.Add(time.Minute)
	assert.Equal(t, Error, m.State())

	d.Refuse(relayURL, false)
	require.NoError(t, m.Reconnect())
	waitState(t, m, Connected)
}

func TestDontRetryCloseCode(t *testing.T) {
	m, d, _, rec := newMachine(t, retry.Exponential(5, time.Second))
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	d.Relay(relayURL).Drop(transport.CloseDontRetry, "go away")
	assert.Equal(t, Error, m.State())
	assert.Equal(t, transport.CloseDontRetry, rec.last().CloseCode)
}

func TestReconnectWhileConnectingIsNoop(t *testing.T) {
	m, d, _, _ := newMachine(t, retry.Off())
	release := d.Hold(relayURL)
	require.NoError(t, m.Connect())
	assert.Equal(t, Connecting, m.State())

	require.NoError(t, m.Reconnect())
	release()
	waitState(t, m, Connected)
	assert.Equal(t, 1, d.Relay(relayURL).Dials())
}

func TestReconnectFromConnectedOpensFreshSocket(t *testing.T) {
	m, d, _, _ := newMachine(t, retry.Off())
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	require.NoError(t, m.Reconnect())
	require.Eventually(t, func() bool { return d.Relay(relayURL).Dials() == 2 }, time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)

	// the superseded socket's close must not knock the new one down
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Connected, m.State())
}

func TestSendRequiresOpenSocket(t *testing.T) {
	m, d, _, _ := newMachine(t, retry.Off())
	ctx := context.Background()

	_, err := m.Send(ctx, []byte(`["CLOSE","x"]`))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect())
	waitState(t, m, Connected)
	session, err := m.Send(ctx, []byte(`["CLOSE","x"]`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), session)
	assert.Equal(t, []string{`["CLOSE","x"]`}, d.Relay(relayURL).Received())
}

func TestInboundMessagesReachCallback(t *testing.T) {
	d := transporttest.NewDialer()
	var mu sync.Mutex
	var got []string
	m := New(Config{
		URL:     relayURL,
		Dialer:  d,
		Backoff: retry.NewBackoff(retry.Off(), 1),
		Clock:   clock.NewMock(),
		OnMessage: func(url string, msg []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, url+" "+string(msg))
		},
	})
	defer m.Dispose()
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	require.NoError(t, d.Relay(relayURL).Push(`["NOTICE","a"]`))
	require.NoError(t, d.Relay(relayURL).Push(`["NOTICE","b"]`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{relayURL + ` ["NOTICE","a"]`, relayURL + ` ["NOTICE","b"]`}, got)
}

func TestDisposeIsTerminal(t *testing.T) {
	m, d, _, _ := newMachine(t, retry.Exponential(5, time.Second))
	require.NoError(t, m.Connect())
	waitState(t, m, Connected)

	m.Dispose()
	m.Dispose()
	assert.Equal(t, Terminated, m.State())
	require.Eventually(t, func() bool { return !d.Relay(relayURL).Connected() }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Connect(), ErrDisposed)
	assert.ErrorIs(t, m.Reconnect(), ErrDisposed)
	_, err := m.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Equal(t, Terminated, m.State(), "socket close after dispose does not move the state")
}
