package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	failAfter int
	closeErr  error

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{failAfter: -1, inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.written) >= c.failAfter {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case d := <-c.inbox:
		return websocket.TextMessage, d, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return 0, nil, c.closeErr
		}
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop(code int) {
	c.mu.Lock()
	c.closeErr = &websocket.CloseError{Code: code}
	c.mu.Unlock()
	c.Close()
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

type recordedWaits struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedWaits) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedWaits) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runChannel starts ch.Run and stops it when the test ends.
func runChannel(t *testing.T, ch *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func dialerFor(conns ...*fakeConn) (Dialer, *atomic.Int32) {
	var calls atomic.Int32
	return DialerFunc(func(context.Context, string) (Conn, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(conns) {
			return nil, errors.New("connection refused")
		}
		return conns[n], nil
	}), &calls
}

func TestBackoffSequence(t *testing.T) {
	var got []time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		got = append(got, Backoff(attempt, 2*time.Second, 16*time.Second))
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second, 16 * time.Second,
	}, got)
}

func TestQualityFor(t *testing.T) {
	assert.Equal(t, QualityUnknown, QualityFor(0, false))
	assert.Equal(t, QualityExcellent, QualityFor(79*time.Millisecond, true))
	assert.Equal(t, QualityGood, QualityFor(80*time.Millisecond, true))
	assert.Equal(t, QualityGood, QualityFor(199*time.Millisecond, true))
	assert.Equal(t, QualityPoor, QualityFor(200*time.Millisecond, true))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		category    string
		recoverable bool
	}{
		{"unauthorized", &websocket.CloseError{Code: 4001}, CategoryServer, false},
		{"other server code", &websocket.CloseError{Code: 4002}, CategoryServer, true},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, CategoryNetwork, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, CategoryNetwork, true},
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, CategoryNetwork, true},
		{"dial error", errors.New("connection refused"), CategoryNetwork, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.recoverable, got.Recoverable)
		})
	}
}

func TestEncodeFlattensPayload(t *testing.T) {
	raw, err := encode("user_feedback", map[string]string{"message": "bigger logo"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_feedback","message":"bigger logo"}`, string(raw))

	raw, err = encode("pause_build", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pause_build"}`, string(raw))

	_, err = encode("bad", []int{1})
	assert.Error(t, err)
}

func TestQueuedMessagesFlushInOrderOnConnect(t *testing.T) {
	conn := newFakeConn()
	dialer, _ := dialerFor(conn)
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger()})

	require.NoError(t, ch.SendFeedback("first"))
	require.NoError(t, ch.Pause())
	require.NoError(t, ch.StartBuild("a bakery landing page", models.BuildOptions{SiteType: models.SiteTypeLanding}))
	assert.Equal(t, 3, ch.QueueLen())

	runChannel(t, ch)
	require.Eventually(t, func() bool { return len(conn.messages()) == 3 }, 2*time.Second, time.Millisecond)

	msgs := conn.messages()
	var types []string
	for _, m := range msgs {
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(m), &head))
		types = append(types, head.Type)
	}
	assert.Equal(t, []string{models.MsgUserFeedback, models.MsgPauseBuild, models.MsgStartBuild}, types)
	assert.Contains(t, msgs[2], `"siteType":"landing"`)
	assert.Equal(t, 0, ch.QueueLen())
	assert.Equal(t, 3, ch.Stats().Sent)
	assert.Equal(t, StateConnected, ch.State())
}

func TestFlushFailureReconnectsAndResendsRemainder(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	first.failAfter = 1
	dialer, dials := dialerFor(first, second)
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger(), Wait: (&recordedWaits{}).wait})

	var statesMu sync.Mutex
	var states []State
	ch.OnStateChange(func(s State, _ *ConnError) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	require.NoError(t, ch.Emit("a", nil))
	require.NoError(t, ch.Emit("b", nil))
	require.NoError(t, ch.Emit("c", nil))

	runChannel(t, ch)
	require.Eventually(t, func() bool { return len(second.messages()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{`{"type":"a"}`}, first.messages())
	assert.Equal(t, []string{`{"type":"b"}`, `{"type":"c"}`}, second.messages())
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, 3, ch.Stats().Sent)
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, time.Millisecond)

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Equal(t, 1, countState(states, StateConnected), "the broken connection is never reported as connected")
}

func countState(states []State, want State) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}

func TestBacklogPrecedesMessagesSentOnConnect(t *testing.T) {
	conn := newFakeConn()
	dialer, _ := dialerFor(conn)
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger()})
	ch.OnStateChange(func(s State, _ *ConnError) {
		if s == StateConnected {
			assert.Equal(t, 0, ch.QueueLen())
			assert.NoError(t, ch.Emit("c", nil))
		}
	})

	require.NoError(t, ch.Emit("a", nil))
	require.NoError(t, ch.Emit("b", nil))

	runChannel(t, ch)
	require.Eventually(t, func() bool { return len(conn.messages()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{`{"type":"a"}`, `{"type":"b"}`, `{"type":"c"}`}, conn.messages())
}

func TestAttachJumpsOfflineQueue(t *testing.T) {
	conn := newFakeConn()
	dialer, _ := dialerFor(conn)
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger()})

	require.NoError(t, ch.SendFeedback("bigger header"))
	require.NoError(t, ch.Attach("session-1"))
	assert.Equal(t, 2, ch.QueueLen())

	runChannel(t, ch)
	require.Eventually(t, func() bool { return len(conn.messages()) == 2 }, 2*time.Second, time.Millisecond)
	msgs := conn.messages()
	assert.JSONEq(t, `{"type":"attach_session","sessionId":"session-1"}`, msgs[0])
	assert.JSONEq(t, `{"type":"user_feedback","message":"bigger header"}`, msgs[1])
}

func TestFailedPingLeavesNoPendingProbe(t *testing.T) {
	conn := newFakeConn()
	conn.failAfter = 0
	dialer, _ := dialerFor(conn)
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger()})

	runChannel(t, ch)
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, time.Millisecond)

	ch.Ping()
	ch.mu.Lock()
	pending := !ch.pingStart.IsZero()
	ch.mu.Unlock()
	assert.False(t, pending)

	conn.inbox <- []byte(`{"type":"__pong","timestamp":1}`)
	require.Eventually(t, func() bool { return ch.Stats().Received == 1 }, 2*time.Second, time.Millisecond)
	_, measured := ch.Latency()
	assert.False(t, measured, "a pong without a delivered ping is not a sample")
}

func TestHandlersAndLatency(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	conn := newFakeConn()
	dialer, _ := dialerFor(conn)
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger(), Clock: clock})

	var typed, wildcard atomic.Int32
	ch.On(models.EventAgentMessage, func(m Message) {
		var body struct {
			Message string `json:"message"`
		}
		if m.Decode(&body) == nil && body.Message == "hello" {
			typed.Add(1)
		}
	})
	ch.On("*", func(Message) { wildcard.Add(1) })

	assert.Equal(t, QualityUnknown, ch.Quality())
	runChannel(t, ch)
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, time.Millisecond)

	ch.Ping()
	mu.Lock()
	now = now.Add(120 * time.Millisecond)
	mu.Unlock()
	conn.inbox <- []byte(`{"type":"__pong","timestamp":1}`)
	require.Eventually(t, func() bool { _, ok := ch.Latency(); return ok }, 2*time.Second, time.Millisecond)

	latency, _ := ch.Latency()
	assert.Equal(t, 120*time.Millisecond, latency)
	assert.Equal(t, QualityGood, ch.Quality())
	assert.Contains(t, conn.messages(), `{"type":"__ping"}`)

	conn.inbox <- []byte(`{"type":"agent_message","agentId":"architect","message":"hello"}`)
	conn.inbox <- []byte(`not json`)
	conn.inbox <- []byte(`{"type":"build_progress","percent":5}`)
	require.Eventually(t, func() bool { return wildcard.Load() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, 4, ch.Stats().Received)
	require.NotNil(t, ch.LastError())
	assert.Equal(t, CategoryParse, ch.LastError().Category)
}

func TestGivesUpAfterMaxAttemptsUntilRetry(t *testing.T) {
	var healthy atomic.Bool
	conn := newFakeConn()
	var dials atomic.Int32
	dialer := DialerFunc(func(context.Context, string) (Conn, error) {
		dials.Add(1)
		if healthy.Load() {
			return conn, nil
		}
		return nil, errors.New("connection refused")
	})
	waits := &recordedWaits{}
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, MaxAttempts: 4, Logger: quietLogger(), Wait: waits.wait})

	var statesMu sync.Mutex
	var states []State
	ch.OnStateChange(func(s State, _ *ConnError) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	runChannel(t, ch)
	require.Eventually(t, func() bool { return ch.State() == StateFailed }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(4), dials.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, waits.get())

	statesMu.Lock()
	assert.Equal(t, []State{StateConnecting, StateError}, states[:2])
	statesMu.Unlock()

	healthy.Store(true)
	ch.Retry()
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, ch.Attempts())
}

func TestUnauthorizedCloseIsTerminal(t *testing.T) {
	conn := newFakeConn()
	dialer, dials := dialerFor(conn)
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger(), Wait: (&recordedWaits{}).wait})

	runChannel(t, ch)
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, time.Millisecond)

	conn.drop(CloseUnauthorized)
	require.Eventually(t, func() bool { return ch.State() == StateFailed }, 2*time.Second, time.Millisecond)
	assert.Equal(t, CloseUnauthorized, ch.LastError().Code)
	assert.False(t, ch.LastError().Recoverable)
	assert.Equal(t, int32(1), dials.Load())
}

func TestReconnectsAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer, dials := dialerFor(first, second)
	waits := &recordedWaits{}
	ch := New(Config{URL: "ws://test/ws", Dialer: dialer, Logger: quietLogger(), Wait: waits.wait})

	runChannel(t, ch)
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, time.Millisecond)

	first.drop(websocket.CloseAbnormalClosure)
	require.Eventually(t, func() bool { return dials.Load() == 2 && ch.State() == StateConnected }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{2 * time.Second}, waits.get())
	assert.Equal(t, 0, ch.Attempts())

	require.NoError(t, ch.Attach("session-1"))
	require.Eventually(t, func() bool { return len(second.messages()) == 1 }, 2*time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"attach_session","sessionId":"session-1"}`, second.messages()[0])
}
