package client

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New("", DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidAddress)

	opts := DefaultOptions()
	opts.HeartbeatTimeout = 0
	_, err = New("ws://relay.test", opts)
	require.Error(t, err)

	opts = DefaultOptions()
	opts.Reconnect.BackoffFactor = 0.5
	_, err = New("ws://relay.test", opts)
	require.Error(t, err)

	opts = DefaultOptions()
	opts.HeartbeatProbe = make(chan int)
	_, err = New("ws://relay.test", opts, WithDialer(&fakeDialer{}))
	require.Error(t, err)
}

func TestClient_InitialState(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, StateIdle, h.c.State())
	assert.False(t, h.c.IsConnected())
	assert.Equal(t, 0, h.dialer.count())
}

func TestClient_AutoConnect(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoConnect = true })
	h.sync()
	assert.Equal(t, StateConnecting, h.c.State())
	assert.Equal(t, 1, h.dialer.count())
}

func TestClient_ConnectOpenFlushesQueueAfterOpen(t *testing.T) {
	h := newHarness(t, nil)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, h.c.Send(map[string]string{"text": text}))
	}
	h.sync()
	assert.Len(t, h.c.Pending(), 3)

	var sentAtOpen []string
	h.c.On(EventOpen, func(Event) { sentAtOpen = h.dialer.last().sentData() })

	tr := h.connectAndOpen()

	assert.Empty(t, sentAtOpen, "open must be published before the flush")
	assert.Equal(t, []string{`{"text":"one"}`, `{"text":"two"}`, `{"text":"three"}`}, tr.sentData())
	assert.Empty(t, h.c.Pending())
	assert.Equal(t, []EventKind{EventConnecting, EventOpen}, h.log.kinds())
	assert.True(t, h.c.IsConnected())
}

func TestClient_ConnectIsNoopWhileConnectingOrOpen(t *testing.T) {
	h := newHarness(t, nil)

	h.c.Connect()
	h.c.Connect()
	h.sync()
	assert.Equal(t, 1, h.dialer.count())
	assert.Len(t, h.log.ofKind(EventConnecting), 1)

	h.dialer.last().open()
	h.sync()
	h.c.Connect()
	h.sync()
	assert.Equal(t, 1, h.dialer.count())
	assert.Len(t, h.log.ofKind(EventConnecting), 1)
	assert.Equal(t, StateOpen, h.c.State())
}

func TestClient_FlushHaltsOnFailureAndKeepsOrder(t *testing.T) {
	h := newHarness(t, nil)

	for _, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, h.c.Send(text))
	}
	h.c.Connect()
	h.sync()
	tr := h.dialer.last()
	tr.failOn = 2
	tr.open()
	h.sync()

	assert.Equal(t, []string{"a"}, tr.sentData())
	pending := h.c.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "b", string(pending[0].Data))
	assert.Equal(t, "c", string(pending[1].Data))
	assert.Equal(t, "d", string(pending[2].Data))
	assert.Len(t, h.log.ofKind(EventError), 1)

	// The next send retries the halted flush first.
	require.NoError(t, h.c.Send("e"))
	h.sync()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, tr.sentData())
	assert.Empty(t, h.c.Pending())
}

func TestClient_SendWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	require.NoError(t, h.c.Send(map[string]int{"n": 1}))
	h.sync()
	assert.Equal(t, []string{`{"n":1}`}, tr.sentData())

	tr.sendErr = errors.New("boom")
	require.NoError(t, h.c.Send(map[string]int{"n": 2}))
	h.sync()
	assert.Len(t, h.c.Pending(), 1, "a failed send keeps the frame queued")
	assert.Len(t, h.log.ofKind(EventError), 1)
}

func TestClient_SendEncodingError(t *testing.T) {
	h := newHarness(t, nil)
	err := h.c.Send(func() {})
	require.Error(t, err)
	h.sync()
	assert.Empty(t, h.c.Pending())
}

func TestClient_StructuredStringsSentUnchanged(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatInterval = time.Second
		o.HeartbeatTimeout = time.Second
		o.HeartbeatProbe = "ping"
	})
	tr := h.connectAndOpen()

	require.NoError(t, h.c.Send("hello"))
	require.NoError(t, h.c.Send(map[string]string{"type": "message"}))
	h.sync()
	h.advance(time.Second)

	assert.Equal(t, []string{"hello", `{"type":"message"}`, "ping"}, tr.sentData())
}

func TestClient_RawMode(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Structured = false })
	tr := h.connectAndOpen()

	require.NoError(t, h.c.Send("hello"))
	require.NoError(t, h.c.Send([]byte{0x01, 0x02}))
	require.ErrorIs(t, h.c.Send(42), ErrUnsupportedPayload)
	h.sync()

	tr.mu.Lock()
	require.Len(t, tr.sent, 2)
	assert.Equal(t, Frame{Type: websocket.TextMessage, Data: []byte("hello")}, tr.sent[0])
	assert.Equal(t, websocket.BinaryMessage, tr.sent[1].Type)
	tr.mu.Unlock()

	tr.receive(websocket.TextMessage, `{"not":"decoded"}`)
	h.sync()
	msgs := h.log.ofKind(EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"not":"decoded"}`, msgs[0].(MessageEvent).Data)
}

func TestClient_QueueCap(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxQueue = 2 })

	require.NoError(t, h.c.Send(1))
	require.NoError(t, h.c.Send(2))
	require.NoError(t, h.c.Send(3))
	h.sync()

	assert.Len(t, h.c.Pending(), 2)
	errs := h.log.ofKind(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].(ErrorEvent).Err, ErrQueueFull)
}

func TestClient_HeartbeatRepliesAreSuppressed(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	tr.receive(websocket.TextMessage, "pong")
	tr.receive(websocket.TextMessage, `"pong"`)
	tr.receive(websocket.TextMessage, `{"type":"message","text":"hi"}`)
	tr.receive(websocket.TextMessage, "not json")
	h.sync()

	msgs := h.log.ofKind(EventMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{"type": "message", "text": "hi"}, msgs[0].(MessageEvent).Data)
	assert.Equal(t, "not json", msgs[1].(MessageEvent).Data)
}

func TestClient_HeartbeatReplyPredicate(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatReply = MatchFunc(func(p any) bool {
			return p.(map[string]any)["type"] == "pong"
		})
	})
	tr := h.connectAndOpen()

	tr.receive(websocket.TextMessage, `{"type":"pong","ts":1}`)
	// the predicate panics on a string; that counts as no match
	tr.receive(websocket.TextMessage, "plain")
	h.sync()

	msgs := h.log.ofKind(EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "plain", msgs[0].(MessageEvent).Data)
}

func TestClient_TransportErrorDoesNotChangeState(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	tr.events.OnError(errors.New("read: connection reset"))
	h.sync()

	assert.Equal(t, StateOpen, h.c.State())
	assert.Len(t, h.log.ofKind(EventError), 1)
}

func TestClient_ReconnectBackoffScenario(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Reconnect = ReconnectStrategy{MaxRetries: 3, InitialDelay: time.Second, BackoffFactor: 2}
	})
	tr := h.connectAndOpen()

	tr.drop(CloseAbnormalClosure)
	h.sync()
	assert.Equal(t, StateReconnecting, h.c.State())

	for i := 0; i < 3; i++ {
		reconnects := h.log.ofKind(EventReconnect)
		require.Len(t, reconnects, i+1)
		delay := reconnects[i].(ReconnectEvent).Delay

		h.advance(delay - time.Millisecond)
		assert.Equal(t, i+1, h.dialer.count(), "reconnect must wait for the full delay")
		h.advance(time.Millisecond)
		require.Equal(t, i+2, h.dialer.count())
		assert.Equal(t, StateConnecting, h.c.State())

		// the attempt fails before opening
		h.dialer.last().drop(CloseAbnormalClosure)
		h.sync()
	}

	var delays []time.Duration
	var attempts []int
	for _, ev := range h.log.ofKind(EventReconnect) {
		delays = append(delays, ev.(ReconnectEvent).Delay)
		attempts = append(attempts, ev.(ReconnectEvent).Attempt)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, StateClosed, h.c.State())

	h.advance(time.Minute)
	assert.Equal(t, 4, h.dialer.count())
	assert.Len(t, h.log.ofKind(EventClose), 4)
}

func TestClient_OpenResetsAttempts(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Reconnect = ReconnectStrategy{MaxRetries: 2, InitialDelay: time.Second, BackoffFactor: 2}
	})
	tr := h.connectAndOpen()

	for i := 0; i < 4; i++ {
		tr.drop(CloseAbnormalClosure)
		h.sync()
		h.advance(time.Second)
		tr = h.dialer.last()
		tr.open()
		h.sync()
		require.Equal(t, StateOpen, h.c.State())
	}
	for _, ev := range h.log.ofKind(EventReconnect) {
		assert.Equal(t, 1, ev.(ReconnectEvent).Attempt)
	}
}

func TestClient_NormalCloseNeverReconnects(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	tr.drop(CloseNormalClosure)
	h.sync()
	h.advance(time.Minute)

	assert.Equal(t, StateClosed, h.c.State())
	assert.Empty(t, h.log.ofKind(EventReconnect))
	assert.Equal(t, 1, h.dialer.count())
}

func TestClient_AutoReconnectDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoReconnect = false })
	tr := h.connectAndOpen()

	tr.drop(CloseAbnormalClosure)
	h.sync()
	assert.Equal(t, StateClosed, h.c.State())
	assert.Empty(t, h.log.ofKind(EventReconnect))
}

func TestClient_MaxRetriesZeroNeverReconnects(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Reconnect.MaxRetries = 0 })
	tr := h.connectAndOpen()

	tr.drop(CloseAbnormalClosure)
	h.sync()
	assert.Equal(t, StateClosed, h.c.State())
	assert.Empty(t, h.log.ofKind(EventReconnect))
}

func TestClient_CloseWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	h.c.Close(4001, "bye")
	h.sync()

	assert.True(t, tr.closed)
	assert.Equal(t, 4001, tr.closeCode)
	assert.Equal(t, StateClosed, h.c.State())
	closes := h.log.ofKind(EventClose)
	require.Len(t, closes, 1)
	assert.Equal(t, CloseEvent{Code: 4001, Reason: "bye"}, closes[0])
	assert.Empty(t, h.log.ofKind(EventReconnect), "caller-initiated close never reconnects")

	// idempotent
	h.c.Close(CloseNormalClosure, "")
	h.sync()
	assert.Len(t, h.log.ofKind(EventClose), 1)
}

func TestClient_CloseCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	tr.drop(CloseAbnormalClosure)
	h.sync()
	require.Equal(t, StateReconnecting, h.c.State())

	h.c.Disconnect()
	h.sync()
	assert.Equal(t, StateClosed, h.c.State())

	h.advance(time.Hour)
	assert.Equal(t, 1, h.dialer.count())
}

func TestClient_ConnectWhileReconnectingConnectsNow(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	tr.drop(CloseAbnormalClosure)
	h.sync()
	require.Equal(t, StateReconnecting, h.c.State())

	h.c.Connect()
	h.sync()
	assert.Equal(t, 2, h.dialer.count())
	assert.Equal(t, StateConnecting, h.c.State())

	// the cancelled timer must not start a third transport
	h.advance(time.Hour)
	assert.Equal(t, 2, h.dialer.count())
}

func TestClient_ConnectWhileClosingWaitsForClose(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()
	tr.holdClose = true

	h.c.Close(CloseNormalClosure, "")
	h.sync()
	require.Equal(t, StateClosing, h.c.State())
	h.log.reset()

	h.c.Connect()
	h.sync()
	assert.Equal(t, StateClosing, h.c.State())
	assert.Equal(t, 1, h.dialer.count(), "no second transport while the first is closing")
	assert.Empty(t, h.log.kinds())

	tr.fireClose(CloseNormalClosure, "")
	h.sync()
	assert.Equal(t, []EventKind{EventClose, EventConnecting}, h.log.kinds())
	assert.Equal(t, 2, h.dialer.count())
	assert.Equal(t, StateConnecting, h.c.State())

	h.dialer.last().open()
	h.sync()
	assert.Equal(t, StateOpen, h.c.State())
	assert.Empty(t, h.log.ofKind(EventReconnect))
}

func TestClient_CloseDropsDeferredConnect(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()
	tr.holdClose = true

	h.c.Close(CloseNormalClosure, "")
	h.c.Connect()
	h.c.Close(CloseNormalClosure, "")
	h.sync()

	tr.fireClose(CloseNormalClosure, "")
	h.sync()
	assert.Equal(t, StateClosed, h.c.State())
	assert.Equal(t, 1, h.dialer.count())
	assert.Len(t, h.log.ofKind(EventClose), 1)
}

func TestClient_LateOpenAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.c.Connect()
	h.sync()
	tr := h.dialer.last()

	h.c.Close(CloseNormalClosure, "")
	h.sync()
	assert.Equal(t, StateClosed, h.c.State())

	tr.events.OnOpen("")
	tr.events.OnMessage(websocket.TextMessage, []byte(`{"late":true}`))
	h.sync()

	assert.Equal(t, StateClosed, h.c.State())
	assert.Empty(t, h.log.ofKind(EventOpen))
	assert.Empty(t, h.log.ofKind(EventMessage))
	assert.True(t, tr.wasTerminated())
}

func TestClient_ManualConnectAfterClose(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()
	h.c.Disconnect()
	h.sync()

	tr = h.connectAndOpen()
	tr.drop(CloseAbnormalClosure)
	h.sync()
	assert.Equal(t, StateReconnecting, h.c.State(), "a manual connect re-enables reconnection")
}

func TestClient_DialErrorDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = ErrInvalidAddress

	h.c.Connect()
	h.sync()

	assert.Equal(t, []EventKind{EventConnecting, EventError}, h.log.kinds())
	assert.ErrorIs(t, h.log.ofKind(EventError)[0].(ErrorEvent).Err, ErrInvalidAddress)
	assert.Equal(t, StateClosed, h.c.State())

	h.advance(time.Hour)
	assert.Empty(t, h.log.ofKind(EventReconnect))
}

func TestClient_HeartbeatTimeoutScenario(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatInterval = 3 * time.Second
		o.HeartbeatTimeout = 5 * time.Second
	})
	tr := h.connectAndOpen()

	h.advance(3 * time.Second)
	assert.Equal(t, []string{`{"type":"ping"}`}, tr.sentData())
	assert.False(t, tr.wasTerminated())

	h.advance(5*time.Second - time.Millisecond)
	assert.False(t, tr.wasTerminated())

	h.advance(time.Millisecond)
	assert.True(t, tr.wasTerminated())
	closes := h.log.ofKind(EventClose)
	require.Len(t, closes, 1)
	assert.Equal(t, CloseAbnormalClosure, closes[0].(CloseEvent).Code)
	assert.Equal(t, StateReconnecting, h.c.State())
	assert.Len(t, h.log.ofKind(EventReconnect), 1)

	var active bool
	h.onLoop(func() { active = h.c.hb.active() })
	assert.False(t, active, "heartbeat timers must be gone once the connection left Open")
}

func TestClient_HeartbeatRepliesKeepConnectionAlive(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatInterval = 3 * time.Second
		o.HeartbeatTimeout = 5 * time.Second
	})
	tr := h.connectAndOpen()

	for i := 0; i < 10; i++ {
		h.advance(3 * time.Second)
		tr.receive(websocket.TextMessage, "pong")
		h.sync()
	}

	assert.False(t, tr.wasTerminated())
	assert.Equal(t, StateOpen, h.c.State())
	assert.Len(t, tr.sentData(), 10)
	assert.Empty(t, h.log.ofKind(EventMessage))
}

func TestClient_HeartbeatStopsOnClose(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatInterval = time.Second
		o.HeartbeatTimeout = time.Second
	})
	tr := h.connectAndOpen()

	h.c.Disconnect()
	h.sync()
	h.advance(time.Minute)

	assert.Empty(t, tr.sentData())
	assert.False(t, tr.wasTerminated())
}

func TestClient_HandlerPanicIsIsolated(t *testing.T) {
	h := newHarness(t, nil)

	var after []EventKind
	h.c.On(EventOpen, func(Event) { panic("boom") })
	h.c.On(EventOpen, func(ev Event) { after = append(after, ev.Kind()) })

	tr := h.connectAndOpen()
	tr.receive(websocket.TextMessage, `"x"`)
	h.sync()

	assert.Equal(t, []EventKind{EventOpen}, after)
	assert.Len(t, h.log.ofKind(EventMessage), 1)
}

func TestClient_HandlerMayCallClient(t *testing.T) {
	h := newHarness(t, nil)
	h.c.On(EventOpen, func(Event) { _ = h.c.Send("hello from handler") })
	h.c.On(EventMessage, func(Event) { h.c.Disconnect() })

	tr := h.connectAndOpen()
	assert.Equal(t, []string{"hello from handler"}, tr.sentData())

	tr.receive(websocket.TextMessage, `"bye"`)
	h.sync()
	assert.Equal(t, StateClosed, h.c.State())
}

type recordingNotifier struct {
	connected chan string
	failed    chan error
}

func (n *recordingNotifier) Connected(address string) { n.connected <- address }

func (n *recordingNotifier) ConnectFailed(_ string, err error) { n.failed <- err }

func TestClient_Notifier(t *testing.T) {
	n := &recordingNotifier{connected: make(chan string, 1), failed: make(chan error, 1)}
	h := newHarness(t, nil, WithNotifier(n))

	h.connectAndOpen()
	select {
	case addr := <-n.connected:
		assert.Equal(t, "ws://relay.test/ws", addr)
	case <-time.After(time.Second):
		t.Fatal("notifier not called")
	}

	h.dialer.err = errors.New("bad url")
	h.c.Disconnect()
	h.c.Connect()
	select {
	case err := <-n.failed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("failure not notified")
	}
}

func TestClient_RequeueRestoresFrames(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Requeue([]Frame{
		{Type: websocket.TextMessage, Data: []byte("saved-1")},
		{Type: websocket.TextMessage, Data: []byte("saved-2")},
	})
	require.NoError(t, h.c.Send("fresh"))

	tr := h.connectAndOpen()
	assert.Equal(t, []string{"saved-1", "saved-2", "fresh"}, tr.sentData())
}

func TestClient_Shutdown(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connectAndOpen()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	assert.True(t, tr.closed)
	assert.Equal(t, CloseGoingAway, tr.closeCode)
	assert.Equal(t, StateClosed, h.c.State())
	assert.Empty(t, h.log.ofKind(EventReconnect))
	require.NoError(t, h.c.Shutdown(ctx), "shutdown is idempotent")
}

func TestClient_DrainAfterShutdown(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Send("one"))
	require.NoError(t, h.c.Send("two"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	frames := h.c.Drain()
	require.Len(t, frames, 2)
	assert.Equal(t, "one", string(frames[0].Data))
	assert.Equal(t, "two", string(frames[1].Data))
	assert.Empty(t, h.c.Pending())
}

// TestClient_RandomOperations drives the client with random API calls and
// transport events and checks the state invariants after each step.
func TestClient_RandomOperations(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatInterval = time.Second
		o.HeartbeatTimeout = time.Second
		o.Reconnect = ReconnectStrategy{MaxRetries: 3, InitialDelay: 500 * time.Millisecond, BackoffFactor: 2}
	})
	rng := rand.New(rand.NewSource(42))

	valid := map[ConnectionState]bool{
		StateIdle: true, StateConnecting: true, StateOpen: true,
		StateClosing: true, StateClosed: true, StateReconnecting: true,
	}

	for step := 0; step < 500; step++ {
		tr := h.dialer.last()
		switch rng.Intn(8) {
		case 0:
			h.c.Connect()
		case 1:
			h.c.Close(CloseNormalClosure, "")
		case 2:
			_ = h.c.Send(step)
		case 3:
			if tr != nil {
				tr.open()
			}
		case 4:
			if tr != nil {
				tr.drop(CloseAbnormalClosure)
			}
		case 5:
			if tr != nil {
				tr.receive(websocket.TextMessage, "pong")
			}
		case 6:
			h.advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		case 7:
			if tr != nil {
				tr.drop(CloseNormalClosure)
			}
		}
		h.sync()

		var state ConnectionState
		var hbActive, retryPending bool
		h.onLoop(func() {
			state = h.c.State()
			hbActive = h.c.hb.active()
			retryPending = h.c.retryTimer != nil
		})
		require.True(t, valid[state], "step %d: invalid state %d", step, state)
		require.Equal(t, state == StateOpen, h.c.IsConnected())
		if hbActive {
			require.Equal(t, StateOpen, state, "step %d: heartbeat timers outside Open", step)
		}
		if retryPending {
			require.Equal(t, StateReconnecting, state, "step %d: reconnect timer outside Reconnecting", step)
		}
	}
}
