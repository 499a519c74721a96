package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// popDue removes and returns the earliest live timer due at or before until.
func (c *fakeClock) popDue(until time.Time) (*fakeTimer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
	if len(c.timers) == 0 || c.timers[0].at.After(until) {
		return nil, false
	}
	t := c.timers[0]
	c.timers = c.timers[1:]
	t.stopped = true
	if t.at.After(c.now) {
		c.now = t.at
	}
	return t, true
}

func (c *fakeClock) set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.now) {
		c.now = now
	}
}

// fakeTransport records what the client does with it. Close and Terminate
// complete immediately, like a peer that answers at once, unless holdClose
// is set; then Close only starts the handshake and the test settles it.
type fakeTransport struct {
	mu         sync.Mutex
	events     TransportEvents
	sent       []Frame
	sendCalls  int
	failOn     int // 1-based Send call that fails; 0 never
	sendErr    error
	closeCode  int
	closed     bool
	terminated bool
	holdClose  bool
	done       bool
}

func (t *fakeTransport) Send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendCalls++
	if t.sendErr != nil || (t.failOn > 0 && t.sendCalls == t.failOn) {
		return errors.New("write: broken pipe")
	}
	t.sent = append(t.sent, f)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	t.closed = true
	t.closeCode = code
	hold := t.holdClose
	t.mu.Unlock()
	if !hold {
		t.fireClose(code, reason)
	}
	return nil
}

func (t *fakeTransport) Terminate() error {
	t.mu.Lock()
	t.terminated = true
	t.mu.Unlock()
	t.fireClose(CloseAbnormalClosure, "connection terminated")
	return nil
}

func (t *fakeTransport) open() { t.events.OnOpen("") }

func (t *fakeTransport) receive(messageType int, data string) {
	t.events.OnMessage(messageType, []byte(data))
}

// drop simulates the peer or network closing the connection.
func (t *fakeTransport) drop(code int) { t.fireClose(code, "") }

func (t *fakeTransport) fireClose(code int, reason string) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()
	t.events.OnClose(code, reason)
}

func (t *fakeTransport) sentData() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, f := range t.sent {
		out[i] = string(f.Data)
	}
	return out
}

func (t *fakeTransport) wasTerminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, events TransportEvents) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{events: events}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// eventLog collects every published event in order.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind()
	}
	return out
}

func (l *eventLog) ofKind(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

type harness struct {
	t      *testing.T
	c      *Client
	clock  *fakeClock
	dialer *fakeDialer
	log    *eventLog
}

// newHarness builds a client on a fake clock and dialer. The heartbeat is
// off unless configure turns it on.
func newHarness(t *testing.T, configure func(*Options), extra ...Option) *harness {
	t.Helper()

	opts := DefaultOptions()
	opts.HeartbeatInterval = 0
	if configure != nil {
		configure(&opts)
	}

	h := &harness{
		t:      t,
		clock:  newFakeClock(),
		dialer: &fakeDialer{},
		log:    &eventLog{},
	}
	options := append([]Option{
		WithClock(h.clock),
		WithDialer(h.dialer),
		WithLogger(zaptest.NewLogger(t)),
	}, extra...)

	c, err := New("ws://relay.test/ws", opts, options...)
	require.NoError(t, err)
	h.c = c

	for _, kind := range []EventKind{EventConnecting, EventOpen, EventMessage, EventError, EventClose, EventReconnect} {
		c.On(kind, h.log.record)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return h
}

// sync waits until the event loop is idle, including work posted by work it
// ran in the meantime.
func (h *harness) sync() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		idle := make(chan bool, 1)
		h.c.post(func() {
			h.c.mbox.mu.Lock()
			idle <- len(h.c.mbox.items) == 0
			h.c.mbox.mu.Unlock()
		})
		select {
		case ok := <-idle:
			if ok {
				return
			}
		case <-time.After(5 * time.Second):
			h.t.Fatal("event loop did not drain")
		}
	}
	h.t.Fatal("event loop never went idle")
}

// onLoop runs fn on the event loop and waits for it.
func (h *harness) onLoop(fn func()) {
	h.t.Helper()
	h.c.post(fn)
	h.sync()
}

// advance moves the fake clock forward, firing due timers one at a time and
// letting the loop react before the next one.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	target := h.clock.Now().Add(d)
	for {
		t, ok := h.clock.popDue(target)
		if !ok {
			break
		}
		t.fn()
		h.sync()
	}
	h.clock.set(target)
	h.sync()
}

// connectAndOpen connects and completes the handshake of the new transport.
func (h *harness) connectAndOpen() *fakeTransport {
	h.t.Helper()
	h.c.Connect()
	h.sync()
	tr := h.dialer.last()
	require.NotNil(h.t, tr)
	tr.open()
	h.sync()
	require.Equal(h.t, StateOpen, h.c.State())
	return tr
}
