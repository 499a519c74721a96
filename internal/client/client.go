package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client keeps a logical message channel to one address alive across
// transport failures. Every state change runs on a single event loop
// goroutine; public methods only post work to it and never block.
type Client struct {
	address string
	opts    Options

	codec    Codec
	dialer   Dialer
	clock    Clock
	logger   *zap.Logger
	notifier Notifier
	recorder Recorder

	events *Dispatcher
	queue  *OutboundQueue
	state  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the event loop.
	transport   Transport
	epoch       uint64
	episode     string
	attempts    int
	manualClose bool
	closeCode   int
	closeReason string
	retryTimer  Timer
	retryGen    uint64
	hb          *heartbeat
	probeFrame  Frame
	quitting    bool

	// Connect arrived while a close was still in flight
	connectAfterClose bool

	mbox    mailbox
	stopped chan struct{}
	stop    sync.Once
}

// New creates a client for address. The event loop starts immediately; the
// connection is opened only by Connect or Options.AutoConnect.
func New(address string, opts Options, options ...Option) (*Client, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client options: %w", err)
	}

	c := &Client{
		address:  address,
		opts:     opts,
		clock:    systemClock{},
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		queue:    NewOutboundQueue(opts.MaxQueue),
		mbox:     mailbox{signal: make(chan struct{}, 1)},
		stopped:  make(chan struct{}),
	}
	for _, o := range options {
		o(c)
	}
	if c.codec == nil {
		if opts.Structured {
			c.codec = JSONCodec{}
		} else {
			c.codec = RawCodec{}
		}
	}
	if c.dialer == nil {
		c.dialer = NewWebSocketDialer(DialerConfig{}, c.logger)
	}
	c.logger = c.logger.With(zap.String("address", address))
	c.events = NewDispatcher(c.logger)

	if opts.HeartbeatInterval > 0 {
		f, err := c.codec.Encode(opts.HeartbeatProbe)
		if err != nil {
			return nil, fmt.Errorf("invalid heartbeat probe: %w", err)
		}
		c.probeFrame = f
	}
	c.hb = &heartbeat{
		interval: opts.HeartbeatInterval,
		timeout:  opts.HeartbeatTimeout,
		clock:    c.clock,
		post:     c.post,
		probe:    c.sendProbe,
		expire:   c.expire,
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state.Store(int32(StateIdle))
	go c.run()

	if opts.AutoConnect {
		c.Connect()
	}
	return c, nil
}

// ErrInvalidAddress is returned for addresses a transport cannot be built for
var ErrInvalidAddress = errors.New("invalid address")

// Connect opens the connection. It is a no-op while connecting or open.
func (c *Client) Connect() {
	c.post(func() { c.connect(true) })
}

// Close closes the connection with code and reason and disables automatic
// reconnection until the next Connect. Use CloseNormalClosure for a regular
// close. Calling Close again is a no-op.
func (c *Client) Close(code int, reason string) {
	c.post(func() { c.close(code, reason) })
}

// Disconnect closes the connection with a normal closure
func (c *Client) Disconnect() {
	c.Close(CloseNormalClosure, "")
}

// Send encodes payload and transmits it, or queues it until the connection
// opens. Only encoding errors are returned; transmit failures surface as
// ErrorEvents and the frame stays queued.
func (c *Client) Send(payload any) error {
	f, err := c.codec.Encode(payload)
	if err != nil {
		return err
	}
	c.post(func() { c.sendFrame(f) })
	return nil
}

// Requeue appends already encoded frames, typically restored from storage
func (c *Client) Requeue(frames []Frame) {
	if len(frames) == 0 {
		return
	}
	c.post(func() {
		for _, f := range frames {
			if err := c.queue.Enqueue(f); err != nil {
				c.publishError(fmt.Errorf("failed to requeue frame: %w", err))
				break
			}
		}
		if c.State() == StateOpen {
			c.flush()
		}
		c.recorder.QueueDepth(c.queue.Len())
	})
}

// IsConnected reports whether the connection is open
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Address returns the address the client connects to
func (c *Client) Address() string {
	return c.address
}

// Pending returns a copy of the frames waiting in the outbound queue
func (c *Client) Pending() []Frame {
	return c.queue.Snapshot()
}

// Drain removes and returns the frames waiting in the outbound queue. After
// Shutdown it hands over everything that was never sent.
func (c *Client) Drain() []Frame {
	frames := c.queue.Drain()
	c.recorder.QueueDepth(0)
	return frames
}

// On subscribes fn to events of kind
func (c *Client) On(kind EventKind, fn Handler) HandlerID {
	return c.events.On(kind, fn)
}

// Off removes a subscription
func (c *Client) Off(kind EventKind, id HandlerID) bool {
	return c.events.Off(kind, id)
}

// Shutdown closes the connection and stops the event loop. Queued frames are
// kept and can be read with Pending afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	c.stop.Do(func() {
		c.post(func() {
			c.close(CloseGoingAway, "client shutdown")
			if c.transport != nil {
				_ = c.transport.Terminate()
				c.transport = nil
				c.epoch++
				if c.transition(triggerTransportClosed) {
					c.events.Publish(CloseEvent{Code: CloseGoingAway, Reason: "client shutdown"})
				}
			}
			c.cancel()
			c.quitting = true
		})
	})

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run() {
	defer close(c.stopped)
	for range c.mbox.signal {
		for _, fn := range c.mbox.take() {
			fn()
		}
		if c.quitting {
			return
		}
	}
}

func (c *Client) post(fn func()) {
	c.mbox.put(fn)
}

func (c *Client) connect(manual bool) {
	switch st := c.State(); st {
	case StateConnecting, StateOpen:
		c.logger.Debug("Connect ignored", zap.String("state", st.String()))
		return
	case StateClosing:
		// the closing transport still owns the connection; dial once it is gone
		c.connectAfterClose = true
		c.logger.Debug("Connect deferred until close completes")
		return
	}
	if manual {
		c.manualClose = false
	}
	c.cancelRetry()

	c.epoch++
	c.episode = uuid.NewString()
	c.transport = nil
	c.transition(triggerConnect)
	c.events.Publish(ConnectingEvent{URL: c.address})

	ev := &episodeEvents{c: c, epoch: c.epoch}
	tr, err := c.dialer.Dial(c.ctx, c.address, ev)
	if err != nil {
		c.transition(triggerDialFailed)
		err = fmt.Errorf("failed to create transport: %w", err)
		c.logger.Error("Connect failed", zap.String("episode", c.episode), zap.Error(err))
		c.publishError(err)
		c.notifyFailed(err)
		return
	}
	ev.tr = tr
	c.transport = tr
}

func (c *Client) close(code int, reason string) {
	c.manualClose = true
	c.connectAfterClose = false
	c.cancelRetry()
	c.hb.stop()

	switch c.State() {
	case StateReconnecting:
		c.transition(triggerRetryCancelled)
	case StateConnecting, StateOpen:
		c.closeCode, c.closeReason = code, reason
		c.transition(triggerCloseRequested)
		if c.transport == nil {
			return
		}
		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Warn("Close handshake failed, dropping connection", zap.Error(err))
			_ = c.transport.Terminate()
		}
	}
}

func (c *Client) handleOpen(ev *episodeEvents, subprotocol string) {
	if ev.epoch != c.epoch {
		c.logger.Debug("Dropping stale transport", zap.Uint64("epoch", ev.epoch))
		if ev.tr != nil {
			_ = ev.tr.Terminate()
		}
		return
	}
	if c.State() == StateClosing {
		// close() ran while the handshake was in flight
		if err := ev.tr.Close(c.closeCode, c.closeReason); err != nil {
			_ = ev.tr.Terminate()
		}
		return
	}

	if !c.transition(triggerOpened) {
		return
	}
	c.attempts = 0
	c.logger.Info("Connected", zap.String("episode", c.episode))
	c.events.Publish(OpenEvent{URL: c.address, Subprotocol: subprotocol})
	c.notifyConnected()
	c.flush()
	if c.State() == StateOpen {
		c.hb.start()
	}
}

func (c *Client) handleMessage(ev *episodeEvents, messageType int, data []byte) {
	if ev.epoch != c.epoch {
		return
	}
	payload := c.codec.Decode(messageType, data)
	if c.isHeartbeatReply(payload) {
		c.recorder.FrameReceived(true)
		c.hb.replied()
		return
	}
	c.recorder.FrameReceived(false)
	c.events.Publish(MessageEvent{Data: payload})
}

func (c *Client) handleError(ev *episodeEvents, err error) {
	if ev.epoch != c.epoch {
		return
	}
	c.logger.Warn("Transport error", zap.String("episode", c.episode), zap.Error(err))
	c.publishError(err)
}

func (c *Client) handleClose(ev *episodeEvents, code int, reason string) {
	if ev.epoch != c.epoch {
		return
	}
	c.hb.stop()
	c.transport = nil
	c.epoch++

	from := c.State()
	if !c.transition(triggerTransportClosed) {
		return
	}
	c.logger.Info("Connection closed",
		zap.String("episode", c.episode),
		zap.Int("code", code),
		zap.String("reason", reason))
	c.events.Publish(CloseEvent{Code: code, Reason: reason})
	if from == StateConnecting {
		c.notifyFailed(fmt.Errorf("connection closed before open (code %d)", code))
	}

	if c.connectAfterClose {
		c.connectAfterClose = false
		c.connect(true)
		return
	}

	if c.manualClose || !c.opts.AutoReconnect || code == CloseNormalClosure {
		return
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	if !c.opts.Reconnect.ShouldRetry(c.attempts) {
		c.logger.Warn("Reconnect attempts exhausted", zap.Int("attempts", c.attempts))
		return
	}
	// a close handler may already have called Connect or Close
	if c.State() != StateClosed {
		return
	}

	c.attempts++
	delay := c.opts.Reconnect.NextDelay(c.attempts)
	c.transition(triggerRetryScheduled)
	c.logger.Info("Reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	c.recorder.ReconnectScheduled(c.attempts, delay)
	c.events.Publish(ReconnectEvent{Attempt: c.attempts, Delay: delay})

	// a reconnect handler may have called Connect or Close synchronously
	if c.State() != StateReconnecting {
		return
	}
	c.retryGen++
	gen := c.retryGen
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.post(func() {
			if gen != c.retryGen || c.State() != StateReconnecting {
				return
			}
			c.retryTimer = nil
			c.connect(false)
		})
	})
}

func (c *Client) cancelRetry() {
	c.retryGen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) sendFrame(f Frame) {
	defer func() { c.recorder.QueueDepth(c.queue.Len()) }()

	if c.State() == StateOpen && c.queue.Len() == 0 {
		if err := c.transmit(f); err != nil {
			c.queue.pushFront(f)
			c.publishError(fmt.Errorf("failed to send frame: %w", err))
		}
		return
	}
	if err := c.queue.Enqueue(f); err != nil {
		c.publishError(err)
		return
	}
	if c.State() == StateOpen {
		c.flush()
	}
}

func (c *Client) flush() {
	if c.queue.Len() == 0 {
		return
	}
	sent, err := c.queue.Flush(c.transmit)
	c.recorder.QueueDepth(c.queue.Len())
	if err != nil {
		c.logger.Warn("Flush halted",
			zap.Int("sent", sent),
			zap.Int("pending", c.queue.Len()),
			zap.Error(err))
		c.publishError(fmt.Errorf("failed to flush outbound queue: %w", err))
		return
	}
	c.logger.Debug("Flushed outbound queue", zap.Int("sent", sent))
}

func (c *Client) transmit(f Frame) error {
	if c.transport == nil {
		return errors.New("no transport")
	}
	if err := c.transport.Send(f); err != nil {
		return err
	}
	c.recorder.FrameSent()
	return nil
}

func (c *Client) sendProbe() error {
	if c.transport == nil {
		return nil
	}
	if err := c.transport.Send(c.probeFrame); err != nil {
		c.logger.Debug("Heartbeat probe failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *Client) expire(reason string) {
	c.logger.Warn("Heartbeat lost, dropping connection",
		zap.String("episode", c.episode),
		zap.String("reason", reason))
	c.recorder.HeartbeatExpired()
	if c.transport != nil {
		_ = c.transport.Terminate()
	}
}

func (c *Client) isHeartbeatReply(payload any) (ok bool) {
	if c.opts.HeartbeatReply == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.opts.HeartbeatReply(payload)
}

func (c *Client) transition(t trigger) bool {
	from := c.State()
	to, ok := nextState(from, t)
	if !ok {
		c.logger.Debug("Ignored state trigger",
			zap.String("state", from.String()),
			zap.String("trigger", t.String()))
		return false
	}
	c.state.Store(int32(to))
	c.logger.Info("Connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("episode", c.episode))
	c.recorder.StateChanged(from, to)
	return true
}

func (c *Client) publishError(err error) {
	c.events.Publish(ErrorEvent{Err: err})
}

func (c *Client) notifyConnected() {
	if c.notifier == nil {
		return
	}
	n, addr := c.notifier, c.address
	go func() {
		defer func() { _ = recover() }()
		n.Connected(addr)
	}()
}

func (c *Client) notifyFailed(err error) {
	if c.notifier == nil {
		return
	}
	n, addr := c.notifier, c.address
	go func() {
		defer func() { _ = recover() }()
		n.ConnectFailed(addr, err)
	}()
}

// episodeEvents routes transport callbacks of one connect attempt onto the
// event loop, tagged with the attempt's epoch.
type episodeEvents struct {
	c     *Client
	epoch uint64
	tr    Transport
}

func (e *episodeEvents) OnOpen(subprotocol string) {
	e.c.post(func() { e.c.handleOpen(e, subprotocol) })
}

func (e *episodeEvents) OnMessage(messageType int, data []byte) {
	e.c.post(func() { e.c.handleMessage(e, messageType, data) })
}

func (e *episodeEvents) OnError(err error) {
	e.c.post(func() { e.c.handleError(e, err) })
}

func (e *episodeEvents) OnClose(code int, reason string) {
	e.c.post(func() { e.c.handleClose(e, code, reason) })
}

// mailbox is an unbounded FIFO of closures for the event loop.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func (m *mailbox) put(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
