package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errNotOpen = errors.New("connection is not open")
	errClosing = errors.New("connection is closing")
)

// DialerConfig configures the gorilla websocket transport
type DialerConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// CloseGracePeriod bounds how long a closing handshake waits for the
	// peer's close frame before the socket is dropped.
	CloseGracePeriod time.Duration
	MaxMessageSize   int64
	// APIKey is sent in the api-key header when set.
	APIKey    string
	Header    http.Header
	TLSConfig *tls.Config
}

func (cfg DialerConfig) withDefaults() DialerConfig {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CloseGracePeriod <= 0 {
		cfg.CloseGracePeriod = 2 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512 * 1024 // 512KB
	}
	return cfg
}

// WebSocketDialer opens transports with gorilla/websocket
type WebSocketDialer struct {
	cfg    DialerConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketDialer creates a dialer
func NewWebSocketDialer(cfg DialerConfig, logger *zap.Logger) *WebSocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &WebSocketDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  cfg.TLSConfig,
		},
		logger: logger,
	}
}

// Dial validates address and starts the handshake in the background
func (d *WebSocketDialer) Dial(ctx context.Context, address string, events TransportEvents) (Transport, error) {
	u, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range d.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.cfg.APIKey != "" {
		header.Set("api-key", d.cfg.APIKey)
	}

	c := &Connection{
		url:    u.String(),
		header: header,
		cfg:    d.cfg,
		dialer: d.dialer,
		events: events,
		logger: d.logger,
	}
	go c.open(ctx)
	return c, nil
}

// NormalizeAddress turns a server address into a websocket URL. http and
// https schemes are mapped to ws and wss; an empty path becomes /ws.
func NormalizeAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	// Ensure WebSocket scheme
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, address)
	}
	if u.Path == "" {
		u.Path = "/ws"
	}
	return u, nil
}

// Connection is a single websocket connection attempt
type Connection struct {
	url    string
	header http.Header
	cfg    DialerConfig
	dialer *websocket.Dialer
	events TransportEvents
	logger *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	cancelDial     context.CancelFunc
	closeRequested bool
	closeCode      int
	closeReason    string
	terminated     bool

	writeMu  sync.Mutex
	finished sync.Once
}

func (c *Connection) open(ctx context.Context) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancelDial = cancel
	aborted := c.closeRequested || c.terminated
	c.mu.Unlock()
	if aborted {
		c.finish(CloseAbnormalClosure, "closed before open")
		return
	}

	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		c.mu.Lock()
		quiet := c.closeRequested || c.terminated
		c.mu.Unlock()
		if !quiet {
			c.events.OnError(fmt.Errorf("failed to connect: %w", err))
		}
		c.finish(CloseAbnormalClosure, "")
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.cancelDial = nil
	terminated := c.terminated
	closeRequested := c.closeRequested
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	if terminated {
		conn.Close()
		c.finish(CloseAbnormalClosure, "connection terminated")
		return
	}

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	if closeRequested {
		c.startClose(conn, code, reason)
	} else {
		c.logger.Debug("WebSocket connected", zap.String("url", c.url))
		c.events.OnOpen(conn.Subprotocol())
	}
	c.readPump(conn)
}

// readPump reads messages from the WebSocket until it fails or closes
func (c *Connection) readPump(conn *websocket.Conn) {
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := c.closeStatus(err)
			if code == CloseAbnormalClosure && !c.isClosing() {
				c.events.OnError(fmt.Errorf("connection lost: %w", err))
			}
			c.finish(code, reason)
			return
		}
		c.events.OnMessage(messageType, data)
	}
}

func (c *Connection) closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.terminated:
		return CloseAbnormalClosure, "connection terminated"
	case c.closeRequested:
		return CloseAbnormalClosure, "close handshake timed out"
	default:
		return CloseAbnormalClosure, ""
	}
}

func (c *Connection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeRequested || c.terminated
}

// Send writes one frame
func (c *Connection) Send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	closing := c.closeRequested || c.terminated
	c.mu.Unlock()

	if conn == nil {
		return errNotOpen
	}
	if closing {
		return errClosing
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(f.Type, f.Data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close sends a close frame and drops the socket if the peer does not answer
// within the grace period. A close requested while dialing aborts the dial.
func (c *Connection) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closeRequested || c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.closeRequested = true
	c.closeCode, c.closeReason = code, reason
	conn := c.conn
	cancel := c.cancelDial
	c.mu.Unlock()

	if conn == nil {
		if cancel != nil {
			cancel()
		}
		return nil
	}
	return c.startClose(conn, code, reason)
}

func (c *Connection) startClose(conn *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(sendableCloseCode(code), reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	time.AfterFunc(c.cfg.CloseGracePeriod, func() { conn.Close() })
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}

// Terminate drops the connection without a closing handshake
func (c *Connection) Terminate() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	conn := c.conn
	cancel := c.cancelDial
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Connection) finish(code int, reason string) {
	c.finished.Do(func() {
		c.logger.Debug("WebSocket closed",
			zap.String("url", c.url),
			zap.Int("code", code),
			zap.String("reason", reason))
		c.events.OnClose(code, reason)
	})
}

// sendableCloseCode maps codes that must not appear on the wire, such as
// 1005 and 1006, to a normal closure.
func sendableCloseCode(code int) int {
	switch {
	case code >= 1000 && code <= 1003:
		return code
	case code >= 1007 && code <= 1014:
		return code
	case code >= 3000 && code <= 4999:
		return code
	default:
		return CloseNormalClosure
	}
}
