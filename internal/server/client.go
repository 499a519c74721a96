package server

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uds-pad/wsrelay/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Size of client send buffer
	sendBufferSize = 256
)

// pongReply answers heartbeat probes
var pongReply = []byte(`"pong"`)

// Client is one relay connection
type Client struct {
	ID         uuid.UUID
	conn       *websocket.Conn
	hub        *Hub
	send       chan outbound
	remoteAddr string
	logger     *zap.Logger
}

// NewClient creates a new client instance
func NewClient(conn *websocket.Conn, hub *Hub, logger *zap.Logger) *Client {
	id := uuid.New()
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan outbound, sendBufferSize),
		remoteAddr: conn.RemoteAddr().String(),
		logger:     logger.With(zap.String("client_id", id.String())),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(ctx, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read ended", zap.Error(err))
			}
			break
		}
		// any traffic proves the peer is alive
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if mt == websocket.TextMessage && isPing(data) {
			metrics.RelayMessagesTotal.WithLabelValues("ping").Inc()
			c.reply(pongReply)
			continue
		}

		metrics.RelayMessagesTotal.WithLabelValues("broadcast").Inc()
		c.hub.Broadcast(ctx, &BroadcastMessage{From: c.ID, MessageType: mt, Data: data})
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}

			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reply(data []byte) {
	defer func() {
		// send may already be closed by the hub during shutdown
		_ = recover()
	}()

	select {
	case c.send <- outbound{messageType: websocket.TextMessage, data: data}:
	default:
		c.logger.Warn("Client send buffer full, dropping reply")
	}
}

// isPing recognizes the heartbeat probe in JSON or plain text form
func isPing(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "ping" {
		return true
	}

	var probe struct {
		Type string `json:"type"`
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return false
	}
	return probe.Type == "ping"
}
