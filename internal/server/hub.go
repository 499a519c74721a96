package server

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uds-pad/wsrelay/internal/metrics"
)

// outbound is a frame queued for one connection
type outbound struct {
	messageType int
	data        []byte
}

// BroadcastMessage is relayed to every registered connection
type BroadcastMessage struct {
	From        uuid.UUID
	MessageType int
	Data        []byte
}

// Hub maintains the set of active connections and broadcasts messages
type Hub struct {
	clients map[uuid.UUID]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after
// closing every connection's send channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Register adds a connection. It blocks until the hub loop picks it up or
// ctx is done.
func (h *Hub) Register(ctx context.Context, c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Unregister removes a connection and closes its send channel
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	select {
	case h.unregister <- c:
	case <-ctx.Done():
	}
}

// Broadcast queues a message for every connection
func (h *Hub) Broadcast(ctx context.Context, msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
	}
}

// Count returns the number of registered connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	metrics.RelayConnections.Set(float64(len(h.clients)))

	h.logger.Info("Client registered",
		zap.String("client_id", client.ID.String()),
		zap.String("remote_addr", client.remoteAddr),
		zap.Int("connections", len(h.clients)))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}

	delete(h.clients, client.ID)
	close(client.send)
	metrics.RelayConnections.Set(float64(len(h.clients)))

	h.logger.Info("Client unregistered",
		zap.String("client_id", client.ID.String()),
		zap.Int("connections", len(h.clients)))
}

func (h *Hub) broadcastMessage(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- outbound{messageType: msg.MessageType, data: msg.Data}:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("Client buffer full, dropping message",
				zap.String("client_id", client.ID.String()))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
	metrics.RelayConnections.Set(0)
}
