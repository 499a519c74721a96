package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uds-pad/wsrelay/internal/metrics"
	"github.com/uds-pad/wsrelay/pkg/crypto"
)

// APIKeyHeader carries the relay api key on the upgrade request
const APIKeyHeader = "api-key"

// Config holds the server configuration
type Config struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	APIKeyHash     string `toml:"api_key_hash"`
	MaxConnections int    `toml:"max_connections"`
	Metrics        bool   `toml:"metrics"`
	LogLevel       string `toml:"log_level"`
	Debug          bool   `toml:"debug"`
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           8080,
		MaxConnections: 1000,
		Metrics:        true,
		LogLevel:       "info",
		Debug:          false,
	}
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Server is the relay
type Server struct {
	config     *Config
	hub        *Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     *zap.Logger
	started    time.Time

	// ctx scopes the hub and every connection
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server instance. The hub starts immediately.
func New(config *Config, logger *zap.Logger) (*Server, error) {
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Non-browser clients; the api key gates access
				return true
			},
		},
		logger:  logger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.hub.Run(ctx)

	return s, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/health", s.handleHealth)
	if s.config.Metrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleShutdown(ctx)
	}()

	s.logger.Info("Relay server started", zap.String("addr", ln.Addr().String()))

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		s.cancel()
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	return nil
}

// handleShutdown handles graceful server shutdown
func (s *Server) handleShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hub shutdown sends every connection a going-away close frame
	s.cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	s.logger.Info("Server stopped")
}

// Close stops the hub and closes every connection
func (s *Server) Close() {
	s.cancel()
}

// Connections returns the number of live connections
func (s *Server) Connections() int {
	return s.hub.Count()
}

// handleWebSocket handles WebSocket upgrade requests
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		metrics.RelayAuthFailures.Inc()
		s.logger.Warn("Rejected upgrade with bad api key",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("key", crypto.Fingerprint(r.Header.Get(APIKeyHeader))))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.config.MaxConnections > 0 && s.hub.Count() >= s.config.MaxConnections {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, s.logger)
	if !s.hub.Register(s.ctx, client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(s.ctx)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.config.APIKeyHash == "" {
		return true
	}
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return false
	}
	return crypto.CheckAPIKey(key, s.config.APIKeyHash)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().UTC(),
		"connections": s.hub.Count(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}
