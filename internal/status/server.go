// Package status serves the engine's operational state over HTTP: JSON
// endpoints for dashboards and scripts, Prometheus metrics, and a
// WebSocket stream of live sync results.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portside-labs/kgbridge/internal/engine"
	"github.com/portside-labs/kgbridge/internal/graph"
	"github.com/portside-labs/kgbridge/internal/ledger"
)

// MessageType defines the type of a WebSocket broadcast frame.
type MessageType string

const (
	// MessageTypeSync is one finished document sync.
	MessageTypeSync MessageType = "sync"

	// MessageTypeLifecycle reports a document entering the queue or
	// being picked up by a worker.
	MessageTypeLifecycle MessageType = "lifecycle"

	// MessageTypeStats is an updated per-status document count summary.
	MessageTypeStats MessageType = "stats"
)

// Message is one WebSocket broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncData is the payload of a sync frame.
type SyncData struct {
	DocumentID string `json:"document_id"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// LifecycleData is the payload of a lifecycle frame. Phase is
// "enqueued" or "started"; terminal phases arrive as sync frames.
type LifecycleData struct {
	DocumentID string `json:"document_id"`
	Phase      string `json:"phase"`
}

// Config holds server configuration.
type Config struct {
	// Addr is the host:port to listen on (default ":8317").
	Addr string

	// Logger for server activity.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8317",
		Logger: slog.Default(),
	}
}

// Server exposes the engine over HTTP and pushes live sync results to
// WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	engine *engine.Engine
	ledger *ledger.Ledger
	writer graph.Writer

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewServer creates a status server over the given engine, ledger, and
// graph writer. Pass a nil config for defaults.
func NewServer(eng *engine.Engine, led *ledger.Ledger, writer graph.Writer, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8317"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		engine:    eng,
		ledger:    led,
		writer:    writer,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger.With("component", "status"),
	}
}

// Start begins listening. It returns once the listener is bound; the
// server itself runs on background goroutines until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/documents", s.handleDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.handleDocument)
	mux.HandleFunc("GET /api/log", s.handleLog)
	mux.HandleFunc("GET /api/graph/stats", s.handleGraphStats)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and closes all WebSocket
// clients.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Info("status server stopped")
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast sends a message to all connected clients. It never blocks;
// when the channel is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// OnSyncCompleted bridges the engine's sync hook onto the WebSocket
// stream: each finished sync becomes a sync frame followed by a fresh
// stats frame.
func (s *Server) OnSyncCompleted(res engine.SyncResult) {
	data, err := json.Marshal(SyncData{
		DocumentID: res.DocumentID,
		Outcome:    res.Outcome,
		Detail:     res.Detail,
		DurationMS: res.Duration.Milliseconds(),
	})
	if err != nil {
		s.logger.Error("failed to marshal sync frame", "error", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeSync, Timestamp: time.Now(), Data: data})
	s.broadcastStats()
}

// OnTransition bridges the engine's lifecycle hook onto the WebSocket
// stream.
func (s *Server) OnTransition(documentID, phase string) {
	data, err := json.Marshal(LifecycleData{DocumentID: documentID, Phase: phase})
	if err != nil {
		s.logger.Error("failed to marshal lifecycle frame", "error", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeLifecycle, Timestamp: time.Now(), Data: data})
}

// broadcastStats pushes the current status counts to all clients.
func (s *Server) broadcastStats() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	counts, err := s.ledger.StatusCounts(ctx)
	if err != nil {
		s.logger.Warn("failed to read status counts", "error", err)
		return
	}
	data, err := json.Marshal(counts)
	if err != nil {
		s.logger.Error("failed to marshal stats frame", "error", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
}

// broadcastLoop fans queued messages out to every connected client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal broadcast message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot stall
			// new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades the connection and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("websocket client connected", "clients", count)

	// Greet with the current counts so clients render without waiting
	// for the next sync.
	s.broadcastStats()

	go s.readLoop(conn)
}

// readLoop discards client frames and detects disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("websocket client disconnected", "clients", count)
}
