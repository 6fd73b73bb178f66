// Package server exposes the change-notification subsystem over HTTP: a
// long-lived WebSocket push stream for change signals and pull endpoints
// for the full dataset and its fingerprint.
//
// The server retains no per-client state across reconnects. Push delivery
// is best-effort; clients reconcile through the pull endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aScriptingOreo/soulmap-sub001/internal/location"
	"github.com/aScriptingOreo/soulmap-sub001/internal/server/bridge"
	"github.com/aScriptingOreo/soulmap-sub001/internal/server/hub"
	"github.com/aScriptingOreo/soulmap-sub001/internal/signal"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080).
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server ties the repository, broadcast hub and notification bridge to
// their HTTP surface.
type Server struct {
	config   *Config
	repo     Repository
	hub      *hub.Hub
	bridge   *bridge.Bridge
	addr     string
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// New creates a Server. The bridge may be nil in tests that only exercise
// the pull endpoints.
func New(config *Config, repo Repository, h *hub.Hub, b *bridge.Bridge) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	return &Server{
		config: config,
		repo:   repo,
		hub:    h,
		bridge: b,
		addr:   fmt.Sprintf(":%d", config.Port),
	}
}

// Routes builds the HTTP handler. Exposed separately so tests can drive
// the handler without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handlePush)
	r.Get("/locations", s.handleLocations)
	r.Get("/locations/hash", s.handleHash)
	r.Get("/health", s.handleHealth)
	r.Post("/notify", s.handleNotify)

	return r
}

// Start begins serving. It returns once the listener is accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the push stream is a long-lived response.
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.config.Logger.Println("Stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// wsSubscriber adapts one WebSocket connection to the hub's Subscriber
// interface.
type wsSubscriber struct {
	conn *websocket.Conn
}

// Send implements hub.Subscriber.
func (w *wsSubscriber) Send(ctx context.Context, sig signal.Signal) error {
	data, err := sig.Encode()
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// handlePush upgrades the connection and registers it with the hub. The
// registration lives exactly as long as the connection: it is removed on
// stream close or write failure, never on a timer.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	reg := s.hub.Register(&wsSubscriber{conn: conn})

	// Read loop: signals flow one way, so reads only detect disconnect.
	defer func() {
		s.hub.Unregister(reg)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// handleLocations returns the complete raw dataset. Disabled records are
// included; filtering is the consumer's responsibility.
func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	records, err := s.repo.Locations(r.Context())
	if err != nil {
		s.config.Logger.Printf("Failed to load locations: %v", err)
		http.Error(w, "failed to load locations", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []location.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.config.Logger.Printf("Failed to write locations: %v", err)
	}
}

// handleHash returns the content hash of the current dataset. A failure
// is reported in-band with an "error-" prefixed hash, which clients treat
// as never equal to any other value.
func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	hash := s.datasetHash(r.Context())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"hash": hash})
}

// datasetHash computes the content hash over the raw dataset.
func (s *Server) datasetHash(ctx context.Context) string {
	records, err := s.repo.Locations(ctx)
	if err != nil {
		s.config.Logger.Printf("Failed to load locations for hash: %v", err)
		return fmt.Sprintf("error-%d", time.Now().UnixMilli())
	}

	snap, err := location.BuildSnapshot(records)
	if err != nil {
		s.config.Logger.Printf("Failed to hash dataset: %v", err)
		return fmt.Sprintf("error-%d", time.Now().UnixMilli())
	}

	return snap.ContentHash
}

// handleHealth reports subscriber count and bridge mode.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.Count(),
	}
	if s.bridge != nil {
		status["mode"] = string(s.bridge.Mode())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// handleNotify lets an external write path (admin forms, bot) force an
// immediate Change broadcast after committing.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "bridge not running", http.StatusServiceUnavailable)
		return
	}

	s.bridge.Notify()
	w.WriteHeader(http.StatusAccepted)
}
