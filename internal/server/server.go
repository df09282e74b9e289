// Package server exposes the session commands and the per-session event
// channel over HTTP and WebSocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Tafka-4/codex-agent-management/internal/hub"
	"github.com/Tafka-4/codex-agent-management/internal/observability"
	"github.com/Tafka-4/codex-agent-management/internal/orchestrator"
	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// Config holds transport configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// RateLimitRPS is the per-client request budget per second. Zero
	// disables rate limiting.
	RateLimitRPS float64
	// RateLimitBurst is the per-client burst size.
	RateLimitBurst int
}

// Server serves the session API.
type Server struct {
	cfg        Config
	store      *session.Store
	orch       *orchestrator.Orchestrator
	hub        *hub.Registry
	limiter    *RateLimiter
	httpServer *http.Server
}

// New creates a server over the given core components.
func New(cfg Config, store *session.Store, orch *orchestrator.Orchestrator, registry *hub.Registry) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		orch:  orch,
		hub:   registry,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return s
}

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/hint", s.handleSubmitHint)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleSubscribe)

	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return s.withMiddleware(mux)
}

// Start begins serving and blocks until the listener fails or the server is
// shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
