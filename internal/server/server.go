// Package server exposes the engine's HTTP command surface. It mirrors the
// redis command channel: what an operator can do over the bus they can also
// do with curl.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/colemarc/dexarbot/internal/server/handler"
	"github.com/colemarc/dexarbot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
}

// Handlers aggregates the HTTP handlers the server registers. Executions and
// Quotes are optional; their routes are omitted when Redis is not configured.
type Handlers struct {
	Health     *handler.HealthHandler
	Engine     *handler.EngineHandler
	Executions *handler.ExecutionsHandler
	Quotes     *handler.QuotesHandler
}

// Server is the headless HTTP API for the arbitrage engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered and the middleware chain
// (auth, logging, CORS) applied.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check stays reachable without auth so load balancers can probe.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/status", handlers.Engine.GetStatus)
	mux.HandleFunc("POST /api/start", handlers.Engine.Start)
	mux.HandleFunc("POST /api/stop", handlers.Engine.Stop)

	if handlers.Executions != nil {
		mux.HandleFunc("GET /api/executions", handlers.Executions.ListExecutions)
	}
	if handlers.Quotes != nil {
		mux.HandleFunc("GET /api/quotes/{venue}/{pair}", handlers.Quotes.GetQuote)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Start begins listening. It blocks until the server fails or shuts down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
