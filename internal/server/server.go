package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/server/handler"
	"github.com/alanyoungcy/triggerbot/internal/server/middleware"
	"github.com/alanyoungcy/triggerbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per minute per client IP; 0 disables
}

// Handlers aggregates the HTTP handlers the server registers. Metrics may
// be nil.
type Handlers struct {
	Health   *handler.HealthHandler
	Strategy *handler.StrategyHandler
	Status   *handler.StatusHandler
	Metrics  http.Handler
}

// Server is the HTTP + WebSocket API of the trigger engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. wsHub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/strategies", handlers.Strategy.Create)
	mux.HandleFunc("GET /api/strategies", handlers.Strategy.List)
	mux.HandleFunc("GET /api/strategies/{id}", handlers.Strategy.Get)
	mux.HandleFunc("DELETE /api/strategies/{id}", handlers.Strategy.Remove)
	mux.HandleFunc("POST /api/strategies/{id}/cancel", handlers.Strategy.Cancel)
	mux.HandleFunc("POST /api/strategies/{id}/reactivate", handlers.Strategy.Reactivate)
	mux.HandleFunc("GET /api/strategies/{id}/executions", handlers.Strategy.Executions)
	mux.HandleFunc("GET /api/archive/strategies/{id}", handlers.Strategy.Archived)

	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/triggers/recent", handlers.Status.RecentTriggers)
	mux.HandleFunc("GET /api/events", handlers.Status.Events)
	mux.HandleFunc("GET /api/audit", handlers.Strategy.Audit)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
