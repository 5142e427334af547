// Package server exposes the engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/leverbot/internal/domain"
	"github.com/alanyoungcy/leverbot/internal/server/handler"
	"github.com/alanyoungcy/leverbot/internal/server/middleware"
	"github.com/alanyoungcy/leverbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // mutating requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Accounts  *handler.AccountHandler
	Events    *handler.EventHandler
	Prices    *handler.PriceHandler
}

// Server is the HTTP and WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped http.Handler.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	limit := middleware.RateLimit(limiter, "api", cfg.RateLimit, cfg.RateWindow, logger)
	post := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, limit(fn))
	}

	if h := handlers.Health; h != nil {
		mux.HandleFunc("GET /api/health", h.HealthCheck)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	if h := handlers.Positions; h != nil {
		post("POST /api/positions", h.CreatePosition)
		mux.HandleFunc("GET /api/positions", h.ListPositions)
		mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)
		post("POST /api/positions/{id}/close", h.ClosePosition)
		post("POST /api/positions/{id}/cancel", h.CancelPosition)
	}
	if h := handlers.Accounts; h != nil {
		mux.HandleFunc("GET /api/accounts/{id}/balance", h.GetBalance)
		post("POST /api/accounts/{id}/deposit", h.Deposit)
	}
	if h := handlers.Events; h != nil {
		mux.HandleFunc("GET /api/events", h.ListEvents)
		mux.HandleFunc("GET /api/audit", h.ListAudit)
	}
	if h := handlers.Prices; h != nil {
		mux.HandleFunc("GET /api/prices/{instrument}", h.GetPrice)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
