// Package server exposes the bet ledger over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/server/handler"
	"github.com/alanyoungcy/betledger/internal/server/middleware"
	"github.com/alanyoungcy/betledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per RateWindow per client, 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers.
type Handlers struct {
	Health      *handler.HealthHandler
	Bets        *handler.BetHandler
	Pools       *handler.PoolHandler
	Settlements *handler.SettlementHandler
	Balances    *handler.BalanceHandler
}

// Extras are the optional collaborators of the server.
type Extras struct {
	Hub     *ws.Hub               // nil disables /ws
	Limiter domain.RateLimiter    // nil disables rate limiting
	Signer  *crypto.RequestSigner // nil leaves settlements unsigned
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, h Handlers, extras Extras, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("POST /api/bets", h.Bets.Bet)
	mux.HandleFunc("POST /api/pools/{id}/wagers", h.Bets.PlaceWager)
	mux.HandleFunc("DELETE /api/pools/{id}/wagers/{bettor}", h.Bets.CancelWager)

	mux.HandleFunc("GET /api/pools", h.Pools.ListOpen)
	mux.HandleFunc("GET /api/pools/{id}", h.Pools.Get)

	// Match results come from the match watcher and must be signed.
	mux.Handle("POST /api/settlements",
		middleware.Signature(extras.Signer, logger)(http.HandlerFunc(h.Settlements.Settle)))

	mux.HandleFunc("GET /api/balances", h.Balances.List)
	mux.HandleFunc("GET /api/balances/{user}", h.Balances.Get)

	if extras.Hub != nil {
		mux.HandleFunc("GET /ws", extras.Hub.HandleWS)
	}

	var chain http.Handler = mux
	chain = middleware.RateLimit(extras.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(chain)
	chain = middleware.Auth(cfg.APIKey, "/api/health")(chain)
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
