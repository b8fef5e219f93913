package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/server/handler"
	"github.com/alanyoungcy/polyield/internal/server/middleware"
	"github.com/alanyoungcy/polyield/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RateLimit is the number of requests per RateWindow allowed per client
	// IP. Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
	Signature  middleware.SignatureConfig
}

// Handlers aggregates the HTTP handlers the server registers. Faucet,
// Snapshots and Activity are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Vaults    *handler.VaultHandler
	Positions *handler.PositionHandler
	Faucet    *handler.FaucetHandler
	Snapshots *handler.SnapshotHandler
	Activity  *handler.ActivityHandler
}

// Deps are the shared stores the middleware chain uses. Limiter may be nil.
type Deps struct {
	Limiter domain.RateLimiter
	Nonces  domain.NonceStore
}

// Server is the HTTP + WebSocket API of the vault.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain
// CORS, logging, rate limit, signature auth.
func NewServer(cfg Config, handlers Handlers, deps Deps, hub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/vaults", handlers.Vaults.ListVaults)
	mux.HandleFunc("POST /api/vaults", handlers.Vaults.InitializeVault)
	mux.HandleFunc("GET /api/vaults/{asset}", handlers.Vaults.GetVault)
	mux.HandleFunc("POST /api/vaults/{asset}/deposits", handlers.Vaults.Deposit)
	mux.HandleFunc("POST /api/vaults/{asset}/withdrawals", handlers.Vaults.Withdraw)
	mux.HandleFunc("GET /api/vaults/{asset}/reconcile", handlers.Vaults.Reconcile)
	mux.HandleFunc("GET /api/vaults/{asset}/balances/{owner}", handlers.Vaults.Balance)

	mux.HandleFunc("GET /api/vaults/{asset}/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{record}", handlers.Positions.GetPosition)

	if handlers.Snapshots != nil {
		mux.HandleFunc("GET /api/vaults/{asset}/snapshots", handlers.Snapshots.ListSnapshots)
		mux.HandleFunc("GET /api/vaults/{asset}/snapshots/{name}", handlers.Snapshots.GetSnapshot)
	}
	if handlers.Activity != nil {
		mux.HandleFunc("GET /api/vaults/{asset}/activity", handlers.Activity.ListActivity)
	}
	if handlers.Faucet != nil {
		mux.HandleFunc("POST /api/dev/faucet", handlers.Faucet.Drip)
		mux.HandleFunc("POST /api/dev/freeze", handlers.Faucet.Freeze)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Signature(deps.Nonces, cfg.Signature, logger)(h)
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: h,
		logger:  logger,
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
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
