package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/server/handler"
	"github.com/piron-finance/piron-backend/internal/server/middleware"
	"github.com/piron-finance/piron-backend/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Status      *handler.StatusHandler
	Pools       *handler.PoolHandler
	Reserve     *handler.ReserveHandler
	Withdrawals *handler.WithdrawalHandler
	Tiers       *handler.TierHandler
	Health      *handler.HealthHandler
	Reconcile   *handler.ReconcileHandler
	Audit       *handler.AuditHandler
}

// Server is the HTTP + WebSocket administration API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, rate limiting, logging, auth) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness (exempt from auth).
	mux.HandleFunc("GET /api/status", handlers.Status.Liveness)

	// Pool lifecycle.
	mux.HandleFunc("POST /api/pools", handlers.Pools.CreatePool)
	mux.HandleFunc("GET /api/pools", handlers.Pools.ListPools)
	mux.HandleFunc("GET /api/pools/{id}", handlers.Pools.GetPool)
	mux.HandleFunc("GET /api/pools/by-address/{chainID}/{address}", handlers.Pools.GetPoolByAddress)
	mux.HandleFunc("POST /api/pools/{id}/confirm-deployment", handlers.Pools.ConfirmDeployment)
	mux.HandleFunc("POST /api/pools/{id}/close-funding", handlers.Pools.CloseFunding)
	mux.HandleFunc("POST /api/pools/{id}/mature", handlers.Pools.MarkMatured)
	mux.HandleFunc("POST /api/pools/{id}/cancel", handlers.Pools.Cancel)
	mux.HandleFunc("POST /api/pools/{id}/close", handlers.Pools.Close)
	mux.HandleFunc("POST /api/pools/{id}/pause", handlers.Pools.SetPaused)
	mux.HandleFunc("POST /api/pools/{id}/analytics", handlers.Pools.IngestAnalytics)

	// Reserve and operations.
	mux.HandleFunc("GET /api/pools/{id}/reserve", handlers.Reserve.Snapshot)
	mux.HandleFunc("POST /api/pools/{id}/allocations", handlers.Reserve.Allocate)
	mux.HandleFunc("POST /api/pools/{id}/rebalances", handlers.Reserve.Rebalance)
	mux.HandleFunc("POST /api/pools/{id}/investment-transfer", handlers.Reserve.InvestmentTransfer)
	mux.HandleFunc("POST /api/pools/{id}/maturity-return", handlers.Reserve.MaturityReturn)
	mux.HandleFunc("GET /api/pools/{id}/operations", handlers.Reserve.ListOperations)
	mux.HandleFunc("GET /api/operations/{id}", handlers.Reserve.GetOperation)
	mux.HandleFunc("POST /api/operations/{id}/confirm", handlers.Reserve.ConfirmOperation)
	mux.HandleFunc("POST /api/operations/{id}/cancel", handlers.Reserve.CancelOperation)

	// Withdrawal queue.
	mux.HandleFunc("POST /api/pools/{id}/withdrawals", handlers.Withdrawals.Enqueue)
	mux.HandleFunc("GET /api/pools/{id}/withdrawals", handlers.Withdrawals.List)
	mux.HandleFunc("GET /api/pools/{id}/withdrawals/stats", handlers.Withdrawals.Stats)
	mux.HandleFunc("POST /api/pools/{id}/withdrawals/process", handlers.Withdrawals.ProcessQueue)
	mux.HandleFunc("POST /api/withdrawal-batches/{id}/settle", handlers.Withdrawals.SettleBatch)
	mux.HandleFunc("GET /api/withdrawals/{id}", handlers.Withdrawals.Get)
	mux.HandleFunc("POST /api/withdrawals/{id}/cancel", handlers.Withdrawals.Cancel)

	// Locked-term tiers and positions.
	mux.HandleFunc("POST /api/pools/{id}/tiers", handlers.Tiers.CreateTier)
	mux.HandleFunc("GET /api/pools/{id}/tiers", handlers.Tiers.ListTiers)
	mux.HandleFunc("POST /api/tiers/{id}/active", handlers.Tiers.SetTierActive)
	mux.HandleFunc("POST /api/positions", handlers.Tiers.OpenPosition)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Tiers.GetPosition)
	mux.HandleFunc("GET /api/pools/{id}/positions", handlers.Tiers.ListPositions)
	mux.HandleFunc("POST /api/pools/{id}/positions/sweep", handlers.Tiers.SweepMatured)
	mux.HandleFunc("POST /api/positions/{id}/redeem", handlers.Tiers.Redeem)
	mux.HandleFunc("POST /api/positions/{id}/early-exit", handlers.Tiers.EarlyExit)
	mux.HandleFunc("POST /api/positions/{id}/rollover", handlers.Tiers.Rollover)

	// Health scoring.
	mux.HandleFunc("GET /api/pools/{id}/health", handlers.Health.Report)
	mux.HandleFunc("POST /api/pools/{id}/health/refresh", handlers.Health.Refresh)
	mux.HandleFunc("GET /api/health/pools", handlers.Health.ReportAll)

	// Escrow reconciliation.
	mux.HandleFunc("POST /api/pools/{id}/reconcile", handlers.Reconcile.ReconcilePool)
	mux.HandleFunc("POST /api/reconcile", handlers.Reconcile.ReconcileAll)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.List)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/status")(h)
	h = middleware.Logging(logger)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
