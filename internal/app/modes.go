package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/notify"
	"github.com/piron-finance/piron-backend/internal/server"
	"github.com/piron-finance/piron-backend/internal/server/handler"
	"github.com/piron-finance/piron-backend/internal/server/ws"
	"github.com/piron-finance/piron-backend/internal/service"
)

// services bundles the use-case layer built from wired dependencies. Both
// the HTTP handlers and the background workers operate through these.
type services struct {
	pools       *service.PoolService
	reserve     *service.ReserveService
	withdrawals *service.WithdrawalService
	tiers       *service.TierService
	health      *service.HealthService
	reconcile   *service.ReconcileService
}

func (a *App) buildServices(deps *Dependencies) *services {
	return &services{
		pools: service.NewPoolService(
			deps.PoolStore, deps.Gateway, deps.SignalBus, deps.AuditStore, a.logger,
		),
		reserve: service.NewReserveService(
			deps.PoolStore, deps.OperationStore, deps.Gateway,
			deps.LockManager, deps.SignalBus, deps.AuditStore, a.logger,
		),
		withdrawals: service.NewWithdrawalService(
			deps.PoolStore, deps.WithdrawalStore, deps.Gateway,
			deps.LockManager, deps.SignalBus, deps.AuditStore, a.logger,
		),
		tiers: service.NewTierService(
			deps.PoolStore, deps.TierStore, deps.PositionStore, deps.AuditStore, a.logger,
		),
		health: service.NewHealthService(
			deps.PoolStore, deps.WithdrawalStore, deps.PositionStore,
			deps.Gateway, deps.HealthCache, a.logger,
		),
		reconcile: service.NewReconcileService(
			deps.PoolStore, deps.Gateway, deps.AuditStore, a.logger,
		),
	}
}

// ServerMode runs the administration API: REST handlers, the WebSocket hub,
// and the notification bridge. No background maintenance loops.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startNotifyBridge(ctx, g, deps)

	return g.Wait()
}

// WorkersMode runs only the background maintenance loops: escrow
// reconciliation, operation expiry, maturity sweeps, health refresh, and
// cold archival. No HTTP server.
func (a *App) WorkersMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting workers mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	a.startWorkers(ctx, g, deps, svcs)
	a.startNotifyBridge(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the administration API and the maintenance loops in one
// process. This is the default deployment shape.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startWorkers(ctx, g, deps, svcs)
	a.startNotifyBridge(ctx, g, deps)

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		},
		server.Handlers{
			Status:      handler.NewStatusHandler(a.logger),
			Pools:       handler.NewPoolHandler(svcs.pools, a.logger),
			Reserve:     handler.NewReserveHandler(svcs.reserve, a.logger),
			Withdrawals: handler.NewWithdrawalHandler(svcs.withdrawals, a.logger),
			Tiers:       handler.NewTierHandler(svcs.tiers, a.logger),
			Health:      handler.NewHealthHandler(svcs.health, a.logger),
			Reconcile:   handler.NewReconcileHandler(svcs.reconcile, a.logger),
			Audit:       handler.NewAuditHandler(deps.AuditStore, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
		)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// startNotifyBridge forwards signal bus events to the configured operator
// channels. The bridge runs even when no senders are configured so the
// wiring stays uniform across modes.
func (a *App) startNotifyBridge(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	bridge := notify.NewBridge(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return bridge.Run(ctx)
	})
}

// startWorkers adds one goroutine per maintenance loop. Each loop logs its
// failures and keeps ticking; a transient database or RPC error must not
// bring down the process.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Workers.Enabled {
		a.logger.InfoContext(ctx, "workers disabled by config")
		return
	}

	// Escrow reconciliation.
	if interval := a.cfg.Workers.ReconcileInterval.Duration; interval > 0 {
		g.Go(func() error {
			return svcs.reconcile.Run(ctx, interval)
		})
	}

	// Stale operation expiry.
	if interval := a.cfg.Workers.ExpireInterval.Duration; interval > 0 {
		g.Go(func() error {
			return a.tickLoop(ctx, interval, "operation_expiry", func(ctx context.Context) error {
				_, err := svcs.reserve.ExpireStaleOperations(ctx)
				return err
			})
		})
	}

	// Locked-position maturity sweep.
	if interval := a.cfg.Workers.MaturitySweep.Duration; interval > 0 {
		g.Go(func() error {
			return a.tickLoop(ctx, interval, "maturity_sweep", func(ctx context.Context) error {
				return a.sweepMaturedPositions(ctx, deps, svcs)
			})
		})
	}

	// Health score refresh.
	if interval := a.cfg.Workers.HealthRefresh.Duration; interval > 0 {
		g.Go(func() error {
			return a.tickLoop(ctx, interval, "health_refresh", func(ctx context.Context) error {
				_, err := svcs.health.ReportAll(ctx)
				return err
			})
		})
	}

	// Cold archival of settled withdrawals and audit history.
	if interval := a.cfg.Workers.ArchiveInterval.Duration; interval > 0 && deps.Archiver != nil {
		retention := a.cfg.Workers.ArchiveRetentionDays
		g.Go(func() error {
			return a.tickLoop(ctx, interval, "archive", func(ctx context.Context) error {
				return a.runArchive(ctx, deps.Archiver, retention)
			})
		})
	}

	a.logger.InfoContext(ctx, "maintenance workers started",
		slog.Duration("reconcile_interval", a.cfg.Workers.ReconcileInterval.Duration),
		slog.Duration("expire_interval", a.cfg.Workers.ExpireInterval.Duration),
		slog.Duration("maturity_sweep_interval", a.cfg.Workers.MaturitySweep.Duration),
		slog.Duration("health_refresh_interval", a.cfg.Workers.HealthRefresh.Duration),
		slog.Duration("archive_interval", a.cfg.Workers.ArchiveInterval.Duration),
	)
}

// tickLoop runs fn on every tick until the context is cancelled. Errors are
// logged and the loop continues.
func (a *App) tickLoop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				a.logger.ErrorContext(ctx, "worker pass failed",
					slog.String("worker", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sweepMaturedPositions walks every active pool and flips its locked
// positions that are past maturity.
func (a *App) sweepMaturedPositions(ctx context.Context, deps *Dependencies, svcs *services) error {
	pools, err := deps.PoolStore.List(ctx, domain.PoolFilter{ActiveOnly: true}, domain.ListOpts{Limit: 1000})
	if err != nil {
		return fmt.Errorf("list active pools: %w", err)
	}

	now := time.Now().UTC()
	total := 0
	for _, pool := range pools {
		n, err := svcs.tiers.SweepMatured(ctx, pool.ID, now)
		if err != nil {
			a.logger.WarnContext(ctx, "maturity sweep failed for pool",
				slog.String("pool_id", pool.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += n
	}
	if total > 0 {
		a.logger.InfoContext(ctx, "swept matured positions", slog.Int("count", total))
	}
	return nil
}

// runArchive exports rows older than the retention window to object storage.
func (a *App) runArchive(ctx context.Context, archiver domain.Archiver, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	before := time.Now().UTC().AddDate(0, 0, -retentionDays)

	withdrawals, err := archiver.ArchiveWithdrawals(ctx, before)
	if err != nil {
		return fmt.Errorf("archive withdrawals: %w", err)
	}
	audit, err := archiver.ArchiveAuditLog(ctx, before)
	if err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	if withdrawals > 0 || audit > 0 {
		a.logger.InfoContext(ctx, "archive pass complete",
			slog.Int64("withdrawals", withdrawals),
			slog.Int64("audit_entries", audit),
		)
	}
	return nil
}
