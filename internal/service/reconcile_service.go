package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// reconcileConcurrency bounds the fan-out of a full reconciliation sweep.
const reconcileConcurrency = 4

// ReconcileService backfills mirror fields the registration flow may have
// missed, most importantly the escrow address for pools deployed before the
// registry entry existed. Every pass is idempotent: fields are only written
// when absent, so repeated sweeps converge.
type ReconcileService struct {
	pools   domain.PoolStore
	gateway domain.LedgerGateway
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewReconcileService creates a ReconcileService with all required
// dependencies.
func NewReconcileService(
	pools domain.PoolStore,
	gateway domain.LedgerGateway,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		pools:   pools,
		gateway: gateway,
		audit:   audit,
		logger:  logger,
	}
}

// ReconcilePool backfills one pool's escrow address from the on-chain
// registry. It reports whether anything changed.
func (s *ReconcileService) ReconcilePool(ctx context.Context, poolID string) (bool, error) {
	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return false, fmt.Errorf("reconcile_service: get pool %q: %w", poolID, err)
	}
	if !pool.Deployed() || pool.EscrowAddress != nil {
		return false, nil
	}

	escrow, ok, err := s.gateway.EscrowAddress(ctx, &pool)
	if err != nil {
		return false, fmt.Errorf("reconcile_service: resolve escrow %q: %w", poolID, err)
	}
	if !ok {
		// Registry has no entry yet; a later sweep will pick it up.
		return false, nil
	}

	if err := s.pools.SetEscrowAddress(ctx, pool.ID, escrow.Hex()); err != nil {
		return false, fmt.Errorf("reconcile_service: set escrow %q: %w", poolID, err)
	}

	if auditErr := s.audit.Log(ctx, "reconcile.escrow_backfilled", map[string]any{
		"pool_id": pool.ID,
		"escrow":  escrow.Hex(),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "reconcile_service: audit log failed",
			slog.String("pool_id", pool.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "reconcile_service: escrow backfilled",
		slog.String("pool_id", pool.ID),
		slog.String("escrow", escrow.Hex()),
	)
	return true, nil
}

// ReconcileAll sweeps every active pool. Per-pool failures are logged and
// counted, never fatal: a sweep that fixes nine of ten pools is progress.
func (s *ReconcileService) ReconcileAll(ctx context.Context) (updated int, failed int, err error) {
	pools, err := s.pools.List(ctx, domain.PoolFilter{ActiveOnly: true}, domain.ListOpts{Limit: 1000})
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile_service: list pools: %w", err)
	}

	results := make([]int, len(pools)) // 0 untouched, 1 updated, -1 failed

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for i, pool := range pools {
		g.Go(func() error {
			changed, reconcileErr := s.ReconcilePool(gctx, pool.ID)
			if reconcileErr != nil {
				s.logger.WarnContext(gctx, "reconcile_service: pool reconcile failed",
					slog.String("pool_id", pool.ID),
					slog.String("error", reconcileErr.Error()),
				)
				results[i] = -1
				return nil
			}
			if changed {
				results[i] = 1
			}
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		return 0, 0, fmt.Errorf("reconcile_service: sweep: %w", waitErr)
	}

	for _, r := range results {
		switch r {
		case 1:
			updated++
		case -1:
			failed++
		}
	}

	s.logger.InfoContext(ctx, "reconcile_service: sweep finished",
		slog.Int("pools", len(pools)),
		slog.Int("updated", updated),
		slog.Int("failed", failed),
	)
	return updated, failed, nil
}

// Run executes periodic sweeps until the context is cancelled. Intended to
// be launched as a background worker by the application container.
func (s *ReconcileService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.ReconcileAll(ctx); err != nil {
				s.logger.ErrorContext(ctx, "reconcile_service: sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
