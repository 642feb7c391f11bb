package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/piron-finance/piron-backend/internal/domain"
)

const (
	// healthCacheTTL bounds how stale a served report can be.
	healthCacheTTL = 5 * time.Minute
	// activityWindow is the lookback for the investor-activity factor.
	activityWindow = 30 * 24 * time.Hour
	// reportConcurrency bounds the fan-out of ReportAll.
	reportConcurrency = 8
)

// HealthService computes composite pool health scores from the declarative
// factor policy. Metrics that cannot be gathered drop their factor from the
// weighted mean instead of dragging the score down.
type HealthService struct {
	pools       domain.PoolStore
	withdrawals domain.WithdrawalStore
	positions   domain.PositionStore
	gateway     domain.LedgerGateway
	cache       domain.HealthCache
	policy      domain.HealthPolicy
	logger      *slog.Logger
}

// NewHealthService creates a HealthService with all required dependencies.
func NewHealthService(
	pools domain.PoolStore,
	withdrawals domain.WithdrawalStore,
	positions domain.PositionStore,
	gateway domain.LedgerGateway,
	cache domain.HealthCache,
	logger *slog.Logger,
) *HealthService {
	return &HealthService{
		pools:       pools,
		withdrawals: withdrawals,
		positions:   positions,
		gateway:     gateway,
		cache:       cache,
		policy:      domain.DefaultHealthPolicy(),
		logger:      logger,
	}
}

// Report returns the pool's health report, serving a cached copy when one is
// fresh enough.
func (s *HealthService) Report(ctx context.Context, poolID string) (domain.HealthReport, error) {
	if report, err := s.cache.GetReport(ctx, poolID); err == nil {
		return report, nil
	}
	return s.Refresh(ctx, poolID)
}

// Refresh recomputes the pool's report from live inputs and caches it.
func (s *HealthService) Refresh(ctx context.Context, poolID string) (domain.HealthReport, error) {
	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.HealthReport{}, fmt.Errorf("health_service: get pool %q: %w", poolID, err)
	}

	inputs := s.gatherInputs(ctx, &pool)
	score, factors := s.policy.Evaluate(pool.Variant, inputs)

	report := domain.HealthReport{
		PoolID:     pool.ID,
		Score:      score,
		Status:     s.policy.Thresholds.Status(score),
		Factors:    factors,
		ComputedAt: time.Now().UTC(),
	}

	if cacheErr := s.cache.SetReport(ctx, poolID, report, healthCacheTTL); cacheErr != nil {
		s.logger.WarnContext(ctx, "health_service: cache set failed",
			slog.String("pool_id", poolID),
			slog.String("error", cacheErr.Error()),
		)
	}
	return report, nil
}

// ReportAll refreshes every active pool's report with bounded concurrency
// and returns the reports that succeeded. Per-pool failures are logged, not
// fatal; one unreachable pool must not blank the whole dashboard.
func (s *HealthService) ReportAll(ctx context.Context) ([]domain.HealthReport, error) {
	pools, err := s.pools.List(ctx, domain.PoolFilter{ActiveOnly: true}, domain.ListOpts{Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("health_service: list pools: %w", err)
	}

	reports := make([]domain.HealthReport, len(pools))
	ok := make([]bool, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reportConcurrency)
	for i, pool := range pools {
		g.Go(func() error {
			report, reportErr := s.Refresh(gctx, pool.ID)
			if reportErr != nil {
				s.logger.WarnContext(gctx, "health_service: refresh failed",
					slog.String("pool_id", pool.ID),
					slog.String("error", reportErr.Error()),
				)
				return nil
			}
			reports[i] = report
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("health_service: report all: %w", err)
	}

	out := reports[:0]
	for i, report := range reports {
		if ok[i] {
			out = append(out, report)
		}
	}
	return out, nil
}

// gatherInputs collects the raw metrics the policy bands over. Each gather
// failure clears the corresponding Has* flag and logs; it never aborts the
// report.
func (s *HealthService) gatherInputs(ctx context.Context, pool *domain.Pool) domain.HealthInputs {
	var in domain.HealthInputs
	now := time.Now().UTC()

	if pool.Variant == domain.VariantStableYield && pool.Deployed() && pool.EscrowAddress != nil {
		cash, cashErr := s.gateway.CashBuffer(ctx, pool)
		nav, navErr := s.gateway.TotalNAV(ctx, pool)
		if cashErr == nil && navErr == nil && nav.Sign() > 0 {
			snap := domain.ComputeReserveSnapshot(cash, nav)
			in.ReserveRatioBps = snap.RatioBps
			in.HasReserveRatio = true
		} else if cashErr != nil || navErr != nil {
			s.logger.WarnContext(ctx, "health_service: reserve reads failed",
				slog.String("pool_id", pool.ID),
			)
		}
	}

	if stats, err := s.withdrawals.Stats(ctx, pool.ID); err == nil {
		in.QueueDepth = int64(stats.QueuedCount)
	} else {
		s.logger.WarnContext(ctx, "health_service: queue stats failed",
			slog.String("pool_id", pool.ID),
			slog.String("error", err.Error()),
		)
	}

	if pool.NAVUpdatedAt != nil {
		in.NAVAge = now.Sub(*pool.NAVUpdatedAt)
		in.HasNAVAge = true
	}

	if pool.ProjectedYieldBps > 0 && pool.Status == domain.StatusInvested {
		in.YieldDeltaBps = pool.ActualYieldBps - pool.ProjectedYieldBps
		in.HasYieldDelta = true
	}

	switch pool.Variant {
	case domain.VariantLockedTerm:
		if count, err := s.positions.CountActiveByPool(ctx, pool.ID, now.Add(-activityWindow)); err == nil {
			in.ActivityCount30d = count
		}
	default:
		cutoff := now.Add(-activityWindow)
		reqs, err := s.withdrawals.ListByPool(ctx, pool.ID, "", domain.ListOpts{Limit: 1000, Since: &cutoff})
		if err == nil {
			in.ActivityCount30d = int64(len(reqs))
		}
	}

	return in
}
