package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piron-finance/piron-backend/internal/domain"
)

func newHealthService(t *testing.T, stores testStores, gw *stubGateway, cache domain.HealthCache) *HealthService {
	t.Helper()
	return NewHealthService(stores.pools, stores.withdrawals, stores.positions, gw, cache, testLogger())
}

func TestHealthService_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("perfect stable-yield pool scores excellent", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		navAt := time.Now().Add(-1 * time.Hour)
		pool.NAVUpdatedAt = &navAt
		pool.ProjectedYieldBps = 500
		pool.ActualYieldBps = 520
		require.NoError(t, stores.pools.Create(ctx, pool))

		// Reserve exactly on target, empty queue, fresh NAV, yield above plan.
		gw := &stubGateway{cash: big.NewInt(100_000), nav: big.NewInt(1_000_000)}
		svc := newHealthService(t, stores, gw, newMemHealthCache())

		report, err := svc.Refresh(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.HealthExcellent, report.Status)
		assert.GreaterOrEqual(t, report.Score, 90)
		assert.NotEmpty(t, report.Factors)
	})

	t.Run("unreachable ledger drops the reserve factor instead of failing", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		navAt := time.Now().Add(-1 * time.Hour)
		pool.NAVUpdatedAt = &navAt
		require.NoError(t, stores.pools.Create(ctx, pool))

		gw := &stubGateway{readErr: &domain.GatewayError{Op: "eth_call", Err: context.DeadlineExceeded}}
		svc := newHealthService(t, stores, gw, newMemHealthCache())

		report, err := svc.Refresh(ctx, pool.ID)
		require.NoError(t, err)
		for _, f := range report.Factors {
			assert.NotEqual(t, "reserve_ratio", f.Name)
		}
		assert.Positive(t, report.Score, "remaining factors still produce a score")
	})

	t.Run("deep queue drags the score down", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))

		wsvc := newWithdrawalService(t, stores, &stubGateway{})
		enqueueN(t, wsvc, pool.ID, 25)

		gw := &stubGateway{cash: big.NewInt(100_000), nav: big.NewInt(1_000_000)}
		svc := newHealthService(t, stores, gw, newMemHealthCache())

		report, err := svc.Refresh(ctx, pool.ID)
		require.NoError(t, err)

		var queueScore int
		for _, f := range report.Factors {
			if f.Name == "withdrawal_queue_depth" {
				queueScore = f.Score
			}
		}
		assert.Equal(t, 30, queueScore, "more than 20 queued requests is the worst band")
	})

	t.Run("activity factor ignores requests outside the lookback", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))

		stale := time.Now().UTC().Add(-90 * 24 * time.Hour)
		require.NoError(t, stores.withdrawals.Create(ctx, domain.WithdrawalRequest{
			ID:          "req-stale",
			PoolID:      pool.ID,
			Investor:    common.HexToAddress("0x01"),
			Shares:      big.NewInt(10),
			Status:      domain.WithdrawalCompleted,
			RequestedAt: stale,
			CreatedAt:   stale,
			UpdatedAt:   stale,
		}))

		gw := &stubGateway{cash: big.NewInt(100_000), nav: big.NewInt(1_000_000)}
		svc := newHealthService(t, stores, gw, newMemHealthCache())

		report, err := svc.Refresh(ctx, pool.ID)
		require.NoError(t, err)

		var activityScore int
		for _, f := range report.Factors {
			if f.Name == "investor_activity" {
				activityScore = f.Score
			}
		}
		assert.Equal(t, 30, activityScore, "a quarter-old request is not recent activity")
	})

	t.Run("single-maturity pools skip stable-yield-only factors", func(t *testing.T) {
		stores := newTestStores()
		pool := singleMaturityPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))

		svc := newHealthService(t, stores, &stubGateway{}, newMemHealthCache())

		report, err := svc.Refresh(ctx, pool.ID)
		require.NoError(t, err)
		for _, f := range report.Factors {
			assert.NotEqual(t, "reserve_ratio", f.Name)
			assert.NotEqual(t, "nav_recency", f.Name)
		}
	})
}

func TestHealthService_Report_Cache(t *testing.T) {
	ctx := context.Background()

	stores := newTestStores()
	pool := stableYieldPool(domain.StatusInvested)
	require.NoError(t, stores.pools.Create(ctx, pool))

	gw := &stubGateway{cash: big.NewInt(100_000), nav: big.NewInt(1_000_000)}
	cache := newMemHealthCache()
	svc := newHealthService(t, stores, gw, cache)

	first, err := svc.Report(ctx, pool.ID)
	require.NoError(t, err)

	// Degrade the ledger; the cached report must still be served.
	gw.cash = big.NewInt(0)
	second, err := svc.Report(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.ComputedAt, second.ComputedAt)
}

func TestHealthService_ReportAll(t *testing.T) {
	ctx := context.Background()

	stores := newTestStores()
	require.NoError(t, stores.pools.Create(ctx, stableYieldPool(domain.StatusInvested)))
	require.NoError(t, stores.pools.Create(ctx, lockedTermPool(domain.StatusInvested)))

	gw := &stubGateway{cash: big.NewInt(100_000), nav: big.NewInt(1_000_000)}
	svc := newHealthService(t, stores, gw, newMemHealthCache())

	reports, err := svc.ReportAll(ctx)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}
