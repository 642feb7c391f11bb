package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piron-finance/piron-backend/internal/domain"
)

func newTierService(t *testing.T, stores testStores) *TierService {
	t.Helper()
	return NewTierService(stores.pools, stores.tiers, stores.positions, stores.audit, testLogger())
}

func seedTier(t *testing.T, stores testStores, svc *TierService) domain.LockTier {
	t.Helper()
	ctx := context.Background()
	pool := lockedTermPool(domain.StatusInvested)
	require.NoError(t, stores.pools.Create(ctx, pool))

	tier, err := svc.CreateTier(ctx, CreateTierParams{
		PoolID:              pool.ID,
		Duration:            90 * 24 * time.Hour,
		APYBps:              800,
		EarlyExitPenaltyBps: 200,
		MinDeposit:          big.NewInt(500),
	})
	require.NoError(t, err)
	return tier
}

func TestTierService_CreateTier(t *testing.T) {
	ctx := context.Background()

	t.Run("creates an active tier on a locked-term pool", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)

		tier := seedTier(t, stores, svc)
		assert.True(t, tier.Active)
		assert.Equal(t, int64(800), tier.APYBps)
	})

	t.Run("rejects other variants", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newTierService(t, stores)

		_, err := svc.CreateTier(ctx, CreateTierParams{
			PoolID:     pool.ID,
			Duration:   time.Hour,
			MinDeposit: big.NewInt(1),
		})
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})

	t.Run("rejects out-of-range penalty", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)

		_, err := svc.CreateTier(ctx, CreateTierParams{
			PoolID:              "any",
			Duration:            time.Hour,
			EarlyExitPenaltyBps: 20_000,
			MinDeposit:          big.NewInt(1),
		})
		var validation *domain.ValidationError
		require.ErrorAs(t, err, &validation)
	})
}

func TestTierService_OpenPosition(t *testing.T) {
	ctx := context.Background()

	t.Run("locks a deposit with maturity from the tier duration", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		tier := seedTier(t, stores, svc)

		pos, err := svc.OpenPosition(ctx, OpenPositionParams{
			TierID:   tier.ID,
			Investor: investor(1),
			Amount:   big.NewInt(1_000),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.PositionActive, pos.State)
		assert.WithinDuration(t, pos.DepositedAt.Add(tier.Duration), pos.MaturesAt, time.Second)
	})

	t.Run("enforces the tier minimum", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		tier := seedTier(t, stores, svc)

		_, err := svc.OpenPosition(ctx, OpenPositionParams{
			TierID:   tier.ID,
			Investor: investor(1),
			Amount:   big.NewInt(499),
		})
		var validation *domain.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("closed tiers accept no deposits", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		tier := seedTier(t, stores, svc)

		_, err := svc.SetTierActive(ctx, tier.ID, false)
		require.NoError(t, err)

		_, err = svc.OpenPosition(ctx, OpenPositionParams{
			TierID:   tier.ID,
			Investor: investor(1),
			Amount:   big.NewInt(1_000),
		})
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})
}

func TestTierService_PositionLifecycle(t *testing.T) {
	ctx := context.Background()

	openPosition := func(t *testing.T, stores testStores, svc *TierService) (domain.LockTier, domain.LockedPosition) {
		tier := seedTier(t, stores, svc)
		pos, err := svc.OpenPosition(ctx, OpenPositionParams{
			TierID:   tier.ID,
			Investor: investor(1),
			Amount:   big.NewInt(10_000),
		})
		require.NoError(t, err)
		return tier, pos
	}

	t.Run("sweep matures elapsed positions", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		tier, pos := openPosition(t, stores, svc)

		// Before maturity nothing moves.
		n, err := svc.SweepMatured(ctx, tier.PoolID, time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = svc.SweepMatured(ctx, tier.PoolID, pos.MaturesAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, getErr := svc.GetPosition(ctx, pos.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.PositionMatured, got.State)
	})

	t.Run("redeem requires maturity", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		_, pos := openPosition(t, stores, svc)

		_, err := svc.Redeem(ctx, pos.ID)
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)

		_, err = svc.SweepMatured(ctx, pos.PoolID, pos.MaturesAt.Add(time.Minute))
		require.NoError(t, err)

		redeemed, err := svc.Redeem(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionRedeemed, redeemed.State)
	})

	t.Run("early exit withholds the tier penalty", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		_, pos := openPosition(t, stores, svc)

		exited, penalty, err := svc.EarlyExit(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionEarlyExit, exited.State)
		// 2% of 10k.
		assert.Equal(t, big.NewInt(200), penalty)
	})

	t.Run("rollover opens a fresh position at current terms", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		tier, pos := openPosition(t, stores, svc)

		_, err := svc.SweepMatured(ctx, tier.PoolID, pos.MaturesAt.Add(time.Minute))
		require.NoError(t, err)

		next, err := svc.Rollover(ctx, pos.ID, tier.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionActive, next.State)
		assert.Equal(t, pos.Amount, next.Amount)
		assert.NotEqual(t, pos.ID, next.ID)

		old, getErr := svc.GetPosition(ctx, pos.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.PositionRolledOver, old.State)
	})

	t.Run("redeemed positions admit no further moves", func(t *testing.T) {
		stores := newTestStores()
		svc := newTierService(t, stores)
		tier, pos := openPosition(t, stores, svc)

		_, err := svc.SweepMatured(ctx, tier.PoolID, pos.MaturesAt.Add(time.Minute))
		require.NoError(t, err)
		_, err = svc.Redeem(ctx, pos.ID)
		require.NoError(t, err)

		_, err = svc.Rollover(ctx, pos.ID, tier.ID)
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})
}
