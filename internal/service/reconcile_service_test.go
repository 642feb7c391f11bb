package service

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piron-finance/piron-backend/internal/domain"
)

func newReconcileService(t *testing.T, stores testStores, gw *stubGateway) *ReconcileService {
	t.Helper()
	return NewReconcileService(stores.pools, gw, stores.audit, testLogger())
}

func TestReconcileService_ReconcilePool(t *testing.T) {
	ctx := context.Background()

	t.Run("backfills a missing escrow address", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusFunding)
		pool.EscrowAddress = nil
		require.NoError(t, stores.pools.Create(ctx, pool))

		escrow := common.HexToAddress("0x00000000000000000000000000000000000000aa")
		gw := &stubGateway{escrow: escrow, hasEscrow: true}
		svc := newReconcileService(t, stores, gw)

		changed, err := svc.ReconcilePool(ctx, pool.ID)
		require.NoError(t, err)
		assert.True(t, changed)

		got, getErr := stores.pools.GetByID(ctx, pool.ID)
		require.NoError(t, getErr)
		require.NotNil(t, got.EscrowAddress)
		assert.Equal(t, escrow, *got.EscrowAddress)
	})

	t.Run("repeated passes converge", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusFunding)
		pool.EscrowAddress = nil
		require.NoError(t, stores.pools.Create(ctx, pool))

		gw := &stubGateway{escrow: common.HexToAddress("0xaa"), hasEscrow: true}
		svc := newReconcileService(t, stores, gw)

		changed, err := svc.ReconcilePool(ctx, pool.ID)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = svc.ReconcilePool(ctx, pool.ID)
		require.NoError(t, err)
		assert.False(t, changed, "second pass finds nothing to do")
	})

	t.Run("missing registry entry is not an error", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusFunding)
		pool.EscrowAddress = nil
		require.NoError(t, stores.pools.Create(ctx, pool))

		svc := newReconcileService(t, stores, &stubGateway{hasEscrow: false})

		changed, err := svc.ReconcilePool(ctx, pool.ID)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("undeployed pools are skipped", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusPendingDeployment)
		pool.EscrowAddress = nil
		require.NoError(t, stores.pools.Create(ctx, pool))

		svc := newReconcileService(t, stores, &stubGateway{hasEscrow: true})

		changed, err := svc.ReconcilePool(ctx, pool.ID)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestReconcileService_ReconcileAll(t *testing.T) {
	ctx := context.Background()

	stores := newTestStores()

	missing := stableYieldPool(domain.StatusFunding)
	missing.ID = "missing-escrow"
	missing.EscrowAddress = nil
	require.NoError(t, stores.pools.Create(ctx, missing))

	complete := lockedTermPool(domain.StatusInvested)
	require.NoError(t, stores.pools.Create(ctx, complete))

	gw := &stubGateway{escrow: common.HexToAddress("0xbb"), hasEscrow: true}
	svc := newReconcileService(t, stores, gw)

	updated, failed, err := svc.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Zero(t, failed)
}
