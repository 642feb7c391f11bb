package service

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/store/memory"
)

func newPoolService(t *testing.T, stores testStores, gw *stubGateway) *PoolService {
	t.Helper()
	return NewPoolService(stores.pools, gw, nopBus{}, stores.audit, testLogger())
}

func validCreateParams(variant domain.PoolVariant) CreatePoolParams {
	params := CreatePoolParams{
		ChainID: 8453,
		Address: common.HexToAddress("0x0000000000000000000000000000000000000201"),
		Name:    "Test Pool",
		Variant: variant,
		Asset: domain.Asset{
			Address:  common.HexToAddress("0x0000000000000000000000000000000000000055"),
			Symbol:   "USDC",
			Decimals: 6,
		},
		MinInvestment: big.NewInt(100),
		SPVAddress:    common.HexToAddress("0x0000000000000000000000000000000000000077"),
	}
	if variant == domain.VariantSingleMaturity {
		deadline := time.Now().Add(30 * 24 * time.Hour)
		maturity := deadline.Add(180 * 24 * time.Hour)
		params.TargetRaise = big.NewInt(1_000_000)
		params.FundingDeadline = &deadline
		params.MaturityDate = &maturity
	}
	return params
}

func TestPoolService_CreatePool(t *testing.T) {
	ctx := context.Background()

	t.Run("registers a pending pool", func(t *testing.T) {
		stores := newTestStores()
		svc := newPoolService(t, stores, &stubGateway{})

		pool, err := svc.CreatePool(ctx, validCreateParams(domain.VariantStableYield))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPendingDeployment, pool.Status)
		assert.True(t, pool.IsActive)
		assert.NotEmpty(t, pool.ID)
	})

	t.Run("single-maturity requires raise terms", func(t *testing.T) {
		stores := newTestStores()
		svc := newPoolService(t, stores, &stubGateway{})

		params := validCreateParams(domain.VariantSingleMaturity)
		params.TargetRaise = nil

		_, err := svc.CreatePool(ctx, params)
		var validation *domain.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Equal(t, "target_raise", validation.Field)
	})

	t.Run("maturity must follow the funding deadline", func(t *testing.T) {
		stores := newTestStores()
		svc := newPoolService(t, stores, &stubGateway{})

		params := validCreateParams(domain.VariantSingleMaturity)
		early := params.FundingDeadline.Add(-time.Hour)
		params.MaturityDate = &early

		_, err := svc.CreatePool(ctx, params)
		var validation *domain.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("continuous variants require an SPV", func(t *testing.T) {
		stores := newTestStores()
		svc := newPoolService(t, stores, &stubGateway{})

		params := validCreateParams(domain.VariantStableYield)
		params.SPVAddress = common.Address{}

		_, err := svc.CreatePool(ctx, params)
		var validation *domain.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Equal(t, "spv_address", validation.Field)
	})
}

func TestPoolService_ConfirmDeployment(t *testing.T) {
	ctx := context.Background()

	t.Run("moves a confirmed pool into funding and backfills escrow", func(t *testing.T) {
		stores := newTestStores()
		escrow := common.HexToAddress("0x00000000000000000000000000000000000000ee")
		gw := &stubGateway{confirmed: true, escrow: escrow, hasEscrow: true}
		svc := newPoolService(t, stores, gw)

		pool, err := svc.CreatePool(ctx, validCreateParams(domain.VariantStableYield))
		require.NoError(t, err)

		pool, err = svc.ConfirmDeployment(ctx, pool.ID, "0x01")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFunding, pool.Status)
		require.NotNil(t, pool.EscrowAddress)
		assert.Equal(t, escrow, *pool.EscrowAddress)
	})

	t.Run("confirming a live pool is a no-op", func(t *testing.T) {
		stores := newTestStores()
		gw := &stubGateway{confirmed: true}
		svc := newPoolService(t, stores, gw)

		pool, err := svc.CreatePool(ctx, validCreateParams(domain.VariantStableYield))
		require.NoError(t, err)
		_, err = svc.ConfirmDeployment(ctx, pool.ID, "0x01")
		require.NoError(t, err)

		again, err := svc.ConfirmDeployment(ctx, pool.ID, "0x02")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFunding, again.Status)
	})

	t.Run("unconfirmed transactions are rejected", func(t *testing.T) {
		stores := newTestStores()
		gw := &stubGateway{confirmed: false}
		svc := newPoolService(t, stores, gw)

		pool, err := svc.CreatePool(ctx, validCreateParams(domain.VariantStableYield))
		require.NoError(t, err)

		_, err = svc.ConfirmDeployment(ctx, pool.ID, "0x01")
		var confirmation *domain.ConfirmationError
		require.ErrorAs(t, err, &confirmation)
	})
}

func TestPoolService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels a pending pool without an instruction", func(t *testing.T) {
		stores := newTestStores()
		svc := newPoolService(t, stores, &stubGateway{})

		pool, err := svc.CreatePool(ctx, validCreateParams(domain.VariantStableYield))
		require.NoError(t, err)

		cancelled, instruction, err := svc.Cancel(ctx, pool.ID, "deal fell through")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, cancelled.Status)
		assert.False(t, cancelled.IsActive)
		assert.Nil(t, instruction, "an undeployed pool has nothing to pause")
	})

	t.Run("cancelling a funding pool returns the pause instruction", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusFunding)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		cancelled, instruction, err := svc.Cancel(ctx, pool.ID, "regulatory hold")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, cancelled.Status)
		require.NotNil(t, instruction)
		assert.Equal(t, "pause", instruction.Method)
	})

	t.Run("invested pools cannot be cancelled", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		_, _, err := svc.Cancel(ctx, pool.ID, "too late")
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)

		got, getErr := stores.pools.GetByID(ctx, pool.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.StatusInvested, got.Status, "rejected cancel must not move the pool")
	})

	t.Run("terminal pools admit no further transitions", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusCancelled)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		_, _, err := svc.Cancel(ctx, pool.ID, "again")
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})

	t.Run("a gateway failure leaves the pool open for retry", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusFunding)
		require.NoError(t, stores.pools.Create(ctx, pool))

		flaky := &stubGateway{pauseErr: &domain.GatewayError{Op: "eth_call pause", Err: errors.New("timeout")}}
		svc := newPoolService(t, stores, flaky)

		_, _, err := svc.Cancel(ctx, pool.ID, "issuer default")
		require.Error(t, err)
		assert.True(t, domain.Retryable(err))

		got, getErr := stores.pools.GetByID(ctx, pool.ID)
		require.NoError(t, getErr)
		require.Equal(t, domain.StatusFunding, got.Status, "failed cancel must not commit the terminal state")

		flaky.pauseErr = nil
		cancelled, instruction, err := svc.Cancel(ctx, pool.ID, "issuer default")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, cancelled.Status)
		require.NotNil(t, instruction)
	})
}

func TestPoolService_Close(t *testing.T) {
	ctx := context.Background()

	t.Run("winds down an invested pool", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		closed, instruction, err := svc.Close(ctx, pool.ID, "fund wind-down")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, closed.Status)
		assert.False(t, closed.IsActive)
		require.NotNil(t, instruction)
	})

	t.Run("pending pools are cancelled, not closed", func(t *testing.T) {
		stores := newTestStores()
		svc := newPoolService(t, stores, &stubGateway{})

		pool, err := svc.CreatePool(ctx, validCreateParams(domain.VariantStableYield))
		require.NoError(t, err)

		_, _, err = svc.Close(ctx, pool.ID, "wrong verb")
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})

	t.Run("a gateway failure leaves the pool open for retry", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))

		flaky := &stubGateway{pauseErr: &domain.GatewayError{Op: "eth_call pause", Err: errors.New("connection refused")}}
		svc := newPoolService(t, stores, flaky)

		_, _, err := svc.Close(ctx, pool.ID, "fund wind-down")
		require.Error(t, err)
		assert.True(t, domain.Retryable(err))

		got, getErr := stores.pools.GetByID(ctx, pool.ID)
		require.NoError(t, getErr)
		require.Equal(t, domain.StatusInvested, got.Status, "failed wind-down must not commit the terminal state")

		flaky.pauseErr = nil
		closed, instruction, err := svc.Close(ctx, pool.ID, "fund wind-down")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, closed.Status)
		require.NotNil(t, instruction)
	})
}

func TestPoolService_CloseFunding(t *testing.T) {
	ctx := context.Background()

	t.Run("fills a single-maturity raise", func(t *testing.T) {
		stores := newTestStores()
		pool := singleMaturityPool(domain.StatusFunding)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		filled, err := svc.CloseFunding(ctx, pool.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFilled, filled.Status)
	})

	t.Run("rejects closing before the deadline", func(t *testing.T) {
		stores := newTestStores()
		pool := singleMaturityPool(domain.StatusFunding)
		deadline := time.Now().Add(72 * time.Hour)
		pool.FundingDeadline = &deadline
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		_, err := svc.CloseFunding(ctx, pool.ID, time.Now())
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)

		got, getErr := stores.pools.GetByID(ctx, pool.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.StatusFunding, got.Status, "an early close must leave the raise open")
	})

	t.Run("stable-yield pools have no funding close", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusFunding)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		_, err := svc.CloseFunding(ctx, pool.ID, time.Now())
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})
}

func TestPoolService_MarkMatured(t *testing.T) {
	ctx := context.Background()

	t.Run("matures past the maturity date", func(t *testing.T) {
		stores := newTestStores()
		pool := singleMaturityPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		matured, err := svc.MarkMatured(ctx, pool.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusMatured, matured.Status)
	})

	t.Run("rejects early maturity", func(t *testing.T) {
		stores := newTestStores()
		pool := singleMaturityPool(domain.StatusInvested)
		future := time.Now().Add(24 * time.Hour)
		pool.MaturityDate = &future
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newPoolService(t, stores, &stubGateway{})

		_, err := svc.MarkMatured(ctx, pool.ID, time.Now())
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})
}

func TestPoolService_SetPaused(t *testing.T) {
	ctx := context.Background()

	stores := newTestStores()
	pool := stableYieldPool(domain.StatusInvested)
	require.NoError(t, stores.pools.Create(ctx, pool))
	svc := newPoolService(t, stores, &stubGateway{})

	paused, err := svc.SetPaused(ctx, pool.ID, true)
	require.NoError(t, err)
	assert.True(t, paused.Paused)

	// Pausing twice is a no-op, unpausing restores.
	paused, err = svc.SetPaused(ctx, pool.ID, true)
	require.NoError(t, err)
	assert.True(t, paused.Paused)

	unpaused, err := svc.SetPaused(ctx, pool.ID, false)
	require.NoError(t, err)
	assert.False(t, unpaused.Paused)
}

func TestPoolService_IngestAnalytics(t *testing.T) {
	ctx := context.Background()

	stores := newTestStores()
	pool := stableYieldPool(domain.StatusInvested)
	require.NoError(t, stores.pools.Create(ctx, pool))
	svc := newPoolService(t, stores, &stubGateway{})

	asOf := time.Now().UTC()
	got, err := svc.IngestAnalytics(ctx, pool.ID, big.NewInt(2_000_000), 550, 520, asOf)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2_000_000), got.TotalNAV)
	assert.Equal(t, int64(550), got.ProjectedYieldBps)
	assert.Equal(t, int64(520), got.ActualYieldBps)
	require.NotNil(t, got.NAVUpdatedAt)

	_, err = svc.IngestAnalytics(ctx, pool.ID, big.NewInt(-1), 0, 0, asOf)
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

// racingPoolStore transitions the pool right after handing out a read,
// mimicking a status change landing between the read and a later write.
type racingPoolStore struct {
	*memory.PoolStore
	from, to domain.PoolStatus
}

func (s *racingPoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	pool, err := s.PoolStore.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, err
	}
	if pool.Status == s.from {
		if err := s.PoolStore.UpdateStatus(ctx, id, s.from, s.to); err != nil {
			return domain.Pool{}, err
		}
	}
	return pool, nil
}

func TestPoolService_IngestAnalytics_ConcurrentTransition(t *testing.T) {
	ctx := context.Background()

	stores := newTestStores()
	pool := stableYieldPool(domain.StatusPendingInvestment)
	require.NoError(t, stores.pools.Create(ctx, pool))

	racing := &racingPoolStore{
		PoolStore: stores.pools,
		from:      domain.StatusPendingInvestment,
		to:        domain.StatusInvested,
	}
	svc := NewPoolService(racing, &stubGateway{}, nopBus{}, stores.audit, testLogger())

	_, err := svc.IngestAnalytics(ctx, pool.ID, big.NewInt(2_500_000), 550, 540, time.Now().UTC())
	require.NoError(t, err)

	got, err := stores.pools.GetByID(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvested, got.Status, "analytics ingest must not undo a concurrent transition")
	assert.Equal(t, big.NewInt(2_500_000), got.TotalNAV)
}
