package service

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piron-finance/piron-backend/internal/domain"
)

func newWithdrawalService(t *testing.T, stores testStores, gw *stubGateway) *WithdrawalService {
	t.Helper()
	return NewWithdrawalService(stores.pools, stores.withdrawals, gw, stores.locks, nopBus{}, stores.audit, testLogger())
}

func investor(i int) common.Address {
	return common.HexToAddress(fmt.Sprintf("0x%040x", 0xa000+i))
}

func enqueueN(t *testing.T, svc *WithdrawalService, poolID string, n int) []domain.WithdrawalRequest {
	t.Helper()
	ctx := context.Background()
	reqs := make([]domain.WithdrawalRequest, 0, n)
	for i := 0; i < n; i++ {
		req, err := svc.Enqueue(ctx, EnqueueParams{
			PoolID:   poolID,
			Investor: investor(i),
			Shares:   big.NewInt(int64(100 + i)),
		})
		require.NoError(t, err)
		reqs = append(reqs, req)
		// Distinct request times keep the FIFO order deterministic.
		time.Sleep(time.Millisecond)
	}
	return reqs
}

func TestWithdrawalService_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("queues a valid request", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		req, err := svc.Enqueue(ctx, EnqueueParams{
			PoolID:   pool.ID,
			Investor: investor(1),
			Shares:   big.NewInt(500),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawalQueued, req.Status)
		assert.Nil(t, req.BatchID)
	})

	t.Run("rejects single-maturity pools", func(t *testing.T) {
		stores := newTestStores()
		pool := singleMaturityPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		_, err := svc.Enqueue(ctx, EnqueueParams{PoolID: pool.ID, Investor: investor(1), Shares: big.NewInt(1)})
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})

	t.Run("rejects paused and terminal pools", func(t *testing.T) {
		stores := newTestStores()
		paused := stableYieldPool(domain.StatusInvested)
		paused.ID = "paused"
		paused.Paused = true
		require.NoError(t, stores.pools.Create(ctx, paused))

		closed := stableYieldPool(domain.StatusClosed)
		closed.ID = "closed"
		require.NoError(t, stores.pools.Create(ctx, closed))

		svc := newWithdrawalService(t, stores, &stubGateway{})

		var precondition *domain.PreconditionError
		_, err := svc.Enqueue(ctx, EnqueueParams{PoolID: "paused", Investor: investor(1), Shares: big.NewInt(1)})
		require.ErrorAs(t, err, &precondition)
		_, err = svc.Enqueue(ctx, EnqueueParams{PoolID: "closed", Investor: investor(1), Shares: big.NewInt(1)})
		require.ErrorAs(t, err, &precondition)
	})

	t.Run("rejects non-positive shares", func(t *testing.T) {
		stores := newTestStores()
		svc := newWithdrawalService(t, stores, &stubGateway{})

		_, err := svc.Enqueue(ctx, EnqueueParams{PoolID: "any", Investor: investor(1), Shares: big.NewInt(0)})
		var validation *domain.ValidationError
		require.ErrorAs(t, err, &validation)
	})
}

func TestWithdrawalService_ProcessQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("selects the oldest requests up to max", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		queued := enqueueN(t, svc, pool.ID, 12)

		batch, err := svc.ProcessQueue(ctx, pool.ID, 5)
		require.NoError(t, err)
		require.Len(t, batch.Requests, 5)

		// FIFO: the first five enqueued, in order.
		for i, req := range batch.Requests {
			assert.Equal(t, queued[i].ID, req.ID, "request %d out of order", i)
			assert.Equal(t, domain.WithdrawalProcessing, req.Status)
			require.NotNil(t, req.BatchID)
			assert.Equal(t, batch.ID, *req.BatchID)
		}

		wantShares := big.NewInt(100 + 101 + 102 + 103 + 104)
		assert.Equal(t, wantShares, batch.TotalShares)
		assert.NotEmpty(t, batch.Instruction.Data)

		stats, statsErr := svc.Stats(ctx, pool.ID)
		require.NoError(t, statsErr)
		assert.Equal(t, 7, stats.QueuedCount)
		assert.Equal(t, 5, stats.Processing)
	})

	t.Run("empty queue is a distinct error", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		_, err := svc.ProcessQueue(ctx, pool.ID, 5)
		var empty *domain.EmptyQueueError
		require.ErrorAs(t, err, &empty)
		assert.Equal(t, pool.ID, empty.PoolID)
	})

	t.Run("sequential batches never overlap", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		enqueueN(t, svc, pool.ID, 8)

		first, err := svc.ProcessQueue(ctx, pool.ID, 5)
		require.NoError(t, err)
		second, err := svc.ProcessQueue(ctx, pool.ID, 5)
		require.NoError(t, err)
		require.Len(t, second.Requests, 3, "only the remainder is left")

		seen := make(map[string]bool)
		for _, req := range first.Requests {
			seen[req.ID] = true
		}
		for _, req := range second.Requests {
			assert.False(t, seen[req.ID], "request %s selected twice", req.ID)
		}
	})

	t.Run("rejects paused pools", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		pool.Paused = true
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		_, err := svc.ProcessQueue(ctx, pool.ID, 5)
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})
}

func TestWithdrawalService_SettleBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("completes every request in the batch", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		enqueueN(t, svc, pool.ID, 3)
		batch, err := svc.ProcessQueue(ctx, pool.ID, 3)
		require.NoError(t, err)

		settled, err := svc.SettleBatch(ctx, batch.ID, true)
		require.NoError(t, err)
		assert.Equal(t, int64(3), settled)

		for _, req := range batch.Requests {
			got, getErr := svc.Get(ctx, req.ID)
			require.NoError(t, getErr)
			assert.Equal(t, domain.WithdrawalCompleted, got.Status)
			assert.NotNil(t, got.SettledAt)
		}
	})

	t.Run("failed settlement leaves requests terminal, not queued", func(t *testing.T) {
		stores := newTestStores()
		pool := stableYieldPool(domain.StatusInvested)
		require.NoError(t, stores.pools.Create(ctx, pool))
		svc := newWithdrawalService(t, stores, &stubGateway{})

		enqueueN(t, svc, pool.ID, 2)
		batch, err := svc.ProcessQueue(ctx, pool.ID, 2)
		require.NoError(t, err)

		settled, err := svc.SettleBatch(ctx, batch.ID, false)
		require.NoError(t, err)
		assert.Equal(t, int64(2), settled)

		stats, statsErr := svc.Stats(ctx, pool.ID)
		require.NoError(t, statsErr)
		assert.Zero(t, stats.QueuedCount, "failed requests are not silently re-queued")
	})

	t.Run("settling an unknown batch fails", func(t *testing.T) {
		stores := newTestStores()
		svc := newWithdrawalService(t, stores, &stubGateway{})

		_, err := svc.SettleBatch(ctx, "no-such-batch", true)
		var precondition *domain.PreconditionError
		require.ErrorAs(t, err, &precondition)
	})
}

func TestWithdrawalService_Cancel(t *testing.T) {
	ctx := context.Background()

	stores := newTestStores()
	pool := stableYieldPool(domain.StatusInvested)
	require.NoError(t, stores.pools.Create(ctx, pool))
	svc := newWithdrawalService(t, stores, &stubGateway{})

	reqs := enqueueN(t, svc, pool.ID, 2)

	require.NoError(t, svc.Cancel(ctx, reqs[0].ID))
	got, err := svc.Get(ctx, reqs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalCancelled, got.Status)

	// A request already in a batch cannot be cancelled.
	batch, err := svc.ProcessQueue(ctx, pool.ID, 1)
	require.NoError(t, err)
	err = svc.Cancel(ctx, batch.Requests[0].ID)
	require.Error(t, err)
}
