package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piron-finance/piron-backend/internal/domain"
)

func seedQueue(t *testing.T, store *WithdrawalStore, poolID string, n int) []domain.WithdrawalRequest {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	reqs := make([]domain.WithdrawalRequest, 0, n)
	for i := 0; i < n; i++ {
		req := domain.WithdrawalRequest{
			ID:          fmt.Sprintf("req-%03d", i),
			PoolID:      poolID,
			Investor:    common.HexToAddress(fmt.Sprintf("0x%040x", i+1)),
			Shares:      big.NewInt(int64(100 + i)),
			Status:      domain.WithdrawalQueued,
			RequestedAt: base.Add(time.Duration(i) * time.Second),
			CreatedAt:   base,
			UpdatedAt:   base,
		}
		require.NoError(t, store.Create(ctx, req))
		reqs = append(reqs, req)
	}
	return reqs
}

func TestWithdrawalStore_SelectForProcessing_FIFO(t *testing.T) {
	ctx := context.Background()
	store := NewWithdrawalStore()
	seeded := seedQueue(t, store, "pool-1", 12)

	selected, err := store.SelectForProcessing(ctx, "pool-1", "batch-1", 5)
	require.NoError(t, err)
	require.Len(t, selected, 5)

	for i, req := range selected {
		assert.Equal(t, seeded[i].ID, req.ID, "position %d", i)
		assert.Equal(t, domain.WithdrawalProcessing, req.Status)
		require.NotNil(t, req.BatchID)
		assert.Equal(t, "batch-1", *req.BatchID)
		assert.NotNil(t, req.ProcessedAt)
	}

	stats, err := store.Stats(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, 7, stats.QueuedCount)
	assert.Equal(t, 5, stats.Processing)
}

func TestWithdrawalStore_SelectForProcessing_TiesBreakOnID(t *testing.T) {
	ctx := context.Background()
	store := NewWithdrawalStore()
	at := time.Now().UTC()

	for _, id := range []string{"b", "c", "a"} {
		require.NoError(t, store.Create(ctx, domain.WithdrawalRequest{
			ID:          id,
			PoolID:      "pool-1",
			Investor:    common.HexToAddress("0x01"),
			Shares:      big.NewInt(1),
			Status:      domain.WithdrawalQueued,
			RequestedAt: at,
			CreatedAt:   at,
			UpdatedAt:   at,
		}))
	}

	selected, err := store.SelectForProcessing(ctx, "pool-1", "batch-1", 3)
	require.NoError(t, err)
	require.Len(t, selected, 3)
	assert.Equal(t, "a", selected[0].ID)
	assert.Equal(t, "b", selected[1].ID)
	assert.Equal(t, "c", selected[2].ID)
}

func TestWithdrawalStore_SelectForProcessing_ConcurrentCallsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	store := NewWithdrawalStore()
	seedQueue(t, store, "pool-1", 40)

	const workers = 8
	batches := make([][]domain.WithdrawalRequest, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			selected, err := store.SelectForProcessing(ctx, "pool-1", fmt.Sprintf("batch-%d", w), 5)
			assert.NoError(t, err)
			batches[w] = selected
		}()
	}
	wg.Wait()

	seen := make(map[string]string)
	total := 0
	for w, batch := range batches {
		for _, req := range batch {
			if prev, dup := seen[req.ID]; dup {
				t.Fatalf("request %s selected by both %s and batch-%d", req.ID, prev, w)
			}
			seen[req.ID] = fmt.Sprintf("batch-%d", w)
			total++
		}
	}
	assert.Equal(t, 40, total, "every request selected exactly once")
}

func TestWithdrawalStore_SettleBatch(t *testing.T) {
	ctx := context.Background()
	store := NewWithdrawalStore()
	seedQueue(t, store, "pool-1", 3)

	_, err := store.SelectForProcessing(ctx, "pool-1", "batch-1", 3)
	require.NoError(t, err)

	t.Run("rejects non-terminal statuses", func(t *testing.T) {
		_, err := store.SettleBatch(ctx, "batch-1", domain.WithdrawalQueued)
		require.Error(t, err)
	})

	t.Run("settles every processing request", func(t *testing.T) {
		n, err := store.SettleBatch(ctx, "batch-1", domain.WithdrawalCompleted)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		// Settling again finds nothing.
		n, err = store.SettleBatch(ctx, "batch-1", domain.WithdrawalCompleted)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestWithdrawalStore_Cancel(t *testing.T) {
	ctx := context.Background()
	store := NewWithdrawalStore()
	seedQueue(t, store, "pool-1", 2)

	require.NoError(t, store.Cancel(ctx, "req-000"))

	// Cancelled requests are no longer selectable.
	selected, err := store.SelectForProcessing(ctx, "pool-1", "batch-1", 5)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "req-001", selected[0].ID)

	// Processing requests cannot be cancelled.
	assert.Error(t, store.Cancel(ctx, "req-001"))
}

func TestWithdrawalStore_ListByPool_Window(t *testing.T) {
	ctx := context.Background()
	store := NewWithdrawalStore()
	now := time.Now().UTC()

	for _, tc := range []struct {
		id  string
		age time.Duration
	}{
		{"req-old", 90 * 24 * time.Hour},
		{"req-recent", 24 * time.Hour},
	} {
		at := now.Add(-tc.age)
		require.NoError(t, store.Create(ctx, domain.WithdrawalRequest{
			ID:          tc.id,
			PoolID:      "pool-1",
			Investor:    common.HexToAddress("0x01"),
			Shares:      big.NewInt(1),
			Status:      domain.WithdrawalQueued,
			RequestedAt: at,
			CreatedAt:   at,
			UpdatedAt:   at,
		}))
	}

	cutoff := now.Add(-30 * 24 * time.Hour)
	reqs, err := store.ListByPool(ctx, "pool-1", "", domain.ListOpts{Since: &cutoff})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-recent", reqs[0].ID)

	until := now.Add(-60 * 24 * time.Hour)
	reqs, err = store.ListByPool(ctx, "pool-1", "", domain.ListOpts{Until: &until})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-old", reqs[0].ID)
}
