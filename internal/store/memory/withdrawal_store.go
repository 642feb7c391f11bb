package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// WithdrawalStore is an in-memory implementation of domain.WithdrawalStore.
// Selection and transition happen under one mutex hold, mirroring the
// single-transaction guarantee of the SQL store.
type WithdrawalStore struct {
	mu   sync.Mutex
	data map[string]domain.WithdrawalRequest
}

// NewWithdrawalStore creates a new in-memory withdrawal store.
func NewWithdrawalStore() *WithdrawalStore {
	return &WithdrawalStore{data: make(map[string]domain.WithdrawalRequest)}
}

// Create adds a new request.
func (s *WithdrawalStore) Create(_ context.Context, r domain.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return fmt.Errorf("memory: withdrawal %s already exists", r.ID)
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.data[r.ID] = r
	return nil
}

// GetByID retrieves a request by ID.
func (s *WithdrawalStore) GetByID(_ context.Context, id string) (domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists {
		return domain.WithdrawalRequest{}, domain.ErrNotFound
	}
	return r, nil
}

// SelectForProcessing atomically picks the max oldest QUEUED requests for
// the pool and marks them PROCESSING under batchID.
func (s *WithdrawalStore) SelectForProcessing(_ context.Context, poolID, batchID string, max int) ([]domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []domain.WithdrawalRequest
	for _, r := range s.data {
		if r.PoolID == poolID && r.Status == domain.WithdrawalQueued {
			queued = append(queued, r)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if !queued[i].RequestedAt.Equal(queued[j].RequestedAt) {
			return queued[i].RequestedAt.Before(queued[j].RequestedAt)
		}
		return queued[i].ID < queued[j].ID
	})

	if max < len(queued) {
		queued = queued[:max]
	}

	now := time.Now().UTC()
	selected := make([]domain.WithdrawalRequest, 0, len(queued))
	for _, r := range queued {
		r.Status = domain.WithdrawalProcessing
		batch := batchID
		r.BatchID = &batch
		r.ProcessedAt = &now
		r.UpdatedAt = now
		s.data[r.ID] = r
		selected = append(selected, r)
	}
	return selected, nil
}

// SettleBatch moves every PROCESSING request in the batch to the terminal
// status.
func (s *WithdrawalStore) SettleBatch(_ context.Context, batchID string, status domain.WithdrawalStatus) (int64, error) {
	if !status.Terminal() {
		return 0, domain.Preconditionf("settlement status %s is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for id, r := range s.data {
		if r.BatchID != nil && *r.BatchID == batchID && r.Status == domain.WithdrawalProcessing {
			r.Status = status
			r.SettledAt = &now
			r.UpdatedAt = now
			s.data[id] = r
			n++
		}
	}
	return n, nil
}

// Cancel moves a single QUEUED request to CANCELLED.
func (s *WithdrawalStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists || r.Status != domain.WithdrawalQueued {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = domain.WithdrawalCancelled
	r.SettledAt = &now
	r.UpdatedAt = now
	s.data[id] = r
	return nil
}

// ListByPool returns a pool's requests, oldest first.
func (s *WithdrawalStore) ListByPool(_ context.Context, poolID string, status domain.WithdrawalStatus, opts domain.ListOpts) ([]domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []domain.WithdrawalRequest
	for _, r := range s.data {
		if r.PoolID != poolID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		if opts.Since != nil && r.RequestedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.RequestedAt.After(*opts.Until) {
			continue
		}
		reqs = append(reqs, r)
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
	return paginate(reqs, opts), nil
}

// Stats summarizes the pool's queue.
func (s *WithdrawalStore) Stats(_ context.Context, poolID string) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.QueueStats{PoolID: poolID, QueuedValue: new(big.Int)}
	for _, r := range s.data {
		if r.PoolID != poolID {
			continue
		}
		switch r.Status {
		case domain.WithdrawalQueued:
			stats.QueuedCount++
			if r.EstimatedValue != nil {
				stats.QueuedValue.Add(stats.QueuedValue, r.EstimatedValue)
			}
			if stats.OldestQueued.IsZero() || r.RequestedAt.Before(stats.OldestQueued) {
				stats.OldestQueued = r.RequestedAt
			}
		case domain.WithdrawalProcessing:
			stats.Processing++
		}
	}
	return stats, nil
}

// ListSettledBefore returns terminal requests settled before the cutoff.
func (s *WithdrawalStore) ListSettledBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []domain.WithdrawalRequest
	for _, r := range s.data {
		if r.Status.Terminal() && r.SettledAt != nil && r.SettledAt.Before(cutoff) {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].SettledAt.Before(*reqs[j].SettledAt)
	})
	if limit > 0 && limit < len(reqs) {
		reqs = reqs[:limit]
	}
	return reqs, nil
}

// DeleteByIDs removes archived rows.
func (s *WithdrawalStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		if _, exists := s.data[id]; exists {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.WithdrawalStore = (*WithdrawalStore)(nil)
