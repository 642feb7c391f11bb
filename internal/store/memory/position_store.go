package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// PositionStore is an in-memory implementation of domain.PositionStore.
type PositionStore struct {
	mu   sync.Mutex
	data map[string]domain.LockedPosition
}

// NewPositionStore creates a new in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{data: make(map[string]domain.LockedPosition)}
}

// Create adds a new locked position.
func (s *PositionStore) Create(_ context.Context, p domain.LockedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return fmt.Errorf("memory: position %s already exists", p.ID)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.data[p.ID] = p
	return nil
}

// GetByID retrieves a position by ID.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.LockedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists {
		return domain.LockedPosition{}, domain.ErrNotFound
	}
	return p, nil
}

// UpdateState performs a compare-and-set sub-state transition.
func (s *PositionStore) UpdateState(_ context.Context, id string, expectedFrom, to domain.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists || p.State != expectedFrom {
		return domain.ErrNotFound
	}
	p.State = to
	p.UpdatedAt = time.Now().UTC()
	s.data[id] = p
	return nil
}

// ListByTier returns a tier's positions, oldest deposit first.
func (s *PositionStore) ListByTier(_ context.Context, tierID string, opts domain.ListOpts) ([]domain.LockedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []domain.LockedPosition
	for _, p := range s.data {
		if p.TierID == tierID {
			positions = append(positions, p)
		}
	}
	sortPositions(positions)
	return paginate(positions, opts), nil
}

// ListByPool returns a pool's positions, optionally filtered by state.
func (s *PositionStore) ListByPool(_ context.Context, poolID string, state domain.PositionState, opts domain.ListOpts) ([]domain.LockedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []domain.LockedPosition
	for _, p := range s.data {
		if p.PoolID != poolID {
			continue
		}
		if state != "" && p.State != state {
			continue
		}
		positions = append(positions, p)
	}
	sortPositions(positions)
	return paginate(positions, opts), nil
}

// CountActiveByPool counts positions opened since the cutoff.
func (s *PositionStore) CountActiveByPool(_ context.Context, poolID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.data {
		if p.PoolID == poolID && !p.DepositedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func sortPositions(positions []domain.LockedPosition) {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].DepositedAt.Before(positions[j].DepositedAt)
	})
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
