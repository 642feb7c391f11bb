package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// TierStore is an in-memory implementation of domain.TierStore.
type TierStore struct {
	mu   sync.RWMutex
	data map[string]domain.LockTier
}

// NewTierStore creates a new in-memory tier store.
func NewTierStore() *TierStore {
	return &TierStore{data: make(map[string]domain.LockTier)}
}

// Create adds a new tier.
func (s *TierStore) Create(_ context.Context, t domain.LockTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.ID]; exists {
		return fmt.Errorf("memory: tier %s already exists", t.ID)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.data[t.ID] = t
	return nil
}

// Update replaces the stored tier.
func (s *TierStore) Update(_ context.Context, t domain.LockTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.ID]; !exists {
		return domain.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	s.data[t.ID] = t
	return nil
}

// GetByID retrieves a tier by ID.
func (s *TierStore) GetByID(_ context.Context, id string) (domain.LockTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[id]
	if !exists {
		return domain.LockTier{}, domain.ErrNotFound
	}
	return t, nil
}

// ListByPool returns a pool's tiers, shortest duration first.
func (s *TierStore) ListByPool(_ context.Context, poolID string, activeOnly bool) ([]domain.LockTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tiers []domain.LockTier
	for _, t := range s.data {
		if t.PoolID != poolID {
			continue
		}
		if activeOnly && !t.Active {
			continue
		}
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].Duration < tiers[j].Duration
	})
	return tiers, nil
}

// Compile-time interface check.
var _ domain.TierStore = (*TierStore)(nil)
