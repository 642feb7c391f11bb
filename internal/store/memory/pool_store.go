// Package memory provides in-memory implementations of the domain store
// interfaces. They back unit tests and local development without PostgreSQL,
// and enforce the same compare-and-set semantics as the SQL stores.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// PoolStore is an in-memory implementation of domain.PoolStore.
type PoolStore struct {
	mu   sync.RWMutex
	data map[string]domain.Pool
}

// NewPoolStore creates a new in-memory pool store.
func NewPoolStore() *PoolStore {
	return &PoolStore{data: make(map[string]domain.Pool)}
}

// Create adds a new pool.
func (s *PoolStore) Create(_ context.Context, p domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return fmt.Errorf("memory: pool %s already exists", p.ID)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.data[p.ID] = p
	return nil
}

// Update replaces the stored pool.
func (s *PoolStore) Update(_ context.Context, p domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; !exists {
		return domain.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	s.data[p.ID] = p
	return nil
}

// UpdateAnalytics writes only the NAV and yield mirror fields.
func (s *PoolStore) UpdateAnalytics(_ context.Context, id string, nav *big.Int, navUpdatedAt time.Time, projectedYieldBps, actualYieldBps int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists {
		return domain.ErrNotFound
	}
	p.TotalNAV = nav
	p.NAVUpdatedAt = &navUpdatedAt
	p.ProjectedYieldBps = projectedYieldBps
	p.ActualYieldBps = actualYieldBps
	p.UpdatedAt = time.Now().UTC()
	s.data[id] = p
	return nil
}

// UpdateStatus performs a compare-and-set status transition.
func (s *PoolStore) UpdateStatus(_ context.Context, id string, expectedFrom, to domain.PoolStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists || p.Status != expectedFrom {
		return domain.ErrNotFound
	}
	p.Status = to
	if to.Terminal() {
		p.IsActive = false
	}
	p.UpdatedAt = time.Now().UTC()
	s.data[id] = p
	return nil
}

// SetPaused flips the pause flag.
func (s *PoolStore) SetPaused(_ context.Context, id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists {
		return domain.ErrNotFound
	}
	p.Paused = paused
	p.UpdatedAt = time.Now().UTC()
	s.data[id] = p
	return nil
}

// SetEscrowAddress backfills the escrow address only when still unset.
func (s *PoolStore) SetEscrowAddress(_ context.Context, id string, escrow string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists || p.EscrowAddress != nil {
		return domain.ErrNotFound
	}
	addr := common.HexToAddress(escrow)
	p.EscrowAddress = &addr
	p.UpdatedAt = time.Now().UTC()
	s.data[id] = p
	return nil
}

// GetByID retrieves a pool by ID.
func (s *PoolStore) GetByID(_ context.Context, id string) (domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[id]
	if !exists {
		return domain.Pool{}, domain.ErrNotFound
	}
	return p, nil
}

// GetByAddress retrieves a pool by its on-chain identity.
func (s *PoolStore) GetByAddress(_ context.Context, chainID int64, address string) (domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.data {
		if p.ChainID == chainID && strings.EqualFold(p.Address.Hex(), common.HexToAddress(address).Hex()) {
			return p, nil
		}
	}
	return domain.Pool{}, domain.ErrNotFound
}

func matchesFilter(p domain.Pool, filter domain.PoolFilter) bool {
	if filter.Variant != "" && p.Variant != filter.Variant {
		return false
	}
	if filter.Status != "" && p.Status != filter.Status {
		return false
	}
	if filter.ActiveOnly && !p.IsActive {
		return false
	}
	return true
}

// List returns pools matching the filter, newest first.
func (s *PoolStore) List(_ context.Context, filter domain.PoolFilter, opts domain.ListOpts) ([]domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pools []domain.Pool
	for _, p := range s.data {
		if matchesFilter(p, filter) {
			pools = append(pools, p)
		}
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].CreatedAt.After(pools[j].CreatedAt)
	})
	return paginate(pools, opts), nil
}

// Count returns the number of pools matching the filter.
func (s *PoolStore) Count(_ context.Context, filter domain.PoolFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, p := range s.data {
		if matchesFilter(p, filter) {
			n++
		}
	}
	return n, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface check.
var _ domain.PoolStore = (*PoolStore)(nil)
