package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// OperationStore is an in-memory implementation of domain.OperationStore.
type OperationStore struct {
	mu   sync.Mutex
	data map[string]domain.SPVOperation
}

// NewOperationStore creates a new in-memory operation store.
func NewOperationStore() *OperationStore {
	return &OperationStore{data: make(map[string]domain.SPVOperation)}
}

// Create adds a new operation.
func (s *OperationStore) Create(_ context.Context, op domain.SPVOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[op.ID]; exists {
		return fmt.Errorf("memory: operation %s already exists", op.ID)
	}
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	s.data[op.ID] = op
	return nil
}

// GetByID retrieves an operation by ID.
func (s *OperationStore) GetByID(_ context.Context, id string) (domain.SPVOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, exists := s.data[id]
	if !exists {
		return domain.SPVOperation{}, domain.ErrNotFound
	}
	return op, nil
}

// UpdateStatus performs a compare-and-set status transition.
func (s *OperationStore) UpdateStatus(_ context.Context, id string, expectedFrom, to domain.OperationStatus, txRef *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, exists := s.data[id]
	if !exists || op.Status != expectedFrom {
		return domain.ErrNotFound
	}
	op.Status = to
	if txRef != nil {
		op.TxRef = txRef
	}
	op.UpdatedAt = time.Now().UTC()
	s.data[id] = op
	return nil
}

// ExpirePending sweeps PENDING operations whose expiry has passed.
func (s *OperationStore) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, op := range s.data {
		if op.Status == domain.OperationPending && op.ExpiresAt.Before(now) {
			op.Status = domain.OperationExpired
			op.UpdatedAt = time.Now().UTC()
			s.data[id] = op
			n++
		}
	}
	return n, nil
}

// ListByPool returns a pool's operations, newest first.
func (s *OperationStore) ListByPool(_ context.Context, poolID string, opts domain.ListOpts) ([]domain.SPVOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []domain.SPVOperation
	for _, op := range s.data {
		if op.PoolID == poolID {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].CreatedAt.After(ops[j].CreatedAt)
	})
	return paginate(ops, opts), nil
}

// ListByStatus returns operations in the given status, oldest first.
func (s *OperationStore) ListByStatus(_ context.Context, status domain.OperationStatus, opts domain.ListOpts) ([]domain.SPVOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []domain.SPVOperation
	for _, op := range s.data {
		if op.Status == status {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return paginate(ops, opts), nil
}

// Compile-time interface check.
var _ domain.OperationStore = (*OperationStore)(nil)
