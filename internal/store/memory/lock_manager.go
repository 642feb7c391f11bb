package memory

import (
	"context"
	"sync"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// LockManager is an in-process implementation of domain.LockManager, used by
// tests and single-instance deployments. Acquire is non-blocking like the
// Redis implementation: a held key returns domain.ErrLockHeld immediately.
type LockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockManager creates a new in-process lock manager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]bool)}
}

// Acquire obtains the keyed lock or fails with domain.ErrLockHeld. The TTL is
// ignored; in-process locks cannot leak past the process.
func (lm *LockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.held[key] {
		return nil, domain.ErrLockHeld
	}
	lm.held[key] = true

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			lm.mu.Lock()
			delete(lm.held, key)
			lm.mu.Unlock()
		})
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
