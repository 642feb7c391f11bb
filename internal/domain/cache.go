package domain

import (
	"context"
	"time"
)

// LockManager provides keyed mutual exclusion across backend instances. The
// reserve controller serializes its read-decide-commit sequence per pool with
// it; locks for different pools are independent.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting for the API surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// HealthCache holds the most recent health report per pool so dashboard
// reads do not recompute scores on every request. Get returns ErrNotFound
// when no report is cached or the entry has expired.
type HealthCache interface {
	SetReport(ctx context.Context, poolID string, report HealthReport, ttl time.Duration) error
	GetReport(ctx context.Context, poolID string) (HealthReport, error)
}

// SignalBus carries pool and operation events to dashboard consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
