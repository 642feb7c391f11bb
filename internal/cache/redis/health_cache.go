package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// HealthCache implements domain.HealthCache. Each pool's latest report is
// stored as a JSON blob at key "health:{poolID}" with a TTL, so a stale
// entry simply ages out rather than being served forever.
type HealthCache struct {
	rdb *redis.Client
}

// NewHealthCache creates a HealthCache backed by the given Client.
func NewHealthCache(c *Client) *HealthCache {
	return &HealthCache{rdb: c.Underlying()}
}

func healthKey(poolID string) string {
	return "health:" + poolID
}

// SetReport stores a health report for a pool with the given TTL.
func (hc *HealthCache) SetReport(ctx context.Context, poolID string, report domain.HealthReport, ttl time.Duration) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("redis: marshal health report %s: %w", poolID, err)
	}
	if err := hc.rdb.Set(ctx, healthKey(poolID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set health report %s: %w", poolID, err)
	}
	return nil
}

// GetReport retrieves the cached health report for a pool. It returns
// domain.ErrNotFound when no entry exists or the entry has expired.
func (hc *HealthCache) GetReport(ctx context.Context, poolID string) (domain.HealthReport, error) {
	payload, err := hc.rdb.Get(ctx, healthKey(poolID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.HealthReport{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.HealthReport{}, fmt.Errorf("redis: get health report %s: %w", poolID, err)
	}

	var report domain.HealthReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return domain.HealthReport{}, fmt.Errorf("redis: unmarshal health report %s: %w", poolID, err)
	}
	return report, nil
}

// Compile-time interface check.
var _ domain.HealthCache = (*HealthCache)(nil)
