package cache

import (
	"context"
	"time"

	"multifamiliar/backend/internal/domain"
)

// StatsCache caches the per-site per-date aggregate so the stats endpoint
// does not recompute on every poll. Misses and failures are distinguished so
// callers can degrade to the store without treating a miss as an error.
type StatsCache interface {
	Get(ctx context.Context, sedeID int64, fecha string) (domain.DailyStats, bool, error)
	Set(ctx context.Context, sedeID int64, fecha string, stats domain.DailyStats, ttl time.Duration) error
}

type NoopStatsCache struct{}

func (NoopStatsCache) Get(_ context.Context, _ int64, _ string) (domain.DailyStats, bool, error) {
	return domain.DailyStats{}, false, nil
}

func (NoopStatsCache) Set(_ context.Context, _ int64, _ string, _ domain.DailyStats, _ time.Duration) error {
	return nil
}
