package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"multifamiliar/backend/internal/domain"
)

type RedisStatsCache struct {
	client *redis.Client
}

func NewRedisStatsCache(addr string, password string, db int) *RedisStatsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStatsCache{client: client}
}

func (c *RedisStatsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStatsCache) Close() error {
	return c.client.Close()
}

func statsKey(sedeID int64, fecha string) string {
	return fmt.Sprintf("stats:%d:%s", sedeID, fecha)
}

func (c *RedisStatsCache) Get(ctx context.Context, sedeID int64, fecha string) (domain.DailyStats, bool, error) {
	val, err := c.client.Get(ctx, statsKey(sedeID, fecha)).Result()
	if err == redis.Nil {
		return domain.DailyStats{}, false, nil
	}
	if err != nil {
		return domain.DailyStats{}, false, err
	}

	var stats domain.DailyStats
	if err := json.Unmarshal([]byte(val), &stats); err != nil {
		return domain.DailyStats{}, false, err
	}
	return stats, true, nil
}

func (c *RedisStatsCache) Set(ctx context.Context, sedeID int64, fecha string, stats domain.DailyStats, ttl time.Duration) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statsKey(sedeID, fecha), payload, ttl).Err()
}
