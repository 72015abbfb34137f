package seatmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const RedisKeySeatMap = "seatmap:%s" // formatted with performance ID

// RedisCache serves seat maps from Redis and falls back to the wrapped
// provider on a miss. Redis failures degrade to the wrapped provider.
type RedisCache struct {
	client *redis.Client
	next   Provider
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, next Provider, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		next:   next,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *RedisCache) SeatMap(ctx context.Context, performanceID string) (*SeatMap, error) {
	key := fmt.Sprintf(RedisKeySeatMap, performanceID)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var m SeatMap
		if err := json.Unmarshal(data, &m); err == nil {
			return &m, nil
		}
		c.logger.Warn("discarding corrupt cached seat map", "performance_id", performanceID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("seat map cache read failed", "performance_id", performanceID, "error", err)
	}

	m, err := c.next.SeatMap(ctx, performanceID)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(m)
	if err != nil {
		return m, nil
	}

	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("seat map cache write failed", "performance_id", performanceID, "error", err)
	}

	return m, nil
}

// Invalidate drops the cached seat map of a performance.
func (c *RedisCache) Invalidate(ctx context.Context, performanceID string) error {
	return c.client.Del(ctx, fmt.Sprintf(RedisKeySeatMap, performanceID)).Err()
}
