package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by Cache.Latest when nothing is cached.
var ErrCacheMiss = errors.New("history cache miss")

// Cache keeps the newest log per product photo.
type Cache interface {
	Put(ctx context.Context, log *MeasurementLog, ttl time.Duration) error
	Latest(ctx context.Context, productID string, sequenceID int) (*MeasurementLog, error)
}

// RedisCache stores logs as JSON strings.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func cacheKey(productID string, sequenceID int) string {
	return fmt.Sprintf("measurement:%s:%d", productID, sequenceID)
}

// Put overwrites the cached log for the log's product photo.
func (c *RedisCache) Put(ctx context.Context, log *MeasurementLog, ttl time.Duration) error {
	payload, err := json.Marshal(log)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(log.ProductID, log.SequenceID), payload, ttl).Err()
}

// Latest returns the cached log or ErrCacheMiss.
func (c *RedisCache) Latest(ctx context.Context, productID string, sequenceID int) (*MeasurementLog, error) {
	payload, err := c.client.Get(ctx, cacheKey(productID, sequenceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var log MeasurementLog
	if err := json.Unmarshal(payload, &log); err != nil {
		return nil, fmt.Errorf("decode cached log: %w", err)
	}
	return &log, nil
}
