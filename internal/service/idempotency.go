// internal/service/idempotency.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketplace-payments/internal/models"
	"marketplace-payments/pkg/redis"
)

// RedisIdempotencyCache keeps create responses so a retried request with the
// same Idempotency-Key returns the first response.
type RedisIdempotencyCache struct {
	redisClient *redis.Client
	ttl         time.Duration
	logger      *zap.Logger
}

func NewRedisIdempotencyCache(redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisIdempotencyCache {
	return &RedisIdempotencyCache{
		redisClient: redisClient,
		ttl:         ttl,
		logger:      logger,
	}
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) (*models.CreatePaymentResult, bool) {
	data, err := c.redisClient.Get(ctx, cacheKey(key))
	if err != nil {
		if !errors.Is(err, redis.ErrKeyNotFound) {
			c.logger.Warn("idempotency cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var result models.CreatePaymentResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Warn("idempotency cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &result, true
}

// Put is best effort; a cache miss falls back to the gateway idempotency key.
func (c *RedisIdempotencyCache) Put(ctx context.Context, key string, result *models.CreatePaymentResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.redisClient.Set(ctx, cacheKey(key), data, c.ttl); err != nil {
		c.logger.Warn("idempotency cache write failed", zap.Error(err))
	}
}

func cacheKey(key string) string {
	return fmt.Sprintf("idempotency:payment:%s", key)
}
