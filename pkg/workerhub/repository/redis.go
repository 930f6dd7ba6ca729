package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
)

const cacheKeyPrefix = "workerhub:descriptor:"

// Connect creates a Redis client from a redis:// URL or a host:port address.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisCache caches descriptors resolved by an inner repository. Cache
// failures are logged and fall through to the inner repository.
type RedisCache struct {
	inner  Repository
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache wraps inner with a Redis cache whose entries expire after ttl.
func NewRedisCache(inner Repository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{inner: inner, client: client, ttl: ttl, logger: logger}
}

// Get returns the cached descriptor for ref, resolving and caching it on a miss.
func (c *RedisCache) Get(ctx context.Context, ref event.Reference) (Descriptor, error) {
	key := cacheKeyPrefix + ref.ID

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var d Descriptor
		if jsonErr := json.Unmarshal(raw, &d); jsonErr == nil && d.Validate() == nil {
			return d, nil
		}
		c.logger.Warn("discarding corrupt cached descriptor", slog.String("event_id", ref.ID))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("descriptor cache read failed",
			slog.String("event_id", ref.ID),
			slog.String("error", err.Error()))
	}

	d, err := c.inner.Get(ctx, ref)
	if err != nil {
		return Descriptor{}, err
	}

	data, err := json.Marshal(d)
	if err == nil {
		err = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("descriptor cache write failed",
			slog.String("event_id", ref.ID),
			slog.String("error", err.Error()))
	}
	return d, nil
}

// Invalidate drops the cached descriptor for eventID.
func (c *RedisCache) Invalidate(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, cacheKeyPrefix+eventID).Err()
}
