package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent or caching is disabled.
var ErrMiss = errors.New("cache miss")

// Cache stores JSON values in redis under a key prefix. A Cache built with
// a nil client is disabled: every Get misses and writes are dropped.
type Cache struct {
	redis  *redis.Client
	prefix string
}

func NewCache(redis *redis.Client, prefix string) *Cache {
	return &Cache{
		redis:  redis,
		prefix: prefix,
	}
}

func (c *Cache) Enabled() bool {
	return c != nil && c.redis != nil
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if !c.Enabled() {
		return ErrMiss
	}
	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrMiss
		}
		return errors.Wrap(err, "failed to get from cache")
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached data")
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal data for cache")
	}

	if err := c.redis.Set(ctx, c.prefix+key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set cache")
	}
	return nil
}

// Exists reports whether key is present. Disabled caches report false.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	n, err := c.redis.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check cache key")
	}
	return n > 0, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.redis.Del(ctx, c.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "failed to delete from cache")
	}
	return nil
}
