package cache

import (
	"context"
	"time"
)

// Tier names reported by GetWithTier.
const (
	TierMemory = "memory"
	TierRedis  = "redis"
)

// LayeredCache stacks the in-process tier in front of Redis. Reads promote
// Redis hits into memory; writes go through both.
type LayeredCache struct {
	mem   *MemoryCache
	redis *RedisCache
}

// LayeredOption configures the layered cache.
type LayeredOption func(*layeredConfig)

type layeredConfig struct {
	memoryEntries int
}

// WithLayeredMemoryEntries caps the in-process tier.
func WithLayeredMemoryEntries(n int) LayeredOption {
	return func(c *layeredConfig) { c.memoryEntries = n }
}

// NewLayeredCache builds the two-tier cache on an existing Redis connection.
func NewLayeredCache(redisCache *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &layeredConfig{memoryEntries: 1000}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		mem:   NewMemoryCache(WithMemoryMaxEntries(cfg.memoryEntries)),
		redis: redisCache,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// Redis first so a write failure never leaves memory newer than the
	// shared tier.
	if err := lc.redis.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, value, ttl)
	return nil
}

// SetTiered writes through both layers with separate lifetimes: Redis keeps
// the value for redisTTL, memory for the (typically shorter) memTTL.
func (lc *LayeredCache) SetTiered(ctx context.Context, key string, value interface{}, memTTL, redisTTL time.Duration) error {
	if err := lc.redis.Set(ctx, key, value, redisTTL); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, value, memTTL)
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	_, err := lc.GetWithTier(ctx, key, dest)
	return err
}

// GetWithTier is Get plus the name of the layer that answered.
func (lc *LayeredCache) GetWithTier(ctx context.Context, key string, dest interface{}) (string, error) {
	if err := lc.mem.Get(ctx, key, dest); err == nil {
		return TierMemory, nil
	}

	if err := lc.redis.Get(ctx, key, dest); err != nil {
		return "", err
	}

	// Promote the concrete value, not the pointer we read into.
	if s, ok := dest.(*string); ok {
		_ = lc.mem.Set(ctx, key, *s, 0)
	}
	return TierRedis, nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	return lc.redis.Delete(ctx, keys...)
}

func (lc *LayeredCache) DeleteByPattern(ctx context.Context, pattern string) error {
	_ = lc.mem.DeleteByPattern(ctx, pattern)
	return lc.redis.DeleteByPattern(ctx, pattern)
}

// Locks live only in Redis: they coordinate across instances, so the
// in-process tier has no say.

func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return lc.redis.TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key string) error {
	return lc.redis.Unlock(ctx, key)
}

// Close closes both tiers.
func (lc *LayeredCache) Close() error {
	_ = lc.mem.Close()
	return lc.redis.Close()
}
