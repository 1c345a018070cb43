package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired in every tier
// that was asked.
var ErrCacheMiss = errors.New("cache: key not found")

// Service is the operation set shared by all cache tiers. String values
// round-trip unchanged; anything else is stored as JSON and Get decodes it
// back into dest.
type Service interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern removes every key matching a glob-style pattern such
	// as "analysis:BTCUSDT:*".
	DeleteByPattern(ctx context.Context, pattern string) error
	// TryLock acquires a best-effort lock for ttl without blocking; false
	// means another holder got there first.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// GenerateKey joins a namespace prefix and an identifier.
func GenerateKey(prefix, id string) string {
	return prefix + ":" + id
}

// BuildPattern turns a key prefix into a glob matching everything under it.
func BuildPattern(prefix string) string {
	return prefix + "*"
}
