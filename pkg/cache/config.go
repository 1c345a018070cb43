package cache

import "time"

// RedisOption configures the Redis tier.
type RedisOption func(*RedisConfig)

// RedisConfig holds Redis connection settings. Prefix namespaces every key
// so several deployments can share one instance.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	MinIdleConns int
	PoolTimeout  time.Duration
}

// WithRedisAddr sets the host:port address.
func WithRedisAddr(addr string) RedisOption {
	return func(c *RedisConfig) { c.Addr = addr }
}

// WithRedisAuth sets password and logical database.
func WithRedisAuth(password string, db int) RedisOption {
	return func(c *RedisConfig) {
		c.Password = password
		c.DB = db
	}
}

// WithRedisPrefix sets the key namespace prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) { c.Prefix = prefix }
}

// WithRedisPool tunes the connection pool.
func WithRedisPool(size, minIdle int, timeout time.Duration) RedisOption {
	return func(c *RedisConfig) {
		c.PoolSize = size
		c.MinIdleConns = minIdle
		c.PoolTimeout = timeout
	}
}

// MemoryOption configures the in-process tier.
type MemoryOption func(*MemoryConfig)

// MemoryConfig holds in-process cache settings.
type MemoryConfig struct {
	MaxEntries      int
	CleanupInterval time.Duration
}

// WithMemoryMaxEntries caps the number of live entries before LRU eviction.
func WithMemoryMaxEntries(n int) MemoryOption {
	return func(c *MemoryConfig) { c.MaxEntries = n }
}

// WithMemoryCleanup sets how often expired entries are swept.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) { c.CleanupInterval = interval }
}
