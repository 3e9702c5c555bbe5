package cache

import "time"

type RedisOption func(*RedisConfig)

type RedisConfig struct {
	// Prefix namespaces every key, "finagent:cache" by default.
	Prefix      string
	PingTimeout time.Duration
}

func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) { c.Prefix = prefix }
}

type MemoryOption func(*MemoryConfig)

// MemoryConfig bounds the in-process cache. Past MaxSize entries the least
// recently read one is evicted.
type MemoryConfig struct {
	MaxSize         int
	CleanupInterval time.Duration
}

func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) { c.MaxSize = size }
}

func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) { c.CleanupInterval = interval }
}
