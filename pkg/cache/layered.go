package cache

import (
	"context"
	"time"
)

// LayeredCache reads memory first and falls back to a shared remote layer.
type LayeredCache struct {
	local  *MemoryCache
	remote Service
	// localTTL caps how long a remote hit stays in memory.
	localTTL time.Duration
}

func NewLayeredCache(remote Service, localTTL time.Duration, opts ...MemoryOption) *LayeredCache {
	if localTTL <= 0 {
		localTTL = 10 * time.Second
	}
	return &LayeredCache{
		local:    NewMemoryCache(opts...),
		remote:   remote,
		localTTL: localTTL,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := lc.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return lc.local.Set(ctx, key, value, min(ttl, lc.localTTL))
}

func (lc *LayeredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if b, err := lc.local.Get(ctx, key); err == nil {
		return b, nil
	}
	b, err := lc.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = lc.local.Set(ctx, key, b, lc.localTTL)
	return b, nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.local.Delete(ctx, keys...)
	return lc.remote.Delete(ctx, keys...)
}

func (lc *LayeredCache) Close() error {
	_ = lc.local.Close()
	return lc.remote.Close()
}
