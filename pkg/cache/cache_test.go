package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpiresAndEvicts(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(WithMemoryMaxSize(2), WithMemoryCleanup(time.Hour))
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "gone", []byte("x"), time.Nanosecond))
	time.Sleep(time.Millisecond)
	_, err := c.Get(ctx, "gone")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	_, _ = c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))
	assert.Equal(t, 2, c.Len())
	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss, "least recently used entry is evicted")

	b, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))
}

func TestLayeredCacheFillsLocalFromRemote(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryCache()
	lc := NewLayeredCache(remote, time.Minute)
	defer lc.Close()

	type status struct{ Phase int }
	require.NoError(t, SetJSON(ctx, remote, Key("status", "run"), status{Phase: 4}, time.Minute))
	got, err := GetJSON[status](ctx, lc, Key("status", "run"))
	require.NoError(t, err)
	assert.Equal(t, 4, got.Phase)

	require.NoError(t, remote.Delete(ctx, "status:run"))
	got, err = GetJSON[status](ctx, lc, "status:run")
	require.NoError(t, err, "served from the local layer")
	assert.Equal(t, 4, got.Phase)

	require.NoError(t, lc.Delete(ctx, "status:run"))
	_, err = lc.Get(ctx, "status:run")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
