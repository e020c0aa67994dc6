package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/core"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

	mr.FastForward(59 * time.Second)
	_, found, _ := store.Get(ctx, "k")
	assert.True(t, found)

	mr.FastForward(2 * time.Second)
	_, found, _ = store.Get(ctx, "k")
	assert.False(t, found)
}

func TestRedisStoreSetIfAbsent(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, _, _ := store.Get(ctx, "k")
	assert.Equal(t, "first", val)
}

func TestRedisStoreDelete(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	require.NoError(t, store.Delete(ctx, "k"))
	_, found, _ := store.Get(ctx, "k")
	assert.False(t, found)
}

func TestResponseCacheOverRedis(t *testing.T) {
	store, _ := newRedisStore(t)
	c := New(store, time.Hour, nil, nil)
	ctx := context.Background()

	c.Put(ctx, "tenant-a", "fp-1", &core.ProcessedResponse{
		RequestID: "req-1",
		Success:   true,
		Content:   "answer",
		Usage:     core.Usage{InputTokens: 5, OutputTokens: 9},
	})

	resp, found := c.Get(ctx, "tenant-a", "fp-1")
	require.True(t, found)
	assert.True(t, resp.Cached)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, 9, resp.Usage.OutputTokens)

	_, found = c.Get(ctx, "tenant-b", "fp-1")
	assert.False(t, found)
}
