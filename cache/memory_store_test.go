package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/core"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore(nil, nil)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

	clock.Advance(59 * time.Second)
	_, found, _ := store.Get(ctx, "k")
	assert.True(t, found, "entry should survive within its TTL")

	clock.Advance(2 * time.Second)
	_, found, _ = store.Get(ctx, "k")
	assert.False(t, found, "entry should expire after its TTL")
	assert.Equal(t, 0, store.Len(), "expired entry is swept on read")
}

func TestMemoryStoreZeroTTLNeverExpires(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	store := NewMemoryStore(clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	clock.Advance(1000 * time.Hour)
	_, found, _ := store.Get(ctx, "k")
	assert.True(t, found)
}

func TestMemoryStoreSetIfAbsent(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	store := NewMemoryStore(clock, nil)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live entry must not be replaced")

	val, _, _ := store.Get(ctx, "k")
	assert.Equal(t, "first", val)

	// An expired entry counts as absent.
	clock.Advance(2 * time.Minute)
	ok, err = store.SetIfAbsent(ctx, "k", "third", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore(nil, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	require.NoError(t, store.Delete(ctx, "k"))
	_, found, _ := store.Get(ctx, "k")
	assert.False(t, found)

	require.NoError(t, store.Delete(ctx, "k"), "deleting a missing key is fine")
}
