package sitefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRistrettoCache[T any](tb testing.TB) *RistrettoCache[T] {
	cache, err := NewRistrettoCache[T](DefaultRistrettoCacheConfig[T]())
	require.NoError(tb, err)
	tb.Cleanup(func() { cache.Close() })
	return cache
}

func TestRistrettoCacheBasics(t *testing.T) {
	ctx := context.Background()
	cache := newTestRistrettoCache[string](t)

	require.NoError(t, cache.Set(ctx, "key1", "value1"))

	value, err := cache.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", value)

	require.NoError(t, cache.Del(ctx, "key1"))

	_, err = cache.Get(ctx, "key1")
	assert.True(t, IsErrKeyNotFound(err))
}

func TestRistrettoCacheSkipsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	cache := newTestRistrettoCache[*Entry[string]](t)

	old := &Entry[string]{Data: "old", FetchedAt: time.Now().Add(-time.Hour), TTL: time.Minute}
	require.NoError(t, cache.Set(ctx, "site", old))

	_, err := cache.Get(ctx, "site")
	assert.True(t, IsErrKeyNotFound(err), "entry past its grace window should not be stored")

	require.NoError(t, cache.Set(ctx, "site", NewEntry("new", time.Minute, time.Minute)))
	entry, err := cache.Get(ctx, "site")
	require.NoError(t, err)
	assert.Equal(t, "new", entry.Data)
}

func TestRistrettoCacheClear(t *testing.T) {
	ctx := context.Background()
	cache := newTestRistrettoCache[string](t)

	require.NoError(t, cache.Set(ctx, "a", "1"))
	require.NoError(t, cache.Clear(ctx))

	_, err := cache.Get(ctx, "a")
	assert.True(t, IsErrKeyNotFound(err))
}
