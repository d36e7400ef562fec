package sitefeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(tb testing.TB) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(tb)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: "disabled",
		},
	})
	tb.Cleanup(func() {
		client.Close()
	})
	return client, mr
}

func newRedisCache[T any](tb testing.TB, prefix string) (*RedisCache[T], *miniredis.Miniredis) {
	client, mr := newRedisClient(tb)
	cache := NewRedisCache[T](&RedisCacheConfig{
		Client:    client,
		KeyPrefix: prefix,
	})
	return cache, mr
}

func TestRedisCacheBasics(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisCache[string](t, "")

	require.NoError(t, cache.Set(ctx, "key1", "value1"))

	value, err := cache.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", value)

	rawValue, err := mr.Get("key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", rawValue, "strings are stored without JSON encoding")

	require.NoError(t, cache.Del(ctx, "key1"))

	_, err = cache.Get(ctx, "key1")
	assert.True(t, IsErrKeyNotFound(err))
}

func TestRedisCacheWithEntry(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Now())
	defer clock.Install()()

	cache, mr := newRedisCache[*Entry[SiteConfig]](t, "sitefeed:")

	entry := NewEntry(SiteConfig{SiteID: "example.com", Name: "Example"}, time.Minute, 2*time.Minute)
	require.NoError(t, cache.Set(ctx, "site:example.com", entry))

	got, err := cache.Get(ctx, "site:example.com")
	require.NoError(t, err)
	assert.Equal(t, "Example", got.Data.Name)
	assert.Equal(t, time.Minute, got.TTL)
	assert.Equal(t, 2*time.Minute, got.Grace)

	raw, err := mr.Get("sitefeed:site:example.com")
	require.NoError(t, err)
	assert.Contains(t, raw, `"siteId":"example.com"`)

	assert.Equal(t, 3*time.Minute, mr.TTL("sitefeed:site:example.com"), "redis expiry follows ttl+grace")

	mr.FastForward(3*time.Minute + time.Second)
	_, err = cache.Get(ctx, "site:example.com")
	assert.True(t, IsErrKeyNotFound(err))
}

func TestRedisCacheFallbackTTL(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedisClient(t)

	cache := NewRedisCache[string](&RedisCacheConfig{
		Client: client,
		TTL:    100 * time.Millisecond,
	})

	require.NoError(t, cache.Set(ctx, "expiring-key", "value"))

	mr.FastForward(101 * time.Millisecond)

	_, err := cache.Get(ctx, "expiring-key")
	assert.True(t, IsErrKeyNotFound(err), "key should be expired")
}

func TestRedisCacheClear(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedisClient(t)

	prod := NewRedisCache[string](&RedisCacheConfig{Client: client, KeyPrefix: "prod:"})
	dev := NewRedisCache[string](&RedisCacheConfig{Client: client, KeyPrefix: "dev:"})

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, prod.Set(ctx, k, "p-"+k))
		require.NoError(t, dev.Set(ctx, k, "d-"+k))
	}

	require.NoError(t, prod.Clear(ctx))

	keys := mr.Keys()
	assert.ElementsMatch(t, []string{"dev:a", "dev:b", "dev:c"}, keys, "clear is scoped to the prefix")

	unscoped := NewRedisCache[string](&RedisCacheConfig{Client: client})
	assert.Error(t, unscoped.Clear(ctx))
}
