package sitefeed

import (
	"context"

	"github.com/allegro/bigcache/v3"
	"github.com/pkg/errors"
)

// BigCache stores raw bytes in bigcache's sharded, GC-friendly arena.
// Pair it with JSONTransform to hold typed entries.
type BigCache struct {
	cache *bigcache.BigCache
}

var _ Cache[[]byte] = &BigCache{}

// BigCacheConfig holds configuration for BigCache.
// LifeWindow should be at least the longest TTL+grace the Store will write.
type BigCacheConfig struct {
	bigcache.Config
}

// NewBigCache creates a new BigCache-based cache
func NewBigCache(ctx context.Context, config BigCacheConfig) (*BigCache, error) {
	cache, err := bigcache.New(ctx, config.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bigcache")
	}

	return &BigCache{
		cache: cache,
	}, nil
}

func (b *BigCache) Set(_ context.Context, key string, value []byte) error {
	if err := b.cache.Set(key, value); err != nil {
		return errors.Wrapf(err, "failed to set value in bigcache for key: %s", key)
	}
	return nil
}

func (b *BigCache) Get(_ context.Context, key string) ([]byte, error) {
	data, err := b.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, errors.Wrapf(&ErrKeyNotFound{}, "key not found in bigcache for key: %s", key)
		}
		return nil, errors.Wrapf(err, "failed to get value from bigcache for key: %s", key)
	}
	return data, nil
}

// Del removes a key; deleting an absent key is not an error
func (b *BigCache) Del(_ context.Context, key string) error {
	err := b.cache.Delete(key)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return errors.Wrapf(err, "failed to delete value from bigcache for key: %s", key)
	}
	return nil
}

func (b *BigCache) Clear(_ context.Context) error {
	if err := b.cache.Reset(); err != nil {
		return errors.Wrap(err, "failed to reset bigcache")
	}
	return nil
}

// Len returns the number of stored entries
func (b *BigCache) Len() int {
	return b.cache.Len()
}

// Close closes the cache and releases resources
func (b *BigCache) Close() error {
	if err := b.cache.Close(); err != nil {
		return errors.Wrap(err, "failed to close bigcache")
	}
	return nil
}
