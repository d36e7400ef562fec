package sitefeed

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
)

// RistrettoCache is a bounded in-memory cache backed by ristretto
type RistrettoCache[T any] struct {
	cache *ristretto.Cache[string, T]
	ttl   time.Duration
}

var _ Cache[any] = &RistrettoCache[any]{}

// RistrettoCacheConfig holds configuration for RistrettoCache
type RistrettoCacheConfig[T any] struct {
	*ristretto.Config[string, T]

	// TTL applies to values that do not carry their own expiry.
	// Zero means no expiration.
	TTL time.Duration
}

// DefaultRistrettoCacheConfig sizes the cache for site configs and feed pages,
// which are few and small compared with a general purpose object cache.
func DefaultRistrettoCacheConfig[T any]() *RistrettoCacheConfig[T] {
	return &RistrettoCacheConfig[T]{
		Config: &ristretto.Config[string, T]{
			NumCounters:        1e5,
			MaxCost:            1e4,
			BufferItems:        64,
			IgnoreInternalCost: true,
		},
	}
}

// NewRistrettoCache creates a new ristretto-based cache
func NewRistrettoCache[T any](config *RistrettoCacheConfig[T]) (*RistrettoCache[T], error) {
	cache, err := ristretto.NewCache(config.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ristretto cache")
	}

	return &RistrettoCache[T]{
		cache: cache,
		ttl:   config.TTL,
	}, nil
}

// Set stores a value with cost 1. Entries keep their own remaining lifetime as the ristretto TTL.
func (r *RistrettoCache[T]) Set(_ context.Context, key string, value T) error {
	ttl := lifetimeOf(value, r.ttl)
	if ttl < 0 {
		r.cache.Del(key)
		r.cache.Wait()
		return nil
	}
	// A false return means the admission policy dropped the item; callers fall back to upstream.
	if r.cache.SetWithTTL(key, value, 1, ttl) {
		r.cache.Wait()
	}
	return nil
}

func (r *RistrettoCache[T]) Get(_ context.Context, key string) (T, error) {
	var zero T
	value, found := r.cache.Get(key)
	if !found {
		return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in ristretto cache for key: %s", key)
	}
	return value, nil
}

// Del removes the item and waits for the deletion to pass through the set buffer
func (r *RistrettoCache[T]) Del(_ context.Context, key string) error {
	r.cache.Del(key)
	r.cache.Wait()
	return nil
}

func (r *RistrettoCache[T]) Clear(_ context.Context) error {
	r.cache.Clear()
	return nil
}

// Close stops ristretto's background goroutines
func (r *RistrettoCache[T]) Close() error {
	r.cache.Close()
	return nil
}
