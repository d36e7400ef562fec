package sitefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisCache is a cache implementation using Redis, shared across processes.
// Entries expire natively in Redis once past their grace window.
type RedisCache[T any] struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

var _ Cache[any] = &RedisCache[any]{}

// RedisCacheConfig holds configuration for RedisCache
type RedisCacheConfig struct {
	// Client is the Redis client (supports both single and cluster)
	Client redis.UniversalClient

	// KeyPrefix namespaces every key. Clear requires it.
	KeyPrefix string

	// TTL applies to values that do not carry their own expiry.
	// Zero means no expiration.
	TTL time.Duration
}

// NewRedisCache creates a new Redis-based cache with configuration
func NewRedisCache[T any](config *RedisCacheConfig) *RedisCache[T] {
	if config.Client == nil {
		panic("Client is required")
	}

	return &RedisCache[T]{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
	}
}

func (r *RedisCache[T]) prefixedKey(key string) string {
	return r.keyPrefix + key
}

// Set stores strings and bytes as-is and everything else as JSON
func (r *RedisCache[T]) Set(ctx context.Context, key string, value T) error {
	ttl := lifetimeOf(value, r.ttl)
	if ttl < 0 {
		return r.Del(ctx, key)
	}

	var data any
	switch v := any(value).(type) {
	case string, []byte:
		data = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal value for key: %s", key)
		}
		data = b
	}

	if err := r.client.Set(ctx, r.prefixedKey(key), data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to set cache entry for key: %s", key)
	}
	return nil
}

func (r *RedisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	data, err := r.client.Get(ctx, r.prefixedKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in redis cache for key: %s", key)
		}
		return zero, errors.Wrapf(err, "failed to get cache entry for key: %s", key)
	}

	switch any(zero).(type) {
	case string:
		return any(string(data)).(T), nil
	case []byte:
		return any(data).(T), nil
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, errors.Wrapf(err, "failed to unmarshal value for key: %s", key)
	}
	return value, nil
}

func (r *RedisCache[T]) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefixedKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete cache entry for key: %s", key)
	}
	return nil
}

// Clear deletes every key under the configured prefix
func (r *RedisCache[T]) Clear(ctx context.Context) error {
	if r.keyPrefix == "" {
		return errors.New("refusing to clear redis cache without a key prefix")
	}

	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return errors.Wrap(err, "failed to clear redis cache")
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "failed to scan redis cache")
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return errors.Wrap(err, "failed to clear redis cache")
		}
	}
	return nil
}
