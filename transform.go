package sitefeed

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// transformCache adapts a Cache[A] into a Cache[B] through an encode/decode pair
type transformCache[A, B any] struct {
	cache  Cache[A]
	encode func(B) (A, error)
	decode func(A) (B, error)
}

// Transform wraps cache so that it stores B values encoded as A
func Transform[A, B any](
	cache Cache[A],
	encode func(B) (A, error),
	decode func(A) (B, error),
) Cache[B] {
	return &transformCache[A, B]{
		cache:  cache,
		encode: encode,
		decode: decode,
	}
}

// Set encodes the value and stores it. Values already past their expiry are deleted instead.
func (t *transformCache[A, B]) Set(ctx context.Context, key string, value B) error {
	if lifetimeOf(value, 0) < 0 {
		return t.cache.Del(ctx, key)
	}
	encoded, err := t.encode(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode value for key: %s", key)
	}
	return t.cache.Set(ctx, key, encoded)
}

// Get decodes the stored value. Decoded values past their expiry read as a miss.
func (t *transformCache[A, B]) Get(ctx context.Context, key string) (B, error) {
	var zero B
	encoded, err := t.cache.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	decoded, err := t.decode(encoded)
	if err != nil {
		return zero, errors.Wrapf(err, "failed to decode value for key: %s", key)
	}
	if lifetimeOf(decoded, 0) < 0 {
		if err := t.cache.Del(ctx, key); err != nil {
			return zero, err
		}
		return zero, errors.Wrapf(&ErrKeyNotFound{}, "key expired for key: %s", key)
	}
	return decoded, nil
}

func (t *transformCache[A, B]) Del(ctx context.Context, key string) error {
	return t.cache.Del(ctx, key)
}

func (t *transformCache[A, B]) Clear(ctx context.Context) error {
	return t.cache.Clear(ctx)
}

// JSONTransform stores T as JSON in a byte cache such as BigCache
func JSONTransform[T any](cache Cache[[]byte]) Cache[T] {
	return Transform(
		cache,
		func(value T) ([]byte, error) {
			return json.Marshal(value)
		},
		func(data []byte) (T, error) {
			var value T
			err := json.Unmarshal(data, &value)
			return value, err
		},
	)
}
