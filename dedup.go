package sitefeed

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent calls for the same key into one producer call.
// Settled calls are forgotten at once, so it never acts as a cache.
type Deduplicator[T any] struct {
	sfg    singleflight.Group
	logger *slog.Logger
}

func NewDeduplicator[T any](logger *slog.Logger) *Deduplicator[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator[T]{logger: logger}
}

// Do runs producer for key unless a call for key is already in flight, in which case
// it waits for that call's result. A waiter whose ctx ends returns early; the shared
// call keeps running for the others, bounded by whatever timeout producer applies.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, producer func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if producer == nil {
		return zero, errors.Wrapf(ErrNoProducer, "dedupe %s", key)
	}

	resChan := d.sfg.DoChan(key, func() (result any, resultErr error) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.ErrorContext(ctx, "panic during deduplicated call",
					"key", key,
					"panic", r,
					"stack", string(debug.Stack()))
				result = zero
				resultErr = errors.Errorf("panic during deduplicated call: %v", r)
			}
		}()
		return producer(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return zero, errors.Wrapf(ctx.Err(), "context cancelled while waiting for key: %s", key)
	case res := <-resChan:
		if res.Shared {
			dedupShared.Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Forget drops any in-flight call for key so the next Do starts a new one
func (d *Deduplicator[T]) Forget(key string) {
	d.sfg.Forget(key)
}
