package sitefeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const storeLockStripes = 64

// Store is a TTL cache that distinguishes fresh, stale and expired entries.
// Every write replaces the whole entry; a reader never observes a partial one.
type Store[T any] struct {
	backend Cache[*Entry[T]]
	logger  *slog.Logger
	locks   [storeLockStripes]sync.Mutex
}

// StoreOption is a functional option for configuring a Store
type StoreOption[T any] func(*Store[T])

// WithStoreLogger sets the logger used to report backend failures
func WithStoreLogger[T any](logger *slog.Logger) StoreOption[T] {
	return func(s *Store[T]) {
		s.logger = logger
	}
}

// NewStore creates a store on top of backend. Use NewMemoryCache for a process-local store.
func NewStore[T any](backend Cache[*Entry[T]], opts ...StoreOption[T]) *Store[T] {
	if backend == nil {
		panic("backend cache is required")
	}
	s := &Store[T]{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store[T]) lock(key string) func() {
	mu := &s.locks[xxhash.Sum64String(key)%storeLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Get returns the value and its tier. A fresh hit has no side effects;
// an entry past its grace window is evicted and reported as a miss.
// Backend failures are logged and reported as a miss.
func (s *Store[T]) Get(ctx context.Context, key string) (T, State) {
	entry, state := s.Lookup(ctx, key)
	if entry == nil {
		var zero T
		return zero, state
	}
	return entry.Data, state
}

// Lookup is Get returning the whole entry, nil on a miss
func (s *Store[T]) Lookup(ctx context.Context, key string) (*Entry[T], State) {
	unlock := s.lock(key)
	defer unlock()
	return s.load(ctx, key)
}

// caller must hold the key lock
func (s *Store[T]) load(ctx context.Context, key string) (*Entry[T], State) {
	entry, err := s.backend.Get(ctx, key)
	if err != nil {
		if !IsErrKeyNotFound(err) {
			s.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
		}
		return nil, StateMiss
	}
	if entry == nil {
		return nil, StateMiss
	}

	state := entry.StateAt(NowFunc())
	if state == StateMiss {
		if err := s.backend.Del(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "failed to evict expired entry", "key", key, "error", err)
		}
		return nil, StateMiss
	}
	return entry, state
}

// Set atomically replaces the entry for key
func (s *Store[T]) Set(ctx context.Context, key string, value T, ttl, grace time.Duration) error {
	return s.put(ctx, key, NewEntry(value, ttl, grace))
}

// SetFallback caches a static default for ttl with no grace window
func (s *Store[T]) SetFallback(ctx context.Context, key string, value T, ttl time.Duration) error {
	entry := NewEntry(value, ttl, 0)
	entry.Fallback = true
	return s.put(ctx, key, entry)
}

func (s *Store[T]) put(ctx context.Context, key string, entry *Entry[T]) error {
	if key == "" {
		return errors.WithStack(ErrInvalidKey)
	}
	unlock := s.lock(key)
	defer unlock()

	if err := s.backend.Set(ctx, key, entry); err != nil {
		return errors.Wrapf(err, "failed to store entry for key: %s", key)
	}
	return nil
}

// Restamp restarts the lifetime of a stale entry, keeping its TTL and grace, and
// returns it together with the tier it had before. Fresh entries are returned untouched.
func (s *Store[T]) Restamp(ctx context.Context, key string) (*Entry[T], State) {
	unlock := s.lock(key)
	defer unlock()

	entry, state := s.load(ctx, key)
	if state == StateStale {
		if err := s.backend.Set(ctx, key, entry.restamped()); err != nil {
			s.logger.WarnContext(ctx, "failed to restamp entry", "key", key, "error", err)
		}
	}
	return entry, state
}

// Invalidate drops the entry for key
func (s *Store[T]) Invalidate(ctx context.Context, key string) error {
	unlock := s.lock(key)
	defer unlock()

	if err := s.backend.Del(ctx, key); err != nil {
		return errors.Wrapf(err, "failed to invalidate key: %s", key)
	}
	return nil
}

// Clear drops every entry
func (s *Store[T]) Clear(ctx context.Context) error {
	for i := range s.locks {
		s.locks[i].Lock()
	}
	defer func() {
		for i := range s.locks {
			s.locks[i].Unlock()
		}
	}()

	if err := s.backend.Clear(ctx); err != nil {
		return errors.Wrap(err, "failed to clear store")
	}
	return nil
}
