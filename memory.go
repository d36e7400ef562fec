package sitefeed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryCache is a process-local cache backed by a map.
// Values that carry their own expiry are dropped on read once expired.
type MemoryCache[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

var _ Cache[any] = &MemoryCache[any]{}

func NewMemoryCache[T any]() *MemoryCache[T] {
	return &MemoryCache[T]{
		items: make(map[string]T),
	}
}

func (m *MemoryCache[T]) Set(_ context.Context, key string, value T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryCache[T]) Get(_ context.Context, key string) (T, error) {
	var zero T
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in memory cache for key: %s", key)
	}
	if lifetimeOf(v, 0) < 0 {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return zero, errors.Wrapf(&ErrKeyNotFound{}, "key expired in memory cache for key: %s", key)
	}
	return v, nil
}

func (m *MemoryCache[T]) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache[T]) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]T)
	return nil
}

// Len returns the number of stored entries, expired ones included
func (m *MemoryCache[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
