package sitefeed

import (
	"context"
)

// State represents the staleness tier of a cached entry
type State int8

const (
	StateMiss  State = iota // No usable entry, either absent or past its grace window
	StateFresh              // Entry is within its TTL
	StateStale              // Entry is past its TTL but within its grace window
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "miss"
	}
}

// Cache defines the storage contract every backend of the Store satisfies
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T) error
	Del(ctx context.Context, key string) error
	// Clear removes every entry owned by this cache (scoped to its key prefix, if any)
	Clear(ctx context.Context) error
}

// Fetcher performs one live upstream fetch
type Fetcher[T any] func(ctx context.Context) (T, error)
