package sitefeed

import "time"

// Entry is a cached value stamped with its fetch time and lifetime tiers
type Entry[T any] struct {
	Data      T             `json:"data"`
	FetchedAt time.Time     `json:"fetchedAt"`
	TTL       time.Duration `json:"ttl"`
	Grace     time.Duration `json:"grace"`
	// Fallback marks a static default cached in place of a failed fetch
	Fallback bool `json:"fallback,omitempty"`
}

// NewEntry stamps data with the current time. A negative grace is clamped to zero.
func NewEntry[T any](data T, ttl, grace time.Duration) *Entry[T] {
	if grace < 0 {
		grace = 0
	}
	return &Entry[T]{
		Data:      data,
		FetchedAt: NowFunc(),
		TTL:       ttl,
		Grace:     grace,
	}
}

// StateAt reports the tier of the entry at the given instant.
// Entries in [0, TTL) are fresh, [TTL, TTL+Grace) are stale, anything later is a miss.
func (e *Entry[T]) StateAt(now time.Time) State {
	age := now.Sub(e.FetchedAt)
	if age < e.TTL {
		return StateFresh
	}
	if age < e.TTL+e.Grace {
		return StateStale
	}
	return StateMiss
}

// ExpiresAt is the instant after which the entry must be evicted
func (e *Entry[T]) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL + e.Grace)
}

// restamped returns a copy of the entry whose lifetime starts now
func (e *Entry[T]) restamped() *Entry[T] {
	cp := *e
	cp.FetchedAt = NowFunc()
	return &cp
}

type expirer interface {
	ExpiresAt() time.Time
}

// lifetimeOf returns how long a backend should retain value.
// Values that know their own expiry win over the backend-wide fallback.
// A zero result means "keep forever"; a negative one means "already expired".
func lifetimeOf(value any, fallback time.Duration) time.Duration {
	if e, ok := value.(expirer); ok {
		d := e.ExpiresAt().Sub(NowFunc())
		if d <= 0 {
			return -1
		}
		return d
	}
	return fallback
}
