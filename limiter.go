package sitefeed

import (
	"sync"
	"time"
)

var (
	DefaultMaxPerMinute = 30
	DefaultBaseCooldown = 30 * time.Second
	DefaultMaxCooldown  = 5 * time.Minute
)

const rateWindow = time.Minute

// RateLimiter caps outbound requests per key over a sliding one-minute window and
// suppresses every key for a while after the upstream reports overload.
// One overloaded dependency throttles everything talking to it.
type RateLimiter struct {
	maxPerMinute int
	baseCooldown time.Duration
	maxCooldown  time.Duration

	mu             sync.Mutex
	windows        map[string][]time.Time
	lastSweep      time.Time
	lastOverloadAt time.Time
	overloadStreak int
	retryAfter     time.Duration
}

// LimiterOption is a functional option for configuring a RateLimiter
type LimiterOption func(*RateLimiter)

// WithMaxPerMinute sets how many acquisitions one key may make within any rolling minute
func WithMaxPerMinute(n int) LimiterOption {
	return func(l *RateLimiter) {
		l.maxPerMinute = n
	}
}

// WithCooldown sets the first cooldown after an overload and the ceiling it doubles up to
func WithCooldown(base, max time.Duration) LimiterOption {
	return func(l *RateLimiter) {
		l.baseCooldown = base
		l.maxCooldown = max
	}
}

func NewRateLimiter(opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		maxPerMinute: DefaultMaxPerMinute,
		baseCooldown: DefaultBaseCooldown,
		maxCooldown:  DefaultMaxCooldown,
		windows:      make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.maxPerMinute <= 0 {
		panic("maxPerMinute must be positive")
	}
	if l.baseCooldown <= 0 || l.maxCooldown < l.baseCooldown {
		panic("cooldown must be positive and not exceed its maximum")
	}
	return l
}

// TryAcquire admits one request for key, or denies it while the key's window is
// full or the global cooldown is running. Denials record nothing.
func (l *RateLimiter) TryAcquire(key string) bool {
	now := NowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cooldownRemainingLocked(now) > 0 {
		limiterDenied.WithLabelValues("cooldown").Inc()
		return false
	}

	l.sweepLocked(now)

	window := prune(l.windows[key], now)
	if len(window) >= l.maxPerMinute {
		l.windows[key] = window
		limiterDenied.WithLabelValues("window").Inc()
		return false
	}
	l.windows[key] = append(window, now)
	return true
}

// sweepLocked drops keys whose windows emptied, at most once per window length
func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < rateWindow {
		return
	}
	l.lastSweep = now
	for key, window := range l.windows {
		if window = prune(window, now); len(window) == 0 {
			delete(l.windows, key)
		} else {
			l.windows[key] = window
		}
	}
}

// prune drops timestamps that fell out of the window; the slice is ordered oldest first
func prune(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

// RecordOverload starts (or escalates) the global cooldown. retryAfter is the delay the
// upstream asked for; the cooldown never ends before it, zero means none was given.
//
// An overload arriving while the cooldown still runs belongs to the same burst and only
// restarts it. One arriving within MaxCooldown after the cooldown ended doubles it.
func (l *RateLimiter) RecordOverload(retryAfter time.Duration) {
	now := NowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := now.Sub(l.lastOverloadAt)
	cooldown := l.effectiveCooldownLocked()
	switch {
	case l.overloadStreak == 0 || elapsed-cooldown > l.maxCooldown:
		l.overloadStreak = 1
	case elapsed < cooldown:
	default:
		l.overloadStreak++
	}
	l.lastOverloadAt = now
	l.retryAfter = max(retryAfter, 0)
	overloadTotal.Inc()
}

// Cooldown is the length of the cooldown the current overload streak imposes
func (l *RateLimiter) Cooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldownLocked()
}

func (l *RateLimiter) cooldownLocked() time.Duration {
	if l.overloadStreak == 0 {
		return 0
	}
	d := l.baseCooldown
	for i := 1; i < l.overloadStreak; i++ {
		d *= 2
		if d >= l.maxCooldown {
			return l.maxCooldown
		}
	}
	return d
}

// CooldownRemaining reports how long every acquisition will still be denied
func (l *RateLimiter) CooldownRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldownRemainingLocked(NowFunc())
}

// effectiveCooldownLocked is the streak's cooldown, raised to the upstream's Retry-After
func (l *RateLimiter) effectiveCooldownLocked() time.Duration {
	return max(l.cooldownLocked(), l.retryAfter)
}

func (l *RateLimiter) cooldownRemainingLocked(now time.Time) time.Duration {
	if l.lastOverloadAt.IsZero() {
		return 0
	}
	remaining := l.effectiveCooldownLocked() - now.Sub(l.lastOverloadAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forgets every window and any cooldown
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string][]time.Time)
	l.lastOverloadAt = time.Time{}
	l.overloadStreak = 0
	l.retryAfter = 0
}
