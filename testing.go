package sitefeed

import (
	"sync/atomic"
	"time"
)

// MockClock is a manually driven time source for tests of TTL tiers and cooldowns
type MockClock struct {
	current atomic.Pointer[time.Time]
}

// NewMockClock creates a clock frozen at start
func NewMockClock(start time.Time) *MockClock {
	m := &MockClock{}
	m.Set(start)
	return m
}

func (m *MockClock) Now() time.Time {
	return *m.current.Load()
}

// Advance moves the clock forward by d
func (m *MockClock) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

func (m *MockClock) Set(t time.Time) {
	m.current.Store(&t)
}

// Install points NowFunc at the clock and returns a func restoring the previous NowFunc
func (m *MockClock) Install() func() {
	previous := NowFunc
	NowFunc = m.Now
	return func() {
		NowFunc = previous
	}
}
