// Package clock supplies the wall-clock reads used for every time window in
// the gate (grace period, hourly/daily counters, cooldowns, duplicate
// recency). Production code uses System; tests drive a Manual clock so
// window boundaries can be crossed deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock (UTC).
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a settable clock. The zero value reports the zero time; use
// NewManual to start from a fixed instant. It is safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock positioned at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set positions the clock at t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Millis converts t to Unix epoch milliseconds, the unit stored in the
// ledger and counter tables.
func Millis(t time.Time) int64 { return t.UnixMilli() }
