package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced wall clock for tests.
//
// Unlike a real clock, FakeClock only moves when Advance or Set is called,
// which makes cache expiry and retention windows reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at Epoch.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: Epoch}
}

// NewFakeClockAt creates a clock frozen at t.
func NewFakeClockAt(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset moves the clock back to Epoch.
func (c *FakeClock) Reset() {
	c.Set(Epoch)
}
