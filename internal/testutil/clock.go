package testutil

import (
	"sync"
	"time"
)

// Epoch is the start time of every FixedClock: 2024-01-01T00:00:00Z.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FixedClock is a manually advanced wall clock for tests.
//
// It satisfies engine.Clock and eventlog.MemoryOptions.Now, so checkpoint
// stamps and record timestamps are identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock reading Epoch.
func NewFixedClock() *FixedClock {
	return &FixedClock{now: Epoch}
}

// Now returns the current time without advancing.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t. Used to replay recorded timestamps.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Reset returns the clock to Epoch.
func (c *FixedClock) Reset() {
	c.Set(Epoch)
}
