package testutil

import (
	"sync"
	"time"
)

// DeterministicClock provides a thread-safe logical wall clock for tests.
//
// Each call to Now() returns the current instant and advances the clock
// by a fixed step, so successive timestamps are distinct, ordered, and
// byte-identical across runs. This makes audit rows and golden
// snapshots reproducible.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewDeterministicClock creates a clock starting at the given instant,
// advancing by step on every Now() call.
//
// A zero start defaults to 2026-01-01T00:00:00Z; a zero step defaults
// to one second.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if step == 0 {
		step = time.Second
	}
	return &DeterministicClock{now: start, step: step}
}

// Now returns the current instant and advances the clock by one step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now() call will return, without
// advancing the clock.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without producing a timestamp.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset rewinds the clock to the given instant.
//
// Used for test reuse: the same scenario run twice from the same reset
// point produces identical timestamps.
func (c *DeterministicClock) Reset(start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = start
}
