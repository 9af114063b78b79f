package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock is a clock moved only by explicit calls.
// Params: starting instant passed to NewManual.
// Returns: deterministic time source for cooldown and detector tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock at given instant.
// Params: start time.
// Returns: manual clock.
func NewManual(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves manual time forward.
// Params: duration to add (negative values move backwards).
// Returns: new current time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set replaces manual time.
func (c *ManualClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}
