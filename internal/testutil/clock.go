package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a SteppingClock.
var Epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// SteppingClock is a deterministic wall clock for tests.
//
// Every call to Now returns the current time and then advances it by step,
// so consecutive mutations get strictly increasing timestamps without
// sleeping. A zero step freezes the clock until Advance or Set is called.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SteppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewSteppingClock creates a clock starting at start. A zero start uses Epoch.
func NewSteppingClock(start time.Time, step time.Duration) *SteppingClock {
	if start.IsZero() {
		start = Epoch
	}
	return &SteppingClock{now: start.UTC(), step: step}
}

// Now returns the current time, then advances by the step.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the time the next Now call will report.
func (c *SteppingClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *SteppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *SteppingClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
