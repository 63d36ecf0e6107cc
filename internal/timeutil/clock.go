// Package timeutil provides a testable abstraction over the time operations
// used for frame pacing and periodic background work.
package timeutil

import (
	"sync"
	"time"
)

// Clock abstracts the time operations callers block on, so tests can run
// paced code without real delays.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker that delivers ticks at the given period.
	NewTicker(d time.Duration) Ticker
}

// Ticker holds a channel that delivers ticks of a clock at intervals.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// MockClock is a manually controlled clock for testing. Its After fires
// immediately and records the requested duration, so paced code runs at
// full speed while tests assert on the delays it asked for.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	afters []time.Duration
}

// NewMockClock creates a MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Since returns the duration since t against the mocked time.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// After records the requested duration, advances the clock by it, and
// returns a channel that is already ready.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.afters = append(c.afters, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// AfterDurations returns every duration passed to After, in order.
func (c *MockClock) AfterDurations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.afters))
	copy(out, c.afters)
	return out
}

// NewTicker returns a manually triggered ticker.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return &MockTicker{ch: make(chan time.Time, 1)}
}

// MockTicker is a manually controlled ticker. It never fires on its own.
type MockTicker struct {
	ch chan time.Time
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }
func (t *MockTicker) Stop()               {}

// Trigger manually sends a tick with the given time.
func (t *MockTicker) Trigger(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}
