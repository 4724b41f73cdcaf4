package util

import (
	"sync"
	"time"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock only moves when Advance is called. After fires immediately.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}
