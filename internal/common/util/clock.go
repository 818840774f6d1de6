package util

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now() }

// TestClock is a Clock that only moves when told to.
type TestClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewTestClock(t time.Time) *TestClock {
	return &TestClock{t: t}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
