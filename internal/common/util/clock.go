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

// DummyClock is a settable clock for tests. It is safe for concurrent use.
type DummyClock struct {
	mu sync.Mutex
	T  time.Time
}

func NewDummyClock(t time.Time) *DummyClock {
	return &DummyClock{T: t}
}

func (c *DummyClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.T
}

func (c *DummyClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = t
}

func (c *DummyClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = c.T.Add(d)
}
