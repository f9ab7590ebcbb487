package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time stands still until
// Advance is called; due callbacks run synchronously inside Advance in
// deadline order. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock initialized to the given instant.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Fake) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		go f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.fired || waiter.stopped {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

// Advance moves the clock forward by d, firing every pending callback
// whose deadline has been reached, in deadline order. Callbacks run on
// the caller's goroutine; do not call Advance from inside a callback.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due []*fakeWaiter
	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		switch {
		case waiter.stopped:
		case !waiter.deadline.After(now):
			waiter.fired = true
			due = append(due, waiter)
		default:
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, waiter := range due {
		waiter.callback()
	}
}
