package clock

import "time"

// Clock allows injecting time into the scheduler and services. Production
// code uses NewSystem; tests use NewFake and drive time with Advance.
type Clock interface {
	Now() time.Time

	// AfterFunc schedules f to run once duration d has elapsed and returns
	// a Timer that can cancel the pending call. If d <= 0, f runs as soon
	// as possible in a new goroutine.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle on a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop prevents the pending call from running. It returns false if the
// call already ran or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

type systemClock struct{}

// NewSystem returns a clock backed by the time package.
func NewSystem() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}
