// Package scheduler provides one-shot wall-clock callbacks for the
// train lifecycle. Registrations live in memory only: a process
// restart drops every pending callback, which is acceptable because it
// also drops the active train itself.
package scheduler

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joonho-lim/LarkTrain/internal/clock"
)

var ErrStopped = errors.New("scheduler is stopped")

// Job describes one pending registration, for debug dumps.
type Job struct {
	ID string
	At time.Time
}

// Scheduler registers one-shot callbacks against wall-clock instants.
// Callbacks fire at or shortly after their instant, at most once per
// registration. A panicking callback is isolated and never takes down
// other registrations.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	pending map[string]*registration
}

type registration struct {
	at    time.Time
	timer *clock.Timer
}

func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clock:   clk,
		logger:  logger,
		pending: make(map[string]*registration),
	}
}

// Schedule registers fn to run once at or after the given instant and
// returns an id usable with Cancel. An instant in the past fires as
// soon as possible. Fails only if the scheduler has been stopped.
func (s *Scheduler) Schedule(at time.Time, fn func()) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}

	id := uuid.NewString()
	delay := at.Sub(s.clock.Now())
	timer := s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if !live {
			// Cancelled between the timer firing and this callback
			// acquiring the lock.
			return
		}
		s.invoke(id, fn)
	})
	s.pending[id] = &registration{at: at, timer: timer}
	return id, nil
}

// Cancel removes a pending registration. Returns false if it already
// fired or was never registered.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	reg.timer.Stop()
	return true
}

// Jobs lists the pending registrations, soonest first.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.pending))
	for id, reg := range s.pending {
		jobs = append(jobs, Job{ID: id, At: reg.at})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].At.Before(jobs[j].At) })
	return jobs
}

// Stop cancels every pending registration. Schedule fails afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, reg := range s.pending {
		reg.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler) invoke(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled callback panicked", "job_id", id, "panic", r)
		}
	}()
	fn()
}
