package invalidation

import (
	"sync"
	"time"

	"github.com/credlane/lending-cache/cache"
)

// ErrSchedulerStopped is returned when scheduling is attempted outside
// the Start/Stop window.
var ErrSchedulerStopped = cache.NewError("scheduler is not running")

// Timer is a cancellable pending execution.
type Timer interface {
	// Stop cancels the timer. It reports whether the cancellation
	// landed before the function ran.
	Stop() bool
}

// Clock abstracts time and timer creation so tests advance logical
// time instead of sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

// Scheduler defers functions with per-task cancellation and an
// explicit lifecycle: tasks can only be scheduled between Start and
// Stop, and Stop cancels everything still pending.
type Scheduler struct {
	clock  Clock
	logger cache.Logger

	mu      sync.Mutex
	tasks   map[string]Timer
	running bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(clock Clock, logger cache.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger,
		tasks:  make(map[string]Timer),
	}
}

// Start accepts new tasks. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Schedule runs fn after delay unless cancelled first. The id must be
// unique among pending tasks.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrSchedulerStopped
	}
	if _, exists := s.tasks[id]; exists {
		return cache.NewError("task id already scheduled: " + id)
	}

	s.tasks[id] = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		_, pending := s.tasks[id]
		delete(s.tasks, id)
		running := s.running
		s.mu.Unlock()
		// A task cancelled or stopped between firing and this check
		// must not run.
		if pending && running {
			fn()
		}
	})
	return nil
}

// Cancel prevents a pending task from running. It is idempotent: an
// already fired or already cancelled id reports false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.tasks[id]
	if !ok {
		return false
	}
	delete(s.tasks, id)
	timer.Stop()
	return true
}

// PendingCount returns how many tasks await execution.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and rejects new ones until the next
// Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if n := len(s.tasks); n > 0 {
		s.logger.Debug("cancelling pending scheduled tasks", "count", n)
	}
	for id, timer := range s.tasks {
		timer.Stop()
		delete(s.tasks, id)
	}
}
