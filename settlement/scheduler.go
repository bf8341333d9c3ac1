package settlement

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned by Schedule after Stop.
var ErrSchedulerStopped = errors.New("settlement scheduler stopped")

// Scheduler runs deferred work on a Clock.
//
// There is no retry: a task runs at most once. Work scheduled here must be
// idempotent, since the same key can be scheduled more than once and an
// operator may also complete it by hand.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	seq     uint64
	tasks   map[uint64]*Task
	stopped bool
	running sync.WaitGroup
}

// Task is one deferred work item.
type Task struct {
	Key string
	Due time.Time

	id    uint64
	sched *Scheduler
	timer Timer
}

// NewScheduler creates a scheduler on clock. A nil logger discards output.
func NewScheduler(clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		clock:  clock,
		logger: logger,
		tasks:  make(map[uint64]*Task),
	}
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() Clock { return s.clock }

// Schedule runs fn once after delay. A negative delay is treated as zero.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) (*Task, error) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrSchedulerStopped
	}

	s.seq++
	t := &Task{
		Key:   key,
		Due:   s.clock.Now().Add(delay),
		id:    s.seq,
		sched: s,
	}
	s.tasks[t.id] = t
	// fire takes s.mu, so it cannot observe t before t.timer is set.
	t.timer = s.clock.AfterFunc(delay, func() { s.fire(t, fn) })

	s.logger.Debug("settlement scheduled",
		slog.String("key", key),
		slog.Time("due", t.Due))
	return t, nil
}

// ScheduleAt runs fn once at due, or immediately if due has passed.
func (s *Scheduler) ScheduleAt(key string, due time.Time, fn func()) (*Task, error) {
	return s.Schedule(key, due.Sub(s.clock.Now()), fn)
}

func (s *Scheduler) fire(t *Task, fn func()) {
	s.mu.Lock()
	if _, ok := s.tasks[t.id]; !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, t.id)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	fn()
}

// Cancel removes the task before it fires. Reports whether it was still
// outstanding.
func (t *Task) Cancel() bool {
	s := t.sched
	s.mu.Lock()
	if _, ok := s.tasks[t.id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tasks, t.id)
	s.mu.Unlock()

	t.timer.Stop()
	return true
}

// Pending returns the number of outstanding tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every outstanding task, waits for tasks already running and
// rejects further scheduling. Returns the number of tasks cancelled.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	s.stopped = true
	outstanding := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		outstanding = append(outstanding, t)
	}
	s.tasks = make(map[uint64]*Task)
	s.mu.Unlock()

	for _, t := range outstanding {
		t.timer.Stop()
	}
	s.running.Wait()

	s.logger.Info("settlement scheduler stopped", slog.Int("cancelled", len(outstanding)))
	return len(outstanding)
}
