/*
Package settlement models the delay between a withdrawal's admission and
its completion.

PURPOSE:
  The ledger does not move money. An external payout step takes time, and
  this package stands in for it: each admitted withdrawal gets a deferred
  task that fires after the settlement delay and completes the withdrawal.

KEY CONCEPTS:
  Clock:     Source of "now" plus AfterFunc for deferred work
  Scheduler: Tracks outstanding tasks; tasks can be cancelled individually
             or all at once on Stop
  Task:      One deferred work item with a key and a due time

CLOCKS:
  SystemClock: Wall clock, backed by time.AfterFunc
  ManualClock: Virtual time for tests. Nothing fires until Advance is
               called; due tasks then run synchronously in due order.

USAGE:
  clock := settlement.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
  sched := settlement.NewScheduler(clock, nil)
  sched.Schedule("wd_000001", 3*time.Second, complete)
  clock.Advance(3 * time.Second) // complete runs here

SEE ALSO:
  - ledger/withdrawal.go: Schedules completion after admission
*/
package settlement

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time so settlement can run on virtual time in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. Reports whether it was still pending.
	Stop() bool
}

// =============================================================================
// SYSTEM CLOCK
// =============================================================================

// SystemClock uses the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// =============================================================================
// MANUAL CLOCK - Virtual time for deterministic tests
// =============================================================================

// ManualClock only moves when told to.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*manualTimer
}

type manualTimer struct {
	clock *ManualClock
	id    uint64
	due   time.Time
	f     func()
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, timers: make(map[uint64]*manualTimer)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{clock: c, id: c.seq, due: c.now.Add(d), f: f}
	c.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d, running every timer that falls due
// on the way. Timers run on the caller's goroutine, earliest first; timers
// registered by a running callback fire in the same call if they are due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			if target.After(c.now) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		delete(c.timers, next.id)
		if next.due.After(c.now) {
			c.now = next.due
		}
		c.mu.Unlock()

		next.f()
	}
}

// Waiting returns how many timers have not fired or been stopped.
func (c *ManualClock) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}
