package settlement

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestManualClock_FiresInDueOrder(t *testing.T) {
	// GIVEN: Three timers registered out of order, two sharing a due time
	// WHEN: Advancing past all of them
	// THEN: They run earliest first, ties in registration order
	c := NewManualClock(epoch)
	var order []string

	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(3*time.Second, func() { order = append(order, "d") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(time.Second)
	assert.Equal(t, []string{"a"}, order)
	assert.Equal(t, 3, c.Waiting())

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	assert.Equal(t, epoch.Add(6*time.Second), c.Now())
}

func TestManualClock_NowDuringCallbackIsDueTime(t *testing.T) {
	c := NewManualClock(epoch)
	var seen time.Time
	c.AfterFunc(2*time.Second, func() { seen = c.Now() })

	c.Advance(time.Minute)
	assert.Equal(t, epoch.Add(2*time.Second), seen)
}

func TestManualClock_CallbackRegistersDueTimer(t *testing.T) {
	c := NewManualClock(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(time.Second, func() { fired++ })
	})

	c.Advance(2 * time.Second)
	assert.Equal(t, 2, fired)
}

func TestManualClock_Stop(t *testing.T) {
	c := NewManualClock(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Hour)
	assert.False(t, fired)
}

func TestScheduler_RunsOnceAtDue(t *testing.T) {
	c := NewManualClock(epoch)
	s := NewScheduler(c, nil)
	var runs atomic.Int32

	task, err := s.Schedule("wd_1", 3*time.Second, func() { runs.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, "wd_1", task.Key)
	assert.Equal(t, epoch.Add(3*time.Second), task.Due)
	assert.Equal(t, 1, s.Pending())

	c.Advance(2 * time.Second)
	assert.Equal(t, int32(0), runs.Load())

	c.Advance(time.Second)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 0, s.Pending())

	c.Advance(time.Hour)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_NegativeDelayRunsOnNextTick(t *testing.T) {
	c := NewManualClock(epoch)
	s := NewScheduler(c, nil)
	ran := false

	_, err := s.ScheduleAt("late", epoch.Add(-time.Hour), func() { ran = true })
	require.NoError(t, err)

	c.Advance(0)
	assert.True(t, ran)
}

func TestScheduler_Cancel(t *testing.T) {
	c := NewManualClock(epoch)
	s := NewScheduler(c, nil)
	ran := false

	task, err := s.Schedule("k", time.Second, func() { ran = true })
	require.NoError(t, err)

	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())
	assert.Equal(t, 0, c.Waiting())

	c.Advance(time.Minute)
	assert.False(t, ran)
}

func TestScheduler_Stop(t *testing.T) {
	// GIVEN: Two outstanding tasks
	// WHEN: The scheduler stops
	// THEN: Both are cancelled and new work is refused
	c := NewManualClock(epoch)
	s := NewScheduler(c, nil)
	ran := 0

	for _, key := range []string{"a", "b"} {
		_, err := s.Schedule(key, time.Second, func() { ran++ })
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.Stop())
	assert.Equal(t, 0, s.Stop(), "second stop is a no-op")

	c.Advance(time.Minute)
	assert.Equal(t, 0, ran)

	_, err := s.Schedule("c", 0, func() {})
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestScheduler_SystemClock(t *testing.T) {
	s := NewScheduler(nil, nil)
	defer s.Stop()

	done := make(chan struct{})
	_, err := s.Schedule("real", 10*time.Millisecond, func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire on the system clock")
	}
}
