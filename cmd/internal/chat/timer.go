package chat

import "time"

// Task is a handle to a scheduled function. Cancel stops the task if it has
// not fired yet; cancelling an already-fired or already-cancelled task is a
// no-op.
type Task interface {
	Cancel()
}

// Scheduler schedules a function to run once after a delay. The production
// implementation wraps time.AfterFunc; tests substitute a manual scheduler
// to drive expiry deterministically.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Task
}

// NewScheduler returns the wall-clock Scheduler.
func NewScheduler() Scheduler {
	return wallScheduler{}
}

type wallScheduler struct{}

func (wallScheduler) Schedule(d time.Duration, fn func()) Task {
	return timerTask{t: time.AfterFunc(d, fn)}
}

type timerTask struct {
	t *time.Timer
}

func (t timerTask) Cancel() {
	t.t.Stop()
}
