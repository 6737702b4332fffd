package chatclient

import (
	"sync"
	"time"
)

// Task is a scheduled call that can be cancelled before it fires.
type Task interface {
	Cancel()
}

// Scheduler schedules one function call after a delay. The wall clock
// implementation wraps time.AfterFunc; tests inject a manual one.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Task
}

type wallScheduler struct{}

func (wallScheduler) Schedule(d time.Duration, fn func()) Task {
	return timerTask{t: time.AfterFunc(d, fn)}
}

type timerTask struct{ t *time.Timer }

func (tt timerTask) Cancel() { tt.t.Stop() }

// typingCoalescer turns raw keystrokes into typing_start and typing_stop
// traffic: every keystroke sends a start, and a single stop goes out once the
// keyboard has been quiet for the configured delay. The generation counter
// keeps a timer that fires concurrently with a reschedule from clobbering the
// newer state.
type typingCoalescer struct {
	sched     Scheduler
	stopAfter time.Duration
	sendStart func()
	sendStop  func()

	mu   sync.Mutex
	gen  int
	stop Task
}

func newTypingCoalescer(sched Scheduler, stopAfter time.Duration, sendStart, sendStop func()) *typingCoalescer {
	return &typingCoalescer{
		sched:     sched,
		stopAfter: stopAfter,
		sendStart: sendStart,
		sendStop:  sendStop,
	}
}

// Keystroke reports input activity: a start goes out immediately and the
// pending stop is pushed back by the full delay.
func (c *typingCoalescer) Keystroke() {
	c.mu.Lock()
	if c.stop != nil {
		c.stop.Cancel()
	}
	c.gen++
	g := c.gen
	c.stop = c.sched.Schedule(c.stopAfter, func() { c.expire(g) })
	c.mu.Unlock()

	c.sendStart()
}

func (c *typingCoalescer) expire(g int) {
	c.mu.Lock()
	if g != c.gen || c.stop == nil {
		c.mu.Unlock()
		return
	}
	c.stop = nil
	c.mu.Unlock()

	c.sendStop()
}

// Flush sends the stop immediately if one is armed. Used when the user sends
// a message so the indicator clears without waiting out the delay.
func (c *typingCoalescer) Flush() {
	c.mu.Lock()
	armed := c.stop != nil
	if armed {
		c.stop.Cancel()
		c.stop = nil
		c.gen++
	}
	c.mu.Unlock()

	if armed {
		c.sendStop()
	}
}

// Reset drops any armed stop without sending it. Used when the transport is
// gone and the frame could not be delivered anyway.
func (c *typingCoalescer) Reset() {
	c.mu.Lock()
	if c.stop != nil {
		c.stop.Cancel()
		c.stop = nil
		c.gen++
	}
	c.mu.Unlock()
}
