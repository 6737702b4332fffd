package chat

import (
	"sync"
	"testing"
	"time"
)

// manualScheduler drives scheduled tasks deterministically in tests.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	mu        sync.Mutex
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (s *manualScheduler) Schedule(d time.Duration, fn func()) Task {
	t := &manualTask{delay: d, fn: fn}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

func (t *manualTask) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// fire runs the task unless it was cancelled or already fired.
func (t *manualTask) fire() {
	t.mu.Lock()
	if t.cancelled || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (s *manualScheduler) pending() []*manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*manualTask, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func (s *manualScheduler) fireAll() {
	for _, t := range s.pending() {
		t.fire()
	}
}

type expiryRecorder struct {
	mu    sync.Mutex
	stops []ActiveTyping
}

func (r *expiryRecorder) record(meetingID, userID, userName string) {
	r.mu.Lock()
	r.stops = append(r.stops, ActiveTyping{MeetingID: meetingID, UserID: userID, UserName: userName})
	r.mu.Unlock()
}

func (r *expiryRecorder) list() []ActiveTyping {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveTyping, len(r.stops))
	copy(out, r.stops)
	return out
}

func TestTypingStartStop(t *testing.T) {
	t.Parallel()

	sched := &manualScheduler{}
	rec := &expiryRecorder{}
	tc := NewTypingCoordinator(testLogger(), sched, 3*time.Second, rec.record)

	if !tc.Start("m1", "alice", "Alice") {
		t.Fatalf("first start must transition to typing")
	}
	if tc.Start("m1", "alice", "Alice") {
		t.Fatalf("start while typing must be debounced")
	}

	stopped, name := tc.Stop("m1", "alice")
	if !stopped || name != "Alice" {
		t.Fatalf("stop: got (%v,%q) want (true,Alice)", stopped, name)
	}

	if stopped, _ := tc.Stop("m1", "alice"); stopped {
		t.Fatalf("redundant stop must be a no-op")
	}

	// No expiry fires after an explicit stop.
	sched.fireAll()
	if got := rec.list(); len(got) != 0 {
		t.Fatalf("expiry after stop: got %v want none", got)
	}
}

func TestTypingAutoExpiry(t *testing.T) {
	t.Parallel()

	sched := &manualScheduler{}
	rec := &expiryRecorder{}
	tc := NewTypingCoordinator(testLogger(), sched, 3*time.Second, rec.record)

	tc.Start("m1", "alice", "Alice")

	tasks := sched.pending()
	if len(tasks) != 1 {
		t.Fatalf("pending tasks=%d want=1", len(tasks))
	}
	if tasks[0].delay != 3*time.Second {
		t.Fatalf("expiry delay=%v want=3s", tasks[0].delay)
	}

	tasks[0].fire()

	got := rec.list()
	if len(got) != 1 || got[0].UserID != "alice" || got[0].MeetingID != "m1" {
		t.Fatalf("expiry notifications=%v want one for alice@m1", got)
	}

	// The entry is gone: a later start is a fresh transition.
	if !tc.Start("m1", "alice", "Alice") {
		t.Fatalf("start after expiry must transition again")
	}
}

func TestTypingDebounceReplacesTask(t *testing.T) {
	t.Parallel()

	sched := &manualScheduler{}
	rec := &expiryRecorder{}
	tc := NewTypingCoordinator(testLogger(), sched, 3*time.Second, rec.record)

	tc.Start("m1", "alice", "Alice")
	tc.Start("m1", "alice", "Alice")
	tc.Start("m1", "alice", "Alice")

	tasks := sched.pending()
	if len(tasks) != 3 {
		t.Fatalf("scheduled tasks=%d want=3", len(tasks))
	}

	// Replaced tasks were cancelled; firing every task produces exactly one
	// stopped-typing notification.
	sched.fireAll()

	if got := rec.list(); len(got) != 1 {
		t.Fatalf("expiry notifications=%d want=1", len(got))
	}
}

func TestTypingStaleTaskGenerationGuard(t *testing.T) {
	t.Parallel()

	sched := &manualScheduler{}
	rec := &expiryRecorder{}
	tc := NewTypingCoordinator(testLogger(), sched, 3*time.Second, rec.record)

	tc.Start("m1", "alice", "Alice")
	first := sched.pending()[0]

	tc.Start("m1", "alice", "Alice")

	// Simulate the first timer firing despite cancellation racing it: force
	// the callback through. The generation guard must reject it.
	first.mu.Lock()
	first.cancelled = false
	first.mu.Unlock()
	first.fire()

	if got := rec.list(); len(got) != 0 {
		t.Fatalf("stale task fired a notification: %v", got)
	}

	// The live task still expires normally.
	sched.fireAll()
	if got := rec.list(); len(got) != 1 {
		t.Fatalf("expiry notifications=%d want=1", len(got))
	}
}

func TestTypingActiveSnapshot(t *testing.T) {
	t.Parallel()

	sched := &manualScheduler{}
	rec := &expiryRecorder{}
	tc := NewTypingCoordinator(testLogger(), sched, 3*time.Second, rec.record)

	tc.Start("m1", "alice", "Alice")
	tc.Start("m2", "alice", "Alice")
	tc.Start("m1", "bob", "Bob")

	got := tc.Active()
	if len(got) != 3 {
		t.Fatalf("active entries=%d want=3", len(got))
	}

	tc.Stop("m2", "alice")
	if got := tc.Active(); len(got) != 2 {
		t.Fatalf("active entries after stop=%d want=2", len(got))
	}
}

func TestTypingShutdownCancelsAll(t *testing.T) {
	t.Parallel()

	sched := &manualScheduler{}
	rec := &expiryRecorder{}
	tc := NewTypingCoordinator(testLogger(), sched, 3*time.Second, rec.record)

	tc.Start("m1", "alice", "Alice")
	tc.Start("m2", "alice", "Alice")
	tc.Start("m1", "bob", "Bob")

	tc.Shutdown()

	if got := tc.Active(); len(got) != 0 {
		t.Fatalf("active entries after shutdown=%d want=0", len(got))
	}

	// No cancelled task may still deliver an expiry.
	sched.fireAll()
	if got := rec.list(); len(got) != 0 {
		t.Fatalf("expiries after shutdown=%v want none", got)
	}
}
