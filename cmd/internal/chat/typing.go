package chat

import (
	"log/slog"
	"sync"
	"time"
)

type typingKey struct {
	meetingID string
	userID    string
}

type typingEntry struct {
	userName string
	task     Task
	gen      uint64
}

// ActiveTyping identifies one live typing entry.
type ActiveTyping struct {
	MeetingID string
	UserID    string
	UserName  string
}

// TypingCoordinator tracks per (meetingId, userId) typing state with
// auto-expiry. A typing_start while already typing replaces the pending
// expiry task (debounce); stop or expiry returns the user to idle.
//
// onExpire runs outside the coordinator lock, in the scheduler's goroutine.
type TypingCoordinator struct {
	log      *slog.Logger
	sched    Scheduler
	idle     time.Duration
	onExpire func(meetingID, userID, userName string)

	mu     sync.Mutex
	active map[typingKey]*typingEntry
}

// NewTypingCoordinator constructs a coordinator. idle <= 0 selects the
// default timeout. onExpire may be nil during partial wiring (tests).
func NewTypingCoordinator(log *slog.Logger, sched Scheduler, idle time.Duration, onExpire func(meetingID, userID, userName string)) *TypingCoordinator {
	if sched == nil {
		sched = NewScheduler()
	}
	if idle <= 0 {
		idle = defaultTypingIdleTimeout
	}
	return &TypingCoordinator{
		log:      log,
		sched:    sched,
		idle:     idle,
		onExpire: onExpire,
		active:   make(map[typingKey]*typingEntry),
	}
}

// Start marks the user as typing. It returns true on the idle->typing
// transition; a start while already typing only resets the expiry task and
// returns false so callers do not re-broadcast.
func (tc *TypingCoordinator) Start(meetingID, userID, userName string) bool {
	if tc == nil || meetingID == "" || userID == "" {
		return false
	}

	key := typingKey{meetingID: meetingID, userID: userID}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if e, ok := tc.active[key]; ok {
		e.task.Cancel()
		e.gen++
		if userName != "" {
			e.userName = userName
		}
		e.task = tc.scheduleExpiryLocked(key, e.gen)
		return false
	}

	e := &typingEntry{userName: userName, gen: 1}
	tc.active[key] = e
	e.task = tc.scheduleExpiryLocked(key, e.gen)
	return true
}

// Stop cancels the user's typing state. It returns true with the recorded
// display name on the typing->idle transition; false when the user was not
// typing (redundant stops are no-ops).
func (tc *TypingCoordinator) Stop(meetingID, userID string) (bool, string) {
	if tc == nil {
		return false, ""
	}

	key := typingKey{meetingID: meetingID, userID: userID}

	tc.mu.Lock()
	e, ok := tc.active[key]
	if ok {
		e.task.Cancel()
		delete(tc.active, key)
	}
	tc.mu.Unlock()

	if !ok {
		return false, ""
	}
	return true, e.userName
}

// Active returns a snapshot of live typing entries, for introspection.
func (tc *TypingCoordinator) Active() []ActiveTyping {
	if tc == nil {
		return nil
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	out := make([]ActiveTyping, 0, len(tc.active))
	for key, e := range tc.active {
		out = append(out, ActiveTyping{
			MeetingID: key.meetingID,
			UserID:    key.userID,
			UserName:  e.userName,
		})
	}
	return out
}

// Shutdown cancels every pending expiry task without firing onExpire.
// Used on graceful server shutdown so timers never fire into torn-down rooms.
func (tc *TypingCoordinator) Shutdown() {
	if tc == nil {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	for key, e := range tc.active {
		e.task.Cancel()
		delete(tc.active, key)
	}
}

// scheduleExpiryLocked arms the idle timer for the given entry generation.
// The generation guard makes a stale timer firing concurrently with a
// Start/Stop a harmless no-op.
func (tc *TypingCoordinator) scheduleExpiryLocked(key typingKey, gen uint64) Task {
	return tc.sched.Schedule(tc.idle, func() {
		tc.mu.Lock()
		e, ok := tc.active[key]
		if !ok || e.gen != gen {
			tc.mu.Unlock()
			return
		}
		delete(tc.active, key)
		name := e.userName
		tc.mu.Unlock()

		tc.log.Info("typing.expire", "meeting_id", key.meetingID, "user_id", key.userID)
		if tc.onExpire != nil {
			tc.onExpire(key.meetingID, key.userID, name)
		}
	})
}
