package chat

import (
	"sync"
	"time"
)

const (
	// Sweep bounds for lazy expiry. Entries are only consulted within their
	// caller-provided window; the sweep just caps map growth.
	dedupSweepThreshold = 1024
	dedupMaxAge         = 5 * time.Minute
)

type dedupKey struct {
	meetingID string
	userID    string
	eventKind string
}

// DedupGuard suppresses repeated presence/system notifications inside a
// short window, keyed by (meetingId, userId, eventKind). Presence events can
// arrive from two uncoordinated sources (the chat join handshake and the
// media engine's participant notifications); the first occurrence wins.
//
// Entries expire lazily: a suppressed call never refreshes the timestamp, so
// a steady stream of duplicates still surfaces one event per window.
type DedupGuard struct {
	mu   sync.Mutex
	seen map[dedupKey]time.Time
	now  func() time.Time
}

// NewDedupGuard constructs an empty guard.
func NewDedupGuard() *DedupGuard {
	return &DedupGuard{
		seen: make(map[dedupKey]time.Time),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// ShouldSuppress reports whether a matching event was recorded within the
// window. On a pass (false) it records the event timestamp; on a suppress
// (true) it leaves the original timestamp untouched.
func (g *DedupGuard) ShouldSuppress(meetingID, userID, eventKind string, window time.Duration) bool {
	if g == nil || window <= 0 {
		return false
	}

	key := dedupKey{meetingID: meetingID, userID: userID, eventKind: eventKind}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.seen[key]; ok && now.Sub(last) < window {
		return true
	}

	g.seen[key] = now
	g.sweepLocked(now)
	return false
}

func (g *DedupGuard) sweepLocked(now time.Time) {
	if len(g.seen) < dedupSweepThreshold {
		return
	}
	cut := now.Add(-dedupMaxAge)
	for k, t := range g.seen {
		if t.Before(cut) {
			delete(g.seen, k)
		}
	}
}
