package chatclient

import (
	"sort"
	"time"

	v1 "huddle/contracts/chat/v1"
)

// reconcileWindow bounds the timestamp skew tolerated when matching a server
// echo against a pending local placeholder. Sender and text must match
// exactly; timestamps only need to land within the window.
const reconcileWindow = 5 * time.Second

// Message is one transcript entry. Pending entries are local placeholders
// awaiting server confirmation; they carry a TempID and an empty ID.
type Message struct {
	ID           string
	TempID       string
	MeetingID    string
	SenderID     string
	SenderName   string
	SenderAvatar string
	Kind         string
	Text         string
	Timestamp    time.Time
	Edited       bool
	Pending      bool
	Reactions    []Reaction
}

// Reaction is one emoji reaction on a message.
type Reaction struct {
	UserID    string
	Emoji     string
	Timestamp time.Time
}

func fromWire(p v1.MessagePayload) Message {
	m := Message{
		ID:           p.ID,
		MeetingID:    p.MeetingID,
		SenderID:     p.SenderID,
		SenderName:   p.SenderName,
		SenderAvatar: p.SenderAvatar,
		Kind:         p.Kind,
		Text:         p.Text,
		Timestamp:    p.Timestamp,
		Edited:       p.Edited,
	}
	if len(p.Reactions) > 0 {
		m.Reactions = make([]Reaction, 0, len(p.Reactions))
		for _, r := range p.Reactions {
			m.Reactions = append(m.Reactions, Reaction(r))
		}
	}
	return m
}

type applyResult int

const (
	applyAppended applyResult = iota
	applyResolved
	applyDuplicate
)

// transcript is the local message log with optimistic send reconciliation.
// It is not safe for concurrent use; Session serializes access.
type transcript struct {
	byID    map[string]int
	ordered []Message
}

func newTranscript() *transcript {
	return &transcript{byID: make(map[string]int)}
}

// appendPending adds a local placeholder awaiting its server echo.
func (t *transcript) appendPending(m Message) {
	m.Pending = true
	t.ordered = append(t.ordered, m)
}

// apply folds one server-confirmed message into the transcript. A message
// whose ID is already present is dropped. A message matching a pending
// placeholder (same sender, same text, timestamps within the window) replaces
// that placeholder in place, keeping its position; the placeholder's TempID
// is returned so callers can report the resolution. Everything else appends.
func (t *transcript) apply(m Message, window time.Duration) (applyResult, string) {
	if m.ID != "" {
		if _, ok := t.byID[m.ID]; ok {
			return applyDuplicate, ""
		}
	}

	for i := range t.ordered {
		p := &t.ordered[i]
		if !p.Pending {
			continue
		}
		if p.SenderID != m.SenderID || p.Text != m.Text {
			continue
		}
		if absDuration(m.Timestamp.Sub(p.Timestamp)) > window {
			continue
		}
		tempID := p.TempID
		t.ordered[i] = m
		if m.ID != "" {
			t.byID[m.ID] = i
		}
		return applyResolved, tempID
	}

	t.ordered = append(t.ordered, m)
	if m.ID != "" {
		t.byID[m.ID] = len(t.ordered) - 1
	}
	return applyAppended, ""
}

// merge folds a history page into the transcript and re-sorts by timestamp.
// It returns how many messages were new.
func (t *transcript) merge(history []Message, window time.Duration) int {
	added := 0
	for _, m := range history {
		if res, _ := t.apply(m, window); res != applyDuplicate {
			added++
		}
	}
	t.sortByTimestamp()
	return added
}

func (t *transcript) sortByTimestamp() {
	sort.SliceStable(t.ordered, func(i, j int) bool {
		return t.ordered[i].Timestamp.Before(t.ordered[j].Timestamp)
	})
	t.byID = make(map[string]int, len(t.ordered))
	for i, m := range t.ordered {
		if m.ID != "" {
			t.byID[m.ID] = i
		}
	}
}

// addReaction appends a reaction to the identified message. It reports false
// when the message is not in the transcript.
func (t *transcript) addReaction(messageID string, r Reaction) bool {
	i, ok := t.byID[messageID]
	if !ok {
		return false
	}
	t.ordered[i].Reactions = append(t.ordered[i].Reactions, r)
	return true
}

// snapshot returns a deep copy so callers can hold it across updates.
func (t *transcript) snapshot() []Message {
	out := make([]Message, len(t.ordered))
	copy(out, t.ordered)
	for i := range out {
		if len(out[i].Reactions) > 0 {
			rs := make([]Reaction, len(out[i].Reactions))
			copy(rs, out[i].Reactions)
			out[i].Reactions = rs
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
