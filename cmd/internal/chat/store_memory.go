package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	memMaxMessagesPerMeeting = 10_000
)

type sessionKey struct {
	meetingID string
	userID    string
}

// InMemoryStore is the dev/test Store. It mirrors the durable backends'
// semantics: server-assigned ids and timestamps, monotonic non-decreasing
// timestamps per meeting, NotFound on unknown meetings/messages.
type InMemoryStore struct {
	mu       sync.Mutex
	meetings map[string]Meeting
	msgs     map[string][]Message // per meeting, ordered by ts
	lastTS   map[string]time.Time
	sessions map[sessionKey]ChatSession

	now func() time.Time
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		meetings: make(map[string]Meeting),
		msgs:     make(map[string][]Message),
		lastTS:   make(map[string]time.Time),
		sessions: make(map[sessionKey]ChatSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close(_ context.Context) error { return nil }

// SaveMessage persists a message with a store-assigned id and timestamp.
// Timestamps are clamped to be non-decreasing per meeting so history order
// holds even under wall-clock regression.
func (s *InMemoryStore) SaveMessage(ctx context.Context, in SaveMessageInput) (Message, error) {
	if in.MeetingID == "" || in.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing meeting or sender", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	if last, ok := s.lastTS[in.MeetingID]; ok && ts.Before(last) {
		ts = last
	}
	s.lastTS[in.MeetingID] = ts

	msg := Message{
		ID:           NewID(ts),
		MeetingID:    in.MeetingID,
		SenderID:     in.SenderID,
		SenderName:   in.SenderName,
		SenderAvatar: in.SenderAvatar,
		Kind:         in.Kind,
		Text:         in.Text,
		TS:           ts,
	}

	list := append(s.msgs[in.MeetingID], msg)
	// Bound memory to avoid unbounded growth in dev.
	if len(list) > memMaxMessagesPerMeeting {
		list = list[len(list)-memMaxMessagesPerMeeting:]
	}
	s.msgs[in.MeetingID] = list

	return msg, nil
}

// AppendReaction appends to a stored message's reaction sequence.
func (s *InMemoryStore) AppendReaction(ctx context.Context, meetingID, messageID string, r Reaction) error {
	if meetingID == "" || messageID == "" {
		return fmt.Errorf("%w: missing meeting or message id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[meetingID]
	// Recent messages are the likeliest reaction targets; scan backwards.
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ID == messageID {
			list[i].Reactions = append(list[i].Reactions, r)
			return nil
		}
	}
	return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

// UpsertChatSession creates or reactivates the (meeting, user) session.
func (s *InMemoryStore) UpsertChatSession(ctx context.Context, meetingID, userID string) error {
	if meetingID == "" || userID == "" {
		return fmt.Errorf("%w: missing meeting or user", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{meetingID: meetingID, userID: userID}
	sess, ok := s.sessions[key]
	if !ok || !sess.Active {
		sess = ChatSession{
			MeetingID: meetingID,
			UserID:    userID,
			JoinedAt:  s.now(),
			Active:    true,
		}
	}
	s.sessions[key] = sess
	return nil
}

// CloseChatSession finalizes the (meeting, user) session.
func (s *InMemoryStore) CloseChatSession(ctx context.Context, meetingID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{meetingID: meetingID, userID: userID}
	sess, ok := s.sessions[key]
	if !ok || !sess.Active {
		return nil
	}

	left := s.now()
	sess.Active = false
	sess.LeftAt = &left
	s.sessions[key] = sess
	return nil
}

// FindRecentSystemMessage returns the newest matching system message at or
// after since, or nil when none exists.
func (s *InMemoryStore) FindRecentSystemMessage(ctx context.Context, meetingID, senderID, text string, since time.Time) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[meetingID]
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		if m.TS.Before(since) {
			break
		}
		if m.Kind == MessageKindSystem && m.SenderID == senderID && m.Text == text {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

// ListMessages returns the most recent `limit` messages, oldest-first.
func (s *InMemoryStore) ListMessages(ctx context.Context, meetingID string, limit int) ([]Message, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("%w: missing meeting id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[meetingID]
	start := 0
	if len(list) > limit {
		start = len(list) - limit
	}

	out := make([]Message, len(list)-start)
	copy(out, list[start:])
	return out, nil
}

// GetMeeting returns the meeting record used for authorization.
func (s *InMemoryStore) GetMeeting(ctx context.Context, meetingID string) (Meeting, error) {
	if err := ctx.Err(); err != nil {
		return Meeting{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
	}
	return m, nil
}

// UpsertMeeting stores or replaces a meeting record.
func (s *InMemoryStore) UpsertMeeting(ctx context.Context, m Meeting) error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing meeting id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.meetings[m.ID] = m
	return nil
}
