package chat

import (
	"context"
	"time"
)

// MessageKind distinguishes user-typed messages from server-synthesized ones.
type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)

// Reaction is appended to a message's reaction sequence. Append-only: no
// remove operation exists in this design.
type Reaction struct {
	UserID string    `bson:"user_id" json:"userId"`
	Emoji  string    `bson:"emoji" json:"emoji"`
	TS     time.Time `bson:"ts" json:"timestamp"`
}

// Message is the canonical persisted message. Immutable once stored except
// for the reaction sequence and the edited flag.
type Message struct {
	ID           string      `bson:"_id" json:"id"`
	MeetingID    string      `bson:"meeting_id" json:"meetingId"`
	SenderID     string      `bson:"sender_id" json:"senderId"`
	SenderName   string      `bson:"sender_name" json:"senderName"`
	SenderAvatar string      `bson:"sender_avatar,omitempty" json:"senderAvatar,omitempty"`
	Kind         MessageKind `bson:"kind" json:"kind"`
	Text         string      `bson:"text" json:"text"`
	TS           time.Time   `bson:"ts" json:"timestamp"`
	Edited       bool        `bson:"edited,omitempty" json:"edited,omitempty"`
	Reactions    []Reaction  `bson:"reactions,omitempty" json:"reactions,omitempty"`
}

// Meeting is the external meeting record, read-mostly here. It exists for
// authorization: only the host and listed participants may read or write
// chat for the meeting.
type Meeting struct {
	ID           string    `bson:"_id" json:"meetingId"`
	HostID       string    `bson:"host_id" json:"hostId"`
	Participants []string  `bson:"participants" json:"participants"`
	StartedAt    time.Time `bson:"started_at,omitempty" json:"startedAt,omitempty"`
}

// Allows reports whether userID may read/write chat for this meeting.
func (m Meeting) Allows(userID string) bool {
	if userID == "" {
		return false
	}
	if m.HostID == userID {
		return true
	}
	for _, p := range m.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ChatSession records one user's participation in a meeting's chat.
// Upserted on join, finalized on disconnect.
type ChatSession struct {
	MeetingID string     `bson:"meeting_id" json:"meetingId"`
	UserID    string     `bson:"user_id" json:"userId"`
	JoinedAt  time.Time  `bson:"joined_at" json:"joinedAt"`
	LeftAt    *time.Time `bson:"left_at,omitempty" json:"leftAt,omitempty"`
	Active    bool       `bson:"active" json:"active"`
}

// SaveMessageInput describes a message persist request. The store assigns
// the id and the timestamp; ordering within a meeting is defined by the
// persisted timestamp, not by call order.
type SaveMessageInput struct {
	MeetingID    string
	SenderID     string
	SenderName   string
	SenderAvatar string
	Kind         MessageKind
	Text         string
}

// Store is the persistence boundary for messages, reactions, chat sessions,
// and the meeting records consulted for authorization.
//
// Requirements:
//   - SaveMessage assigns the id and a server-side UTC timestamp and returns
//     the stored form.
//   - AppendReaction fails with ErrNotFound when (meetingID, messageID) does
//     not name a stored message.
//   - ListMessages returns the most recent messages ordered oldest-first.
//   - No retry logic: callers decide how to handle ErrPersistence.
type Store interface {
	SaveMessage(ctx context.Context, in SaveMessageInput) (Message, error)
	AppendReaction(ctx context.Context, meetingID, messageID string, r Reaction) error
	UpsertChatSession(ctx context.Context, meetingID, userID string) error
	CloseChatSession(ctx context.Context, meetingID, userID string) error

	// FindRecentSystemMessage returns the newest system message with the
	// same (meetingID, senderID, text) at or after since, or nil. Backs the
	// content-based dedup window, which must survive process restarts.
	FindRecentSystemMessage(ctx context.Context, meetingID, senderID, text string, since time.Time) (*Message, error)

	ListMessages(ctx context.Context, meetingID string, limit int) ([]Message, error)

	GetMeeting(ctx context.Context, meetingID string) (Meeting, error)
	UpsertMeeting(ctx context.Context, m Meeting) error

	Close(ctx context.Context) error
}

// clampHistoryLimit normalizes a caller-supplied history limit.
func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
