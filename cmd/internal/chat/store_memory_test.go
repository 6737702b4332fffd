package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreSaveAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	s := NewInMemoryStore()
	ctx := context.Background()

	msg, err := s.SaveMessage(ctx, SaveMessageInput{
		MeetingID:  "m1",
		SenderID:   "alice",
		SenderName: "Alice",
		Kind:       MessageKindUser,
		Text:       "hello team",
	})
	r.NoError(err)
	r.NotEmpty(msg.ID)
	r.False(msg.TS.IsZero())
	r.Equal("m1", msg.MeetingID)
	r.Equal(MessageKindUser, msg.Kind)

	_, err = s.SaveMessage(ctx, SaveMessageInput{MeetingID: "", SenderID: "alice"})
	r.ErrorIs(err, ErrValidation)
}

func TestInMemoryStoreTimestampsMonotonicPerMeeting(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	s := NewInMemoryStore()
	ctx := context.Background()

	// Clock regresses between saves; persisted order must still be
	// non-decreasing.
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(2 * time.Second), base.Add(1 * time.Second)}
	i := 0
	s.now = func() time.Time {
		t := ticks[i%len(ticks)]
		i++
		return t
	}

	for n := 0; n < 3; n++ {
		_, err := s.SaveMessage(ctx, SaveMessageInput{
			MeetingID: "m1", SenderID: "alice", SenderName: "Alice",
			Kind: MessageKindUser, Text: fmt.Sprintf("msg-%d", n),
		})
		r.NoError(err)
	}

	msgs, err := s.ListMessages(ctx, "m1", 10)
	r.NoError(err)
	r.Len(msgs, 3)
	for n := 1; n < len(msgs); n++ {
		r.False(msgs[n].TS.Before(msgs[n-1].TS),
			"timestamps must be non-decreasing: %v then %v", msgs[n-1].TS, msgs[n].TS)
	}
}

func TestInMemoryStoreListMostRecentOldestFirst(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	s := NewInMemoryStore()
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		_, err := s.SaveMessage(ctx, SaveMessageInput{
			MeetingID: "m1", SenderID: "alice", SenderName: "Alice",
			Kind: MessageKindUser, Text: fmt.Sprintf("msg-%d", n),
		})
		r.NoError(err)
	}

	msgs, err := s.ListMessages(ctx, "m1", 2)
	r.NoError(err)
	r.Len(msgs, 2)
	r.Equal("msg-3", msgs[0].Text)
	r.Equal("msg-4", msgs[1].Text)

	empty, err := s.ListMessages(ctx, "no-such-meeting", 10)
	r.NoError(err)
	r.Empty(empty)
}

func TestInMemoryStoreAppendReaction(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	s := NewInMemoryStore()
	ctx := context.Background()

	msg, err := s.SaveMessage(ctx, SaveMessageInput{
		MeetingID: "m1", SenderID: "alice", SenderName: "Alice",
		Kind: MessageKindUser, Text: "react to me",
	})
	r.NoError(err)

	reaction := Reaction{UserID: "bob", Emoji: "👍", TS: time.Now().UTC()}
	r.NoError(s.AppendReaction(ctx, "m1", msg.ID, reaction))
	r.NoError(s.AppendReaction(ctx, "m1", msg.ID, Reaction{UserID: "carol", Emoji: "🎉", TS: time.Now().UTC()}))

	msgs, err := s.ListMessages(ctx, "m1", 10)
	r.NoError(err)
	r.Len(msgs[0].Reactions, 2)
	r.Equal("bob", msgs[0].Reactions[0].UserID)

	err = s.AppendReaction(ctx, "m1", "01XXXXXXXXXXXXXXXXXXXXXXXX", reaction)
	r.ErrorIs(err, ErrNotFound)

	// Scoped by meeting: the same id under another meeting is not visible.
	err = s.AppendReaction(ctx, "m2", msg.ID, reaction)
	r.ErrorIs(err, ErrNotFound)
}

func TestInMemoryStoreChatSessions(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	s := NewInMemoryStore()
	ctx := context.Background()

	r.NoError(s.UpsertChatSession(ctx, "m1", "alice"))
	key := sessionKey{meetingID: "m1", userID: "alice"}

	s.mu.Lock()
	first := s.sessions[key]
	s.mu.Unlock()
	r.True(first.Active)
	r.Nil(first.LeftAt)

	// Upsert while active keeps the original joinedAt.
	r.NoError(s.UpsertChatSession(ctx, "m1", "alice"))
	s.mu.Lock()
	again := s.sessions[key]
	s.mu.Unlock()
	r.Equal(first.JoinedAt, again.JoinedAt)

	r.NoError(s.CloseChatSession(ctx, "m1", "alice"))
	s.mu.Lock()
	closed := s.sessions[key]
	s.mu.Unlock()
	r.False(closed.Active)
	r.NotNil(closed.LeftAt)

	// Closing an already-closed or unknown session is a no-op.
	r.NoError(s.CloseChatSession(ctx, "m1", "alice"))
	r.NoError(s.CloseChatSession(ctx, "m1", "nobody"))

	// Rejoining reactivates with a fresh joinedAt.
	r.NoError(s.UpsertChatSession(ctx, "m1", "alice"))
	s.mu.Lock()
	reopened := s.sessions[key]
	s.mu.Unlock()
	r.True(reopened.Active)
	r.Nil(reopened.LeftAt)
}

func TestInMemoryStoreFindRecentSystemMessage(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	s := NewInMemoryStore()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.SaveMessage(ctx, SaveMessageInput{
		MeetingID: "m1", SenderID: "system", SenderName: "system",
		Kind: MessageKindSystem, Text: "Alice joined the meeting",
	})
	r.NoError(err)

	found, err := s.FindRecentSystemMessage(ctx, "m1", "system", "Alice joined the meeting", now.Add(-30*time.Second))
	r.NoError(err)
	r.NotNil(found)

	// Different text or sender does not match.
	found, err = s.FindRecentSystemMessage(ctx, "m1", "system", "Bob joined the meeting", now.Add(-30*time.Second))
	r.NoError(err)
	r.Nil(found)

	// Outside the window: nothing.
	found, err = s.FindRecentSystemMessage(ctx, "m1", "system", "Alice joined the meeting", now.Add(time.Second))
	r.NoError(err)
	r.Nil(found)

	// User-kind messages never back the system dedup check.
	_, err = s.SaveMessage(ctx, SaveMessageInput{
		MeetingID: "m1", SenderID: "alice", SenderName: "Alice",
		Kind: MessageKindUser, Text: "Alice joined the meeting",
	})
	r.NoError(err)
	found, err = s.FindRecentSystemMessage(ctx, "m1", "alice", "Alice joined the meeting", now.Add(-30*time.Second))
	r.NoError(err)
	r.Nil(found)
}

func TestInMemoryStoreMeetings(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.GetMeeting(ctx, "m1")
	r.True(errors.Is(err, ErrNotFound))

	m := Meeting{ID: "m1", HostID: "host", Participants: []string{"alice", "bob"}}
	r.NoError(s.UpsertMeeting(ctx, m))

	got, err := s.GetMeeting(ctx, "m1")
	r.NoError(err)
	r.True(got.Allows("host"))
	r.True(got.Allows("alice"))
	r.False(got.Allows("mallory"))
	r.False(got.Allows(""))
}
