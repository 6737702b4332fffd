package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoCollMeetings = "meetings"
	mongoCollMessages = "messages"
	mongoCollSessions = "chat_sessions"
)

// MongoStore is a Store backed by the document store.
//
// Ownership model:
// - MongoStore does NOT own the mongo client. The caller must disconnect it.
// - Close() is therefore a no-op.
//
// Consistency model:
// - Reactions are appended with a single $push update; single-document
//   atomicity is the only transactional guarantee this design relies on.
type MongoStore struct {
	meetings *mongo.Collection
	messages *mongo.Collection
	sessions *mongo.Collection

	now func() time.Time
}

// NewMongoStore constructs a document-store-backed Store.
func NewMongoStore(client *mongo.Client, database string) (*MongoStore, error) {
	if client == nil {
		return nil, errors.New("chat: nil mongo client")
	}
	database = strings.TrimSpace(database)
	if database == "" {
		return nil, errors.New("chat: empty mongo database name")
	}

	db := client.Database(database)
	return &MongoStore{
		meetings: db.Collection(mongoCollMeetings),
		messages: db.Collection(mongoCollMessages),
		sessions: db.Collection(mongoCollSessions),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureIndexes creates the collection indexes the read paths depend on.
// Safe to call on every startup; index creation is idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "meeting_id", Value: 1}, {Key: "ts", Value: 1}},
	})
	if err != nil {
		return persistErr("create messages index", err)
	}

	_, err = s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "meeting_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return persistErr("create chat_sessions index", err)
	}
	return nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close(_ context.Context) error { return nil }

// SaveMessage inserts a message with a store-assigned id and UTC timestamp.
func (s *MongoStore) SaveMessage(ctx context.Context, in SaveMessageInput) (Message, error) {
	if in.MeetingID == "" || in.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing meeting or sender", ErrValidation)
	}

	ts := s.now()
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

	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return Message{}, persistErr("insert message", err)
	}
	return msg, nil
}

// AppendReaction pushes onto the message's reaction sequence.
func (s *MongoStore) AppendReaction(ctx context.Context, meetingID, messageID string, r Reaction) error {
	if meetingID == "" || messageID == "" {
		return fmt.Errorf("%w: missing meeting or message id", ErrValidation)
	}

	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "meeting_id": meetingID},
		bson.M{"$push": bson.M{"reactions": r}},
	)
	if err != nil {
		return persistErr("append reaction", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return nil
}

// UpsertChatSession creates or reactivates the (meeting, user) session.
func (s *MongoStore) UpsertChatSession(ctx context.Context, meetingID, userID string) error {
	if meetingID == "" || userID == "" {
		return fmt.Errorf("%w: missing meeting or user", ErrValidation)
	}

	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"meeting_id": meetingID, "user_id": userID},
		bson.M{
			"$set":   bson.M{"active": true, "joined_at": s.now()},
			"$unset": bson.M{"left_at": ""},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return persistErr("upsert chat session", err)
	}
	return nil
}

// CloseChatSession finalizes the (meeting, user) session.
func (s *MongoStore) CloseChatSession(ctx context.Context, meetingID, userID string) error {
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"meeting_id": meetingID, "user_id": userID, "active": true},
		bson.M{"$set": bson.M{"active": false, "left_at": s.now()}},
	)
	if err != nil {
		return persistErr("close chat session", err)
	}
	return nil
}

// FindRecentSystemMessage returns the newest matching system message at or
// after since, or nil when none exists.
func (s *MongoStore) FindRecentSystemMessage(ctx context.Context, meetingID, senderID, text string, since time.Time) (*Message, error) {
	filter := bson.M{
		"meeting_id": meetingID,
		"kind":       MessageKindSystem,
		"sender_id":  senderID,
		"text":       text,
		"ts":         bson.M{"$gte": since},
	}

	var msg Message
	err := s.messages.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "ts", Value: -1}}),
	).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find recent system message", err)
	}
	return &msg, nil
}

// ListMessages returns the most recent `limit` messages, oldest-first.
func (s *MongoStore) ListMessages(ctx context.Context, meetingID string, limit int) ([]Message, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("%w: missing meeting id", ErrValidation)
	}

	limit = clampHistoryLimit(limit)

	// Newest-first query bounded by limit, then reversed for presentation.
	cur, err := s.messages.Find(ctx,
		bson.M{"meeting_id": meetingID},
		options.Find().
			SetSort(bson.D{{Key: "ts", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, persistErr("list messages", err)
	}

	var msgs []Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, persistErr("decode messages", err)
	}
	return lo.Reverse(msgs), nil
}

// GetMeeting returns the meeting record used for authorization.
func (s *MongoStore) GetMeeting(ctx context.Context, meetingID string) (Meeting, error) {
	var m Meeting
	err := s.meetings.FindOne(ctx, bson.M{"_id": meetingID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Meeting{}, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
	}
	if err != nil {
		return Meeting{}, persistErr("get meeting", err)
	}
	return m, nil
}

// UpsertMeeting stores or replaces a meeting record.
func (s *MongoStore) UpsertMeeting(ctx context.Context, m Meeting) error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing meeting id", ErrValidation)
	}

	_, err := s.meetings.ReplaceOne(ctx,
		bson.M{"_id": m.ID},
		m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return persistErr("upsert meeting", err)
	}
	return nil
}
