package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-meeting transactional advisory locks so message timestamps are
//   strictly non-decreasing within a meeting even under concurrent sends.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "huddle").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "huddle",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close(_ context.Context) error { return nil }

// SaveMessage inserts a message with a store-assigned id and a timestamp
// clamped to be non-decreasing within the meeting.
func (s *PostgresStore) SaveMessage(ctx context.Context, in SaveMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.MeetingID == "" || in.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing meeting or sender", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, persistErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize writes per meeting so the ts clamp below is race-free.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.MeetingID); err != nil {
		return Message{}, persistErr("advisory lock", err)
	}

	ts := s.now()
	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(ts) FROM `+messages+` WHERE meeting_id = $1`,
		in.MeetingID,
	).Scan(&last); err != nil {
		return Message{}, persistErr("read last ts", err)
	}
	if last != nil && ts.Before(*last) {
		ts = *last
	}

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

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, meeting_id, sender_id, sender_name, sender_avatar, kind, text, ts, edited, reactions
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, '[]'::jsonb)`,
		msg.ID, msg.MeetingID, msg.SenderID, msg.SenderName, msg.SenderAvatar, string(msg.Kind), msg.Text, msg.TS,
	); err != nil {
		return Message{}, persistErr("insert message", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, persistErr("commit", err)
	}
	return msg, nil
}

// AppendReaction appends onto the message's JSONB reaction sequence.
func (s *PostgresStore) AppendReaction(ctx context.Context, meetingID, messageID string, r Reaction) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if meetingID == "" || messageID == "" {
		return fmt.Errorf("%w: missing meeting or message id", ErrValidation)
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET reactions = reactions || $3::jsonb
		  WHERE id = $1 AND meeting_id = $2`,
		messageID, meetingID, r,
	)
	if err != nil {
		return persistErr("append reaction", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return nil
}

// UpsertChatSession creates or reactivates the (meeting, user) session.
func (s *PostgresStore) UpsertChatSession(ctx context.Context, meetingID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if meetingID == "" || userID == "" {
		return fmt.Errorf("%w: missing meeting or user", ErrValidation)
	}

	sessions := pgIdent(s.schema, "chat_sessions")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+sessions+` (meeting_id, user_id, joined_at, active)
		 VALUES ($1, $2, $3, true)
		 ON CONFLICT (meeting_id, user_id)
		 DO UPDATE SET active = true, joined_at = EXCLUDED.joined_at, left_at = NULL`,
		meetingID, userID, s.now(),
	); err != nil {
		return persistErr("upsert chat session", err)
	}
	return nil
}

// CloseChatSession finalizes the (meeting, user) session.
func (s *PostgresStore) CloseChatSession(ctx context.Context, meetingID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}

	sessions := pgIdent(s.schema, "chat_sessions")

	if _, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+`
		    SET active = false, left_at = $3
		  WHERE meeting_id = $1 AND user_id = $2 AND active`,
		meetingID, userID, s.now(),
	); err != nil {
		return persistErr("close chat session", err)
	}
	return nil
}

// FindRecentSystemMessage returns the newest matching system message at or
// after since, or nil when none exists.
func (s *PostgresStore) FindRecentSystemMessage(ctx context.Context, meetingID, senderID, text string, since time.Time) (*Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	var m Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, meeting_id, sender_id, sender_name, sender_avatar, kind, text, ts, edited, reactions
		   FROM `+messages+`
		  WHERE meeting_id = $1 AND kind = $2 AND sender_id = $3 AND text = $4 AND ts >= $5
		  ORDER BY ts DESC, id DESC
		  LIMIT 1`,
		meetingID, string(MessageKindSystem), senderID, text, since,
	).Scan(&m.ID, &m.MeetingID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Kind, &m.Text, &m.TS, &m.Edited, &m.Reactions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find recent system message", err)
	}
	return &m, nil
}

// ListMessages returns the most recent `limit` messages, oldest-first.
func (s *PostgresStore) ListMessages(ctx context.Context, meetingID string, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if meetingID == "" {
		return nil, fmt.Errorf("%w: missing meeting id", ErrValidation)
	}

	limit = clampHistoryLimit(limit)

	messages := pgIdent(s.schema, "messages")

	// Newest-first query bounded by limit, then reversed for presentation.
	rows, err := s.pool.Query(ctx,
		`SELECT id, meeting_id, sender_id, sender_name, sender_avatar, kind, text, ts, edited, reactions
		   FROM `+messages+`
		  WHERE meeting_id = $1
		  ORDER BY ts DESC, id DESC
		  LIMIT $2`,
		meetingID, limit,
	)
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.MeetingID,
			&m.SenderID,
			&m.SenderName,
			&m.SenderAvatar,
			&m.Kind,
			&m.Text,
			&m.TS,
			&m.Edited,
			&m.Reactions,
		); err != nil {
			return nil, persistErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list messages", err)
	}

	return lo.Reverse(msgs), nil
}

// GetMeeting returns the meeting record used for authorization.
func (s *PostgresStore) GetMeeting(ctx context.Context, meetingID string) (Meeting, error) {
	if s == nil || s.pool == nil {
		return Meeting{}, errors.New("chat: nil store")
	}

	meetings := pgIdent(s.schema, "meetings")

	var m Meeting
	err := s.pool.QueryRow(ctx,
		`SELECT id, host_id, participants, started_at FROM `+meetings+` WHERE id = $1`,
		meetingID,
	).Scan(&m.ID, &m.HostID, &m.Participants, &m.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
	}
	if err != nil {
		return Meeting{}, persistErr("get meeting", err)
	}
	return m, nil
}

// UpsertMeeting stores or replaces a meeting record.
func (s *PostgresStore) UpsertMeeting(ctx context.Context, m Meeting) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if m.ID == "" {
		return fmt.Errorf("%w: missing meeting id", ErrValidation)
	}

	meetings := pgIdent(s.schema, "meetings")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+meetings+` (id, host_id, participants, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id)
		 DO UPDATE SET host_id = EXCLUDED.host_id,
		               participants = EXCLUDED.participants,
		               started_at = EXCLUDED.started_at`,
		m.ID, m.HostID, m.Participants, m.StartedAt,
	); err != nil {
		return persistErr("upsert meeting", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
