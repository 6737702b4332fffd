package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	v1 "huddle/contracts/chat/v1"
)

// BroadcasterConfig tunes the coordination behavior. Zero values select the
// package defaults.
type BroadcasterConfig struct {
	// TypingIdle is how long a typing indicator lives without a refresh.
	TypingIdle time.Duration

	// PresenceWindow suppresses repeated presence events for the same
	// (meeting, user, status) regardless of source.
	PresenceWindow time.Duration

	// SystemWindow suppresses re-persisting an identical system message.
	// Store-backed, so it holds across coordinator restarts.
	SystemWindow time.Duration

	// AutocreateMeetings provisions unknown meetings on first join instead
	// of rejecting them. Intended for dev and single-service deployments
	// where no media plane owns the meeting records.
	AutocreateMeetings bool

	// Clock and Scheduler exist for deterministic tests.
	Clock     func() time.Time
	Scheduler Scheduler
}

// Broadcaster coordinates the chat plane: it owns the decision of what gets
// persisted, what gets fanned out, and to whom. The WS gateway and the REST
// API stay protocol adapters around it.
//
// Fanout rules:
//   - new_message and message_reaction go to every connection in the room,
//     sender included (the authoritative copy).
//   - user_joined, user_left, user_typing, user_stopped_typing go to other
//     participants only.
type Broadcaster struct {
	log      *slog.Logger
	store    Store
	registry *Registry
	dedup    *DedupGuard
	typing   *TypingCoordinator
	metrics  *Metrics

	presenceWindow time.Duration
	systemWindow   time.Duration
	autocreate     bool
	now            func() time.Time
}

// NewBroadcaster wires the coordinator. log, store, registry and metrics are
// required; cfg fields are optional.
func NewBroadcaster(log *slog.Logger, store Store, registry *Registry, metrics *Metrics, cfg BroadcasterConfig) *Broadcaster {
	if cfg.PresenceWindow <= 0 {
		cfg.PresenceWindow = defaultPresenceDedupWindow
	}
	if cfg.SystemWindow <= 0 {
		cfg.SystemWindow = defaultSystemMsgDedupWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	b := &Broadcaster{
		log:            log,
		store:          store,
		registry:       registry,
		dedup:          NewDedupGuard(),
		metrics:        metrics,
		presenceWindow: cfg.PresenceWindow,
		systemWindow:   cfg.SystemWindow,
		autocreate:     cfg.AutocreateMeetings,
		now:            cfg.Clock,
	}
	b.dedup.now = cfg.Clock
	b.typing = NewTypingCoordinator(log, cfg.Scheduler, cfg.TypingIdle, b.typingExpired)
	return b
}

// RegisterConn admits an authenticated connection. It is not in any room
// until JoinMeeting.
func (b *Broadcaster) RegisterConn(conn *Conn) {
	b.registry.Register(conn)
	b.metrics.ConnectionsActive.Inc()
}

// JoinMeeting places the connection in the meeting room, records the chat
// session, and announces the arrival. Joining a meeting the user is already
// present in is a no-op apart from session bookkeeping.
func (b *Broadcaster) JoinMeeting(ctx context.Context, conn *Conn, p v1.JoinMeetingPayload) error {
	if conn == nil {
		return fmt.Errorf("%w: no connection", ErrValidation)
	}
	meetingID := strings.TrimSpace(p.MeetingID)
	if meetingID == "" {
		return fmt.Errorf("%w: missing meetingId", ErrValidation)
	}
	if p.UserID != "" && p.UserID != conn.UserID {
		return fmt.Errorf("%w: userId does not match session identity", ErrUnauthorized)
	}

	if err := b.authorizeJoin(ctx, meetingID, conn.UserID); err != nil {
		return err
	}

	name := displayName(p.UserName, conn.UserName)

	res := b.registry.Join(conn, meetingID)
	if res.PrevMeetingID != "" {
		b.departMeeting(ctx, res.PrevMeetingID, conn.UserID, name, res.PrevLastOfUser)
	}

	// Session records are bookkeeping, not authorization: a store hiccup
	// here must not undo a live join.
	if err := b.store.UpsertChatSession(ctx, meetingID, conn.UserID); err != nil {
		b.log.Error("chat.session.upsert.fail", "meeting_id", meetingID, "user_id", conn.UserID, "err", err)
	}

	defer b.syncMeetingGauge()

	if res.AlreadyPresent {
		b.log.Debug("meeting.join.duplicate", "meeting_id", meetingID, "user_id", conn.UserID)
		return nil
	}

	b.fanout(meetingID, conn.UserID, v1.TypeUserJoined, v1.PresencePayload{UserID: conn.UserID, UserName: name})

	// The arrival notice runs through the same guarded path as media-plane
	// status updates, so whichever source reports first wins and the other
	// is suppressed.
	if err := b.announcePresence(ctx, meetingID, conn.UserID, name, v1.StatusJoined); err != nil {
		b.log.Error("presence.announce.fail", "meeting_id", meetingID, "user_id", conn.UserID, "err", err)
	}
	return nil
}

// SendMessage persists a user message and fans it out to the whole room.
func (b *Broadcaster) SendMessage(ctx context.Context, conn *Conn, p v1.SendMessagePayload) (Message, error) {
	meetingID, err := b.requireMembership(conn, p.MeetingID, p.SenderID)
	if err != nil {
		return Message{}, err
	}

	text := strings.TrimSpace(p.Message)
	if err := validateMessageText(text); err != nil {
		return Message{}, err
	}

	msg, err := b.store.SaveMessage(ctx, SaveMessageInput{
		MeetingID:    meetingID,
		SenderID:     conn.UserID,
		SenderName:   displayName(p.SenderName, conn.UserName),
		SenderAvatar: displayName(p.SenderAvatar, conn.Avatar),
		Kind:         MessageKindUser,
		Text:         text,
	})
	if err != nil {
		return Message{}, err
	}

	b.metrics.MessagesPersisted.WithLabelValues(string(msg.Kind)).Inc()
	b.fanout(meetingID, "", v1.TypeNewMessage, messagePayload(msg))
	return msg, nil
}

// TypingStart marks the sender as typing. Only the idle->typing transition
// is broadcast; refreshes silently re-arm the expiry.
func (b *Broadcaster) TypingStart(conn *Conn, p v1.TypingPayload) error {
	meetingID, err := b.requireMembership(conn, p.MeetingID, p.UserID)
	if err != nil {
		return err
	}

	name := displayName(p.UserName, conn.UserName)
	if b.typing.Start(meetingID, conn.UserID, name) {
		b.fanout(meetingID, conn.UserID, v1.TypeUserTyping, v1.TypingEventPayload{UserID: conn.UserID, UserName: name})
	}
	return nil
}

// TypingStop clears the sender's typing state. Redundant stops (already
// expired, never started) are accepted silently.
func (b *Broadcaster) TypingStop(conn *Conn, p v1.TypingPayload) error {
	meetingID, err := b.requireMembership(conn, p.MeetingID, p.UserID)
	if err != nil {
		return err
	}

	if stopped, name := b.typing.Stop(meetingID, conn.UserID); stopped {
		b.fanout(meetingID, conn.UserID, v1.TypeUserStoppedTyping, v1.TypingEventPayload{UserID: conn.UserID, UserName: name})
	}
	return nil
}

// ReactToMessage appends a reaction to a message in the sender's joined
// meeting and fans it out to the whole room. Unknown messages return
// ErrNotFound and nothing is broadcast.
func (b *Broadcaster) ReactToMessage(ctx context.Context, conn *Conn, p v1.ReactToMessagePayload) error {
	meetingID, err := b.requireMembership(conn, "", p.UserID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return fmt.Errorf("%w: missing messageId", ErrValidation)
	}
	emoji := strings.TrimSpace(p.Emoji)
	if emoji == "" {
		return fmt.Errorf("%w: missing emoji", ErrValidation)
	}
	if utf8.RuneCountInString(emoji) > maxEmojiChars {
		return fmt.Errorf("%w: emoji exceeds %d characters", ErrValidation, maxEmojiChars)
	}

	r := Reaction{UserID: conn.UserID, Emoji: emoji, TS: b.now()}
	if err := b.store.AppendReaction(ctx, meetingID, p.MessageID, r); err != nil {
		return err
	}

	b.fanout(meetingID, "", v1.TypeMessageReaction, v1.MessageReactionPayload{
		MessageID: p.MessageID,
		Reaction:  v1.ReactionPayload{UserID: r.UserID, Emoji: r.Emoji, Timestamp: r.TS},
	})
	return nil
}

// ParticipantStatus handles media-plane presence reports. The subject user
// may differ from the reporting connection; the reporter only needs to be in
// the room.
func (b *Broadcaster) ParticipantStatus(ctx context.Context, conn *Conn, p v1.ParticipantStatusPayload) error {
	if conn == nil {
		return fmt.Errorf("%w: no connection", ErrValidation)
	}
	joined, ok := b.registry.MeetingOf(conn.ID)
	if !ok {
		return fmt.Errorf("%w: join a meeting first", ErrValidation)
	}
	meetingID := p.MeetingID
	if meetingID == "" {
		meetingID = joined
	}
	if meetingID != joined {
		return fmt.Errorf("%w: meetingId does not match joined meeting", ErrValidation)
	}
	if p.Status != v1.StatusJoined && p.Status != v1.StatusLeft {
		return fmt.Errorf("%w: status must be %q or %q", ErrValidation, v1.StatusJoined, v1.StatusLeft)
	}
	subject := strings.TrimSpace(p.UserID)
	if subject == "" {
		return fmt.Errorf("%w: missing userId", ErrValidation)
	}

	name := p.UserName
	if name == "" {
		name = b.lookupName(meetingID, subject)
	}
	return b.announcePresence(ctx, meetingID, subject, name, p.Status)
}

// Disconnect tears down a connection: registry removal, session close,
// typing cleanup, and the user_left event when this was the user's last
// connection in the room. No system message is synthesized here; departure
// notices come from the media plane via ParticipantStatus.
func (b *Broadcaster) Disconnect(ctx context.Context, connID string) {
	res := b.registry.Leave(connID)
	if !res.Found {
		return
	}

	b.metrics.ConnectionsActive.Dec()

	if res.User.MeetingID != "" {
		b.departMeeting(ctx, res.User.MeetingID, res.User.UserID, res.User.UserName, res.LastOfUser)
	}
	b.syncMeetingGauge()
}

// History returns the most recent messages of a meeting, oldest-first, for
// a user that is authorized to read them.
func (b *Broadcaster) History(ctx context.Context, meetingID, userID string, limit int) ([]Message, error) {
	if strings.TrimSpace(meetingID) == "" {
		return nil, fmt.Errorf("%w: missing meetingId", ErrValidation)
	}

	m, err := b.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if !m.Allows(userID) {
		return nil, fmt.Errorf("%w: user %s is not a participant of %s", ErrUnauthorized, userID, meetingID)
	}

	b.metrics.HistoryRequests.Inc()
	return b.store.ListMessages(ctx, meetingID, limit)
}

// PostMessage persists and fans out a message on behalf of the REST API.
// Unlike SendMessage it does not require a live WS connection, only that the
// sender is authorized for the meeting.
func (b *Broadcaster) PostMessage(ctx context.Context, in SaveMessageInput) (Message, error) {
	if strings.TrimSpace(in.MeetingID) == "" {
		return Message{}, fmt.Errorf("%w: missing meetingId", ErrValidation)
	}

	m, err := b.store.GetMeeting(ctx, in.MeetingID)
	if err != nil {
		return Message{}, err
	}
	if !m.Allows(in.SenderID) {
		return Message{}, fmt.Errorf("%w: user %s is not a participant of %s", ErrUnauthorized, in.SenderID, in.MeetingID)
	}

	in.Text = strings.TrimSpace(in.Text)
	if err := validateMessageText(in.Text); err != nil {
		return Message{}, err
	}
	if in.Kind == "" {
		in.Kind = MessageKindUser
	}

	msg, err := b.store.SaveMessage(ctx, in)
	if err != nil {
		return Message{}, err
	}

	b.metrics.MessagesPersisted.WithLabelValues(string(msg.Kind)).Inc()
	b.fanout(msg.MeetingID, "", v1.TypeNewMessage, messagePayload(msg))
	return msg, nil
}

// Shutdown cancels pending typing expiries. Connection teardown is the
// gateway's job.
func (b *Broadcaster) Shutdown() {
	b.typing.Shutdown()
}

// ---- internal plumbing ----

// authorizeJoin checks the meeting record, provisioning or extending it when
// autocreate is on.
func (b *Broadcaster) authorizeJoin(ctx context.Context, meetingID, userID string) error {
	m, err := b.store.GetMeeting(ctx, meetingID)
	switch {
	case err == nil:
		if m.Allows(userID) {
			return nil
		}
		if !b.autocreate {
			return fmt.Errorf("%w: user %s is not a participant of %s", ErrUnauthorized, userID, meetingID)
		}
		m.Participants = append(m.Participants, userID)
		return b.store.UpsertMeeting(ctx, m)

	case IsNotFound(err):
		if !b.autocreate {
			return err
		}
		b.log.Info("meeting.autocreate", "meeting_id", meetingID, "host_id", userID)
		return b.store.UpsertMeeting(ctx, Meeting{
			ID:           meetingID,
			HostID:       userID,
			Participants: []string{userID},
			StartedAt:    b.now(),
		})

	default:
		return err
	}
}

// announcePresence synthesizes the "<name> joined/left the meeting" system
// message behind both dedup windows. Chat joins and media-plane status
// updates share this path, so whichever source fires first wins.
func (b *Broadcaster) announcePresence(ctx context.Context, meetingID, userID, userName, status string) error {
	if b.dedup.ShouldSuppress(meetingID, userID, status, b.presenceWindow) {
		b.metrics.SystemSuppressed.Inc()
		b.log.Debug("presence.suppress.window", "meeting_id", meetingID, "user_id", userID, "status", status)
		return nil
	}

	text := presenceText(userName, status)
	since := b.now().Add(-b.systemWindow)

	existing, err := b.store.FindRecentSystemMessage(ctx, meetingID, userID, text, since)
	if err != nil {
		return err
	}
	if existing != nil {
		b.metrics.SystemSuppressed.Inc()
		b.log.Debug("presence.suppress.content", "meeting_id", meetingID, "user_id", userID, "msg_id", existing.ID)
		return nil
	}

	msg, err := b.store.SaveMessage(ctx, SaveMessageInput{
		MeetingID:  meetingID,
		SenderID:   userID,
		SenderName: userName,
		Kind:       MessageKindSystem,
		Text:       text,
	})
	if err != nil {
		return err
	}

	b.metrics.MessagesPersisted.WithLabelValues(string(msg.Kind)).Inc()
	b.fanout(meetingID, "", v1.TypeNewMessage, messagePayload(msg))
	return nil
}

// departMeeting finalizes one user's departure from a room. Only the last
// connection of the user triggers the session close and the user_left event.
func (b *Broadcaster) departMeeting(ctx context.Context, meetingID, userID, userName string, lastOfUser bool) {
	if !lastOfUser {
		return
	}

	if err := b.store.CloseChatSession(ctx, meetingID, userID); err != nil {
		b.log.Error("chat.session.close.fail", "meeting_id", meetingID, "user_id", userID, "err", err)
	}

	if stopped, name := b.typing.Stop(meetingID, userID); stopped {
		b.fanout(meetingID, userID, v1.TypeUserStoppedTyping, v1.TypingEventPayload{UserID: userID, UserName: name})
	}

	b.fanout(meetingID, userID, v1.TypeUserLeft, v1.PresencePayload{UserID: userID, UserName: userName})
}

// typingExpired is the coordinator's idle-timeout callback.
func (b *Broadcaster) typingExpired(meetingID, userID, userName string) {
	b.metrics.TypingExpiries.Inc()
	b.fanout(meetingID, userID, v1.TypeUserStoppedTyping, v1.TypingEventPayload{UserID: userID, UserName: userName})
}

// requireMembership resolves and checks the conn's joined meeting. meetingID
// and userID are the payload claims; empty claims default to the session's.
func (b *Broadcaster) requireMembership(conn *Conn, meetingID, userID string) (string, error) {
	if conn == nil {
		return "", fmt.Errorf("%w: no connection", ErrValidation)
	}
	joined, ok := b.registry.MeetingOf(conn.ID)
	if !ok {
		return "", fmt.Errorf("%w: join a meeting first", ErrValidation)
	}
	if meetingID != "" && meetingID != joined {
		return "", fmt.Errorf("%w: meetingId does not match joined meeting", ErrValidation)
	}
	if userID != "" && userID != conn.UserID {
		return "", fmt.Errorf("%w: userId does not match session identity", ErrUnauthorized)
	}
	return joined, nil
}

// fanout broadcasts one typed payload to the room. exceptUserID == "" sends
// to everyone.
func (b *Broadcaster) fanout(meetingID, exceptUserID, typ string, payload any) {
	env, err := newEnvelope(b.now(), typ, payload)
	if err != nil {
		b.log.Error("broadcast.encode.fail", "type", typ, "err", err)
		return
	}

	var delivered, dropped int
	if exceptUserID == "" {
		delivered, dropped = b.registry.Broadcast(meetingID, env)
	} else {
		delivered, dropped = b.registry.BroadcastExcept(meetingID, exceptUserID, env)
	}

	b.metrics.Broadcasts.Inc()
	if dropped > 0 {
		b.metrics.BroadcastDrops.Add(float64(dropped))
		b.log.Warn("broadcast.drop", "meeting_id", meetingID, "type", typ, "dropped", dropped)
	}
	b.log.Debug("broadcast.sent", "meeting_id", meetingID, "type", typ, "delivered", delivered)
}

// lookupName resolves a display name from the live room, falling back to the
// raw user id for users known only to the media plane.
func (b *Broadcaster) lookupName(meetingID, userID string) string {
	for _, cu := range b.registry.Connections(meetingID) {
		if cu.UserID == userID && cu.UserName != "" {
			return cu.UserName
		}
	}
	return userID
}

func (b *Broadcaster) syncMeetingGauge() {
	_, rooms := b.registry.Counts()
	b.metrics.MeetingsActive.Set(float64(rooms))
}

func validateMessageText(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		return fmt.Errorf("%w: message exceeds %d characters", ErrValidation, maxMessageChars)
	}
	return nil
}

func presenceText(userName, status string) string {
	if status == v1.StatusLeft {
		return userName + " left the meeting"
	}
	return userName + " joined the meeting"
}

// displayName prefers the payload-supplied name over the session identity's;
// clients may carry a fresher profile than the token.
func displayName(fromPayload, fromSession string) string {
	if fromPayload != "" {
		return fromPayload
	}
	return fromSession
}

// newEnvelope wraps a typed payload for the wire.
func newEnvelope(now time.Time, typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewID(now),
		TS:      now,
		Payload: raw,
	}, nil
}

// messagePayload converts the persisted form to the wire form.
func messagePayload(m Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:           m.ID,
		MeetingID:    m.MeetingID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		Kind:         string(m.Kind),
		Text:         m.Text,
		Timestamp:    m.TS,
		Edited:       m.Edited,
		Reactions:    reactionPayloads(m.Reactions),
	}
}

func reactionPayloads(rs []Reaction) []v1.ReactionPayload {
	if len(rs) == 0 {
		return nil
	}
	return lo.Map(rs, func(r Reaction, _ int) v1.ReactionPayload {
		return v1.ReactionPayload{UserID: r.UserID, Emoji: r.Emoji, Timestamp: r.TS}
	})
}
