package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "huddle/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Subprotocol is the WebSocket subprotocol the session negotiates.
const Subprotocol = "huddle.chat.v1"

const (
	defaultEventBuffer  = 256
	defaultOpTimeout    = 10 * time.Second
	defaultHistoryLimit = 50
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 5 * time.Second
	defaultTypingStop   = 1200 * time.Millisecond
	defaultOrigin       = "http://localhost"

	maxInboundFrameBytes = 64 << 10
)

// Config describes a chat session. BaseURL, Token, and MeetingID are
// required; everything else has working defaults.
type Config struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:8080".
	BaseURL string
	// Token is the signed identity token presented in hello and on the
	// read API.
	Token string
	// MeetingID is the meeting to join.
	MeetingID string
	// Avatar is an optional avatar URL attached to outgoing messages.
	Avatar string

	// Origin is sent on the WebSocket handshake. The gateway rejects
	// handshakes without one unless configured otherwise, so it defaults
	// to "http://localhost" which the gateway allows out of the box.
	Origin string

	// EventBuffer sizes the Events channel. Events are dropped, with a
	// warning log, when the consumer falls this far behind.
	EventBuffer int
	// OpTimeout bounds individual writes, the connect handshake, and the
	// history fetch.
	OpTimeout time.Duration
	// HistoryLimit caps how many messages the history bootstrap requests.
	HistoryLimit int
	// ReconnectMin and ReconnectMax bound the retry backoff. The delay
	// starts at ReconnectMin and doubles up to ReconnectMax.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// TypingStopAfter is how long after the last keystroke the session
	// emits typing_stop.
	TypingStopAfter time.Duration

	// HTTPClient serves both the WebSocket handshake and history reads.
	HTTPClient *http.Client
	// Scheduler drives the typing stop delay. Tests inject a manual one.
	Scheduler Scheduler
	// Clock stamps outgoing envelopes and placeholders.
	Clock func() time.Time
	// Logger receives session diagnostics.
	Logger *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	c.MeetingID = strings.TrimSpace(c.MeetingID)
	if c.BaseURL == "" {
		return c, errors.New("chatclient: missing base url")
	}
	if c.Token == "" {
		return c, errors.New("chatclient: missing token")
	}
	if c.MeetingID == "" {
		return c, errors.New("chatclient: missing meeting id")
	}
	if c.Origin == "" {
		c.Origin = defaultOrigin
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.TypingStopAfter <= 0 {
		c.TypingStopAfter = defaultTypingStop
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Scheduler == nil {
		c.Scheduler = wallScheduler{}
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

// Session is one live chat connection to one meeting. All methods are safe
// for concurrent use.
type Session struct {
	cfg    Config
	log    *slog.Logger
	http   *http.Client
	now    func() time.Time
	typing *typingCoalescer

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
	closeStop context.CancelFunc

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connID     string
	userID     string
	userName   string
	transcript *transcript
}

// Dial opens a session: it connects, authenticates, joins the meeting, and
// starts the read and reconnect loop. The returned session is Connected and
// its history bootstrap is already running.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	closeCtx, closeStop := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		log:        cfg.Logger,
		http:       cfg.HTTPClient,
		now:        cfg.Clock,
		events:     make(chan Event, cfg.EventBuffer),
		done:       make(chan struct{}),
		closeCtx:   closeCtx,
		closeStop:  closeStop,
		state:      StateIdle,
		transcript: newTranscript(),
	}
	s.typing = newTypingCoalescer(cfg.Scheduler, cfg.TypingStopAfter, s.sendTypingStart, s.sendTypingStop)

	s.setState(StateConnecting, nil)
	conn, err := s.connect(ctx)
	if err != nil {
		closeStop()
		return nil, err
	}

	go s.run(conn)
	return s, nil
}

// Events returns the notification stream. The channel is never closed; the
// StateChange carrying StateClosed is the terminal event.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionID returns the server-assigned id of the current connection. It
// changes across reconnects.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// UserID returns the authenticated user id from the hello handshake.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// UserName returns the authenticated display name from the hello handshake.
func (s *Session) UserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userName
}

// Messages returns a copy of the local transcript, oldest first. Pending
// entries are optimistic sends the server has not confirmed yet.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.snapshot()
}

// Send posts a message to the meeting. The returned Message is the local
// placeholder: it carries a TempID, is flagged Pending, and is replaced in
// the transcript once the server echo arrives. While the transport is down
// the placeholder is buffered but not retransmitted; callers that need
// delivery should watch for the matching MessageResolved event.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if s.isClosed() {
		return Message{}, ErrClosed
	}

	s.mu.Lock()
	conn := s.conn
	placeholder := Message{
		TempID:       uuid.NewString(),
		MeetingID:    s.cfg.MeetingID,
		SenderID:     s.userID,
		SenderName:   s.userName,
		SenderAvatar: s.cfg.Avatar,
		Kind:         v1.KindUser,
		Text:         text,
		Timestamp:    s.now(),
		Pending:      true,
	}
	s.transcript.appendPending(placeholder)
	s.mu.Unlock()

	s.typing.Flush()

	if conn == nil {
		return placeholder, nil
	}

	env, err := s.newEnvelope(v1.TypeSendMessage, v1.SendMessagePayload{
		MeetingID:    s.cfg.MeetingID,
		Message:      text,
		SenderID:     placeholder.SenderID,
		SenderName:   placeholder.SenderName,
		SenderAvatar: s.cfg.Avatar,
	})
	if err != nil {
		return placeholder, err
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := writeEnvelope(wctx, conn, env); err != nil {
		s.log.Warn("session.send.fail", "temp_id", placeholder.TempID, "err", err)
		return placeholder, err
	}
	return placeholder, nil
}

// Typing reports keyboard activity. Call it on every keystroke: typing_start
// goes out immediately and the coalesced typing_stop is rescheduled.
func (s *Session) Typing() {
	if s.isClosed() {
		return
	}
	s.typing.Keystroke()
}

// StopTyping clears the typing indicator immediately instead of waiting out
// the coalescing delay.
func (s *Session) StopTyping() {
	s.typing.Flush()
}

// React adds an emoji reaction to a message. The server fans the reaction
// back out to the whole meeting, including this session.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	conn := s.conn
	userID := s.userID
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := s.newEnvelope(v1.TypeReactToMessage, v1.ReactToMessagePayload{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
	})
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	return writeEnvelope(wctx, conn, env)
}

// Close tears the session down, stopping reconnect attempts. It is
// idempotent and returns once the background loop has exited.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.typing.Reset()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = StateClosed
		s.mu.Unlock()

		s.emit(StateChange{State: StateClosed})
		s.closeStop()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}
	})
	<-s.done
	return nil
}

// run owns the connection: it pumps inbound frames and, when the transport
// fails, reconnects with capped backoff until Close.
func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)

	for {
		err := s.pump(conn)
		if s.isClosed() {
			return
		}

		s.typing.Reset()
		s.clearConn()
		s.setState(StateReconnecting, err)

		next, ok := s.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

func (s *Session) pump(conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(s.closeCtx, conn)
		if err != nil {
			return err
		}
		s.dispatch(env)
	}
}

// reconnect retries forever with doubling backoff until a connection is
// established or the session is closed.
func (s *Session) reconnect() (*websocket.Conn, bool) {
	backoff := s.cfg.ReconnectMin
	for {
		if !s.sleep(backoff) {
			return nil, false
		}
		backoff = nextBackoff(backoff, s.cfg.ReconnectMax)

		conn, err := s.connect(s.closeCtx)
		if err != nil {
			if s.isClosed() {
				return nil, false
			}
			s.log.Warn("session.reconnect.fail", "err", err)
			continue
		}
		if s.isClosed() {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return nil, false
		}
		return conn, true
	}
}

// connect dials the gateway and performs the hello and join handshake. On
// success the session is Connected and the history bootstrap is running.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Origin", s.cfg.Origin)

	conn, resp, err := websocket.Dial(hctx, s.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPClient:   s.http,
		HTTPHeader:   hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.wsURL(), err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	conn.SetReadLimit(maxInboundFrameBytes)

	if err := s.handshake(hctx, conn); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return nil, err
	}

	go s.loadHistory()
	return conn, nil
}

func (s *Session) handshake(ctx context.Context, conn *websocket.Conn) error {
	hello, err := s.newEnvelope(v1.TypeHello, v1.HelloPayload{Token: s.cfg.Token})
	if err != nil {
		return err
	}
	if err := writeEnvelope(ctx, conn, hello); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	ack, err := s.awaitAck(ctx, conn, v1.TypeHelloAck)
	if err != nil {
		return err
	}
	var hp v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &hp); err != nil {
		return fmt.Errorf("hello_ack payload: %w", err)
	}

	join, err := s.newEnvelope(v1.TypeJoinMeeting, v1.JoinMeetingPayload{
		MeetingID: s.cfg.MeetingID,
		UserID:    hp.UserID,
		UserName:  hp.UserName,
	})
	if err != nil {
		return err
	}
	if err := writeEnvelope(ctx, conn, join); err != nil {
		return fmt.Errorf("join_meeting: %w", err)
	}
	if _, err := s.awaitAck(ctx, conn, v1.TypeJoinAck); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connID = hp.ConnectionID
	s.userID = hp.UserID
	s.userName = hp.UserName
	s.mu.Unlock()

	s.log.Info("session.connected",
		"conn_id", hp.ConnectionID, "user_id", hp.UserID, "meeting_id", s.cfg.MeetingID)
	s.setState(StateConnected, nil)
	return nil
}

// awaitAck reads until the wanted envelope type arrives, dispatching meeting
// events that interleave. An error envelope fails the handshake.
func (s *Session) awaitAck(ctx context.Context, conn *websocket.Conn, want string) (v1.Envelope, error) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return v1.Envelope{}, fmt.Errorf("awaiting %s: %w", want, err)
		}
		if env.Type == want {
			return env, nil
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.Envelope{}, fmt.Errorf("awaiting %s: server error %s: %s", want, p.Code, p.Message)
		}
		s.dispatch(env)
	}
}

// loadHistory bootstraps the transcript from the read API and merges it with
// any buffered optimistic messages. HistoryLoaded carries the full merged
// snapshot so consumers can re-render from it.
func (s *Session) loadHistory() {
	ctx, cancel := context.WithTimeout(s.closeCtx, s.cfg.OpTimeout)
	defer cancel()

	history, err := s.fetchHistory(ctx)
	if err != nil {
		if !s.isClosed() {
			s.log.Warn("session.history.fail", "err", err)
		}
		return
	}

	s.mu.Lock()
	added := s.transcript.merge(history, reconcileWindow)
	snap := s.transcript.snapshot()
	s.mu.Unlock()

	s.log.Debug("session.history.loaded", "fetched", len(history), "added", added)
	s.emit(HistoryLoaded{Messages: snap})
}

func (s *Session) fetchHistory(ctx context.Context) ([]Message, error) {
	u := s.cfg.BaseURL + "/api/messages?meetingId=" + url.QueryEscape(s.cfg.MeetingID) +
		"&limit=" + strconv.Itoa(s.cfg.HistoryLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Messages []v1.MessagePayload `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("history: decode: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, p := range out.Messages {
		msgs = append(msgs, fromWire(p))
	}
	return msgs, nil
}

func (s *Session) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeNewMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("session.payload.bad", "type", env.Type, "err", err)
			return
		}
		s.applyServerMessage(fromWire(p))

	case v1.TypeUserJoined, v1.TypeUserLeft:
		var p v1.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("session.payload.bad", "type", env.Type, "err", err)
			return
		}
		s.emit(PresenceChanged{UserID: p.UserID, UserName: p.UserName, Joined: env.Type == v1.TypeUserJoined})

	case v1.TypeUserTyping, v1.TypeUserStoppedTyping:
		var p v1.TypingEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("session.payload.bad", "type", env.Type, "err", err)
			return
		}
		s.emit(TypingChanged{UserID: p.UserID, UserName: p.UserName, Typing: env.Type == v1.TypeUserTyping})

	case v1.TypeMessageReaction:
		var p v1.MessageReactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("session.payload.bad", "type", env.Type, "err", err)
			return
		}
		r := Reaction(p.Reaction)
		s.mu.Lock()
		known := s.transcript.addReaction(p.MessageID, r)
		s.mu.Unlock()
		if !known {
			s.log.Debug("session.reaction.unknown_message", "message_id", p.MessageID)
		}
		s.emit(ReactionAdded{MessageID: p.MessageID, Reaction: r})

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("session.payload.bad", "type", env.Type, "err", err)
			return
		}
		s.log.Info("session.server.error", "code", p.Code, "msg", p.Message)
		s.emit(ServerError{Code: p.Code, Message: p.Message})

	case v1.TypeHelloAck, v1.TypeJoinAck:
		// Handshake frames; consumed during connect.

	default:
		s.log.Debug("session.envelope.ignored", "type", env.Type)
	}
}

func (s *Session) applyServerMessage(m Message) {
	s.mu.Lock()
	res, tempID := s.transcript.apply(m, reconcileWindow)
	s.mu.Unlock()

	switch res {
	case applyResolved:
		s.emit(MessageResolved{TempID: tempID, Message: m})
	case applyAppended:
		s.emit(MessageReceived{Message: m})
	}
}

func (s *Session) sendTypingStart() { s.sendTyping(v1.TypeTypingStart) }
func (s *Session) sendTypingStop()  { s.sendTyping(v1.TypeTypingStop) }

func (s *Session) sendTyping(typ string) {
	s.mu.Lock()
	conn := s.conn
	p := v1.TypingPayload{MeetingID: s.cfg.MeetingID, UserID: s.userID, UserName: s.userName}
	s.mu.Unlock()
	if conn == nil {
		return
	}

	env, err := s.newEnvelope(typ, p)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	if err := writeEnvelope(ctx, conn, env); err != nil {
		s.log.Debug("session.typing.fail", "type", typ, "err", err)
	}
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	if err != nil {
		s.log.Info("session.state", "state", st.String(), "err", err)
	} else {
		s.log.Info("session.state", "state", st.String())
	}
	s.emit(StateChange{State: st, Err: err})
}

func (s *Session) clearConn() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	return s.closeCtx.Err() != nil
}

// sleep waits d or until Close, reporting false on Close.
func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.closeCtx.Done():
		return false
	}
}

// emit delivers without blocking; a full buffer drops the event.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("session.events.drop", "event", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) newEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      s.now(),
		Payload: raw,
	}, nil
}

func (s *Session) wsURL() string {
	base := s.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case !strings.Contains(base, "://"):
		base = "ws://" + base
	}
	return base + "/ws"
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// ---- wire helpers ----

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	typ, raw, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unexpected frame type %v", typ)
	}
	var env v1.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}
