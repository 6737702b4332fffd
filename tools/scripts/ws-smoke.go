// Package main provides a CI-friendly WebSocket smoke test for the huddle
// chat plane.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment
//   - join_meeting/join_ack and presence fanout
//   - send_message fanout to sender and peer, exactly once
//   - typing start/stop fanout
//   - reaction fanout
//   - duplicate join is a no-op
//   - REST post fanout and history read
//
// The default tokens assume a server running with
// HUDDLE_IDENTITY_INSECURE=true; against a signed deployment pass real
// tokens minted with cmd/huddle-token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "huddle/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "huddle.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string
	userID       string
	userName     string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		meeting = flag.String("meeting", "dev-meeting-1", "Meeting ID to join")
		tokenA  = flag.String("token-a", "smoke-ada:Ada", "Identity token for client A")
		tokenB  = flag.String("token-b", "smoke-bob:Bob", "Identity token for client B")
		text    = flag.String("text", "hello team 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	httpBase := httpBaseURL(*wsURL)

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n",
			a.userID, a.connectionID, b.userID, b.connectionID, *origin)
	}

	mustJoin(root, a, *meeting, *timeout)
	mustJoin(root, b, *meeting, *timeout)

	// A joined first, so B's arrival must fan out to A.
	mustAssertPresence(root, a, v1.TypeUserJoined, b.userID, *timeout)

	// WS send: both sides receive the same persisted message, once.
	mustSendText(root, a, *meeting, *text, *timeout)
	echoed := mustReadUserMessage(root, a, *timeout)
	if echoed.SenderID != a.userID || echoed.Text != *text {
		fatalf("echo mismatch (A): got sender=%q text=%q", echoed.SenderID, echoed.Text)
	}
	if strings.TrimSpace(echoed.ID) == "" || echoed.Timestamp.IsZero() {
		fatalf("echo missing id/timestamp (A): %+v", echoed)
	}

	got := mustReadUserMessage(root, b, *timeout)
	if got.ID != echoed.ID || got.Text != *text || got.SenderID != a.userID || got.SenderName != a.userName {
		fatalf("fanout mismatch (B): got=%+v want id=%s sender=%s", got, echoed.ID, a.userID)
	}
	mustAssertNone(root, b, map[string]struct{}{v1.TypeNewMessage: {}}, 1200*time.Millisecond)

	// Typing indicator round trip.
	mustWriteWithTimeout(root, a.conn, clientEnv(a.name+"-typing-start", v1.TypeTypingStart,
		mustJSON(v1.TypingPayload{MeetingID: *meeting})), *timeout)
	typing := mustTypingEvent(root, b, v1.TypeUserTyping, *timeout)
	if typing.UserID != a.userID {
		fatalf("user_typing mismatch (B): got=%q want=%q", typing.UserID, a.userID)
	}

	mustWriteWithTimeout(root, a.conn, clientEnv(a.name+"-typing-stop", v1.TypeTypingStop,
		mustJSON(v1.TypingPayload{MeetingID: *meeting})), *timeout)
	stopped := mustTypingEvent(root, b, v1.TypeUserStoppedTyping, *timeout)
	if stopped.UserID != a.userID {
		fatalf("user_stopped_typing mismatch (B): got=%q want=%q", stopped.UserID, a.userID)
	}

	// Reaction: B reacts to A's message, the whole room hears about it.
	mustWriteWithTimeout(root, b.conn, clientEnv(b.name+"-react", v1.TypeReactToMessage,
		mustJSON(v1.ReactToMessagePayload{MessageID: echoed.ID, Emoji: "🎉"})), *timeout)
	reaction := mustReadReaction(root, a, *timeout)
	if reaction.MessageID != echoed.ID || reaction.Reaction.Emoji != "🎉" || reaction.Reaction.UserID != b.userID {
		fatalf("reaction mismatch (A): %+v", reaction)
	}
	_ = drainOptionalType(root, b, v1.TypeMessageReaction, 750*time.Millisecond)

	// REST post fans out over the live plane too.
	restText := fmt.Sprintf("rest ping %d", time.Now().UnixNano())
	mustRESTPost(httpBase, *tokenB, *meeting, restText, *timeout)
	posted := mustReadUserMessage(root, a, *timeout)
	if posted.SenderID != b.userID || posted.Text != restText {
		fatalf("rest fanout mismatch (A): got sender=%q text=%q", posted.SenderID, posted.Text)
	}
	_ = drainOptionalType(root, b, v1.TypeNewMessage, 750*time.Millisecond)

	// Re-joining a meeting the user is already in must not re-announce.
	mustJoin(root, b, *meeting, *timeout)
	mustAssertNone(root, a, map[string]struct{}{
		v1.TypeUserJoined: {},
		v1.TypeNewMessage: {},
	}, 1200*time.Millisecond)

	// History read returns the WS-sent message exactly once.
	mustHistoryContainsOnce(httpBase, *tokenB, *meeting, echoed.ID, a.userID, *text, *timeout)

	// Departure presence.
	closeWS(b.conn)
	mustAssertPresence(root, a, v1.TypeUserLeft, b.userID, *timeout)

	fmt.Printf("OK: a=%s b=%s meeting=%s msg_id=%s\n", a.userID, b.userID, *meeting, echoed.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// httpBaseURL maps the gateway URL onto the REST root it is mounted next to.
func httpBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	return strings.TrimRight(u.String(), "/")
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := clientEnv(name+"-hello", v1.TypeHello, mustJSON(v1.HelloPayload{Token: token}))
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connectionId (%s)", name)
	}
	if strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing userId (%s)", name)
	}
	c.connectionID = p.ConnectionID
	c.userID = p.UserID
	c.userName = p.UserName

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, meetingID string, stepTimeout time.Duration) {
	env := clientEnv(c.name+"-join", v1.TypeJoinMeeting, mustJSON(v1.JoinMeetingPayload{MeetingID: meetingID}))
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// System arrival notices can land ahead of the ack.
	skip := map[string]struct{}{
		v1.TypeNewMessage:      {},
		v1.TypeUserJoined:      {},
		v1.TypeMessageReaction: {},
	}
	ack := c.mustReadUntilType(parent, v1.TypeJoinAck, stepTimeout, skip)

	var p v1.JoinAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal join_ack payload (%s): %v", c.name, err)
	}
	if p.MeetingID != meetingID {
		fatalf("join_ack meetingId mismatch (%s): got=%q want=%q", c.name, p.MeetingID, meetingID)
	}
}

func mustSendText(parent context.Context, c *smokeClient, meetingID, text string, stepTimeout time.Duration) {
	env := clientEnv(fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()), v1.TypeSendMessage,
		mustJSON(v1.SendMessagePayload{MeetingID: meetingID, Message: text}))
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

// mustReadUserMessage reads until a user-kind new_message arrives, skipping
// system notices and presence/typing chatter.
func mustReadUserMessage(parent context.Context, c *smokeClient, stepTimeout time.Duration) v1.MessagePayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	skip := map[string]struct{}{
		v1.TypeUserJoined:        {},
		v1.TypeUserLeft:          {},
		v1.TypeUserTyping:        {},
		v1.TypeUserStoppedTyping: {},
	}
	for {
		env := c.mustReadUntilType(ctx, v1.TypeNewMessage, stepTimeout, skip)

		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal new_message payload (%s): %v", c.name, err)
		}
		if p.Kind == v1.KindUser {
			return p
		}
	}
}

func mustAssertPresence(parent context.Context, c *smokeClient, wantType, wantUserID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, wantType, stepTimeout, map[string]struct{}{
		v1.TypeNewMessage:        {},
		v1.TypeUserStoppedTyping: {},
		v1.TypeMessageReaction:   {},
	})

	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload (%s): %v", wantType, c.name, err)
	}
	if p.UserID != wantUserID {
		fatalf("%s mismatch (%s): got=%q want=%q", wantType, c.name, p.UserID, wantUserID)
	}
}

func mustTypingEvent(parent context.Context, c *smokeClient, wantType string, stepTimeout time.Duration) v1.TypingEventPayload {
	env := c.mustReadUntilType(parent, wantType, stepTimeout, map[string]struct{}{v1.TypeNewMessage: {}})

	var p v1.TypingEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload (%s): %v", wantType, c.name, err)
	}
	return p
}

func mustReadReaction(parent context.Context, c *smokeClient, stepTimeout time.Duration) v1.MessageReactionPayload {
	env := c.mustReadUntilType(parent, v1.TypeMessageReaction, stepTimeout, map[string]struct{}{v1.TypeNewMessage: {}})

	var p v1.MessageReactionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_reaction payload (%s): %v", c.name, err)
	}
	return p
}

func mustRESTPost(httpBase, token, meetingID, text string, stepTimeout time.Duration) {
	body := mustJSON(map[string]string{"meetingId": meetingID, "text": text})

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpBase+"/api/messages", strings.NewReader(string(body)))
	if err != nil {
		fatalf("rest post request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("rest post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fatalf("rest post status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func mustHistoryContainsOnce(httpBase, token, meetingID, msgID, senderID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	u := httpBase + "/api/messages?meetingId=" + url.QueryEscape(meetingID) + "&limit=50"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history fetch: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fatalf("history status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Messages []v1.MessagePayload `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("history decode: %v", err)
	}

	count := 0
	for _, m := range out.Messages {
		if m.ID == msgID {
			if m.SenderID != senderID || m.Text != text || m.Kind != v1.KindUser {
				fatalf("history message mismatch: %+v", m)
			}
			count++
		}
	}
	if count != 1 {
		fatalf("history contains message %s %d times, want exactly once", msgID, count)
	}
}

func drainOptionalType(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

// mustAssertNone drains for the window and fails when any forbidden type (or
// a server error) shows up.
func mustAssertNone(parent context.Context, c *smokeClient, forbidden map[string]struct{}, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, bad := forbidden[env.Type]; bad {
				fatalf("unexpected %s received (%s)", env.Type, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func clientEnv(id, typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: payload}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
