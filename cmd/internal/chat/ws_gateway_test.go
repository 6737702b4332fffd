package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"huddle/cmd/internal/identity"
	v1 "huddle/contracts/chat/v1"

	"github.com/coder/websocket"
)

var wsTestKey = []byte("0123456789abcdef0123456789abcdef")

func TestWSGatewayHelloAck(t *testing.T) {
	gw, verifier := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ack := helloWS(t, conn, mintToken(t, verifier, "u-ada", "Ada"))
	if ack.ConnectionID == "" {
		t.Fatalf("expected non-empty connectionId")
	}
	if ack.UserID != "u-ada" || ack.UserName != "Ada" {
		t.Fatalf("unexpected ack identity: %+v", ack)
	}
}

func TestWSGatewayHelloRejectsBadToken(t *testing.T) {
	gw, _ := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, clientEnv(v1.TypeHello, mustJSONRaw(t, v1.HelloPayload{Token: "not-a-token"})))

	if got := readUntilCloseStatus(t, conn, 4); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status: got=%v want=%v", got, websocket.StatusPolicyViolation)
	}
}

func TestWSGatewayHelloRequiredFirst(t *testing.T) {
	gw, _ := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, clientEnv(v1.TypeJoinMeeting, mustJSONRaw(t, v1.JoinMeetingPayload{MeetingID: "m-1"})))

	if got := readUntilCloseStatus(t, conn, 4); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status: got=%v want=%v", got, websocket.StatusPolicyViolation)
	}
}

func TestWSGatewaySubprotocolRequired(t *testing.T) {
	gw, _ := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	h.Set("Origin", "http://127.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial without subprotocol: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if got := readUntilCloseStatus(t, conn, 2); got != websocket.StatusProtocolError {
		t.Fatalf("close status: got=%v want=%v", got, websocket.StatusProtocolError)
	}
}

func TestWSGatewayOriginRejected(t *testing.T) {
	gw, _ := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	h.Set("Origin", "http://evil.example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatalf("expected handshake rejection for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 403, got status=%d err=%v", status, err)
	}
}

func TestWSGatewayJoinMessageFanout(t *testing.T) {
	gw, verifier := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()
	bob := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = bob.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, alice, mintToken(t, verifier, "u-alice", "Alice"))
	helloWS(t, bob, mintToken(t, verifier, "u-bob", "Bob"))

	const meetingID = "m-fanout"

	// Alice joins first: the join announcement fans out to the whole room,
	// so her queue holds the system message and the ack in either order.
	writeEnvelopeWS(t, alice, clientEnv(v1.TypeJoinMeeting, mustJSONRaw(t, v1.JoinMeetingPayload{
		MeetingID: meetingID,
		UserID:    "u-alice",
	})))
	got := collectWS(t, alice, 2)
	findEnv(t, got, v1.TypeJoinAck)
	sys := decodeMessage(t, findEnv(t, got, v1.TypeNewMessage))
	if sys.Kind != v1.KindSystem || sys.Text != "Alice joined the meeting" {
		t.Fatalf("unexpected join announcement: kind=%q text=%q", sys.Kind, sys.Text)
	}

	writeEnvelopeWS(t, bob, clientEnv(v1.TypeJoinMeeting, mustJSONRaw(t, v1.JoinMeetingPayload{
		MeetingID: meetingID,
		UserID:    "u-bob",
	})))
	got = collectWS(t, bob, 2)
	findEnv(t, got, v1.TypeJoinAck)
	findEnv(t, got, v1.TypeNewMessage)

	// Alice observes Bob's arrival twice: the presence event and the
	// persisted system message.
	got = collectWS(t, alice, 2)
	var joined v1.PresencePayload
	decodePayloadWS(t, findEnv(t, got, v1.TypeUserJoined), &joined)
	if joined.UserID != "u-bob" {
		t.Fatalf("user_joined: got=%q want=%q", joined.UserID, "u-bob")
	}
	sys = decodeMessage(t, findEnv(t, got, v1.TypeNewMessage))
	if sys.Text != "Bob joined the meeting" {
		t.Fatalf("unexpected announcement text: %q", sys.Text)
	}

	// Both ends receive the authoritative persisted copy, sender included.
	writeEnvelopeWS(t, bob, clientEnv(v1.TypeSendMessage, mustJSONRaw(t, v1.SendMessagePayload{
		MeetingID:  meetingID,
		Message:    "  hi all  ",
		SenderID:   "u-bob",
		SenderName: "Bob",
	})))

	aliceCopy := decodeMessage(t, findEnv(t, collectWS(t, alice, 1), v1.TypeNewMessage))
	bobCopy := decodeMessage(t, findEnv(t, collectWS(t, bob, 1), v1.TypeNewMessage))

	if aliceCopy.Text != "hi all" || aliceCopy.Kind != v1.KindUser {
		t.Fatalf("unexpected message: kind=%q text=%q", aliceCopy.Kind, aliceCopy.Text)
	}
	if aliceCopy.ID == "" || aliceCopy.ID != bobCopy.ID {
		t.Fatalf("sender and room copies disagree: %q vs %q", bobCopy.ID, aliceCopy.ID)
	}
	if aliceCopy.SenderID != "u-bob" || aliceCopy.SenderName != "Bob" {
		t.Fatalf("unexpected sender: %+v", aliceCopy)
	}

	// Closing Bob's socket tears his session down and the room learns it.
	_ = bob.Close(websocket.StatusNormalClosure, "done")

	var left v1.PresencePayload
	decodePayloadWS(t, findEnv(t, collectWS(t, alice, 1), v1.TypeUserLeft), &left)
	if left.UserID != "u-bob" {
		t.Fatalf("user_left: got=%q want=%q", left.UserID, "u-bob")
	}
}

func TestWSGatewayTypingAndReactionFanout(t *testing.T) {
	gw, verifier := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()
	bob := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = bob.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, alice, mintToken(t, verifier, "u-alice", "Alice"))
	helloWS(t, bob, mintToken(t, verifier, "u-bob", "Bob"))

	const meetingID = "m-typing"

	writeEnvelopeWS(t, alice, clientEnv(v1.TypeJoinMeeting, mustJSONRaw(t, v1.JoinMeetingPayload{MeetingID: meetingID})))
	collectWS(t, alice, 2)
	writeEnvelopeWS(t, bob, clientEnv(v1.TypeJoinMeeting, mustJSONRaw(t, v1.JoinMeetingPayload{MeetingID: meetingID})))
	collectWS(t, bob, 2)
	collectWS(t, alice, 2)

	// Typing indicators go to the others, never back to the typist.
	writeEnvelopeWS(t, bob, clientEnv(v1.TypeTypingStart, mustJSONRaw(t, v1.TypingPayload{
		MeetingID: meetingID,
		UserID:    "u-bob",
	})))
	var typing v1.TypingEventPayload
	decodePayloadWS(t, findEnv(t, collectWS(t, alice, 1), v1.TypeUserTyping), &typing)
	if typing.UserID != "u-bob" || typing.UserName != "Bob" {
		t.Fatalf("user_typing: %+v", typing)
	}

	writeEnvelopeWS(t, bob, clientEnv(v1.TypeTypingStop, mustJSONRaw(t, v1.TypingPayload{
		MeetingID: meetingID,
		UserID:    "u-bob",
	})))
	decodePayloadWS(t, findEnv(t, collectWS(t, alice, 1), v1.TypeUserStoppedTyping), &typing)
	if typing.UserID != "u-bob" {
		t.Fatalf("user_stopped_typing: %+v", typing)
	}

	writeEnvelopeWS(t, alice, clientEnv(v1.TypeSendMessage, mustJSONRaw(t, v1.SendMessagePayload{
		MeetingID: meetingID,
		Message:   "react to this",
		SenderID:  "u-alice",
	})))
	msg := decodeMessage(t, findEnv(t, collectWS(t, alice, 1), v1.TypeNewMessage))
	collectWS(t, bob, 1)

	writeEnvelopeWS(t, bob, clientEnv(v1.TypeReactToMessage, mustJSONRaw(t, v1.ReactToMessagePayload{
		MessageID: msg.ID,
		UserID:    "u-bob",
		Emoji:     "👍",
	})))

	var reaction v1.MessageReactionPayload
	decodePayloadWS(t, findEnv(t, collectWS(t, alice, 1), v1.TypeMessageReaction), &reaction)
	if reaction.MessageID != msg.ID || reaction.Reaction.Emoji != "👍" || reaction.Reaction.UserID != "u-bob" {
		t.Fatalf("message_reaction: %+v", reaction)
	}
	decodePayloadWS(t, findEnv(t, collectWS(t, bob, 1), v1.TypeMessageReaction), &reaction)
	if reaction.MessageID != msg.ID {
		t.Fatalf("reactor copy: %+v", reaction)
	}

	// Reacting to an unknown message fails without reaching the room.
	writeEnvelopeWS(t, bob, clientEnv(v1.TypeReactToMessage, mustJSONRaw(t, v1.ReactToMessagePayload{
		MessageID: "no-such-message",
		UserID:    "u-bob",
		Emoji:     "👍",
	})))
	var errP v1.ErrorPayload
	decodePayloadWS(t, findEnv(t, collectWS(t, bob, 1), v1.TypeError), &errP)
	if errP.Code != "react_failed" {
		t.Fatalf("error code: got=%q want=%q", errP.Code, "react_failed")
	}
}

func TestWSGatewayParticipantStatusSynthesis(t *testing.T) {
	gw, verifier := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, alice, mintToken(t, verifier, "u-alice", "Alice"))

	writeEnvelopeWS(t, alice, clientEnv(v1.TypeJoinMeeting, mustJSONRaw(t, v1.JoinMeetingPayload{MeetingID: "m-status"})))
	collectWS(t, alice, 2)

	// Media plane reports another participant; the meetingId defaults to
	// the reporter's joined room.
	writeEnvelopeWS(t, alice, clientEnv(v1.TypeParticipantStatus, mustJSONRaw(t, v1.ParticipantStatusPayload{
		UserID:   "u-charlie",
		UserName: "Charlie",
		Status:   v1.StatusJoined,
	})))
	sys := decodeMessage(t, findEnv(t, collectWS(t, alice, 1), v1.TypeNewMessage))
	if sys.Kind != v1.KindSystem || sys.Text != "Charlie joined the meeting" {
		t.Fatalf("unexpected synthesis: kind=%q text=%q", sys.Kind, sys.Text)
	}

	writeEnvelopeWS(t, alice, clientEnv(v1.TypeParticipantStatus, mustJSONRaw(t, v1.ParticipantStatusPayload{
		UserID:   "u-charlie",
		UserName: "Charlie",
		Status:   v1.StatusLeft,
	})))
	sys = decodeMessage(t, findEnv(t, collectWS(t, alice, 1), v1.TypeNewMessage))
	if sys.Text != "Charlie left the meeting" {
		t.Fatalf("unexpected synthesis text: %q", sys.Text)
	}
}

func TestWSGatewayRateLimitCloses(t *testing.T) {
	t.Setenv("HUDDLE_WS_RATE_EVENTS", "5")
	t.Setenv("HUDDLE_WS_RATE_WINDOW", "10s")

	gw, verifier := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := dialChatWS(t, ts.URL, "http://127.0.0.1")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, conn, mintToken(t, verifier, "u-flood", "Flood"))

	// Writes past the shutdown point may fail; only the close code matters.
	for i := 0; i < 6; i++ {
		env := clientEnv(v1.TypeJoinMeeting, mustJSONRaw(t, v1.JoinMeetingPayload{MeetingID: "m-flood"}))
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(wctx, websocket.MessageText, b)
		wcancel()
	}

	if got := readUntilCloseStatus(t, conn, 20); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status: got=%v want=%v", got, websocket.StatusPolicyViolation)
	}
}

// ---- helpers ----

func newWSTestGateway(t *testing.T) (*WSGateway, *identity.HMACVerifier) {
	t.Helper()

	verifier, err := identity.NewHMACVerifier(wsTestKey)
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWSGateway(log, nil, verifier), verifier
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func mintToken(t *testing.T, verifier *identity.HMACVerifier, userID, name string) string {
	t.Helper()
	token, err := verifier.Issue(identity.Identity{UserID: userID, Name: name}, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func dialChatWS(t *testing.T, baseHTTPURL, origin string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	return conn
}

func helloWS(t *testing.T, conn *websocket.Conn, token string) v1.HelloAckPayload {
	t.Helper()

	writeEnvelopeWS(t, conn, clientEnv(v1.TypeHello, mustJSONRaw(t, v1.HelloPayload{Token: token})))

	env := readUntilType(t, conn, v1.TypeHelloAck, 4)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	return ack
}

func clientEnv(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{V: v1.Version, Type: typ, ID: NewID(now), TS: now, Payload: payload}
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readUntilCloseStatus drains frames until the peer closes and returns the
// close status. Frames queued before the close (error envelopes) are skipped.
func readUntilCloseStatus(t *testing.T, conn *websocket.Conn, maxReads int) websocket.StatusCode {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
	t.Fatalf("connection did not close after %d reads", maxReads)
	return -1
}

func collectWS(t *testing.T, conn *websocket.Conn, n int) []v1.Envelope {
	t.Helper()
	out := make([]v1.Envelope, 0, n)
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read (%d of %d): %v", i+1, n, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func findEnv(t *testing.T, envs []v1.Envelope, typ string) v1.Envelope {
	t.Helper()
	for _, env := range envs {
		if env.Type == typ {
			return env
		}
	}
	types := make([]string, 0, len(envs))
	for _, env := range envs {
		types = append(types, env.Type)
	}
	t.Fatalf("no envelope of type %q in %v", typ, types)
	return v1.Envelope{}
}

func decodePayloadWS(t *testing.T, env v1.Envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func decodeMessage(t *testing.T, env v1.Envelope) v1.MessagePayload {
	t.Helper()
	var m v1.MessagePayload
	decodePayloadWS(t, env, &m)
	return m
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
