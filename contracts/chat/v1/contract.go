// Package v1 defines the huddle chat wire contract: the envelope frame and
// the closed set of event payloads exchanged between server and clients.
//
// The contract is shared by the server gateway, the client SDK, and tooling.
// Fields are wire-stable; additions must be backward compatible.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	// Client -> server.
	TypeHello             = "hello"
	TypeJoinMeeting       = "join_meeting"
	TypeSendMessage       = "send_message"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeReactToMessage    = "react_to_message"
	TypeParticipantStatus = "participant_status_update"

	// Server -> client.
	TypeHelloAck          = "hello_ack"
	TypeJoinAck           = "join_ack"
	TypeNewMessage        = "new_message"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeMessageReaction   = "message_reaction"
	TypeError             = "error"
)

// Participant status values carried by participant_status_update.
const (
	StatusJoined = "joined"
	StatusLeft   = "left"
)

// Message kinds.
const (
	KindUser   = "user"
	KindSystem = "system"
)

var AllowedTypes = map[string]struct{}{
	TypeHello:             {},
	TypeJoinMeeting:       {},
	TypeSendMessage:       {},
	TypeTypingStart:       {},
	TypeTypingStop:        {},
	TypeReactToMessage:    {},
	TypeParticipantStatus: {},
	TypeHelloAck:          {},
	TypeJoinAck:           {},
	TypeNewMessage:        {},
	TypeUserJoined:        {},
	TypeUserLeft:          {},
	TypeUserTyping:        {},
	TypeUserStoppedTyping: {},
	TypeMessageReaction:   {},
	TypeError:             {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload opens an authenticated session. Token is issued by the
// external identity provider.
type HelloPayload struct {
	Token string `json:"token"`
}

type HelloAckPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

type JoinMeetingPayload struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

type JoinAckPayload struct {
	MeetingID string `json:"meetingId"`
}

type SendMessagePayload struct {
	MeetingID    string `json:"meetingId"`
	Message      string `json:"message"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

// TypingPayload is shared by typing_start and typing_stop.
type TypingPayload struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

type ReactToMessagePayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type ParticipantStatusPayload struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	UserName  string `json:"userName,omitempty"`
}

// MessagePayload is the full persisted message shape, carried by new_message
// and returned by the history read API.
type MessagePayload struct {
	ID           string            `json:"id"`
	MeetingID    string            `json:"meetingId"`
	SenderID     string            `json:"senderId"`
	SenderName   string            `json:"senderName"`
	SenderAvatar string            `json:"senderAvatar,omitempty"`
	Kind         string            `json:"kind"`
	Text         string            `json:"text"`
	Timestamp    time.Time         `json:"timestamp"`
	Edited       bool              `json:"edited,omitempty"`
	Reactions    []ReactionPayload `json:"reactions,omitempty"`
}

type ReactionPayload struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// PresencePayload is shared by user_joined and user_left.
type PresencePayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// TypingEventPayload is shared by user_typing and user_stopped_typing.
type TypingEventPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type MessageReactionPayload struct {
	MessageID string          `json:"messageId"`
	Reaction  ReactionPayload `json:"reaction"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
