package chatclient

// State is the session lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is the closed set of session notifications delivered on Events().
// Consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// StateChange reports a lifecycle transition. Err carries the cause when the
// transition was forced by a transport failure.
type StateChange struct {
	State State
	Err   error
}

// HistoryLoaded reports that the meeting transcript was bootstrapped from the
// read API. Messages is the full merged transcript snapshot, oldest first.
type HistoryLoaded struct {
	Messages []Message
}

// MessageReceived reports a message that was appended to the transcript.
type MessageReceived struct {
	Message Message
}

// MessageResolved reports that a pending local placeholder was replaced in
// place by its server-confirmed copy. TempID identifies the placeholder.
type MessageResolved struct {
	TempID  string
	Message Message
}

// PresenceChanged reports a participant joining or leaving the meeting.
type PresenceChanged struct {
	UserID   string
	UserName string
	Joined   bool
}

// TypingChanged reports a participant starting or stopping typing.
type TypingChanged struct {
	UserID   string
	UserName string
	Typing   bool
}

// ReactionAdded reports a reaction applied to a transcript message.
type ReactionAdded struct {
	MessageID string
	Reaction  Reaction
}

// ServerError reports an error envelope received from the gateway.
type ServerError struct {
	Code    string
	Message string
}

func (StateChange) isEvent()     {}
func (HistoryLoaded) isEvent()   {}
func (MessageReceived) isEvent() {}
func (MessageResolved) isEvent() {}
func (PresenceChanged) isEvent() {}
func (TypingChanged) isEvent()   {}
func (ReactionAdded) isEvent()   {}
func (ServerError) isEvent()     {}
