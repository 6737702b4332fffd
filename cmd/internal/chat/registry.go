package chat

import (
	"log/slog"
	"sync"

	v1 "huddle/contracts/chat/v1"
)

// ConnectedUser is the registry's view of one live connection.
type ConnectedUser struct {
	ConnectionID string
	UserID       string
	UserName     string
	MeetingID    string
}

// JoinResult reports the outcome of a Join call.
type JoinResult struct {
	// AlreadyPresent is true when the user already had a live connection in
	// the meeting (idempotent join: callers must not re-announce presence).
	AlreadyPresent bool

	// PrevMeetingID is set when the connection switched rooms; PrevLastOfUser
	// is true when the switch removed the user's last connection there.
	PrevMeetingID  string
	PrevLastOfUser bool
}

// LeaveResult reports the outcome of a Leave call.
type LeaveResult struct {
	Found      bool
	User       ConnectedUser
	LastOfUser bool
}

// Registry is the in-memory connection registry: it maps live connections to
// their identity and meeting, and meetings to their set of connections (the
// room). Pure process-local state; a distributed implementation can replace
// it behind the same operations.
//
// Concurrency guarantees:
// - Register/Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Conn.Send is never closed by the server.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn            // conn id -> conn
	rooms  map[string]map[string]*Conn // meeting id -> conn id -> conn
	joined map[string]string           // conn id -> meeting id
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		joined: make(map[string]string),
	}
}

// Register adds an authenticated connection to the registry. It does not
// place the connection in any room; that happens on Join.
func (r *Registry) Register(conn *Conn) {
	if r == nil || conn == nil || conn.ID == "" {
		return
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.log.Info("registry.conn.register", "conn_id", conn.ID, "user_id", conn.UserID)
}

// Join places a registered connection in a meeting's room.
// Idempotent per (userId, meetingId): if the user is already present the
// membership is recorded but AlreadyPresent is set so callers skip the
// presence announcement. A connection belongs to at most one room; joining
// a second meeting leaves the first.
func (r *Registry) Join(conn *Conn, meetingID string) JoinResult {
	if r == nil || conn == nil || conn.ID == "" || meetingID == "" {
		return JoinResult{AlreadyPresent: true}
	}

	r.mu.Lock()

	var res JoinResult

	if prev, ok := r.joined[conn.ID]; ok {
		if prev == meetingID {
			r.mu.Unlock()
			return JoinResult{AlreadyPresent: true}
		}
		last := r.removeFromRoomLocked(conn, prev)
		res.PrevMeetingID = prev
		res.PrevLastOfUser = last
	}

	res.AlreadyPresent = r.userPresentLocked(meetingID, conn.UserID)

	room := r.rooms[meetingID]
	if room == nil {
		room = make(map[string]*Conn)
		r.rooms[meetingID] = room
	}
	room[conn.ID] = conn
	r.joined[conn.ID] = meetingID

	r.mu.Unlock()

	r.log.Info("room.member.join",
		"meeting_id", meetingID,
		"conn_id", conn.ID,
		"user_id", conn.UserID,
		"already_present", res.AlreadyPresent,
	)
	return res
}

// Leave removes a connection entirely: room membership, registration, and
// finally the connection itself is closed. Empty rooms are deleted so the
// registry never leaks meeting entries.
func (r *Registry) Leave(connID string) LeaveResult {
	if r == nil || connID == "" {
		return LeaveResult{}
	}

	r.mu.Lock()

	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return LeaveResult{}
	}

	res := LeaveResult{Found: true}
	res.User = ConnectedUser{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		UserName:     conn.UserName,
	}

	if meetingID, joined := r.joined[connID]; joined {
		res.User.MeetingID = meetingID
		res.LastOfUser = r.removeFromRoomLocked(conn, meetingID)
	}

	delete(r.conns, connID)
	delete(r.joined, connID)

	r.mu.Unlock()

	// Signal shutdown after removal so broadcasters holding a stale pointer
	// skip the connection instead of racing its teardown.
	conn.Close()

	r.log.Info("room.member.leave",
		"meeting_id", res.User.MeetingID,
		"conn_id", connID,
		"user_id", res.User.UserID,
		"last_of_user", res.LastOfUser,
	)
	return res
}

// Connections returns a snapshot of the room's connected users.
func (r *Registry) Connections(meetingID string) []ConnectedUser {
	if r == nil || meetingID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[meetingID]
	out := make([]ConnectedUser, 0, len(room))
	for _, c := range room {
		out = append(out, ConnectedUser{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			UserName:     c.UserName,
			MeetingID:    meetingID,
		})
	}
	return out
}

// UserPresent reports whether the user has any live connection in the meeting.
func (r *Registry) UserPresent(meetingID, userID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userPresentLocked(meetingID, userID)
}

// MeetingOf returns the meeting a connection has joined, if any.
func (r *Registry) MeetingOf(connID string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.joined[connID]
	return m, ok
}

// Counts returns the number of live connections and non-empty rooms.
func (r *Registry) Counts() (conns, rooms int) {
	if r == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.rooms)
}

// Broadcast fans an envelope out to every connection in the room.
// Non-blocking: if a member queue is full or shutting down, it is dropped.
func (r *Registry) Broadcast(meetingID string, env v1.Envelope) (delivered, dropped int) {
	return r.broadcast(meetingID, "", env)
}

// BroadcastExcept fans out to every connection in the room except those
// belonging to exceptUserID. Used for presence and typing events, which the
// acting user must not receive.
func (r *Registry) BroadcastExcept(meetingID, exceptUserID string, env v1.Envelope) (delivered, dropped int) {
	return r.broadcast(meetingID, exceptUserID, env)
}

func (r *Registry) broadcast(meetingID, exceptUserID string, env v1.Envelope) (delivered, dropped int) {
	if r == nil || meetingID == "" {
		return 0, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.rooms[meetingID] {
		if c == nil {
			continue
		}
		if exceptUserID != "" && c.UserID == exceptUserID {
			continue
		}

		select {
		case <-c.Done():
			// Skip connections that are shutting down.
			continue
		default:
		}

		select {
		case c.Send <- env:
			delivered++
		default:
			// Drop rather than block the whole room.
			dropped++
		}
	}
	return delivered, dropped
}

func (r *Registry) userPresentLocked(meetingID, userID string) bool {
	for _, c := range r.rooms[meetingID] {
		if c != nil && c.UserID == userID {
			return true
		}
	}
	return false
}

// removeFromRoomLocked removes the connection from the room and reports
// whether it was the user's last connection there.
func (r *Registry) removeFromRoomLocked(conn *Conn, meetingID string) bool {
	room := r.rooms[meetingID]
	if room == nil {
		return false
	}

	delete(room, conn.ID)
	if len(room) == 0 {
		delete(r.rooms, meetingID)
		return true
	}

	for _, c := range room {
		if c != nil && c.UserID == conn.UserID {
			return false
		}
	}
	return true
}
