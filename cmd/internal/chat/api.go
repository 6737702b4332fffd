package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"huddle/cmd/internal/identity"
	v1 "huddle/contracts/chat/v1"

	"github.com/go-playground/validator/v10"
)

const apiMaxBodyBytes = 16 << 10 // 16 KiB

var validate = validator.New()

// APIHandler serves the REST message surface: history reads and durable
// out-of-band sends. Both share the broadcaster's authorization rules, so a
// caller must be host or listed participant of the meeting.
type APIHandler struct {
	log      *slog.Logger
	bcast    *Broadcaster
	verifier identity.Verifier
}

// NewAPIHandler constructs the REST handler.
func NewAPIHandler(log *slog.Logger, bcast *Broadcaster, verifier identity.Verifier) (*APIHandler, error) {
	if log == nil {
		log = slog.Default()
	}
	if bcast == nil {
		return nil, errors.New("api: nil broadcaster")
	}
	if verifier == nil {
		return nil, errors.New("api: nil identity verifier")
	}
	return &APIHandler{log: log, bcast: bcast, verifier: verifier}, nil
}

// Register wires message routes onto the provided mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/messages", h.handleMessages)
}

func (h *APIHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r)
	case http.MethodPost:
		h.handlePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	meetingID := strings.TrimSpace(q.Get("meetingId"))
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing meetingId")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "limit must be an integer")
			return
		}
		limit = n
	}

	msgs, err := h.bcast.History(r.Context(), meetingID, id.UserID, limit)
	if err != nil {
		h.writeDomainError(w, "api.messages.list.fail", err)
		return
	}

	out := make([]v1.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messagePayload(m))
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: out})
}

func (h *APIHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "meetingId and text are required")
		return
	}

	msg, err := h.bcast.PostMessage(r.Context(), SaveMessageInput{
		MeetingID:    req.MeetingID,
		SenderID:     id.UserID,
		SenderName:   id.Name,
		SenderAvatar: id.Avatar,
		Kind:         MessageKindUser,
		Text:         req.Text,
	})
	if err != nil {
		h.writeDomainError(w, "api.messages.post.fail", err)
		return
	}

	writeJSON(w, http.StatusCreated, messagePayload(msg))
}

// ---- helpers ----

func (h *APIHandler) requireIdentity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return identity.Identity{}, false
	}
	id, err := h.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return identity.Identity{}, false
	}
	return id, true
}

// writeDomainError maps broadcaster/store errors onto the REST status space.
// Persistence details stay in the log, not the response body.
func (h *APIHandler) writeDomainError(w http.ResponseWriter, event string, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "err", err)
		writeError(w, status, "internal", "internal error")
		return
	}
	writeError(w, status, ErrorCode(err), err.Error())
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ---- request/response shapes ----

type postMessageRequest struct {
	MeetingID string `json:"meetingId" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

type messagesResponse struct {
	Messages []v1.MessagePayload `json:"messages"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
