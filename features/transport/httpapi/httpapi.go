// Package httpapi serves the core-adjacent HTTP surface of spec §6.2: a
// streaming SSE chat endpoint plus the session stop/confirm/rollback/
// introspection and human-confirmation operations, all wrapped in the
// {code, message, data} response envelope. Handlers are hand-written against
// the standard mux in the teacher's documented handler style; the event
// envelopes are identical to the WebSocket transport's.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentcore/runtime/agent/chat"
	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/manager"
	"agentcore/runtime/agent/telemetry"
)

// Handler routes the HTTP surface onto the chat façade.
type Handler struct {
	Chat *chat.Service
	Log  telemetry.Logger
}

// envelope is the uniform response wrapper (spec §6.2).
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Mount registers all routes on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /session/{id}/stop", h.handleStop)
	mux.HandleFunc("POST /session/{id}/confirm_continue", h.handleConfirmContinue)
	mux.HandleFunc("POST /session/{id}/rollback", h.handleRollback)
	mux.HandleFunc("GET /session/{id}", h.handleGetSession)
	mux.HandleFunc("GET /session/{id}/events", h.handleSessionEvents)
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("POST /human-confirmation/{session_id}", h.handleHumanConfirmation)
}

type chatRequest struct {
	Message        string            `json:"message"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	Stream         *bool             `json:"stream,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// handleChat starts a session and streams its events as SSE, terminated by
// `event: done`.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := h.Chat.Send(r.Context(), chat.SendRequest{
		Message:        req.Message,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Stream:         req.Stream == nil || *req.Stream,
		Variables:      req.Variables,
	})
	switch {
	case errors.Is(err, chat.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, manager.ErrConversationBusy):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.Events == nil {
		h.writeJSON(w, http.StatusOK, envelope{Code: 200, Message: "stopped", Data: map[string]any{
			"stopped_session_id": res.StoppedSessionID,
		}})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		res.Events.Close()
		_ = h.Chat.Abort(res.SessionID)
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported by server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", res.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer res.Events.Close()
	for {
		select {
		case evt, open := <-res.Events.C:
			if !open {
				writeSSE(w, "done", nil)
				flusher.Flush()
				return
			}
			writeSSE(w, "", wireEnvelope(evt))
			flusher.Flush()
		case <-r.Context().Done():
			// The client went away; the session keeps running and can be
			// re-attached via the broadcaster's replay window.
			return
		}
	}
}

type wireEvent struct {
	EventUUID      string `json:"event_uuid"`
	Seq            uint64 `json:"seq"`
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Data           any    `json:"data,omitempty"`
}

func wireEnvelope(evt events.Event) wireEvent {
	return wireEvent{
		EventUUID:      evt.EventUUID,
		Seq:            evt.Seq,
		Type:           string(evt.Type),
		SessionID:      evt.SessionID,
		ConversationID: evt.ConversationID,
		MessageID:      evt.MessageID,
		Timestamp:      evt.Timestamp.UnixMilli(),
		Data:           evt.Data,
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, _ = w.Write([]byte(b.String()))
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.Abort(r.PathValue("id")); err != nil {
		h.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConfirmContinue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.Chat.ConfirmContinue(r.PathValue("id"), body.Approved); err != nil {
		h.sessionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Code: 200, Message: "ok"})
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Select []string `json:"select,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	outcomes, err := h.Chat.Rollback(r.Context(), r.PathValue("id"), body.Select)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Code: 200, Message: "ok", Data: outcomes})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Chat.Session(r.PathValue("id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Code: 200, Message: "ok", Data: info})
}

// handleSessionEvents re-attaches a reconnecting client to a running
// session's stream after the given after_seq, replaying retained history
// first (spec §4.1). A request below the retained window gets a `gap`
// control event so the client knows to refetch state from the events table.
func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Chat.Subscribe(r.PathValue("id"), ReplayAfter(r))
	gap := errors.Is(err, events.ErrGap)
	if err != nil && !gap {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		if sub != nil {
			sub.Close()
		}
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported by server")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if gap {
		writeSSE(w, "gap", map[string]any{"session_id": r.PathValue("id")})
		writeSSE(w, "done", nil)
		flusher.Flush()
		return
	}

	defer sub.Close()
	for {
		select {
		case evt, open := <-sub.C:
			if !open {
				writeSSE(w, "done", nil)
				flusher.Flush()
				return
			}
			writeSSE(w, "", wireEnvelope(evt))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, envelope{Code: 200, Message: "ok", Data: h.Chat.ListSessions()})
}

func (h *Handler) handleHumanConfirmation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string         `json:"request_id"`
		Response  string         `json:"response"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.RequestID == "" || body.Response == "" {
		h.writeError(w, http.StatusBadRequest, "request_id and response are required")
		return
	}
	if err := h.Chat.RespondHITL(r.PathValue("session_id"), body.RequestID, body.Response, body.Metadata); err != nil {
		h.sessionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Code: 200, Message: "ok"})
}

func (h *Handler) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrSessionNotFound) {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, envelope{Code: status, Message: msg})
}

// ReplayAfter parses the optional after_seq query parameter used when a
// client re-attaches to a running session's stream.
func ReplayAfter(r *http.Request) uint64 {
	raw := r.URL.Query().Get("after_seq")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SSERetryHint is the reconnect backoff floor for SSE clients, aligned with
// the wire protocol's 800ms initial backoff. The handlers above do not write
// it into the stream as a retry field.
const SSERetryHint = 800 * time.Millisecond
