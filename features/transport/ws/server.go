// Package ws serves the persistent bidirectional client transport of spec
// §6.1: JSON request/response/event frames over a WebSocket connection, with
// a 30-second tick heartbeat. It is grounded on vanducng-goclaw's gateway
// (gorilla/websocket upgrader, per-connection write pump, method routing),
// trimmed to the two methods the execution core exposes.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentcore/runtime/agent/chat"
	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/telemetry"
)

// HeartbeatInterval matches the spec's 30s tick cadence; clients disconnect
// after 60s of silence.
const HeartbeatInterval = 30 * time.Second

const writeWait = 10 * time.Second

// Frame is the single wire frame shape; Type selects which fields are
// meaningful (spec §6.1).
type Frame struct {
	Type string `json:"type"` // req | res | event

	// req / res
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`

	// res / event
	Payload any `json:"payload,omitempty"`

	// event
	Event string `json:"event,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
}

// EventEnvelope is the event payload carried inside an event frame,
// mirroring the envelope of spec §6.1.
type EventEnvelope struct {
	EventUUID      string `json:"event_uuid"`
	Seq            uint64 `json:"seq"`
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Data           any    `json:"data,omitempty"`
}

type sendParams struct {
	Message        string            `json:"message"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	Stream         *bool             `json:"stream,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

type abortParams struct {
	SessionID string `json:"session_id"`
}

// Server upgrades HTTP connections and routes frames to the chat façade.
type Server struct {
	Chat *chat.Service
	Log  telemetry.Logger

	upgrader websocket.Upgrader
}

// NewServer builds a Server around the chat façade.
func NewServer(svc *chat.Service, log telemetry.Logger) *Server {
	return &Server{
		Chat: svc,
		Log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Desktop single-user context: non-browser clients send no
			// Origin header and local UIs connect from file:// origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// conn wraps one client connection; all writes go through send so frame
// marshaling and the write deadline stay in one place.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

// ServeHTTP upgrades the request and runs the read loop until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: wsConn}
	defer wsConn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.heartbeat(ctx, c)

	for {
		var frame Frame
		if err := wsConn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "req" {
			continue
		}
		s.dispatch(ctx, c, frame)
	}
}

// heartbeat emits a tick frame every 30s independent of the event log (spec
// §4.1).
func (s *Server) heartbeat(ctx context.Context, c *conn) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(Frame{Type: "event", Event: string(events.TypeTick)}); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, frame Frame) {
	switch frame.Method {
	case "chat.send":
		s.handleSend(ctx, c, frame)
	case "chat.abort":
		s.handleAbort(c, frame)
	default:
		s.respondErr(c, frame.ID, "unknown method: "+frame.Method)
	}
}

func (s *Server) handleSend(ctx context.Context, c *conn, frame Frame) {
	var params sendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.respondErr(c, frame.ID, "malformed params: "+err.Error())
		return
	}

	res, err := s.Chat.Send(ctx, chat.SendRequest{
		Message:        params.Message,
		UserID:         params.UserID,
		ConversationID: params.ConversationID,
		AgentID:        params.AgentID,
		Stream:         params.Stream == nil || *params.Stream,
		Variables:      params.Variables,
	})
	if err != nil {
		s.respondErr(c, frame.ID, err.Error())
		return
	}

	s.respondOK(c, frame.ID, map[string]any{
		"session_id":         res.SessionID,
		"conversation_id":    res.ConversationID,
		"stopped_session_id": res.StoppedSessionID,
	})

	if res.Events == nil {
		return
	}
	go s.pump(c, res.Events)
}

// pump forwards a session's event stream to the client as event frames. A
// write failure abandons the pump; the executor is never blocked by a slow
// or dead client (spec §9 backpressure lives in the broadcaster).
func (s *Server) pump(c *conn, sub *events.Subscriber) {
	defer sub.Close()
	for evt := range sub.C {
		frame := Frame{
			Type:  "event",
			Event: string(evt.Type),
			Seq:   evt.Seq,
			Payload: EventEnvelope{
				EventUUID:      evt.EventUUID,
				Seq:            evt.Seq,
				Type:           string(evt.Type),
				SessionID:      evt.SessionID,
				ConversationID: evt.ConversationID,
				MessageID:      evt.MessageID,
				Timestamp:      evt.Timestamp.UnixMilli(),
				Data:           evt.Data,
			},
		}
		if err := c.send(frame); err != nil {
			return
		}
	}
}

func (s *Server) handleAbort(c *conn, frame Frame) {
	var params abortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.respondErr(c, frame.ID, "malformed params: "+err.Error())
		return
	}
	if err := s.Chat.Abort(params.SessionID); err != nil {
		s.respondErr(c, frame.ID, err.Error())
		return
	}
	s.respondOK(c, frame.ID, nil)
}

func (s *Server) respondOK(c *conn, id string, payload any) {
	ok := true
	_ = c.send(Frame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (s *Server) respondErr(c *conn, id, msg string) {
	ok := false
	_ = c.send(Frame{Type: "res", ID: id, OK: &ok, Error: msg})
}
