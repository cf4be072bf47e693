// Package manager implements the SessionManager (spec §4.8): the
// process-wide registry of active sessions, their stop/rollback/confirm
// handles, and the one-active-session-per-conversation rule. It is grounded
// on the teacher's runtime/agent/runtime/session_lifecycle.go (per-run
// registration and terminal-status bookkeeping), generalized from per-run-id
// to per-conversation-id arbitration. Everyone else holds session ids and
// looks sessions up through the manager; there is no cyclic ownership (spec
// §9).
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/hitl"
	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/snapshot"
)

var (
	// ErrConversationBusy is returned by Register when the conversation
	// already has an active session (spec §4.8).
	ErrConversationBusy = errors.New("manager: conversation already has an active session")

	// ErrSessionNotFound is returned for operations on unknown or already
	// finished sessions.
	ErrSessionNotFound = errors.New("manager: session not found")
)

// Info is the introspection view exposed over the HTTP surface (spec §6.2
// SessionInfo).
type Info struct {
	SessionID    string    `json:"session_id"`
	Active       bool      `json:"active"`
	Turns        int       `json:"turns"`
	MessageCount int       `json:"message_count"`
	HasPlan      bool      `json:"has_plan"`
	StartTime    time.Time `json:"start_time"`
}

type active struct {
	sess     *session.Session
	stopOnce sync.Once
}

// Manager tracks active sessions and routes externally delivered signals
// (stop, confirm, HITL responses, rollback) to them.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*active
	byConversation map[string]string

	gate        *hitl.Gate
	broadcaster *events.Broadcaster
	snapshots   *snapshot.Store
}

// New builds a Manager. snapshots may be nil when the deployment disables
// file-mutation rollback entirely.
func New(gate *hitl.Gate, broadcaster *events.Broadcaster, snapshots *snapshot.Store) *Manager {
	return &Manager{
		sessions:       make(map[string]*active),
		byConversation: make(map[string]string),
		gate:           gate,
		broadcaster:    broadcaster,
		snapshots:      snapshots,
	}
}

// Register adds sess to the active set, enforcing one active session per
// conversation.
func (m *Manager) Register(sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, busy := m.byConversation[sess.ConversationID]; busy {
		if _, stillActive := m.sessions[existing]; stillActive {
			return ErrConversationBusy
		}
	}
	m.sessions[sess.ID] = &active{sess: sess}
	m.byConversation[sess.ConversationID] = sess.ID
	return nil
}

// Finish removes a session after its terminal events have been emitted.
func (m *Manager) Finish(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if m.byConversation[a.sess.ConversationID] == sessionID {
		delete(m.byConversation, a.sess.ConversationID)
	}
}

// Stop fires the session's cancellation signal. Idempotent: duplicate stops
// for the same session are a no-op, so two chat.abort frames produce exactly
// one session_stopped event (spec §8).
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	a, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	a.stopOnce.Do(func() {
		a.sess.SetStopReason("user_requested")
		a.sess.Cancel()
	})
	return nil
}

// ConfirmContinue answers the session's pending continue-class suspension
// (cost confirm or long-running confirm).
func (m *Manager) ConfirmContinue(sessionID string, approved bool) error {
	if _, ok := m.lookup(sessionID); !ok {
		return ErrSessionNotFound
	}
	return m.gate.RespondContinue(sessionID, approved)
}

// RespondHITL delivers a human response to a specific pending request.
func (m *Manager) RespondHITL(sessionID, requestID, response string, metadata map[string]any) error {
	if _, ok := m.lookup(sessionID); !ok {
		return ErrSessionNotFound
	}
	return m.gate.Respond(sessionID, hitl.Response{
		RequestID: requestID,
		Answer:    response,
		Metadata:  metadata,
	})
}

// Rollback reverses the selected operations (all when selectIDs is empty)
// and emits rollback_completed with per-operation outcomes. It works for
// finished sessions too, as long as the snapshot has not expired or been
// committed.
func (m *Manager) Rollback(ctx context.Context, sessionID string, selectIDs []string) ([]snapshot.RollbackOutcome, error) {
	if m.snapshots == nil {
		return nil, errors.New("manager: rollback is not enabled")
	}
	outcomes, err := m.snapshots.Rollback(ctx, sessionID, selectIDs...)
	if err != nil {
		return nil, err
	}

	data := events.RollbackCompletedData{Outcomes: make([]events.RollbackOutcomeData, 0, len(outcomes))}
	for _, o := range outcomes {
		data.Outcomes = append(data.Outcomes, events.RollbackOutcomeData{
			OperationID: o.OperationID,
			Path:        o.Path,
			Restored:    o.Restored,
			Error:       o.Error,
			Diff:        o.Diff,
		})
	}
	conversationID, _ := m.ConversationID(sessionID)
	m.broadcaster.Emit(sessionID, events.Partial{
		Type:           events.TypeRollbackCompleted,
		ConversationID: conversationID,
		Data:           data,
	})
	return outcomes, nil
}

// Get returns the introspection view for sessionID.
func (m *Manager) Get(sessionID string) (Info, bool) {
	a, ok := m.lookup(sessionID)
	if !ok {
		return Info{}, false
	}
	return m.info(a), true
}

// ListActive returns the introspection views of all active sessions.
func (m *Manager) ListActive() []Info {
	m.mu.Lock()
	actives := make([]*active, 0, len(m.sessions))
	for _, a := range m.sessions {
		actives = append(actives, a)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(actives))
	for _, a := range actives {
		out = append(out, m.info(a))
	}
	return out
}

// ConversationID resolves a session to its conversation, implementing the
// executor's ConversationResolver.
func (m *Manager) ConversationID(sessionID string) (string, bool) {
	a, ok := m.lookup(sessionID)
	if !ok {
		return "", false
	}
	return a.sess.ConversationID, true
}

// ActiveSessionForConversation reports the active session id for a
// conversation, if any.
func (m *Manager) ActiveSessionForConversation(conversationID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byConversation[conversationID]
	if !ok {
		return "", false
	}
	_, stillActive := m.sessions[id]
	return id, stillActive
}

// RollbackOperations lists the undoable operations recorded for a session,
// implementing the executor's RollbackOfferer.
func (m *Manager) RollbackOperations(sessionID string) []events.RollbackOperation {
	if m.snapshots == nil {
		return nil
	}
	ops := m.snapshots.Operations(sessionID)
	out := make([]events.RollbackOperation, 0, len(ops))
	for _, op := range ops {
		if op.Committed {
			continue
		}
		out = append(out, events.RollbackOperation{
			OperationID: op.ID,
			ToolUseID:   op.ToolUseID,
			Kind:        string(op.Kind),
			Targets:     op.Targets,
		})
	}
	return out
}

func (m *Manager) lookup(sessionID string) (*active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sessions[sessionID]
	return a, ok
}

func (m *Manager) info(a *active) Info {
	var messageCount int
	var hasPlan bool
	a.sess.Context.WithLock(func() {
		messageCount = len(a.sess.Context.Messages)
		hasPlan = len(a.sess.Context.Plan) > 0
	})
	return Info{
		SessionID:    a.sess.ID,
		Active:       !a.sess.Cancelled(),
		Turns:        a.sess.TurnIndex,
		MessageCount: messageCount,
		HasPlan:      hasPlan,
		StartTime:    a.sess.StartedAt,
	}
}
