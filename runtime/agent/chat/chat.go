// Package chat is the public façade of the execution core (spec §2
// ChatService): it resolves the conversation, obtains an IntentResult,
// creates the Session, starts the RVR-B executor on its own goroutine, and
// exposes the stop/confirm/rollback operations the transports map onto (spec
// §6). It is grounded on the teacher's runtime client surface
// (runtime/agent/runtime/client.go StartRun/stop handles), composed with the
// per-conversation arbitration of the session manager.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcore/runtime/agent/engine"
	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/executor"
	"agentcore/runtime/agent/intent"
	"agentcore/runtime/agent/manager"
	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/snapshot"
	"agentcore/runtime/agent/telemetry"
)

// ErrValidation marks malformed requests rejected at the façade before a
// session starts (spec §7 validation_error).
var ErrValidation = errors.New("chat: invalid request")

type (
	// ConversationStore persists conversations and their messages. The
	// conversation store itself is an external collaborator (spec §1); the
	// façade only needs these two calls.
	ConversationStore interface {
		EnsureConversation(ctx context.Context, conversationID, userID string) error
		AppendMessage(ctx context.Context, conversationID, messageID, role, text string) error
	}

	// EventSink durably records every emitted event (the events table of
	// spec §6.3).
	EventSink interface {
		AppendEvent(ctx context.Context, evt events.Event) error
	}

	// SessionRecord is the session row the core persists (spec §6.3).
	SessionRecord struct {
		ID             string
		ConversationID string
		UserID         string
		Status         string
		StopReason     string
		Turns          int
		CostUSD        float64
		StartedAt      time.Time
		FinishedAt     *time.Time
	}

	// SessionPersister writes the session row at start and after terminal
	// events.
	SessionPersister interface {
		SaveSession(ctx context.Context, rec SessionRecord) error
	}

	// File is an uploaded attachment forwarded into the user message.
	File struct {
		MediaType string
		Data      []byte
	}

	// SendRequest mirrors the chat.send wire method (spec §6.1).
	SendRequest struct {
		Message        string
		UserID         string
		ConversationID string
		AgentID        string
		Stream         bool
		Files          []File
		Variables      map[string]string
	}

	// SendResult is what a transport needs to serve one chat turn.
	SendResult struct {
		SessionID      string
		ConversationID string

		// Events delivers the session's ordered event stream. Nil when the
		// request was converted into a stop of the conversation's active
		// session instead of starting a new one.
		Events *events.Subscriber

		// StoppedSessionID is set when the intent analyzer recognized a stop
		// request and the façade stopped the active session.
		StoppedSessionID string
	}

	// Service composes the execution core's components into the public
	// chat/stop/confirm/rollback operations.
	Service struct {
		Manager       *manager.Manager
		Executor      *executor.Executor
		Intent        *intent.Analyzer
		Broadcaster   *events.Broadcaster
		Conversations ConversationStore
		Events        EventSink
		Sessions      SessionPersister
		Log           telemetry.Logger

		// Engine, when set, schedules each session's executor loop as a
		// workflow instead of a bare goroutine, so a durable backend can be
		// swapped in without touching the loop. Nil falls back to plain
		// goroutines.
		Engine engine.Engine

		registerOnce sync.Once
		registerErr  error
	}
)

// sessionWorkflow is the workflow name each session runs under when an
// Engine is configured.
const sessionWorkflow = "agent.session"

type sessionInput struct {
	sess   *session.Session
	intent session.IntentResult
}

// Send validates the request, resolves the conversation, classifies intent,
// and starts a session whose events stream through the returned subscriber.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if s.Conversations != nil {
		if err := s.Conversations.EnsureConversation(ctx, conversationID, req.UserID); err != nil {
			return nil, fmt.Errorf("chat: resolve conversation: %w", err)
		}
	}

	intentResult := intent.Fallback()
	if s.Intent != nil {
		intentResult = s.Intent.Analyze(ctx, nil, req.Message)
	}

	// A stop request addressed at the conversation's active session stops it
	// instead of starting a competing session.
	if intentResult.WantsToStop {
		if active, ok := s.Manager.ActiveSessionForConversation(conversationID); ok {
			_ = s.Manager.Stop(active)
			return &SendResult{ConversationID: conversationID, StoppedSessionID: active}, nil
		}
	}

	userMsgID := uuid.NewString()
	if s.Conversations != nil {
		if err := s.Conversations.AppendMessage(ctx, conversationID, userMsgID, string(session.RoleUser), req.Message); err != nil {
			return nil, fmt.Errorf("chat: persist user message: %w", err)
		}
	}

	// The session outlives the transport request that created it.
	sess := session.New(context.Background(), uuid.NewString(), conversationID, req.UserID)
	sess.Context.AppendMessage(userMessage(userMsgID, req))
	for k, v := range req.Variables {
		key, val := k, v
		sess.Context.WithLock(func() {
			sess.Context.InjectorOutputs["var:"+key] = val
		})
	}

	if err := s.Manager.Register(sess); err != nil {
		sess.Cancel()
		return nil, err
	}

	sub, err := s.Broadcaster.Subscribe(sess.ID, 0)
	if err != nil {
		s.Manager.Finish(sess.ID)
		return nil, err
	}

	if s.Events != nil {
		s.persistEvents(sess.ID)
	}

	s.saveSession(sess, "running", nil)

	if err := s.launch(ctx, sessionInput{sess: sess, intent: intentResult}); err != nil {
		s.Manager.Finish(sess.ID)
		sess.Cancel()
		sub.Close()
		return nil, fmt.Errorf("chat: launch session: %w", err)
	}

	return &SendResult{
		SessionID:      sess.ID,
		ConversationID: conversationID,
		Events:         sub,
	}, nil
}

func userMessage(msgID string, req SendRequest) session.Message {
	blocks := []session.ContentBlock{{Index: 0, Type: session.ContentText, Text: req.Message}}
	for _, f := range req.Files {
		blocks = append(blocks, session.ContentBlock{
			Index:          len(blocks),
			Type:           session.ContentImage,
			ImageMediaType: f.MediaType,
			ImageData:      f.Data,
		})
	}
	return session.Message{
		ID:       msgID,
		Role:     session.RoleUser,
		Content:  blocks,
		Complete: true,
	}
}

// persistEvents drains a dedicated subscriber into the event sink so the
// events table holds every emitted envelope (spec §6.3). A sink failure is
// logged, never propagated: executor progress must not depend on audit
// persistence.
func (s *Service) persistEvents(sessionID string) {
	sub, err := s.Broadcaster.Subscribe(sessionID, 0)
	if err != nil {
		return
	}
	go func() {
		defer sub.Close()
		for evt := range sub.C {
			if err := s.Events.AppendEvent(context.Background(), evt); err != nil && s.Log != nil {
				s.Log.Warn(context.Background(), "event persistence failed",
					"session_id", sessionID, "seq", evt.Seq, "error", err.Error())
			}
		}
	}()
}

// launch starts the session's executor loop, through the engine when one is
// configured.
func (s *Service) launch(ctx context.Context, in sessionInput) error {
	if s.Engine == nil {
		go s.runSession(in)
		return nil
	}
	s.registerOnce.Do(func() {
		s.registerErr = s.Engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
			Name:      sessionWorkflow,
			TaskQueue: "sessions",
			Handler:   s.sessionWorkflowHandler,
		})
	})
	if s.registerErr != nil {
		return s.registerErr
	}
	_, err := s.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       in.sess.ID,
		Workflow: sessionWorkflow,
		Input:    in,
	})
	return err
}

func (s *Service) sessionWorkflowHandler(_ engine.WorkflowContext, input any) (any, error) {
	in, ok := input.(sessionInput)
	if !ok {
		return nil, errors.New("chat: unexpected session workflow input")
	}
	out := s.runSession(in)
	if out.Err != nil {
		return nil, out.Err
	}
	return string(out.Status), nil
}

// runSession drives the executor to completion and records the terminal
// session row.
func (s *Service) runSession(in sessionInput) executor.Outcome {
	defer s.Manager.Finish(in.sess.ID)
	out := s.Executor.Run(in.sess, in.intent)
	finished := time.Now()
	s.saveSession(in.sess, string(out.Status), &finished)
	if s.Log != nil && out.Err != nil {
		s.Log.Error(context.Background(), "session failed",
			"session_id", in.sess.ID, "error", out.Err.Error())
	}
	return out
}

func (s *Service) saveSession(sess *session.Session, status string, finishedAt *time.Time) {
	if s.Sessions == nil {
		return
	}
	rec := SessionRecord{
		ID:             sess.ID,
		ConversationID: sess.ConversationID,
		UserID:         sess.UserID,
		Status:         status,
		StopReason:     sess.StopReason(),
		Turns:          sess.TurnIndex,
		CostUSD:        sess.CostUSD,
		StartedAt:      sess.StartedAt,
		FinishedAt:     finishedAt,
	}
	if err := s.Sessions.SaveSession(context.Background(), rec); err != nil && s.Log != nil {
		s.Log.Warn(context.Background(), "session row persistence failed",
			"session_id", sess.ID, "error", err.Error())
	}
}

// Abort maps the chat.abort wire method onto the session manager's
// idempotent stop.
func (s *Service) Abort(sessionID string) error {
	return s.Manager.Stop(sessionID)
}

// ConfirmContinue answers a pending continue-class suspension.
func (s *Service) ConfirmContinue(sessionID string, approved bool) error {
	return s.Manager.ConfirmContinue(sessionID, approved)
}

// RespondHITL answers a specific pending HITL request.
func (s *Service) RespondHITL(sessionID, requestID, response string, metadata map[string]any) error {
	return s.Manager.RespondHITL(sessionID, requestID, response, metadata)
}

// Rollback reverses the selected operations for a session.
func (s *Service) Rollback(ctx context.Context, sessionID string, selectIDs []string) ([]snapshot.RollbackOutcome, error) {
	return s.Manager.Rollback(ctx, sessionID, selectIDs)
}

// Session returns the introspection view for one session.
func (s *Service) Session(sessionID string) (manager.Info, bool) {
	return s.Manager.Get(sessionID)
}

// ListSessions lists all active sessions.
func (s *Service) ListSessions() []manager.Info {
	return s.Manager.ListActive()
}

// Subscribe re-attaches a reconnecting client to a session's stream after
// afterSeq, replaying retained history (spec §4.1).
func (s *Service) Subscribe(sessionID string, afterSeq uint64) (*events.Subscriber, error) {
	return s.Broadcaster.Subscribe(sessionID, afterSeq)
}
