// Package hitl implements the human-in-the-loop suspension gate the RVR-B
// executor blocks on whenever a turn needs explicit user input: tool
// confirmations, cost-ladder confirms, long-running continues, backtrack
// exhaustion, and intent clarification. It is grounded on the teacher's
// runtime/agent/interrupt package (Controller draining pause/resume/
// clarification signals), generalized from workflow signal channels to a
// per-session registry of pending requests answered through the session
// manager's HTTP/WS surface.
package hitl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a pending request is waiting for.
type Kind string

const (
	KindToolConfirmation   Kind = "tool_confirmation"
	KindCostLimitConfirm   Kind = "cost_limit_confirm"
	KindCostUrgentConfirm  Kind = "cost_urgent_confirm"
	KindLongRunningConfirm Kind = "long_running_confirm"
	KindBacktrackExhausted Kind = "backtrack_exhausted_confirm"
	KindIntentClarify      Kind = "intent_clarify_request"
)

// Well-known answer strings. Free-text answers (intent clarification) pass
// through verbatim.
const (
	AnswerApprove  = "approve"
	AnswerReject   = "reject"
	AnswerRetry    = "retry"
	AnswerRollback = "rollback"
	AnswerAbandon  = "abandon"
)

// Request is one pending suspension awaiting a user response.
type Request struct {
	ID        string
	SessionID string
	Kind      Kind
	Payload   any
	CreatedAt time.Time
}

// Response is the user's answer to a Request.
type Response struct {
	RequestID string
	Answer    string
	Metadata  map[string]any
}

// Approved reports whether the answer is an approval.
func (r Response) Approved() bool { return r.Answer == AnswerApprove }

var (
	// ErrUnknownRequest is returned by Respond when no pending request
	// matches the given id (including requests already answered — responding
	// twice is not an error for the session, but the duplicate is reported).
	ErrUnknownRequest = errors.New("hitl: no pending request with that id")

	// ErrSessionClosed is returned to a waiter whose pending request is
	// failed by CloseSession when the session ends. A waiter released by a
	// stop that cancels its context gets the context's error instead.
	ErrSessionClosed = errors.New("hitl: session closed while suspended")
)

type pending struct {
	req      Request
	answerCh chan Response
	once     sync.Once
}

// Gate tracks pending requests per session. One Gate serves the whole
// process; sessions never share request ids.
type Gate struct {
	mu        sync.Mutex
	bySession map[string]map[string]*pending
}

// NewGate builds an empty Gate.
func NewGate() *Gate {
	return &Gate{bySession: make(map[string]map[string]*pending)}
}

// Open registers a new pending request and returns it without blocking, so
// the caller can emit the corresponding wire event (carrying the request id)
// before suspending on Wait.
func (g *Gate) Open(sessionID string, kind Kind, payload any) *Request {
	p := &pending{
		req: Request{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Kind:      kind,
			Payload:   payload,
			CreatedAt: time.Now(),
		},
		answerCh: make(chan Response, 1),
	}
	g.mu.Lock()
	if g.bySession[sessionID] == nil {
		g.bySession[sessionID] = make(map[string]*pending)
	}
	g.bySession[sessionID][p.req.ID] = p
	g.mu.Unlock()
	return &p.req
}

// Wait blocks until the request is answered, the session is closed, or ctx
// is done. The request is removed from the pending set on return.
func (g *Gate) Wait(ctx context.Context, sessionID, requestID string) (Response, error) {
	g.mu.Lock()
	p, ok := g.bySession[sessionID][requestID]
	g.mu.Unlock()
	if !ok {
		return Response{}, ErrUnknownRequest
	}
	defer g.remove(sessionID, requestID)

	select {
	case resp, open := <-p.answerCh:
		if !open {
			return Response{}, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Ask is Open followed by Wait for callers that do not need to emit an event
// between registration and suspension.
func (g *Gate) Ask(ctx context.Context, sessionID string, kind Kind, payload any) (Response, error) {
	req := g.Open(sessionID, kind, payload)
	return g.Wait(ctx, sessionID, req.ID)
}

// Respond delivers the user's answer to a pending request. Duplicate
// responses for the same request are idempotent: the first wins, subsequent
// ones return ErrUnknownRequest because the request is no longer pending.
func (g *Gate) Respond(sessionID string, resp Response) error {
	g.mu.Lock()
	p, ok := g.bySession[sessionID][resp.RequestID]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	delivered := false
	p.once.Do(func() {
		p.answerCh <- resp
		delivered = true
	})
	if !delivered {
		return ErrUnknownRequest
	}
	return nil
}

// RespondContinue answers the oldest pending continue-class request
// (cost confirms and long-running confirms) for sessionID, mapping approved
// to the approve/reject answers. This backs the confirm_continue operation,
// whose caller knows only the session, not the request id.
func (g *Gate) RespondContinue(sessionID string, approved bool) error {
	g.mu.Lock()
	var oldest *pending
	for _, p := range g.bySession[sessionID] {
		switch p.req.Kind {
		case KindCostLimitConfirm, KindCostUrgentConfirm, KindLongRunningConfirm:
		default:
			continue
		}
		if oldest == nil || p.req.CreatedAt.Before(oldest.req.CreatedAt) {
			oldest = p
		}
	}
	g.mu.Unlock()
	if oldest == nil {
		return ErrUnknownRequest
	}
	answer := AnswerReject
	if approved {
		answer = AnswerApprove
	}
	return g.Respond(sessionID, Response{RequestID: oldest.req.ID, Answer: answer})
}

// Pending returns the currently pending requests for sessionID.
func (g *Gate) Pending(sessionID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.bySession[sessionID]))
	for _, p := range g.bySession[sessionID] {
		out = append(out, p.req)
	}
	return out
}

// CloseSession fails every pending request for sessionID with
// ErrSessionClosed. Idempotent.
func (g *Gate) CloseSession(sessionID string) {
	g.mu.Lock()
	pendings := g.bySession[sessionID]
	delete(g.bySession, sessionID)
	g.mu.Unlock()
	for _, p := range pendings {
		p.once.Do(func() { close(p.answerCh) })
	}
}

func (g *Gate) remove(sessionID, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m := g.bySession[sessionID]; m != nil {
		delete(m, requestID)
		if len(m) == 0 {
			delete(g.bySession, sessionID)
		}
	}
}
