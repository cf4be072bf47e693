// Package session defines the per-turn data model shared by every component
// of the execution core: Session, RuntimeContext, Message/ContentBlock, the
// cached IntentResult, and the bookkeeping a ToolInvocation carries across
// its lifetime. It mirrors the shape of the teacher's runtime/agent/session
// and runtime/agent/transcript packages, generalized from a single model
// provider's wire format to the provider-agnostic ContentBlock used by the
// RVR-B executor and the wire event protocol.
package session

import (
	"context"
	"sync"
	"time"

	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/tools"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentBlockType tags the variant held by a ContentBlock.
type ContentBlockType string

const (
	ContentText       ContentBlockType = "text"
	ContentThinking   ContentBlockType = "thinking"
	ContentToolUse    ContentBlockType = "tool_use"
	ContentToolResult ContentBlockType = "tool_result"
	ContentImage      ContentBlockType = "image"
)

// ContentBlock is the tagged variant used on both the internal message list
// and the wire content_* event family. Index is stable and dense within its
// owning Message (spec §3 invariant).
type ContentBlock struct {
	Index int
	Type  ContentBlockType

	// text / thinking
	Text      string
	Signature string

	// tool_use
	ToolUseID string
	ToolName  tools.Ident
	ToolInput []byte // raw JSON, finalized at content_stop

	// tool_result
	ToolResultFor string
	ResultContent any
	IsError       bool

	// image
	ImageMediaType string
	ImageData      []byte
}

// Message is one turn-local entry in RuntimeContext.Messages. Assistant
// messages may be partial while streaming; Complete is set once the matching
// message_stop has been emitted.
type Message struct {
	ID         string
	Role       Role
	Content    []ContentBlock
	Model      string
	Usage      *model.TokenUsage
	StopReason string
	Complete   bool
}

// PlanStep is one node of the optional todo tree a complex turn builds
// during BUILDING_PROMPT and mutates across PLAN_REPLAN backtracks.
type PlanStep struct {
	ID    string
	Title string
	Done  bool
	Steps []PlanStep
}

// IntentComplexity classifies how much planning and context a turn needs.
type IntentComplexity string

const (
	IntentSimple  IntentComplexity = "simple"
	IntentMedium  IntentComplexity = "medium"
	IntentComplex IntentComplexity = "complex"
)

// IntentResult is the cached output of the IntentAnalyzer (spec §4.9),
// consulted once before a session starts and then held on RuntimeContext.
type IntentResult struct {
	Complexity          IntentComplexity
	SkipMemory          bool
	IsFollowUp          bool
	WantsToStop         bool
	WantsRollback       bool
	RelevantSkillGroups map[string]struct{}
}

// NeedsPlan is the derived field from spec §3: any complexity above "simple"
// requires the planner injector to produce a todo tree.
func (r IntentResult) NeedsPlan() bool {
	return r.Complexity != IntentSimple
}

// BacktrackDecision is the recovery strategy BacktrackManager selects for a
// classified business failure (spec §4.5). Strategies escalate in the fixed
// order below; a fingerprint may never revisit a weaker strategy it already
// tried.
type BacktrackDecision string

const (
	ParamAdjust   BacktrackDecision = "PARAM_ADJUST"
	ToolReplace   BacktrackDecision = "TOOL_REPLACE"
	ContextEnrich BacktrackDecision = "CONTEXT_ENRICH"
	PlanReplan    BacktrackDecision = "PLAN_REPLAN"
	IntentClarify BacktrackDecision = "INTENT_CLARIFY"
	GiveUp        BacktrackDecision = "GIVE_UP"
)

// EscalationLadder is the deterministic fallback order BacktrackManager
// climbs when no model-proposed strategy is available or usable.
var EscalationLadder = []BacktrackDecision{
	ParamAdjust, ToolReplace, ContextEnrich, PlanReplan, IntentClarify, GiveUp,
}

// ErrorClass distinguishes the two branches of ErrorClassification.
type ErrorClass string

const (
	ClassInfrastructure ErrorClass = "infrastructure"
	ClassBusiness       ErrorClass = "business"
)

// InfraKind enumerates Infrastructure.kind values.
type InfraKind string

const (
	InfraRateLimit   InfraKind = "rate_limit"
	InfraNetwork     InfraKind = "network"
	InfraProvider5xx InfraKind = "provider_5xx"
	InfraTimeout     InfraKind = "timeout"
)

// BusinessKind enumerates Business.kind values.
type BusinessKind string

const (
	BusinessWrongTool        BusinessKind = "wrong_tool"
	BusinessBadParam         BusinessKind = "bad_param"
	BusinessEmptyResult      BusinessKind = "empty_result"
	BusinessValidationFailed BusinessKind = "validation_failed"
	BusinessIntentUnclear    BusinessKind = "intent_unclear"
)

// ErrorClassification is the tagged variant ErrorClassifier returns (spec
// §3/§4.4). Exactly one of the Infra/Business fields is meaningful,
// selected by Class.
type ErrorClassification struct {
	Class ErrorClass

	InfraKind  InfraKind
	RetryAfter time.Duration

	BusinessKind BusinessKind
}

// ToolInvocation tracks one tool_use block from dispatch through its
// matching tool_result, including which snapshots it required.
type ToolInvocation struct {
	ToolUseID      string
	Name           tools.Ident
	Input          []byte
	StartedAt      time.Time
	FinishedAt     *time.Time
	ResultBlocks   []ContentBlock
	Classification *ErrorClassification
	SnapshotIDs    map[string]struct{}
}

// RuntimeContext is the per-session mutable working set the RVR-B executor
// owns exclusively; no two concurrent executor loops may mutate the same
// RuntimeContext (spec §3 invariant).
type RuntimeContext struct {
	mu sync.Mutex

	Messages []Message
	Plan     []PlanStep

	TotalBacktracks     int
	BacktracksExhausted bool
	BacktrackTokens     int
	LastDecision        BacktrackDecision

	// InjectorOutputs holds the last rendered fragment text per injector
	// name ("system_role", "history_summary", ... see executor package) and
	// request variables under "var:<name>" keys. BuildSystemPrompt recomputes
	// every fragment on each turn; injectors read only the "var:" entries.
	InjectorOutputs map[string]string
}

// NewRuntimeContext returns an empty RuntimeContext ready for turn 1.
func NewRuntimeContext() *RuntimeContext {
	return &RuntimeContext{InjectorOutputs: make(map[string]string)}
}

// WithLock runs fn while holding the context's mutex, the single point of
// serialization for a session's executor goroutine and any SessionManager
// introspection calls (e.g. GetInfo) that read it concurrently.
func (c *RuntimeContext) WithLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// AppendMessage appends msg under lock.
func (c *RuntimeContext) AppendMessage(msg Message) {
	c.WithLock(func() {
		c.Messages = append(c.Messages, msg)
	})
}

// SnapshotMessages returns a shallow copy of the message list for read-only use
// (building a model request, rendering history).
func (c *RuntimeContext) SnapshotMessages() []Message {
	var out []Message
	c.WithLock(func() {
		out = append(out, c.Messages...)
	})
	return out
}

// Session is one end-to-end execution triggered by a single chat.send,
// created by the ChatService façade and destroyed after terminal-event
// emission (spec §3).
type Session struct {
	ID             string
	ConversationID string
	UserID         string
	StartedAt      time.Time
	TurnIndex      int
	Usage          model.TokenUsage
	CostUSD        float64
	Context        *RuntimeContext

	stopMu     sync.Mutex
	stopReason string

	ctx    context.Context
	cancel context.CancelFunc
}

// SetStopReason records why the session stopped. The first writer wins, so
// an externally requested stop is not overwritten by the executor's own
// terminal bookkeeping.
func (s *Session) SetStopReason(reason string) {
	if reason == "" {
		return
	}
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopReason == "" {
		s.stopReason = reason
	}
}

// StopReason returns the recorded stop reason, empty while running.
func (s *Session) StopReason() string {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopReason
}

// New builds a Session with a fresh RuntimeContext and a cancellation signal
// derived from parent, shared with all in-flight work for the turn.
func New(parent context.Context, id, conversationID, userID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      time.Now(),
		Context:        NewRuntimeContext(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Ctx returns the session's cancellation-bearing context. The executor,
// tool executor, and backtrack manager's model calls all derive their own
// contexts from this one (spec §5 cancellation).
func (s *Session) Ctx() context.Context { return s.ctx }

// Cancel fires the session's cancellation signal. Idempotent.
func (s *Session) Cancel() { s.cancel() }

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}
