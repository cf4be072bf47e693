// Package executor implements the RVRBExecutor (spec §4.7): the per-session
// turn loop that composes the system prompt through the injector pipeline,
// streams model output into wire events, dispatches tool invocations,
// classifies failures, backtracks or advances, and consults the adaptive
// terminator each turn. It is grounded on the teacher's
// runtime/agent/runtime package (workflow_loop.go's runLoop/handleToolTurn
// shape and workflow_turn.go's turn contract), generalized from a durable
// Temporal workflow to the cooperative one-goroutine-per-session model of
// this repository.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentcore/runtime/agent/backtrack"
	"agentcore/runtime/agent/classify"
	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/hitl"
	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/telemetry"
	"agentcore/runtime/agent/terminator"
	"agentcore/runtime/agent/tools"
)

// State is the executor's position in the turn state machine. Exposed for
// introspection (SessionInfo) and tests; transitions happen only on the
// session's own goroutine.
type State string

const (
	StateIdle             State = "IDLE"
	StateBuildingPrompt   State = "BUILDING_PROMPT"
	StateCallingModel     State = "CALLING_MODEL"
	StateStreamingContent State = "STREAMING_CONTENT"
	StateExecutingTools   State = "EXECUTING_TOOLS"
	StateEvaluating       State = "EVALUATING"
	StateBacktracking     State = "BACKTRACKING"
	StateSuspended        State = "SUSPENDED"
	StateFinished         State = "FINISHED"
)

// Status is the terminal status recorded on session_end.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Outcome is what Run reports back to the session manager.
type Outcome struct {
	Status Status
	Reason terminator.FinishReason
	Err    error
}

// RollbackOfferer lists the undoable operations recorded for a session, used
// to build the rollback_options offer without importing the snapshot store
// directly.
type RollbackOfferer interface {
	RollbackOperations(sessionID string) []events.RollbackOperation
}

// Executor bundles the collaborators one RVR-B loop programs against. One
// Executor serves every session; per-session state lives on the run struct.
type Executor struct {
	Model       model.Client
	ModelName   string
	Tools       *tools.Executor
	Registry    *tools.Registry
	Broadcaster *events.Broadcaster
	Terminator  *terminator.Terminator
	Backtracker *backtrack.Manager
	Gate        *hitl.Gate
	Pricing     PricingTable
	Injectors   []Injector
	Rollbacks   RollbackOfferer
	Log         telemetry.Logger

	MaxTokens   int
	Temperature float32
}

// run is the per-session mutable loop state.
type run struct {
	e      *Executor
	sess   *session.Session
	intent session.IntentResult

	state                State
	consecutiveFailures  int
	longRunningConfirmed bool
	costTierApproved     map[terminator.CostAlert]bool
	costWarned           bool
	lastEventAt          time.Time
	counter              *tokenCounter
}

// Run drives the session to completion. It owns the RuntimeContext for the
// duration of the call; no other goroutine may mutate it (spec §3).
func (e *Executor) Run(sess *session.Session, intent session.IntentResult) Outcome {
	r := &run{
		e:                e,
		sess:             sess,
		intent:           intent,
		state:            StateIdle,
		costTierApproved: make(map[terminator.CostAlert]bool),
		counter:          newTokenCounter(),
	}

	r.emit(events.TypeSessionStart, "", events.SessionStartData{
		UserID:         sess.UserID,
		ConversationID: sess.ConversationID,
	})
	r.emit(events.TypeConversationStart, "", nil)

	outcome := r.loop()

	r.finish(outcome)
	return outcome
}

func (r *run) loop() Outcome {
	ctx := r.sess.Ctx()

	for {
		if r.sess.Cancelled() {
			return Outcome{Status: StatusCancelled, Reason: terminator.ReasonUserStop}
		}

		r.state = StateBuildingPrompt
		systemPrompt, err := BuildSystemPrompt(ctx, r.sess.Context, r.intent, r.e.Injectors)
		if err != nil {
			return r.internalError(err)
		}

		r.state = StateCallingModel
		assistant, toolCalls, turnErr := r.streamTurn(ctx, systemPrompt)
		if turnErr != nil {
			if canceled(turnErr) {
				return Outcome{Status: StatusCancelled, Reason: terminator.ReasonUserStop}
			}
			return r.providerError(turnErr)
		}

		r.sess.Context.AppendMessage(assistant)
		r.sess.TurnIndex++

		r.state = StateExecutingTools
		failure, cancelled := r.executeTools(ctx, toolCalls)
		if cancelled {
			return Outcome{Status: StatusCancelled, Reason: terminator.ReasonUserStop}
		}
		if failure != nil && failure.Classification.Class == session.ClassInfrastructure {
			return r.infrastructureError(failure)
		}

		r.state = StateEvaluating
		if failure != nil {
			r.consecutiveFailures++
			r.state = StateBacktracking
			r.e.Backtracker.Decide(ctx, r.sess.Context, *failure)
		} else {
			r.consecutiveFailures = 0
		}

		decision := r.e.Terminator.Evaluate(r.sess.Context, terminator.Input{
			LastMessage:          &assistant,
			UserStopRequested:    r.sess.Cancelled(),
			Turns:                r.sess.TurnIndex,
			SessionStartedAt:     r.sess.StartedAt,
			LastEventAt:          r.lastEventAt,
			ConsecutiveFailures:  r.consecutiveFailures,
			LongRunningConfirmed: r.longRunningConfirmed,
			AccumulatedCostUSD:   r.sess.CostUSD,
			PricingKnown:         r.pricingKnown(),
		})

		finishing := decision.Disposition == terminator.DispositionFinish
		if out, halted := r.handleCostAlert(ctx, decision.CostAlert, finishing); halted {
			return out
		}

		switch decision.Disposition {
		case terminator.DispositionContinue:
			continue
		case terminator.DispositionFinish:
			return r.finishDecision(decision)
		case terminator.DispositionSuspend:
			out, resumed := r.suspend(ctx, decision)
			if !resumed {
				return out
			}
		}
	}
}

// streamTurn performs one model call, translating provider chunks into
// message/content events and accumulating the assistant message. Returned
// tool calls are in arrival order.
func (r *run) streamTurn(ctx context.Context, systemPrompt string) (session.Message, []tools.Invocation, error) {
	req := r.buildRequest(systemPrompt)

	stream, err := r.e.Model.Stream(ctx, req)
	if err != nil {
		return session.Message{}, nil, err
	}
	defer stream.Close()

	msgID := uuid.NewString()
	r.emit(events.TypeMessageStart, msgID, events.MessageStartData{
		Role:  string(session.RoleAssistant),
		Model: r.e.ModelName,
	})

	r.state = StateStreamingContent
	acc := newBlockAccumulator(r, msgID)

	var stopReason string
	var sawUsage bool
	for {
		if r.sess.Cancelled() {
			acc.closeOpen()
			r.e.Broadcaster.FlushAll(r.sess.ID)
			r.emit(events.TypeMessageStop, msgID, events.MessageStopData{})
			return session.Message{}, nil, context.Canceled
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			acc.closeOpen()
			return session.Message{}, nil, err
		}

		switch chunk.Type {
		case model.ChunkTypeText:
			acc.appendText(textOf(chunk.Message))
		case model.ChunkTypeThinking:
			acc.appendThinking(chunk)
		case model.ChunkTypeToolCallDelta:
			acc.appendToolDelta(chunk.ToolCallDelta)
		case model.ChunkTypeToolCall:
			acc.finalizeToolCall(chunk.ToolCall)
		case model.ChunkTypeUsage:
			sawUsage = true
			r.addUsage(chunk.UsageDelta)
		case model.ChunkTypeStop:
			stopReason = chunk.StopReason
		}
	}
	acc.closeOpen()

	// Providers that omit usage in their stream still feed the cost ladder
	// through a local tokenizer estimate.
	if !sawUsage {
		r.addUsage(r.estimateUsage(systemPrompt, acc.blocks))
	}

	r.emit(events.TypeMessageStop, msgID, events.MessageStopData{StopReason: stopReason})

	msg := session.Message{
		ID:         msgID,
		Role:       session.RoleAssistant,
		Content:    acc.blocks,
		Model:      r.e.ModelName,
		StopReason: stopReason,
		Complete:   true,
	}
	return msg, acc.toolCalls, nil
}

// executeTools dispatches the turn's tool calls serially in arrival order,
// emitting one tool-result message with dense content indices. It returns
// the first classified failure (if any) and whether cancellation interrupted
// the batch.
func (r *run) executeTools(ctx context.Context, calls []tools.Invocation) (*backtrack.Failure, bool) {
	if len(calls) == 0 {
		return nil, false
	}

	resultMsgID := uuid.NewString()
	r.emit(events.TypeMessageStart, resultMsgID, events.MessageStartData{Role: string(session.RoleTool)})

	var firstFailure *backtrack.Failure
	blocks := make([]session.ContentBlock, 0, len(calls))

	for i, inv := range calls {
		if r.sess.Cancelled() {
			r.emit(events.TypeMessageStop, resultMsgID, events.MessageStopData{})
			r.appendToolMessage(resultMsgID, blocks)
			return firstFailure, true
		}

		res := r.e.Tools.Execute(ctx, r.sess.ID, uuid.NewString(), inv)

		block := session.ContentBlock{
			Index:         i,
			Type:          session.ContentToolResult,
			ToolResultFor: inv.ID,
			ResultContent: res.Output,
			IsError:       res.IsError,
		}
		blocks = append(blocks, block)

		r.emit(events.TypeContentStart, resultMsgID, events.ContentStartData{
			Index:     i,
			Type:      string(session.ContentToolResult),
			ToolUseID: inv.ID,
			ToolName:  inv.Name.String(),
		})
		r.emit(events.TypeContentStop, resultMsgID, events.ContentStopData{
			Index:     i,
			Type:      string(session.ContentToolResult),
			ToolUseID: inv.ID,
			ToolName:  inv.Name.String(),
			Content:   res.Output,
			IsError:   res.IsError,
		})

		if res.IsError && firstFailure == nil {
			class := classify.Classify(ctx, classify.Signal{
				Err:         res.Err,
				EmptyResult: res.Err == nil && isEmptyOutput(res.Output),
			})
			firstFailure = &backtrack.Failure{
				ToolUseID:      inv.ID,
				ToolName:       inv.Name,
				Input:          inv.Payload,
				Classification: class,
				Reason:         failureReason(res),
			}
		}
	}

	r.emit(events.TypeMessageStop, resultMsgID, events.MessageStopData{})
	r.appendToolMessage(resultMsgID, blocks)
	return firstFailure, false
}

func (r *run) appendToolMessage(msgID string, blocks []session.ContentBlock) {
	if len(blocks) == 0 {
		return
	}
	r.sess.Context.AppendMessage(session.Message{
		ID:       msgID,
		Role:     session.RoleTool,
		Content:  blocks,
		Complete: true,
	})
}

// handleCostAlert evaluates the independent cost ladder outcome for this
// turn: warn emits once non-blocking; the confirm tiers suspend on the gate
// until the user answers. A rejection is treated as a user stop. A turn
// that is already finishing emits the warn but never suspends — there is no
// further spend to confirm.
func (r *run) handleCostAlert(ctx context.Context, alert terminator.CostAlert, finishing bool) (Outcome, bool) {
	switch alert {
	case terminator.CostNone:
		return Outcome{}, false
	case terminator.CostWarn:
		if !r.costWarned {
			r.costWarned = true
			r.emit(events.TypeCostWarn, "", events.CostAlertData{
				AmountUSD:    r.sess.CostUSD,
				ThresholdUSD: r.e.Terminator.Caps.CostWarnUSD,
			})
		}
		return Outcome{}, false
	}

	if finishing || r.costTierApproved[alert] {
		return Outcome{}, false
	}

	kind := hitl.KindCostLimitConfirm
	evtType := events.TypeCostLimitConfirm
	threshold := r.e.Terminator.Caps.CostConfirmUSD
	if alert == terminator.CostUrgent {
		kind = hitl.KindCostUrgentConfirm
		evtType = events.TypeCostUrgentConfirm
		threshold = r.e.Terminator.Caps.CostUrgentUSD
	}

	req := r.e.Gate.Open(r.sess.ID, kind, nil)
	r.emit(evtType, "", events.CostAlertData{
		RequestID:    req.ID,
		AmountUSD:    r.sess.CostUSD,
		ThresholdUSD: threshold,
	})

	r.state = StateSuspended
	resp, err := r.e.Gate.Wait(ctx, r.sess.ID, req.ID)
	if err != nil || !resp.Approved() {
		return Outcome{Status: StatusCancelled, Reason: terminator.ReasonUserStop}, true
	}
	r.costTierApproved[alert] = true
	return Outcome{}, false
}

// suspend handles the terminator's SUSPENDED dimensions (spec §4.6 steps
// 6-8). It returns (outcome, false) when the session must end, or
// (zero, true) when the loop should resume.
func (r *run) suspend(ctx context.Context, decision terminator.Decision) (Outcome, bool) {
	r.state = StateSuspended

	switch decision.Reason {
	case terminator.ReasonLongRunningConfirm:
		req := r.e.Gate.Open(r.sess.ID, hitl.KindLongRunningConfirm, nil)
		r.emit(events.TypeLongRunningConfirm, "", events.HITLRequestData{
			RequestID: req.ID,
			Turns:     r.sess.TurnIndex,
		})
		resp, err := r.e.Gate.Wait(ctx, r.sess.ID, req.ID)
		if err != nil || !resp.Approved() {
			return Outcome{Status: StatusCancelled, Reason: terminator.ReasonUserStop}, false
		}
		r.longRunningConfirmed = true
		return Outcome{}, true

	case terminator.ReasonBacktrackExhausted:
		req := r.e.Gate.Open(r.sess.ID, hitl.KindBacktrackExhausted, nil)
		r.emit(events.TypeBacktrackExhausted, "", events.HITLRequestData{
			RequestID: req.ID,
			Choices:   []string{hitl.AnswerRetry, hitl.AnswerRollback, hitl.AnswerAbandon},
		})
		resp, err := r.e.Gate.Wait(ctx, r.sess.ID, req.ID)
		if err != nil {
			return Outcome{Status: StatusCancelled, Reason: terminator.ReasonUserStop}, false
		}
		switch resp.Answer {
		case hitl.AnswerRetry:
			r.sess.Context.WithLock(func() {
				r.sess.Context.BacktracksExhausted = false
				r.sess.Context.LastDecision = ""
			})
			r.consecutiveFailures = 0
			return Outcome{}, true
		case hitl.AnswerRollback:
			r.offerRollback()
			return Outcome{Status: StatusFailed, Reason: terminator.ReasonBacktrackExhausted}, false
		default:
			return Outcome{Status: StatusFailed, Reason: terminator.ReasonBacktrackExhausted}, false
		}

	case terminator.ReasonIntentClarify:
		req := r.e.Gate.Open(r.sess.ID, hitl.KindIntentClarify, nil)
		r.emit(events.TypeIntentClarifyRequest, "", events.HITLRequestData{
			RequestID: req.ID,
			Question:  "The request is ambiguous; please clarify what you want.",
		})
		resp, err := r.e.Gate.Wait(ctx, r.sess.ID, req.ID)
		if err != nil {
			return Outcome{Status: StatusCancelled, Reason: terminator.ReasonUserStop}, false
		}
		r.sess.Context.WithLock(func() {
			r.sess.Context.LastDecision = ""
		})
		if resp.Answer != "" {
			r.sess.Context.AppendMessage(session.Message{
				ID:       uuid.NewString(),
				Role:     session.RoleUser,
				Content:  []session.ContentBlock{{Index: 0, Type: session.ContentText, Text: resp.Answer}},
				Complete: true,
			})
		}
		return Outcome{}, true
	}

	return Outcome{Status: StatusFailed, Reason: decision.Reason}, false
}

func (r *run) finishDecision(decision terminator.Decision) Outcome {
	if decision.OfferRollback {
		r.offerRollback()
	}
	switch decision.Reason {
	case terminator.ReasonUserStop:
		return Outcome{Status: StatusCancelled, Reason: decision.Reason}
	case terminator.ReasonConsecutiveFailures:
		return Outcome{Status: StatusFailed, Reason: decision.Reason}
	default:
		return Outcome{Status: StatusCompleted, Reason: decision.Reason}
	}
}

func (r *run) offerRollback() {
	if r.e.Rollbacks == nil {
		return
	}
	ops := r.e.Rollbacks.RollbackOperations(r.sess.ID)
	if len(ops) == 0 {
		return
	}
	r.emit(events.TypeRollbackOptions, "", events.RollbackOptionsData{Operations: ops})
}

func (r *run) providerError(err error) Outcome {
	kind := "network_error"
	if pe, ok := model.AsProviderError(err); ok && pe.HTTPStatus() >= 500 {
		kind = "overloaded_error"
	}
	r.emit(events.TypeError, "", events.ErrorData{Kind: kind, Message: err.Error()})
	return Outcome{Status: StatusFailed, Err: err}
}

func (r *run) infrastructureError(failure *backtrack.Failure) Outcome {
	kind := "timeout_error"
	if failure.Classification.InfraKind != session.InfraTimeout {
		kind = "network_error"
	}
	r.emit(events.TypeError, "", events.ErrorData{Kind: kind, Message: failure.Reason})
	return Outcome{Status: StatusFailed}
}

func (r *run) internalError(err error) Outcome {
	r.emit(events.TypeError, "", events.ErrorData{Kind: "internal_error", Message: err.Error()})
	return Outcome{Status: StatusFailed, Err: err}
}

// finish emits the terminal event tail: buffered deltas are flushed first,
// then session_stopped (for user stops), session_end, and done, after which
// subscribers complete. The snapshot is never auto-rolled back here (spec
// §7): the user chooses via rollback_options.
func (r *run) finish(out Outcome) {
	r.state = StateFinished
	r.e.Broadcaster.FlushAll(r.sess.ID)

	if out.Status == StatusCancelled {
		r.emit(events.TypeSessionStopped, "", events.SessionStoppedData{Reason: "user_requested"})
	}

	reason := string(out.Reason)
	if reason != "" {
		r.sess.SetStopReason(reason)
	} else if out.Err != nil {
		r.sess.SetStopReason(out.Err.Error())
	}

	r.emit(events.TypeSessionEnd, "", events.SessionEndData{Status: string(out.Status), Reason: reason})
	r.emit(events.TypeDone, "", nil)
	r.e.Gate.CloseSession(r.sess.ID)
	r.e.Broadcaster.Close(r.sess.ID)
	if r.e.Log != nil {
		r.e.Log.Info(context.Background(), "session finished",
			"session_id", r.sess.ID,
			"status", string(out.Status),
			"reason", reason,
			"turns", r.sess.TurnIndex,
		)
	}
}

func (r *run) buildRequest(systemPrompt string) *model.Request {
	msgs := make([]*model.Message, 0, 16)
	msgs = append(msgs, &model.Message{
		Role:  model.ConversationRoleSystem,
		Parts: []model.Part{model.TextPart{Text: systemPrompt}},
	})
	for _, m := range r.sess.Context.SnapshotMessages() {
		if mm := toModelMessage(m); mm != nil {
			msgs = append(msgs, mm)
		}
	}

	specs := r.e.Registry.List()
	defs := make([]*model.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, &model.ToolDefinition{
			Name:        spec.Name.String(),
			Description: spec.Description,
			InputSchema: tools.DecodeSchema(spec),
		})
	}

	return &model.Request{
		RunID:       r.sess.ID,
		Model:       r.e.ModelName,
		Messages:    msgs,
		Tools:       defs,
		MaxTokens:   r.e.MaxTokens,
		Temperature: r.e.Temperature,
		Stream:      true,
		Cache:       &model.CacheOptions{AfterSystem: true, AfterTools: true},
	}
}

func toModelMessage(m session.Message) *model.Message {
	role := model.ConversationRoleUser
	if m.Role == session.RoleAssistant {
		role = model.ConversationRoleAssistant
	}
	parts := make([]model.Part, 0, len(m.Content))
	for _, block := range m.Content {
		switch block.Type {
		case session.ContentText:
			parts = append(parts, model.TextPart{Text: block.Text})
		case session.ContentThinking:
			parts = append(parts, model.ThinkingPart{Text: block.Text, Signature: block.Signature, Index: block.Index, Final: true})
		case session.ContentToolUse:
			var input any
			_ = json.Unmarshal(block.ToolInput, &input)
			parts = append(parts, model.ToolUsePart{ID: block.ToolUseID, Name: block.ToolName.String(), Input: input})
		case session.ContentToolResult:
			parts = append(parts, model.ToolResultPart{ToolUseID: block.ToolResultFor, Content: block.ResultContent, IsError: block.IsError})
		case session.ContentImage:
			parts = append(parts, model.ImagePart{Format: model.ImageFormat(block.ImageMediaType), Bytes: block.ImageData})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &model.Message{Role: role, Parts: parts}
}

func (r *run) addUsage(delta *model.TokenUsage) {
	if delta == nil {
		return
	}
	r.sess.Usage.InputTokens += delta.InputTokens
	r.sess.Usage.OutputTokens += delta.OutputTokens
	r.sess.Usage.TotalTokens += delta.TotalTokens
	r.sess.Usage.CacheReadTokens += delta.CacheReadTokens
	r.sess.Usage.CacheWriteTokens += delta.CacheWriteTokens
	if cost, ok := r.e.Pricing.EstimateCost(r.e.ModelName, *delta); ok {
		r.sess.CostUSD += cost
	}
}

// estimateUsage approximates a turn's token usage from the composed system
// prompt and the emitted blocks when the provider did not report any.
func (r *run) estimateUsage(systemPrompt string, blocks []session.ContentBlock) *model.TokenUsage {
	in := r.counter.Count(systemPrompt)
	var out int
	for _, block := range blocks {
		out += r.counter.Count(block.Text)
		out += r.counter.Count(string(block.ToolInput))
	}
	return &model.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

func (r *run) pricingKnown() bool {
	_, ok := r.e.Pricing[r.e.ModelName]
	return ok
}

func (r *run) emit(t events.Type, msgID string, data any) {
	r.lastEventAt = time.Now()
	r.e.Broadcaster.Emit(r.sess.ID, events.Partial{
		Type:           t,
		ConversationID: r.sess.ConversationID,
		MessageID:      msgID,
		Data:           data,
	})
}

func (r *run) emitDelta(msgID string, index int, delta string) {
	r.lastEventAt = time.Now()
	r.e.Broadcaster.Emit(r.sess.ID, events.Partial{
		Type:           events.TypeContentDelta,
		ConversationID: r.sess.ConversationID,
		MessageID:      msgID,
		ContentIndex:   index,
		Delta:          delta,
	})
}

// blockAccumulator turns the provider chunk stream into dense, ordered
// content blocks, emitting content_start/content_delta/content_stop along
// the way. Tool-use input fragments are concatenated verbatim and parsed
// only at content_stop (spec §9).
type blockAccumulator struct {
	r     *run
	msgID string

	blocks    []session.ContentBlock
	toolCalls []tools.Invocation

	open      bool
	openType  session.ContentBlockType
	text      strings.Builder
	toolID    string
	toolName  tools.Ident
	toolJSON  strings.Builder
	signature string
}

func newBlockAccumulator(r *run, msgID string) *blockAccumulator {
	return &blockAccumulator{r: r, msgID: msgID}
}

func (a *blockAccumulator) nextIndex() int { return len(a.blocks) }

func (a *blockAccumulator) openBlock(t session.ContentBlockType, start events.ContentStartData) {
	a.closeOpen()
	a.open = true
	a.openType = t
	start.Index = a.nextIndex()
	start.Type = string(t)
	a.r.emit(events.TypeContentStart, a.msgID, start)
}

func (a *blockAccumulator) appendText(text string) {
	if text == "" {
		return
	}
	if !a.open || a.openType != session.ContentText {
		a.openBlock(session.ContentText, events.ContentStartData{})
	}
	a.text.WriteString(text)
	a.r.emitDelta(a.msgID, a.nextIndex(), text)
}

func (a *blockAccumulator) appendThinking(chunk model.Chunk) {
	text := chunk.Thinking
	if text == "" {
		text = textOf(chunk.Message)
	}
	if sig := signatureOf(chunk.Message); sig != "" {
		a.signature = sig
	}
	if text == "" {
		return
	}
	if !a.open || a.openType != session.ContentThinking {
		a.openBlock(session.ContentThinking, events.ContentStartData{})
	}
	a.text.WriteString(text)
	a.r.emitDelta(a.msgID, a.nextIndex(), text)
}

func (a *blockAccumulator) appendToolDelta(d *model.ToolCallDelta) {
	if d == nil {
		return
	}
	if !a.open || a.openType != session.ContentToolUse || a.toolID != d.ID {
		a.openBlock(session.ContentToolUse, events.ContentStartData{
			ToolUseID: d.ID,
			ToolName:  d.Name.String(),
		})
		a.toolID = d.ID
		a.toolName = d.Name
	}
	a.toolJSON.WriteString(d.Delta)
	a.r.emitDelta(a.msgID, a.nextIndex(), d.Delta)
}

func (a *blockAccumulator) finalizeToolCall(call *model.ToolCall) {
	if call == nil {
		return
	}
	if !a.open || a.openType != session.ContentToolUse || a.toolID != call.ID {
		// Provider emitted the whole call at once, with no preceding deltas.
		a.openBlock(session.ContentToolUse, events.ContentStartData{
			ToolUseID: call.ID,
			ToolName:  call.Name.String(),
		})
		a.toolID = call.ID
		a.toolName = call.Name
	}

	payload := call.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(a.toolJSON.String())
	}
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}

	index := a.nextIndex()
	var input any
	_ = json.Unmarshal(payload, &input)
	a.blocks = append(a.blocks, session.ContentBlock{
		Index:     index,
		Type:      session.ContentToolUse,
		ToolUseID: call.ID,
		ToolName:  call.Name,
		ToolInput: append([]byte(nil), payload...),
	})
	a.toolCalls = append(a.toolCalls, tools.Invocation{ID: call.ID, Name: call.Name, Payload: payload})

	a.r.emit(events.TypeContentStop, a.msgID, events.ContentStopData{
		Index:     index,
		Type:      string(session.ContentToolUse),
		ToolUseID: call.ID,
		ToolName:  call.Name.String(),
		Input:     input,
	})
	a.resetOpen()
}

// closeOpen seals the current block, emitting its content_stop.
func (a *blockAccumulator) closeOpen() {
	if !a.open {
		return
	}
	index := a.nextIndex()
	switch a.openType {
	case session.ContentText, session.ContentThinking:
		a.blocks = append(a.blocks, session.ContentBlock{
			Index:     index,
			Type:      a.openType,
			Text:      a.text.String(),
			Signature: a.signature,
		})
		a.r.emit(events.TypeContentStop, a.msgID, events.ContentStopData{
			Index: index,
			Type:  string(a.openType),
		})
	case session.ContentToolUse:
		// A tool_use block left open at stream end never received its final
		// ToolCall chunk; finalize from the accumulated fragments so the
		// transcript stays well-formed.
		a.finalizeToolCall(&model.ToolCall{
			ID:      a.toolID,
			Name:    a.toolName,
			Payload: json.RawMessage(a.toolJSON.String()),
		})
		return
	}
	a.resetOpen()
}

func (a *blockAccumulator) resetOpen() {
	a.open = false
	a.text.Reset()
	a.toolJSON.Reset()
	a.toolID = ""
	a.toolName = ""
	a.signature = ""
}

func textOf(msg *model.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range msg.Parts {
		switch part := p.(type) {
		case model.TextPart:
			b.WriteString(part.Text)
		case model.ThinkingPart:
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func signatureOf(msg *model.Message) string {
	if msg == nil {
		return ""
	}
	for _, p := range msg.Parts {
		if part, ok := p.(model.ThinkingPart); ok && part.Signature != "" {
			return part.Signature
		}
	}
	return ""
}

func isEmptyOutput(output any) bool {
	switch v := output.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func failureReason(res tools.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if m, ok := res.Output.(map[string]any); ok {
		if msg, ok := m["error"].(string); ok {
			return msg
		}
	}
	return "tool returned an error result"
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
