// Package terminator implements the AdaptiveTerminator (spec §4.6): an
// eight-dimension halt arbiter plus a tiered USD cost ladder, evaluated at
// the end of every turn. It is grounded on the teacher's
// runtime/agent/policy package (policy.Decide / Caps cap-based decision
// shape), generalized from a single retry cap into the full ordered
// dimension list and independent cost ladder of spec §4.6.
package terminator

import (
	"time"

	"agentcore/runtime/agent/session"
)

// FinishReason is the halt reason the terminator assigns when a turn should
// stop advancing (spec §4.6 steps 1-5) or suspend (steps 6-8).
type FinishReason string

const (
	ReasonModelEnd            FinishReason = "MODEL_END"
	ReasonUserStop            FinishReason = "USER_STOP"
	ReasonMaxTurns            FinishReason = "MAX_TURNS"
	ReasonTimeout             FinishReason = "TIMEOUT"
	ReasonConsecutiveFailures FinishReason = "CONSECUTIVE_FAILURES"
	ReasonBacktrackExhausted  FinishReason = "BACKTRACK_EXHAUSTED"
	ReasonIntentClarify       FinishReason = "INTENT_CLARIFY"
	ReasonLongRunningConfirm  FinishReason = "LONG_RUNNING_CONFIRM"
	ReasonNone                FinishReason = ""
)

// Disposition is what the executor should do with a Decision.
type Disposition string

const (
	DispositionContinue Disposition = "continue"
	DispositionFinish   Disposition = "finish"
	DispositionSuspend  Disposition = "suspend"
)

// CostAlert is a non-blocking or HITL-gated cost event the ladder can fire
// independently of the halt dimensions.
type CostAlert string

const (
	CostNone    CostAlert = ""
	CostWarn    CostAlert = "cost_warn"
	CostConfirm CostAlert = "cost_limit_confirm"
	CostUrgent  CostAlert = "cost_urgent_confirm"
)

// Decision is the terminator's output for one turn.
type Decision struct {
	Reason        FinishReason
	Disposition   Disposition
	OfferRollback bool
	CostAlert     CostAlert
}

// Input bundles everything the terminator needs about the current turn that
// isn't already sitting on RuntimeContext.
type Input struct {
	LastMessage          *session.Message
	UserStopRequested    bool
	Turns                int
	SessionStartedAt     time.Time
	LastEventAt          time.Time
	ConsecutiveFailures  int
	LongRunningConfirmed bool
	AccumulatedCostUSD   float64
	PricingKnown         bool
}

// Caps configures the thresholds each dimension and the cost ladder compare
// against. Zero-value Caps uses the spec's defaults.
type Caps struct {
	MaxTurns                int
	MaxSessionDuration      time.Duration
	IdleTimeout             time.Duration
	ConsecutiveFailureLimit int
	LongRunThreshold        int

	CostWarnUSD    float64
	CostConfirmUSD float64
	CostUrgentUSD  float64
}

// DefaultCaps mirrors the literal defaults named in spec §4.6.
func DefaultCaps() Caps {
	return Caps{
		MaxTurns:                50,
		MaxSessionDuration:      30 * time.Minute,
		IdleTimeout:             5 * time.Minute,
		ConsecutiveFailureLimit: 3,
		LongRunThreshold:        20,
		CostWarnUSD:             0.50,
		CostConfirmUSD:          2.00,
		CostUrgentUSD:           10.00,
	}
}

// Terminator implements AdaptiveTerminator.
type Terminator struct {
	Caps Caps
	now  func() time.Time
}

// New builds a Terminator with caps. A zero-value Caps substitutes
// DefaultCaps().
func New(caps Caps) *Terminator {
	if caps == (Caps{}) {
		caps = DefaultCaps()
	}
	return &Terminator{Caps: caps, now: time.Now}
}

// Evaluate runs the eight ordered dimensions, then the independent cost
// ladder, against rc and in (spec §4.6).
func (t *Terminator) Evaluate(rc *session.RuntimeContext, in Input) Decision {
	if d, ok := t.evaluateHaltDimensions(rc, in); ok {
		d.CostAlert = t.costAlert(in)
		return d
	}
	return Decision{Disposition: DispositionContinue, CostAlert: t.costAlert(in)}
}

func (t *Terminator) evaluateHaltDimensions(rc *session.RuntimeContext, in Input) (Decision, bool) {
	if in.LastMessage != nil && in.LastMessage.StopReason == "end_turn" && !hasUnresolvedToolUse(in.LastMessage) {
		return Decision{Reason: ReasonModelEnd, Disposition: DispositionFinish}, true
	}
	if in.UserStopRequested {
		return Decision{Reason: ReasonUserStop, Disposition: DispositionFinish}, true
	}
	if t.Caps.MaxTurns > 0 && in.Turns >= t.Caps.MaxTurns {
		return Decision{Reason: ReasonMaxTurns, Disposition: DispositionFinish}, true
	}
	now := t.now()
	if t.Caps.MaxSessionDuration > 0 && !in.SessionStartedAt.IsZero() && now.Sub(in.SessionStartedAt) >= t.Caps.MaxSessionDuration {
		return Decision{Reason: ReasonTimeout, Disposition: DispositionFinish}, true
	}
	if t.Caps.IdleTimeout > 0 && !in.LastEventAt.IsZero() && now.Sub(in.LastEventAt) >= t.Caps.IdleTimeout {
		return Decision{Reason: ReasonTimeout, Disposition: DispositionFinish}, true
	}
	if t.Caps.ConsecutiveFailureLimit > 0 && in.ConsecutiveFailures >= t.Caps.ConsecutiveFailureLimit {
		return Decision{Reason: ReasonConsecutiveFailures, Disposition: DispositionFinish, OfferRollback: true}, true
	}

	var exhausted bool
	var lastDecision session.BacktrackDecision
	rc.WithLock(func() {
		exhausted = rc.BacktracksExhausted
		lastDecision = rc.LastDecision
	})
	if exhausted {
		return Decision{Reason: ReasonBacktrackExhausted, Disposition: DispositionSuspend}, true
	}
	if lastDecision == session.IntentClarify {
		return Decision{Reason: ReasonIntentClarify, Disposition: DispositionSuspend}, true
	}
	if t.Caps.LongRunThreshold > 0 && in.Turns == t.Caps.LongRunThreshold && !in.LongRunningConfirmed {
		return Decision{Reason: ReasonLongRunningConfirm, Disposition: DispositionSuspend}, true
	}

	return Decision{}, false
}

func hasUnresolvedToolUse(msg *session.Message) bool {
	resolved := make(map[string]bool)
	var pending []string
	for _, block := range msg.Content {
		switch block.Type {
		case session.ContentToolUse:
			pending = append(pending, block.ToolUseID)
		case session.ContentToolResult:
			resolved[block.ToolResultFor] = true
		}
	}
	for _, id := range pending {
		if !resolved[id] {
			return true
		}
	}
	return false
}

// costAlert evaluates the independent cost ladder (spec §4.6). The
// terminator never forces termination for cost — only suspends pending
// user confirmation at the higher tiers.
func (t *Terminator) costAlert(in Input) CostAlert {
	if !in.PricingKnown {
		return CostNone
	}
	switch {
	case t.Caps.CostUrgentUSD > 0 && in.AccumulatedCostUSD >= t.Caps.CostUrgentUSD:
		return CostUrgent
	case t.Caps.CostConfirmUSD > 0 && in.AccumulatedCostUSD >= t.Caps.CostConfirmUSD:
		return CostConfirm
	case t.Caps.CostWarnUSD > 0 && in.AccumulatedCostUSD >= t.Caps.CostWarnUSD:
		return CostWarn
	default:
		return CostNone
	}
}
