package terminator

import (
	"testing"
	"time"

	"agentcore/runtime/agent/session"
	"github.com/stretchr/testify/require"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestModelEndTerminates(t *testing.T) {
	term := New(DefaultCaps())
	rc := session.NewRuntimeContext()
	msg := &session.Message{StopReason: "end_turn"}

	d := term.Evaluate(rc, Input{LastMessage: msg})
	require.Equal(t, ReasonModelEnd, d.Reason)
	require.Equal(t, DispositionFinish, d.Disposition)
}

func TestModelEndWithUnresolvedToolUseDoesNotTerminate(t *testing.T) {
	term := New(DefaultCaps())
	rc := session.NewRuntimeContext()
	msg := &session.Message{
		StopReason: "end_turn",
		Content: []session.ContentBlock{
			{Type: session.ContentToolUse, ToolUseID: "t1"},
		},
	}

	d := term.Evaluate(rc, Input{LastMessage: msg})
	require.NotEqual(t, ReasonModelEnd, d.Reason)
	require.Equal(t, DispositionContinue, d.Disposition)
}

func TestUserStopTerminates(t *testing.T) {
	term := New(DefaultCaps())
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{UserStopRequested: true})
	require.Equal(t, ReasonUserStop, d.Reason)
	require.Equal(t, DispositionFinish, d.Disposition)
}

func TestMaxTurnsTerminates(t *testing.T) {
	term := New(Caps{MaxTurns: 5})
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{Turns: 5})
	require.Equal(t, ReasonMaxTurns, d.Reason)
}

func TestMaxSessionDurationTerminates(t *testing.T) {
	term := New(Caps{MaxSessionDuration: time.Minute})
	term.now = fixedNow(time.Unix(1000, 0))
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{SessionStartedAt: time.Unix(900, 0)})
	require.Equal(t, ReasonTimeout, d.Reason)
}

func TestIdleTimeoutTerminates(t *testing.T) {
	term := New(Caps{IdleTimeout: time.Minute})
	term.now = fixedNow(time.Unix(1000, 0))
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{LastEventAt: time.Unix(900, 0)})
	require.Equal(t, ReasonTimeout, d.Reason)
}

func TestConsecutiveFailuresTerminatesAndOffersRollback(t *testing.T) {
	term := New(Caps{ConsecutiveFailureLimit: 3})
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{ConsecutiveFailures: 3})
	require.Equal(t, ReasonConsecutiveFailures, d.Reason)
	require.True(t, d.OfferRollback)
}

func TestBacktrackExhaustedSuspends(t *testing.T) {
	term := New(DefaultCaps())
	rc := session.NewRuntimeContext()
	rc.WithLock(func() { rc.BacktracksExhausted = true })

	d := term.Evaluate(rc, Input{})
	require.Equal(t, ReasonBacktrackExhausted, d.Reason)
	require.Equal(t, DispositionSuspend, d.Disposition)
}

func TestIntentClarifySuspends(t *testing.T) {
	term := New(DefaultCaps())
	rc := session.NewRuntimeContext()
	rc.WithLock(func() { rc.LastDecision = session.IntentClarify })

	d := term.Evaluate(rc, Input{})
	require.Equal(t, ReasonIntentClarify, d.Reason)
	require.Equal(t, DispositionSuspend, d.Disposition)
}

func TestLongRunningConfirmSuspendsOnceThenProceedsIfConfirmed(t *testing.T) {
	term := New(Caps{LongRunThreshold: 20})
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{Turns: 20})
	require.Equal(t, ReasonLongRunningConfirm, d.Reason)
	require.Equal(t, DispositionSuspend, d.Disposition)

	d = term.Evaluate(rc, Input{Turns: 20, LongRunningConfirmed: true})
	require.Equal(t, DispositionContinue, d.Disposition)
}

func TestCostLadderTiers(t *testing.T) {
	term := New(DefaultCaps())
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{AccumulatedCostUSD: 0.10, PricingKnown: true})
	require.Equal(t, CostNone, d.CostAlert)

	d = term.Evaluate(rc, Input{AccumulatedCostUSD: 0.75, PricingKnown: true})
	require.Equal(t, CostWarn, d.CostAlert)

	d = term.Evaluate(rc, Input{AccumulatedCostUSD: 3.00, PricingKnown: true})
	require.Equal(t, CostConfirm, d.CostAlert)

	d = term.Evaluate(rc, Input{AccumulatedCostUSD: 15.00, PricingKnown: true})
	require.Equal(t, CostUrgent, d.CostAlert)
}

func TestCostLadderIgnoredWhenPricingUnknown(t *testing.T) {
	term := New(DefaultCaps())
	rc := session.NewRuntimeContext()

	d := term.Evaluate(rc, Input{AccumulatedCostUSD: 100, PricingKnown: false})
	require.Equal(t, CostNone, d.CostAlert)
}
