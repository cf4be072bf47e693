// Package backtrack implements the BacktrackManager (spec §4.5): given a
// classified business failure, it chooses a recovery strategy, enforcing
// monotonic escalation per failure fingerprint, and rewrites the turn's
// RuntimeContext so the model sees a contrastive reflection instead of the
// raw error. It is grounded on the teacher's runtime/agent/planner package
// (PlanResult/ToolRequest shape, retry-hint propagation), generalized from
// "re-plan on tool error" to the full six-strategy escalation ladder.
package backtrack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/tools"
)

// Fingerprint canonically summarizes a failing step: the tool name,
// canonicalised input, and error kind, so repeated failures of the "same"
// step are recognized across turns (spec §4.5).
type Fingerprint string

// ComputeFingerprint builds a Fingerprint from a tool invocation and its
// classification.
func ComputeFingerprint(name tools.Ident, input []byte, class session.ErrorClassification) Fingerprint {
	canon := canonicalizeJSON(input)
	kind := string(class.BusinessKind)
	if class.Class == session.ClassInfrastructure {
		kind = string(class.InfraKind)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", name, canon, kind)))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func canonicalizeJSON(raw []byte) string {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	out, err := json.Marshal(sortedValue(v))
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// sortedValue recursively converts maps into a slice of key/value pairs
// sorted by key, so structurally identical JSON with differently ordered
// object keys canonicalizes to the same string.
func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([][2]any, 0, len(t))
		for _, k := range keys {
			out = append(out, [2]any{k, sortedValue(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return t
	}
}

// StrategyProposer asks a lightweight model profile to propose a recovery
// strategy, given the failure context. A nil Proposer (or a call that
// errors) falls back to the deterministic ladder.
type StrategyProposer interface {
	Propose(ctx context.Context, failure Failure, tried []session.BacktrackDecision, plan []session.PlanStep) (session.BacktrackDecision, error)
}

// Failure bundles the information BacktrackManager needs about the failing
// step to compute a fingerprint and build the reflection summary.
type Failure struct {
	ToolUseID      string
	ToolName       tools.Ident
	Input          []byte
	Classification session.ErrorClassification
	Reason         string
}

// Manager implements BacktrackManager. It is not safe for concurrent use
// across sessions sharing a Manager unless callers hold distinct Managers
// per RuntimeContext, or guard calls externally — RVRBExecutor serializes
// access per session (spec §5).
type Manager struct {
	mu       sync.Mutex
	proposer StrategyProposer
	attempts map[Fingerprint]map[session.BacktrackDecision]struct{}

	// MaxBacktracks bounds ctx.TotalBacktracks before exhaustion is forced
	// regardless of ladder position.
	MaxBacktracks int
}

// DefaultMaxBacktracks bounds the total backtracks one session may take
// before its backtrack budget is exhausted; it is separate from the
// terminator's consecutive-failure limit. Override via Manager.MaxBacktracks
// for a tighter session policy.
const DefaultMaxBacktracks = 8

// NewManager builds a Manager. proposer may be nil to always use the
// deterministic ladder.
func NewManager(proposer StrategyProposer) *Manager {
	return &Manager{
		proposer:      proposer,
		attempts:      make(map[Fingerprint]map[session.BacktrackDecision]struct{}),
		MaxBacktracks: DefaultMaxBacktracks,
	}
}

// Decide selects a strategy for failure against rc, applies the message
// rewrite (removing the failed tool_result and injecting a reflection), and
// updates rc's backtrack bookkeeping. It returns the chosen decision.
func (m *Manager) Decide(ctx context.Context, rc *session.RuntimeContext, failure Failure) session.BacktrackDecision {
	fp := ComputeFingerprint(failure.ToolName, failure.Input, failure.Classification)

	m.mu.Lock()
	tried := m.triedLocked(fp)
	m.mu.Unlock()

	decision := m.proposeOrEscalate(ctx, failure, tried, rc.Plan)

	m.mu.Lock()
	m.recordLocked(fp, decision)
	m.mu.Unlock()

	rc.WithLock(func() {
		rc.TotalBacktracks++
		rc.LastDecision = decision
		if decision == GiveUpDecision() || rc.TotalBacktracks > m.MaxBacktracks {
			rc.BacktracksExhausted = true
		}
		rewriteForReflection(rc, fp, failure, decision)
	})

	return decision
}

// GiveUpDecision exists so callers outside this package can compare against
// the terminal ladder rung without importing the session package's enum
// directly for readability at call sites.
func GiveUpDecision() session.BacktrackDecision { return session.GiveUp }

func (m *Manager) triedLocked(fp Fingerprint) map[session.BacktrackDecision]struct{} {
	tried, ok := m.attempts[fp]
	if !ok {
		return nil
	}
	out := make(map[session.BacktrackDecision]struct{}, len(tried))
	for k := range tried {
		out[k] = struct{}{}
	}
	return out
}

func (m *Manager) recordLocked(fp Fingerprint, decision session.BacktrackDecision) {
	if m.attempts[fp] == nil {
		m.attempts[fp] = make(map[session.BacktrackDecision]struct{})
	}
	m.attempts[fp][decision] = struct{}{}
}

func (m *Manager) proposeOrEscalate(ctx context.Context, failure Failure, tried map[session.BacktrackDecision]struct{}, plan []session.PlanStep) session.BacktrackDecision {
	if m.proposer != nil {
		triedList := make([]session.BacktrackDecision, 0, len(tried))
		for d := range tried {
			triedList = append(triedList, d)
		}
		if proposed, err := m.proposer.Propose(ctx, failure, triedList, plan); err == nil {
			if _, already := tried[proposed]; !already && proposed != "" {
				return proposed
			}
		}
	}
	return nextLadderRung(tried)
}

// nextLadderRung returns the first strategy in session.EscalationLadder not
// already present in tried.
func nextLadderRung(tried map[session.BacktrackDecision]struct{}) session.BacktrackDecision {
	for _, rung := range session.EscalationLadder {
		if _, ok := tried[rung]; !ok {
			return rung
		}
	}
	return session.GiveUp
}

// reflectionTag marks a message as a synthesized reflection for a given
// fingerprint, so a subsequent failure on the same step can be folded into
// it instead of appending a new entry (spec §4.5: "multiple consecutive
// failures within one fingerprint are compressed into a single reflection
// entry").
const reflectionTag = "backtrack_reflection:"

// rewriteForReflection removes the failed tool_result content from the
// visible message list and appends (or extends) a single contrastive
// reflection entry for fp.
func rewriteForReflection(rc *session.RuntimeContext, fp Fingerprint, failure Failure, decision session.BacktrackDecision) {
	filtered := make([]session.Message, 0, len(rc.Messages))
	for _, msg := range rc.Messages {
		kept := make([]session.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type == session.ContentToolResult && block.ToolResultFor == failure.ToolUseID && block.IsError {
				continue
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 && len(msg.Content) > 0 {
			continue
		}
		msg.Content = kept
		filtered = append(filtered, msg)
	}

	tag := reflectionTag + string(fp)
	if n := len(filtered); n > 0 && filtered[n-1].ID == tag {
		filtered[n-1].Content[0].Text = fmt.Sprintf(
			"%s Then tried %s, which failed again because %s; try yet another approach.",
			filtered[n-1].Content[0].Text, decision, failure.Reason,
		)
		rc.Messages = filtered
		return
	}

	summary := fmt.Sprintf(
		"Previously attempted %s via %s, it failed because %s; try a different approach.",
		failure.ToolName, decision, failure.Reason,
	)
	filtered = append(filtered, session.Message{
		ID:       tag,
		Role:     session.RoleUser,
		Content:  []session.ContentBlock{{Index: 0, Type: session.ContentText, Text: summary}},
		Complete: true,
	})
	rc.Messages = filtered
}
