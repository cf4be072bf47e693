package intent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/session"
)

type fixedModel struct {
	calls atomic.Int32
	reply string
	err   error
}

func (m *fixedModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &model.Response{Content: []model.Message{{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.TextPart{Text: m.reply}},
	}}}, nil
}

func (m *fixedModel) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

const complexReply = `{"complexity":"complex","skip_memory":false,"is_follow_up":false,"wants_to_stop":false,"wants_rollback":false,"relevant_skill_groups":["research"]}`

func TestModelClassification(t *testing.T) {
	m := &fixedModel{reply: complexReply}
	a := New(m, "small-model", nil, nil)

	res := a.Analyze(context.Background(), nil, "plan my trip across three countries")
	require.Equal(t, session.IntentComplex, res.Complexity)
	require.Contains(t, res.RelevantSkillGroups, "research")
	require.True(t, res.NeedsPlan())
}

func TestExactCacheShortCircuitsModel(t *testing.T) {
	m := &fixedModel{reply: complexReply}
	a := New(m, "small-model", nil, nil)

	_ = a.Analyze(context.Background(), nil, "same question")
	_ = a.Analyze(context.Background(), nil, "same question")
	require.Equal(t, int32(1), m.calls.Load())
}

func TestModelFailureFallsBack(t *testing.T) {
	m := &fixedModel{err: errors.New("provider down")}
	a := New(m, "small-model", nil, nil)

	res := a.Analyze(context.Background(), nil, "whatever")
	require.Equal(t, session.IntentMedium, res.Complexity)
	require.False(t, res.SkipMemory)
	require.NotNil(t, res.RelevantSkillGroups)
}

func TestGarbageModelOutputFallsBack(t *testing.T) {
	m := &fixedModel{reply: "I think this is a medium question."}
	a := New(m, "small-model", nil, nil)

	res := a.Analyze(context.Background(), nil, "hmm")
	require.Equal(t, session.IntentMedium, res.Complexity)
}

func TestDeterministicSkillAugmentation(t *testing.T) {
	m := &fixedModel{reply: `{"complexity":"simple","relevant_skill_groups":[]}`}
	a := New(m, "small-model", nil, []string{"calendar", "email"})

	res := a.Analyze(context.Background(), nil, "add a Calendar entry for tomorrow")
	require.Contains(t, res.RelevantSkillGroups, "calendar")
	require.NotContains(t, res.RelevantSkillGroups, "email")
	require.False(t, res.NeedsPlan())
}

func TestStopAndRollbackMarkers(t *testing.T) {
	m := &fixedModel{reply: `{"complexity":"simple"}`}
	a := New(m, "small-model", nil, nil)

	res := a.Analyze(context.Background(), nil, "please stop what you are doing")
	require.True(t, res.WantsToStop)

	res = a.Analyze(context.Background(), nil, "undo the last change")
	require.True(t, res.WantsRollback)
}

type fixedEmbedder struct{ v []float32 }

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return e.v, nil }

func TestSemanticCacheHit(t *testing.T) {
	m := &fixedModel{reply: complexReply}
	a := New(m, "small-model", fixedEmbedder{v: []float32{1, 0, 0}}, nil)

	_ = a.Analyze(context.Background(), nil, "book a flight to tokyo")
	// Different query text, same embedding: the exact layer misses but the
	// semantic layer hits, so the model is not consulted again.
	res := a.Analyze(context.Background(), nil, "get me a plane ticket to tokyo")
	require.Equal(t, session.IntentComplex, res.Complexity)
	require.Equal(t, int32(1), m.calls.Load())
}

func TestHistoryFilter(t *testing.T) {
	history := []session.Message{
		{Role: session.RoleUser, Content: []session.ContentBlock{{Type: session.ContentText, Text: "one"}}},
		{Role: session.RoleAssistant, Content: []session.ContentBlock{{Type: session.ContentText, Text: "a long assistant answer"}}},
		{Role: session.RoleTool, Content: []session.ContentBlock{{Type: session.ContentToolResult, ResultContent: "ignored"}}},
		{Role: session.RoleUser, Content: []session.ContentBlock{{Type: session.ContentText, Text: "two"}}},
	}
	filtered := filterHistory(history)
	require.Equal(t, []string{"user: one", "user: two", "assistant: a long assistant answer"}, filtered)
}
