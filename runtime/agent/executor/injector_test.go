package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/tools"
)

func TestBuildSystemPromptOrdersStableFirst(t *testing.T) {
	injectors := []Injector{
		InjectorFunc{FuncName: "dynamic", FuncPhase: Phase1, Fn: func(context.Context, *session.RuntimeContext, session.IntentResult) (Fragment, error) {
			return Fragment{Name: "dynamic", Text: "DYNAMIC", Cache: CacheDynamic}, nil
		}},
		InjectorFunc{FuncName: "stable", FuncPhase: Phase3, Fn: func(context.Context, *session.RuntimeContext, session.IntentResult) (Fragment, error) {
			return Fragment{Name: "stable", Text: "STABLE", Cache: CacheStable}, nil
		}},
		InjectorFunc{FuncName: "session", FuncPhase: Phase2, Fn: func(context.Context, *session.RuntimeContext, session.IntentResult) (Fragment, error) {
			return Fragment{Name: "session", Text: "SESSION", Cache: CacheSession}, nil
		}},
	}

	rc := session.NewRuntimeContext()
	prompt, err := BuildSystemPrompt(context.Background(), rc, session.IntentResult{}, injectors)
	require.NoError(t, err)

	// Stable prefix first regardless of phase, so the provider prompt cache
	// sees the longest possible unchanged prefix.
	require.True(t, strings.Index(prompt, "STABLE") < strings.Index(prompt, "SESSION"))
	require.True(t, strings.Index(prompt, "SESSION") < strings.Index(prompt, "DYNAMIC"))
}

func TestDefaultInjectorsCoverAllPhases(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:        "web.search",
		Description: "searches",
		Handler:     func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}))

	injectors := DefaultInjectors("", reg, nil, nil)
	var phases [3]bool
	for _, inj := range injectors {
		phases[inj.Phase()] = true
	}
	require.True(t, phases[Phase1])
	require.True(t, phases[Phase2])
	require.True(t, phases[Phase3])
}

func TestPlanInjectorOnlyForPlanningIntents(t *testing.T) {
	rc := session.NewRuntimeContext()
	inj := PlanInjector()

	frag, err := inj.Inject(context.Background(), rc, session.IntentResult{Complexity: session.IntentSimple})
	require.NoError(t, err)
	require.Empty(t, frag.Text)

	frag, err = inj.Inject(context.Background(), rc, session.IntentResult{Complexity: session.IntentComplex})
	require.NoError(t, err)
	require.NotEmpty(t, frag.Text)
}

func TestSkillFocusInjector(t *testing.T) {
	inj := SkillFocusInjector()
	frag, err := inj.Inject(context.Background(), session.NewRuntimeContext(), session.IntentResult{
		RelevantSkillGroups: map[string]struct{}{"calendar": {}},
	})
	require.NoError(t, err)
	require.Contains(t, frag.Text, "calendar")
}
