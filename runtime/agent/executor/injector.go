package executor

import (
	"context"
	"sort"

	"agentcore/runtime/agent/session"
)

// Phase identifies which of the three injector phases a Fragment belongs to
// (spec §4.7 step 1): phase 1 (system role, history summary, tool
// definitions, skill focus), phase 2 (user memory, playbook hint, knowledge
// context), phase 3 (plan/todo, page editor).
type Phase int

const (
	Phase1 Phase = iota
	Phase2
	Phase3
)

// CacheStrategy tags a Fragment so BuildSystemPrompt can order the final
// prompt to maximise provider prompt-cache hits: stable fragments never
// change within a conversation, session fragments change at most once per
// session, dynamic fragments may change every turn.
type CacheStrategy int

const (
	CacheStable CacheStrategy = iota
	CacheSession
	CacheDynamic
)

// Fragment is a single injector's rendered contribution to the system
// prompt.
type Fragment struct {
	Name  string
	Text  string
	Cache CacheStrategy
}

// Injector produces one Fragment from the current turn's RuntimeContext and
// cached IntentResult. Injectors are capability interfaces (spec §8 redesign
// note) rather than a class hierarchy, registered in a fixed per-phase order
// by the caller that constructs an Executor.
type Injector interface {
	Name() string
	Phase() Phase
	Inject(ctx context.Context, rc *session.RuntimeContext, intent session.IntentResult) (Fragment, error)
}

// InjectorFunc adapts a plain function to the Injector interface for the
// common case of a stateless injector.
type InjectorFunc struct {
	FuncName  string
	FuncPhase Phase
	Fn        func(ctx context.Context, rc *session.RuntimeContext, intent session.IntentResult) (Fragment, error)
}

func (f InjectorFunc) Name() string { return f.FuncName }
func (f InjectorFunc) Phase() Phase { return f.FuncPhase }
func (f InjectorFunc) Inject(ctx context.Context, rc *session.RuntimeContext, intent session.IntentResult) (Fragment, error) {
	return f.Fn(ctx, rc, intent)
}

// BuildSystemPrompt runs every injector (grouped by phase, phase 1 before 2
// before 3) and concatenates the results ordered stable-first,
// session-second, dynamic-last (spec §4.7 step 1), so the common
// prefix of the prompt stays byte-identical across turns for provider
// prompt caching. Fragments with empty Text are dropped. Each rendered
// fragment's text is recorded on rc.InjectorOutputs under the fragment's
// name; every injector runs again on each call, and the recorded text is
// not used to skip one.
func BuildSystemPrompt(ctx context.Context, rc *session.RuntimeContext, intent session.IntentResult, injectors []Injector) (string, error) {
	ordered := make([]Injector, len(injectors))
	copy(ordered, injectors)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Phase() < ordered[j].Phase() })

	fragments := make([]Fragment, 0, len(ordered))
	for _, inj := range ordered {
		frag, err := inj.Inject(ctx, rc, intent)
		if err != nil {
			return "", err
		}
		if frag.Text == "" {
			continue
		}
		fragments = append(fragments, frag)
	}

	sort.SliceStable(fragments, func(i, j int) bool { return fragments[i].Cache < fragments[j].Cache })

	var out string
	rc.WithLock(func() {
		for i, frag := range fragments {
			if i > 0 {
				out += "\n\n"
			}
			out += frag.Text
			rc.InjectorOutputs[frag.Name] = frag.Text
		}
	})
	return out, nil
}
