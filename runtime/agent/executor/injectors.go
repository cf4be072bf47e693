package executor

import (
	"context"
	"fmt"
	"strings"

	"agentcore/runtime/agent/memory"
	"agentcore/runtime/agent/session"
	"agentcore/runtime/agent/tools"
)

// DefaultInjectors wires the standard three-phase pipeline of spec §4.7
// step 1: system role, history summary, tool definitions, and skill focus
// (phase 1); user memory, playbook hint, and knowledge context (phase 2);
// plan/todo and page editor (phase 3). mem and knowledge may be nil; their
// injectors then contribute nothing.
func DefaultInjectors(systemRole string, registry *tools.Registry, mem memory.Store, knowledge KnowledgeSource) []Injector {
	return []Injector{
		SystemRoleInjector(systemRole),
		HistorySummaryInjector(),
		ToolDefinitionsInjector(registry),
		SkillFocusInjector(),
		UserMemoryInjector(mem),
		PlaybookHintInjector(),
		KnowledgeContextInjector(knowledge),
		PlanInjector(),
		PageEditorInjector(),
	}
}

// KnowledgeSource supplies retrieved knowledge snippets for the current
// turn. Retrieval itself is an external collaborator (spec §1); the
// executor only reads through this contract.
type KnowledgeSource interface {
	Relevant(ctx context.Context, query string, limit int) ([]string, error)
}

// SystemRoleInjector contributes the stable agent persona. First fragment
// of the stable prefix, so the provider prompt cache stays warm across
// turns.
func SystemRoleInjector(role string) Injector {
	if role == "" {
		role = "You are a capable desktop assistant. Use the available tools to complete the user's request, and say clearly when you are done."
	}
	return InjectorFunc{
		FuncName:  "system_role",
		FuncPhase: Phase1,
		Fn: func(context.Context, *session.RuntimeContext, session.IntentResult) (Fragment, error) {
			return Fragment{Name: "system_role", Text: role, Cache: CacheStable}, nil
		},
	}
}

// HistorySummaryInjector condenses prior completed turns into a short
// orientation line. Dynamic: it changes every turn.
func HistorySummaryInjector() Injector {
	return InjectorFunc{
		FuncName:  "history_summary",
		FuncPhase: Phase1,
		Fn: func(_ context.Context, rc *session.RuntimeContext, _ session.IntentResult) (Fragment, error) {
			var turns, toolCalls int
			rc.WithLock(func() {
				for _, msg := range rc.Messages {
					if msg.Role == session.RoleAssistant {
						turns++
						for _, block := range msg.Content {
							if block.Type == session.ContentToolUse {
								toolCalls++
							}
						}
					}
				}
			})
			if turns == 0 {
				return Fragment{}, nil
			}
			return Fragment{
				Name:  "history_summary",
				Text:  fmt.Sprintf("Progress so far: %d assistant turns, %d tool calls.", turns, toolCalls),
				Cache: CacheDynamic,
			}, nil
		},
	}
}

// ToolDefinitionsInjector names the available tools. Session-stable: no
// step of the turn loop, backtracking included, adds tools to or removes
// tools from the registry.
func ToolDefinitionsInjector(registry *tools.Registry) Injector {
	return InjectorFunc{
		FuncName:  "tool_definitions",
		FuncPhase: Phase1,
		Fn: func(context.Context, *session.RuntimeContext, session.IntentResult) (Fragment, error) {
			if registry == nil {
				return Fragment{}, nil
			}
			specs := registry.List()
			if len(specs) == 0 {
				return Fragment{}, nil
			}
			names := make([]string, 0, len(specs))
			for _, spec := range specs {
				names = append(names, spec.Name.String())
			}
			return Fragment{
				Name:  "tool_definitions",
				Text:  "Available tools: " + strings.Join(names, ", ") + ". Full schemas are provided with each request.",
				Cache: CacheSession,
			}, nil
		},
	}
}

// SkillFocusInjector narrows attention to the intent-relevant skill groups.
func SkillFocusInjector() Injector {
	return InjectorFunc{
		FuncName:  "skill_focus",
		FuncPhase: Phase1,
		Fn: func(_ context.Context, _ *session.RuntimeContext, intent session.IntentResult) (Fragment, error) {
			if len(intent.RelevantSkillGroups) == 0 {
				return Fragment{}, nil
			}
			groups := make([]string, 0, len(intent.RelevantSkillGroups))
			for g := range intent.RelevantSkillGroups {
				groups = append(groups, g)
			}
			return Fragment{
				Name:  "skill_focus",
				Text:  "Skill groups relevant to this request: " + strings.Join(groups, ", ") + ".",
				Cache: CacheSession,
			}, nil
		},
	}
}

// UserMemoryInjector surfaces durable user memory unless the intent says to
// skip it.
func UserMemoryInjector(mem memory.Store) Injector {
	return InjectorFunc{
		FuncName:  "user_memory",
		FuncPhase: Phase2,
		Fn: func(ctx context.Context, _ *session.RuntimeContext, intent session.IntentResult) (Fragment, error) {
			if mem == nil || intent.SkipMemory {
				return Fragment{}, nil
			}
			snap, err := mem.LoadRun(ctx, "user", "profile")
			if err != nil || len(snap.Events) == 0 {
				// Memory is an enrichment, never a turn blocker.
				return Fragment{}, nil
			}
			lines := make([]string, 0, len(snap.Events))
			for _, evt := range snap.Events {
				if s, ok := evt.Data.(string); ok && s != "" {
					lines = append(lines, "- "+s)
				}
			}
			if len(lines) == 0 {
				return Fragment{}, nil
			}
			return Fragment{
				Name:  "user_memory",
				Text:  "What you remember about this user:\n" + strings.Join(lines, "\n"),
				Cache: CacheSession,
			}, nil
		},
	}
}

// PlaybookHintInjector surfaces a caller-provided playbook variable when the
// request carried one.
func PlaybookHintInjector() Injector {
	return InjectorFunc{
		FuncName:  "playbook_hint",
		FuncPhase: Phase2,
		Fn: func(_ context.Context, rc *session.RuntimeContext, _ session.IntentResult) (Fragment, error) {
			var hint string
			rc.WithLock(func() {
				hint = rc.InjectorOutputs["var:playbook"]
			})
			if hint == "" {
				return Fragment{}, nil
			}
			return Fragment{Name: "playbook_hint", Text: "Playbook for this task:\n" + hint, Cache: CacheSession}, nil
		},
	}
}

// KnowledgeContextInjector retrieves knowledge snippets for the latest user
// message.
func KnowledgeContextInjector(source KnowledgeSource) Injector {
	return InjectorFunc{
		FuncName:  "knowledge_context",
		FuncPhase: Phase2,
		Fn: func(ctx context.Context, rc *session.RuntimeContext, _ session.IntentResult) (Fragment, error) {
			if source == nil {
				return Fragment{}, nil
			}
			var query string
			rc.WithLock(func() {
				for i := len(rc.Messages) - 1; i >= 0; i-- {
					if rc.Messages[i].Role != session.RoleUser {
						continue
					}
					for _, block := range rc.Messages[i].Content {
						if block.Type == session.ContentText {
							query = block.Text
							return
						}
					}
				}
			})
			if query == "" {
				return Fragment{}, nil
			}
			snippets, err := source.Relevant(ctx, query, 5)
			if err != nil || len(snippets) == 0 {
				return Fragment{}, nil
			}
			return Fragment{
				Name:  "knowledge_context",
				Text:  "Possibly relevant knowledge:\n- " + strings.Join(snippets, "\n- "),
				Cache: CacheDynamic,
			}, nil
		},
	}
}

// PlanInjector renders the current todo tree for turns that need a plan.
func PlanInjector() Injector {
	return InjectorFunc{
		FuncName:  "plan",
		FuncPhase: Phase3,
		Fn: func(_ context.Context, rc *session.RuntimeContext, intent session.IntentResult) (Fragment, error) {
			if !intent.NeedsPlan() {
				return Fragment{}, nil
			}
			var plan []session.PlanStep
			rc.WithLock(func() {
				plan = append(plan, rc.Plan...)
			})
			if len(plan) == 0 {
				return Fragment{
					Name:  "plan",
					Text:  "This request needs a plan. Lay out the steps before acting, and keep the plan updated as you go.",
					Cache: CacheDynamic,
				}, nil
			}
			var b strings.Builder
			b.WriteString("Current plan:\n")
			renderPlan(&b, plan, 0)
			return Fragment{Name: "plan", Text: b.String(), Cache: CacheDynamic}, nil
		},
	}
}

func renderPlan(b *strings.Builder, steps []session.PlanStep, depth int) {
	for _, step := range steps {
		b.WriteString(strings.Repeat("  ", depth))
		if step.Done {
			b.WriteString("[x] ")
		} else {
			b.WriteString("[ ] ")
		}
		b.WriteString(step.Title)
		b.WriteString("\n")
		renderPlan(b, step.Steps, depth+1)
	}
}

// PageEditorInjector surfaces the page-editor buffer a desktop client can
// attach to the session.
func PageEditorInjector() Injector {
	return InjectorFunc{
		FuncName:  "page_editor",
		FuncPhase: Phase3,
		Fn: func(_ context.Context, rc *session.RuntimeContext, _ session.IntentResult) (Fragment, error) {
			var content string
			rc.WithLock(func() {
				content = rc.InjectorOutputs["var:page_editor"]
			})
			if content == "" {
				return Fragment{}, nil
			}
			return Fragment{
				Name:  "page_editor",
				Text:  "The user has this document open in the editor:\n" + content,
				Cache: CacheDynamic,
			}, nil
		},
	}
}
