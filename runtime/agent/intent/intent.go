// Package intent implements the IntentAnalyzer (spec §4.9): a four-layer
// classification pipeline (exact-hash cache, semantic cache, model call with
// structured output, deterministic skill-name augmentation) run synchronously
// before a session starts. Failure anywhere is non-fatal: the analyzer falls
// back to a medium-complexity default. The cache layers follow the teacher's
// process-global reader-preferring RWMutex caching idiom.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/session"
)

// Embedder produces a vector for semantic cache lookups. A nil Embedder
// disables the semantic layer.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultSimilarityThreshold is the cosine similarity above which a cached
// result is reused for a semantically equivalent query.
const DefaultSimilarityThreshold = 0.92

// DefaultModelTimeout bounds the classification model call; the analyzer is
// on the session-start critical path.
const DefaultModelTimeout = 2 * time.Second

type semanticEntry struct {
	vector []float32
	result session.IntentResult
}

// Analyzer classifies the incoming user message. Safe for concurrent use;
// the caches are process-global.
type Analyzer struct {
	model     model.Client
	modelName string
	embedder  Embedder

	// skillGroups are the registered skill-group names used by the
	// deterministic augmentation layer.
	skillGroups []string

	Threshold    float64
	ModelTimeout time.Duration

	mu       sync.RWMutex
	exact    map[string]session.IntentResult
	semantic []semanticEntry
}

// New builds an Analyzer. m may be nil (layer 3 skipped), embedder may be
// nil (layer 2 skipped).
func New(m model.Client, modelName string, embedder Embedder, skillGroups []string) *Analyzer {
	return &Analyzer{
		model:        m,
		modelName:    modelName,
		embedder:     embedder,
		skillGroups:  skillGroups,
		Threshold:    DefaultSimilarityThreshold,
		ModelTimeout: DefaultModelTimeout,
		exact:        make(map[string]session.IntentResult),
	}
}

// Fallback is the non-fatal default used when classification fails (spec
// §4.9).
func Fallback() session.IntentResult {
	return session.IntentResult{
		Complexity:          session.IntentMedium,
		RelevantSkillGroups: map[string]struct{}{},
	}
}

// Analyze classifies query in the context of the conversation's recent
// messages. Never returns an error: any layer failure degrades to the next
// layer, and total failure degrades to Fallback().
func (a *Analyzer) Analyze(ctx context.Context, history []session.Message, query string) session.IntentResult {
	filtered := filterHistory(history)
	key := cacheKey(filtered, query)

	a.mu.RLock()
	cached, hit := a.exact[key]
	a.mu.RUnlock()
	if hit {
		return cached
	}

	var vector []float32
	if a.embedder != nil {
		if v, err := a.embedder.Embed(ctx, query); err == nil {
			vector = v
			if res, ok := a.semanticLookup(v); ok {
				a.store(key, nil, res)
				return res
			}
		}
	}

	res, ok := a.classifyWithModel(ctx, filtered, query)
	if !ok {
		res = Fallback()
	}
	a.augment(&res, query)
	a.store(key, vector, res)
	return res
}

// filterHistory applies the spec §4.9 message filter: last 5 user messages,
// last 1 assistant message truncated to 100 characters, no tool blocks, no
// images.
func filterHistory(history []session.Message) []string {
	var users []string
	var assistant string
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		text := textOnly(msg)
		if text == "" {
			continue
		}
		switch msg.Role {
		case session.RoleUser:
			if len(users) < 5 {
				users = append(users, text)
			}
		case session.RoleAssistant:
			if assistant == "" {
				assistant = truncate(text, 100)
			}
		}
	}
	// users were collected newest-first; restore conversation order.
	out := make([]string, 0, len(users)+1)
	for i := len(users) - 1; i >= 0; i-- {
		out = append(out, "user: "+users[i])
	}
	if assistant != "" {
		out = append(out, "assistant: "+assistant)
	}
	return out
}

func textOnly(msg session.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == session.ContentText {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func cacheKey(filtered []string, query string) string {
	sum := sha256.Sum256([]byte(strings.Join(filtered, "\n") + "\n" + query))
	return hex.EncodeToString(sum[:])
}

func (a *Analyzer) semanticLookup(vector []float32) (session.IntentResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, entry := range a.semantic {
		if cosine(vector, entry.vector) >= a.Threshold {
			return entry.result, true
		}
	}
	return session.IntentResult{}, false
}

func (a *Analyzer) store(key string, vector []float32, res session.IntentResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exact[key] = res
	if vector != nil {
		a.semantic = append(a.semantic, semanticEntry{vector: vector, result: res})
	}
}

// classifyPrompt instructs the lightweight model profile to emit exactly the
// structured result, nothing else.
const classifyPrompt = `Classify the final user message. Respond with only a JSON object:
{"complexity":"simple|medium|complex","skip_memory":bool,"is_follow_up":bool,"wants_to_stop":bool,"wants_rollback":bool,"relevant_skill_groups":["..."]}`

type wireResult struct {
	Complexity          string   `json:"complexity"`
	SkipMemory          bool     `json:"skip_memory"`
	IsFollowUp          bool     `json:"is_follow_up"`
	WantsToStop         bool     `json:"wants_to_stop"`
	WantsRollback       bool     `json:"wants_rollback"`
	RelevantSkillGroups []string `json:"relevant_skill_groups"`
}

func (a *Analyzer) classifyWithModel(ctx context.Context, filtered []string, query string) (session.IntentResult, bool) {
	if a.model == nil {
		return session.IntentResult{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, a.ModelTimeout)
	defer cancel()

	prompt := strings.Join(append(filtered, "user: "+query), "\n")
	resp, err := a.model.Complete(callCtx, &model.Request{
		Model:      a.modelName,
		ModelClass: model.ModelClassSmall,
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: classifyPrompt}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
		},
		MaxTokens: 256,
	})
	if err != nil || len(resp.Content) == 0 {
		return session.IntentResult{}, false
	}

	raw := extractJSON(flatten(resp.Content))
	var wire wireResult
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return session.IntentResult{}, false
	}

	complexity := session.IntentComplexity(wire.Complexity)
	switch complexity {
	case session.IntentSimple, session.IntentMedium, session.IntentComplex:
	default:
		return session.IntentResult{}, false
	}

	groups := make(map[string]struct{}, len(wire.RelevantSkillGroups))
	for _, g := range wire.RelevantSkillGroups {
		groups[g] = struct{}{}
	}
	return session.IntentResult{
		Complexity:          complexity,
		SkipMemory:          wire.SkipMemory,
		IsFollowUp:          wire.IsFollowUp,
		WantsToStop:         wire.WantsToStop,
		WantsRollback:       wire.WantsRollback,
		RelevantSkillGroups: groups,
	}, true
}

// augment is the deterministic fourth layer: skill-group names mentioned in
// the query are always considered relevant, and explicit stop/rollback
// phrasing wins over whatever the model said.
func (a *Analyzer) augment(res *session.IntentResult, query string) {
	if res.RelevantSkillGroups == nil {
		res.RelevantSkillGroups = make(map[string]struct{})
	}
	lower := strings.ToLower(query)
	for _, group := range a.skillGroups {
		if strings.Contains(lower, strings.ToLower(group)) {
			res.RelevantSkillGroups[group] = struct{}{}
		}
	}
	for _, marker := range []string{"stop", "cancel that", "abort"} {
		if strings.Contains(lower, marker) {
			res.WantsToStop = true
			break
		}
	}
	for _, marker := range []string{"rollback", "roll back", "undo", "revert"} {
		if strings.Contains(lower, marker) {
			res.WantsRollback = true
			break
		}
	}
}

func flatten(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok {
				b.WriteString(tp.Text)
			}
		}
	}
	return b.String()
}

// extractJSON pulls the first top-level JSON object out of a completion that
// may wrap it in prose or a code fence.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
