package executor

import (
	"sync"

	"agentcore/runtime/agent/model"
	"github.com/tiktoken-go/tokenizer"
)

// ModelPricing is USD per million tokens for one model, the per-model
// pricing registry the terminator's cost ladder consults (spec §4.6).
type ModelPricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheReadPerMTok  float64
	CacheWritePerMTok float64
}

// PricingTable maps a model identifier to its pricing. Unknown models leave
// the cost ladder disabled (PricingKnown=false) rather than guessing.
type PricingTable map[string]ModelPricing

// EstimateCost converts a TokenUsage into USD using pricing, returning
// (cost, true) or (0, false) if modelName has no registered pricing.
func (pt PricingTable) EstimateCost(modelName string, usage model.TokenUsage) (float64, bool) {
	price, ok := pt[modelName]
	if !ok {
		return 0, false
	}
	cost := float64(usage.InputTokens)/1_000_000*price.InputPerMTok +
		float64(usage.OutputTokens)/1_000_000*price.OutputPerMTok +
		float64(usage.CacheReadTokens)/1_000_000*price.CacheReadPerMTok +
		float64(usage.CacheWriteTokens)/1_000_000*price.CacheWritePerMTok
	return cost, true
}

// tokenCounter estimates input and output token counts for a streamed turn
// whose provider reported no usage (see estimateUsage), so the cost ladder
// still has figures for that turn. Built once and reused; tiktoken-go's
// codec is safe for concurrent Encode calls.
type tokenCounter struct {
	mu    sync.Mutex
	codec tokenizer.Codec
	err   error
	once  sync.Once
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{}
}

func (c *tokenCounter) init() {
	c.codec, c.err = tokenizer.Get(tokenizer.Cl100kBase)
}

// Count returns an estimated token count for text. If the encoder could not
// be loaded, it falls back to a conservative chars/4 heuristic rather than
// failing the caller.
func (c *tokenCounter) Count(text string) int {
	c.once.Do(c.init)
	if c.err != nil || c.codec == nil {
		return len(text) / 4
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
