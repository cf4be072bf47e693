// Package anthropic implements model.Client on the Anthropic Messages API.
// It encodes the execution core's requests into anthropic-sdk-go calls and
// decodes responses and streaming events back into the generic message,
// tool-call, and usage types the RVR-B executor consumes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/tools"
)

type (
	// MessagesClient is the slice of the Anthropic SDK the adapter needs.
	// *sdk.MessageService satisfies it; tests pass a fake.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel serves requests that name no model. Required.
		DefaultModel string

		// HighModel and SmallModel serve requests that select a model class
		// instead of a concrete identifier (the intent analyzer and the
		// backtrack proposer ask for the small class). Empty falls back to
		// DefaultModel.
		HighModel  string
		SmallModel string

		// MaxTokens is the completion cap applied when a request does not
		// set one. Zero means every request must set its own.
		MaxTokens int

		// Temperature applies when a request does not set one.
		Temperature float64

		// ThinkingBudget is the default reasoning-token budget when a
		// request enables thinking without a budget of its own.
		ThinkingBudget int64
	}

	// Client is the Anthropic-backed model.Client.
	Client struct {
		msg  MessagesClient
		opts Options
	}
)

// New builds the adapter around an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey builds the adapter with the SDK's default HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, provToCanon, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return decodeResponse(msg, provToCanon)
}

// Stream issues a streaming Messages call and adapts its event stream into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, provToCanon, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newStreamer(ctx, stream, provToCanon), nil
}

// buildParams encodes a core request into SDK params. The second return
// value maps provider-visible (sanitized) tool names back to canonical ones
// for decoding tool calls out of the response.
func (c *Client) buildParams(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := c.pickModel(req)

	toolParams, canonToProv, provToCanon, err := encodeToolDefs(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	conversation, system, err := encodeConversation(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max_tokens must be positive")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := int64(req.Thinking.BudgetTokens)
		if budget <= 0 {
			budget = c.opts.ThinkingBudget
		}
		switch {
		case budget <= 0:
			return nil, nil, errors.New("anthropic: thinking budget is required when thinking is enabled")
		case budget < 1024:
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		case budget >= int64(maxTokens):
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, canonToProv, req.Tools)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	return &params, provToCanon, nil
}

// pickModel resolves the concrete model identifier: an explicit Model wins,
// then the configured identifier for the requested class, then the default.
func (c *Client) pickModel(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.opts.HighModel != "" {
			return c.opts.HighModel
		}
	case model.ModelClassSmall:
		if c.opts.SmallModel != "" {
			return c.opts.SmallModel
		}
	}
	return c.opts.DefaultModel
}

// encodeConversation splits the transcript into system text blocks and the
// user/assistant conversation. Tool-use parts naming tools absent from the
// current configuration (possible after a TOOL_REPLACE backtrack removed
// one) are re-pointed at the tool_unavailable sentinel so replay stays
// well-formed.
func encodeConversation(msgs []*model.Message, canonToProv map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				block, err := encodeToolUse(v, canonToProv)
				if err != nil {
					return nil, nil, err
				}
				blocks = append(blocks, block)
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, stringifyContent(v.Content), v.IsError))
			default:
				// Thinking and image parts are not replayed to the provider.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role { //nolint:exhaustive
		case model.ConversationRoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.ConversationRoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolUse(v model.ToolUsePart, canonToProv map[string]string) (sdk.ContentBlockParamUnion, error) {
	if v.Name == "" {
		return sdk.ContentBlockParamUnion{}, errors.New("anthropic: tool_use part missing name")
	}
	if provider, ok := canonToProv[v.Name]; ok && provider != "" {
		return sdk.NewToolUseBlock(v.ID, v.Input, provider), nil
	}
	fallback, ok := canonToProv[tools.ToolUnavailable.String()]
	if !ok || fallback == "" {
		return sdk.ContentBlockParamUnion{}, fmt.Errorf(
			"anthropic: tool_use references %q which is not in the current tool configuration and tool_unavailable is not available",
			v.Name,
		)
	}
	return sdk.NewToolUseBlock(v.ID, map[string]any{
		"requested_tool":    v.Name,
		"requested_payload": v.Input,
	}, fallback), nil
}

func stringifyContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// encodeToolDefs converts registry definitions into SDK tool params,
// returning the canonical→provider and provider→canonical name maps built
// while sanitizing names to Anthropic's constraints.
func encodeToolDefs(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		provider := providerToolName(def.Name)
		if prev, ok := provToCanon[provider]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf(
				"anthropic: tool name %q sanitizes to %q which collides with %q",
				def.Name, provider, prev,
			)
		}
		provToCanon[provider] = def.Name
		canonToProv[def.Name] = provider

		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		schema, err := encodeInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, provider)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToProv, provToCanon, nil
}

func encodeInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	raw, ok := schema.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(schema)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *model.ToolChoice, canonToProv map[string]string, defs []*model.ToolDefinition) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case model.ToolChoiceModeNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceModeAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice mode %q requires a tool name", choice.Mode)
		}
		provider := ""
		for _, def := range defs {
			if def != nil && def.Name == choice.Name {
				provider = canonToProv[choice.Name]
				break
			}
		}
		if provider == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(provider), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

// providerToolName maps a canonical "toolset.tool" identifier onto
// Anthropic's allowed tool-name characters. The base name is the segment
// after the final '.', with a redundant "<toolset>_" prefix stripped, and
// any disallowed rune replaced with '_'.
func providerToolName(in string) string {
	if in == "" {
		return in
	}
	base := in
	if idx := strings.LastIndex(in, "."); idx >= 0 && idx+1 < len(in) {
		base = in[idx+1:]
		if lastDot := strings.LastIndex(in[:idx], "."); lastDot >= 0 && lastDot+1 < idx {
			prefix := in[lastDot+1:idx] + "_"
			if strings.HasPrefix(base, prefix) && len(base) > len(prefix) {
				base = base[len(prefix):]
			}
		}
	}
	out := make([]rune, 0, len(base))
	for _, r := range base {
		if safeToolNameRune(r) {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func safeToolNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-'
}

// decodeResponse converts a non-streaming SDK message into the generic
// response shape, mapping provider tool names back to canonical ones. A
// name the reverse map does not know (the model hallucinated a tool that
// was never advertised) passes through as-is so the tool executor can turn
// it into a not-found error result the model can recover from.
func decodeResponse(msg *sdk.Message, provToCanon map[string]string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Content = append(resp.Content, model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: block.Text}},
			})
		case "tool_use":
			name := block.Name
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				Name:    tools.Ident(name),
				Payload: block.Input,
				ID:      block.ID,
			})
		}
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 || u.CacheReadInputTokens != 0 || u.CacheCreationInputTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:      int(u.InputTokens),
			OutputTokens:     int(u.OutputTokens),
			TotalTokens:      int(u.InputTokens + u.OutputTokens),
			CacheReadTokens:  int(u.CacheReadInputTokens),
			CacheWriteTokens: int(u.CacheCreationInputTokens),
		}
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}
