// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates requests into
// openai.ChatCompletionNewParams calls using github.com/openai/openai-go and
// maps responses back into the generic runtime model structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/tools"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so tests can supply a mock.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// DefaultModel is used when model.Request.Model is empty.
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not
	// specify MaxTokens.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float64
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an OpenAI-backed model client from the provided chat client and
// options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, defaultModel: modelID, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client
// authenticated with apiKey. An empty apiKey is an error; the key is not
// taken from the environment.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions: %w", err)
	}
	return translateResponse(resp), nil
}

// Stream always returns model.ErrStreamingUnsupported; this adapter
// implements only Complete. The RVR-B executor requests every turn through
// Stream and does not fall back to Complete, so a session run on this
// adapter fails on its first turn.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolParams, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	return &params, nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		text := textOf(m)
		switch m.Role { //nolint:exhaustive
		case model.ConversationRoleSystem:
			out = append(out, sdk.SystemMessage(text))
		case model.ConversationRoleUser:
			out = append(out, sdk.UserMessage(text))
		case model.ConversationRoleAssistant:
			out = append(out, sdk.AssistantMessage(text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func textOf(m *model.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if v, ok := p.(model.TextPart); ok {
			b.WriteString(v.Text)
		}
	}
	return b.String()
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		var params map[string]any
		if def.InputSchema != nil {
			data, err := json.Marshal(def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("openai: marshal tool %s schema: %w", def.Name, err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %s schema is not an object: %w", def.Name, err)
			}
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: sdk.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func translateResponse(resp *sdk.ChatCompletion) *model.Response {
	out := &model.Response{}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			out.Content = append(out.Content, model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: msg.Content}},
			})
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:    tools.Ident(call.Function.Name),
				Payload: parseToolArguments(call.Function.Arguments),
				ID:      call.ID,
			})
		}
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

func parseToolArguments(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		data, _ := json.Marshal(map[string]any{"raw": raw})
		return data
	}
	return json.RawMessage(raw)
}
