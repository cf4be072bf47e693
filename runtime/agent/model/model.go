// Package model defines the provider-agnostic types the execution core
// exchanges with language-model providers: role-tagged messages built from
// typed parts, tool definitions and calls, streaming chunks, and the Client
// interface every provider adapter implements. The RVR-B executor and the
// intent analyzer program only against these types; the Anthropic and OpenAI
// adapters under features/model translate them to SDK calls.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"agentcore/runtime/agent/tools"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
)

type (
	// Part is the marker interface for message content blocks. The
	// executor's session.ContentBlock variants map 1:1 onto the concrete
	// implementations below.
	Part interface {
		isPart()
	}

	// TextPart is plain assistant- or user-visible text.
	TextPart struct {
		Text string
	}

	// ImageFormat identifies the encoding of an ImagePart's bytes.
	ImageFormat string

	// ImagePart carries image bytes attached to a user message, for
	// multimodal models. Adapters fail fast on unsupported formats rather
	// than degrading silently.
	ImagePart struct {
		Format ImageFormat
		Bytes  []byte
	}

	// ThinkingPart is provider-issued reasoning content. Providers may sign
	// the text or return it redacted; both are treated as opaque and
	// surfaced according to UI policy.
	ThinkingPart struct {
		Text      string
		Signature string
		Redacted  []byte

		// Index is the position of this block in the reasoning sequence.
		Index int

		// Final reports whether this is the last reasoning block of the turn.
		Final bool
	}

	// ToolUsePart declares a tool invocation requested by the assistant.
	// The executor resolves it against the tool registry and correlates the
	// outcome through ToolResultPart.ToolUseID.
	ToolUsePart struct {
		ID    string
		Name  string
		Input any
	}

	// ToolResultPart feeds a tool outcome back to the model on a subsequent
	// turn.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// Message is a single role-tagged entry in the transcript sent to a
	// provider. Parts preserve structure rather than flattening to strings.
	Message struct {
		Role  ConversationRole
		Parts []Part

		// Meta carries optional provider- or adapter-specific metadata.
		Meta map[string]any
	}

	// ToolDefinition describes one registered tool as exposed to the model:
	// name, decision-guiding description, and JSON Schema input.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// ToolCall is a finalized tool invocation from the model.
	ToolCall struct {
		// Name is the canonical tool identifier.
		Name tools.Ident

		// Payload is the complete JSON arguments object. Adapters MUST
		// populate it as canonical json.RawMessage; the executor parses it
		// only once the provider closes the tool block.
		Payload json.RawMessage

		// ID is the provider-issued call identifier.
		ID string
	}

	// ToolCallDelta is an incremental fragment of a tool call's input JSON,
	// streamed while the provider is still constructing the payload.
	//
	// Contract: fragments are NOT guaranteed to be valid JSON on their own.
	// They exist so the executor can emit content_delta events for
	// progressive previews; the canonical payload is still the final
	// ToolCall.
	ToolCallDelta struct {
		// Name and ID identify the call every fragment belongs to; adapters
		// MUST set both on every delta.
		Name tools.Ident
		ID   string

		// Delta is the raw JSON fragment.
		Delta string
	}

	// ToolChoiceMode constrains how the model uses tools for one request.
	ToolChoiceMode string

	// ToolChoice configures tool-use behavior. Nil on a Request means the
	// provider default (auto). Adapters fail fast on unsupported modes.
	ToolChoice struct {
		Mode ToolChoiceMode

		// Name selects the forced tool when Mode is ToolChoiceModeTool.
		Name string
	}

	// TokenUsage tracks token counts for a model call; the terminator's
	// cost ladder accumulates these per session.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int
	}

	// Request captures the inputs for one model invocation.
	Request struct {
		// RunID correlates the request to its session for tracing.
		RunID string

		// Model is the provider-specific model identifier. When empty,
		// ModelClass selects a family instead.
		Model string

		// ModelClass picks a model family when Model is unset.
		ModelClass ModelClass

		// Messages is the ordered transcript, system prompt first.
		Messages []*Message

		Temperature float32
		Tools       []*ToolDefinition
		ToolChoice  *ToolChoice
		MaxTokens   int

		// Stream requests a streaming response when the provider supports
		// one.
		Stream bool

		// Thinking configures provider reasoning behavior.
		Thinking *ThinkingOptions

		// Cache configures prompt-cache checkpoints. Nil means no caching.
		Cache *CacheOptions
	}

	// Response is the result of a non-streaming invocation.
	Response struct {
		Content    []Message
		ToolCalls  []ToolCall
		Usage      TokenUsage
		StopReason string
	}

	// Chunk is one streaming event from the model, classified by Type.
	Chunk struct {
		Type string

		// Message carries incremental assistant content for text and
		// thinking chunks.
		Message *Message

		// Thinking carries reasoning text for providers that surface it
		// out-of-band from Message.
		Thinking string

		// ToolCall is set when Type is ChunkTypeToolCall.
		ToolCall *ToolCall

		// ToolCallDelta is set when Type is ChunkTypeToolCallDelta.
		ToolCallDelta *ToolCallDelta

		// UsageDelta reports incremental token usage when available.
		UsageDelta *TokenUsage

		// StopReason is set on the terminal ChunkTypeStop chunk.
		StopReason string
	}

	// ThinkingOptions configures provider reasoning behavior.
	ThinkingOptions struct {
		Enable       bool
		Interleaved  bool
		BudgetTokens int
	}

	// CacheOptions places prompt-cache checkpoints. The executor sets both
	// flags so the stable system-prompt prefix and the tool definitions
	// stay cached across turns; providers without caching ignore them.
	CacheOptions struct {
		AfterSystem bool
		AfterTools  bool
	}

	// ModelClass selects a model family when no concrete model id is given.
	// Adapters map classes to their provider's model identifiers.
	ModelClass string

	// Client is the provider-agnostic model client the executor and intent
	// analyzer call.
	Client interface {
		// Complete performs a non-streaming invocation.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream performs a streaming invocation when supported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Callers drain Recv until
	// io.EOF (or a terminal error), then Close.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error

		// Metadata exposes provider-specific call metadata.
		Metadata() map[string]any
	}
)

const (
	// ToolChoiceModeAuto lets the provider decide between tools and text.
	ToolChoiceModeAuto ToolChoiceMode = "auto"

	// ToolChoiceModeNone disables tool use for the request.
	ToolChoiceModeNone ToolChoiceMode = "none"

	// ToolChoiceModeAny forces at least one tool call.
	ToolChoiceModeAny ToolChoiceMode = "any"

	// ToolChoiceModeTool forces the specific tool named in ToolChoice.Name.
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

const (
	// ChunkTypeText carries assistant text.
	ChunkTypeText = "text"

	// ChunkTypeToolCall carries a finalized tool invocation.
	ChunkTypeToolCall = "tool_call"

	// ChunkTypeToolCallDelta carries an incremental tool-input fragment.
	ChunkTypeToolCallDelta = "tool_call_delta"

	// ChunkTypeThinking carries reasoning content.
	ChunkTypeThinking = "thinking"

	// ChunkTypeUsage carries a usage delta.
	ChunkTypeUsage = "usage"

	// ChunkTypeStop is the terminal chunk carrying the stop reason.
	ChunkTypeStop = "stop"
)

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
	ImageFormatGIF  ImageFormat = "gif"
	ImageFormatWEBP ImageFormat = "webp"
)

const (
	// ModelClassHighReasoning selects a high-reasoning family, used for
	// complex planning turns.
	ModelClassHighReasoning ModelClass = "high-reasoning"

	// ModelClassDefault selects the default family.
	ModelClassDefault ModelClass = "default"

	// ModelClassSmall selects a small, cheap family — the intent analyzer
	// and backtrack strategy proposer run on this class.
	ModelClassSmall ModelClass = "small"
)

// ErrStreamingUnsupported indicates the provider does not support streaming.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request for rate
// limiting even after the adapter's retries. Callers treat it as a
// transient infrastructure failure and must not retry in a tight loop.
var ErrRateLimited = errors.New("model: rate limited")

func (TextPart) isPart() {}

func (ImagePart) isPart() {}

func (ThinkingPart) isPart() {}

func (ToolUsePart) isPart() {}

func (ToolResultPart) isPart() {}
