package events

// Wire payload shapes carried in Event.Data for each event family. Transports
// marshal these verbatim; the executor and session manager construct them.

// SessionStartData opens a session's event stream.
type SessionStartData struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// SessionStoppedData reports an externally requested stop.
type SessionStoppedData struct {
	Reason string `json:"reason"`
}

// SessionEndData is the terminal event of every session.
type SessionEndData struct {
	Status string `json:"status"` // completed | cancelled | failed
	Reason string `json:"reason,omitempty"`
}

// MessageStartData opens one streamed message.
type MessageStartData struct {
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
}

// MessageStopData closes one streamed message.
type MessageStopData struct {
	StopReason string `json:"stop_reason,omitempty"`
}

// ContentStartData opens one content block within a message.
type ContentStartData struct {
	Index int    `json:"index"`
	Type  string `json:"type"`

	// tool_use blocks carry their identity from the first chunk.
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
}

// ContentDeltaData carries one (possibly coalesced) content fragment.
type ContentDeltaData struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

// ContentStopData closes one content block. For tool_use blocks Input holds
// the finalized JSON; for tool_result blocks Content/IsError hold the result.
type ContentStopData struct {
	Index int    `json:"index"`
	Type  string `json:"type"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Input     any    `json:"input,omitempty"`

	Content any  `json:"content,omitempty"`
	IsError bool `json:"is_error,omitempty"`
}

// ErrorData reports a non-business failure that closes the session.
type ErrorData struct {
	Kind    string `json:"kind"` // network_error | timeout_error | overloaded_error | internal_error
	Message string `json:"message"`
}

// ConfirmationRequestData is the message_delta payload emitted when a
// confirmation-gated tool suspends the turn.
type ConfirmationRequestData struct {
	Type      string `json:"type"` // always "confirmation_request"
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Input     any    `json:"input,omitempty"`
}

// CostAlertData is shared by cost_warn, cost_limit_confirm, and
// cost_urgent_confirm.
type CostAlertData struct {
	RequestID    string  `json:"request_id,omitempty"` // empty for the non-blocking warn tier
	AmountUSD    float64 `json:"amount_usd"`
	ThresholdUSD float64 `json:"threshold_usd"`
}

// HITLRequestData is shared by long_running_confirm,
// backtrack_exhausted_confirm, and intent_clarify_request.
type HITLRequestData struct {
	RequestID string   `json:"request_id"`
	Turns     int      `json:"turns,omitempty"`
	Choices   []string `json:"choices,omitempty"`
	Question  string   `json:"question,omitempty"`
}

// RollbackOperation is one undoable operation offered to the user.
type RollbackOperation struct {
	OperationID string   `json:"operation_id"`
	ToolUseID   string   `json:"tool_use_id"`
	Kind        string   `json:"kind"`
	Targets     []string `json:"targets"`
}

// RollbackOptionsData offers the user the recorded operations to undo.
type RollbackOptionsData struct {
	Operations []RollbackOperation `json:"operations"`
}

// RollbackOutcomeData is one per-operation rollback result.
type RollbackOutcomeData struct {
	OperationID string `json:"operation_id"`
	Path        string `json:"path"`
	Restored    bool   `json:"restored"`
	Error       string `json:"error,omitempty"`
	Diff        string `json:"diff,omitempty"`
}

// RollbackCompletedData reports the outcomes of a rollback request.
type RollbackCompletedData struct {
	Outcomes []RollbackOutcomeData `json:"outcomes"`
}
