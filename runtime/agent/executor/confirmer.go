package executor

import (
	"context"
	"encoding/json"

	"agentcore/runtime/agent/events"
	"agentcore/runtime/agent/hitl"
	"agentcore/runtime/agent/tools"
)

// ConversationResolver maps a session to its conversation, so events emitted
// from below the session loop still carry the conversation id.
type ConversationResolver interface {
	ConversationID(sessionID string) (string, bool)
}

// GateConfirmer implements tools.Confirmer on top of the HITL gate: it
// registers a pending tool_confirmation request, emits the
// confirmation_request message_delta carrying the request id (spec §4.3 step
// 3), and blocks the tool executor until the user answers. A rejected or
// closed request denies the invocation.
type GateConfirmer struct {
	Gate          *hitl.Gate
	Broadcaster   *events.Broadcaster
	Conversations ConversationResolver
}

// Confirm suspends the calling turn until the user approves or rejects the
// invocation. Cancellation of ctx (session stop) closes the request.
func (c *GateConfirmer) Confirm(ctx context.Context, sessionID string, inv tools.Invocation) (bool, error) {
	var input any
	_ = json.Unmarshal(inv.Payload, &input)

	req := c.Gate.Open(sessionID, hitl.KindToolConfirmation, inv)

	conversationID := ""
	if c.Conversations != nil {
		conversationID, _ = c.Conversations.ConversationID(sessionID)
	}
	c.Broadcaster.Emit(sessionID, events.Partial{
		Type:           events.TypeMessageDelta,
		ConversationID: conversationID,
		Data: events.ConfirmationRequestData{
			Type:      "confirmation_request",
			RequestID: req.ID,
			ToolName:  inv.Name.String(),
			Input:     input,
		},
	})

	resp, err := c.Gate.Wait(ctx, sessionID, req.ID)
	if err != nil {
		return false, err
	}
	return resp.Approved(), nil
}
