// Package memory defines the capability contract the RVR-B executor uses to
// inject durable "user memory" into a turn's RuntimeContext (spec §4.7,
// phase-2 of the react step). The executor only reads through this
// interface; how memory is populated and maintained is out of scope for the
// execution core. A Mongo-backed adapter lives in features/memory/mongo.
package memory

import (
	"context"
	"time"
)

// EventType classifies an entry recorded against an agent/run's memory.
type EventType string

const (
	// EventToolCall records that a tool was invoked during the run.
	EventToolCall EventType = "tool_call"

	// EventAssistantMessage records an assistant-authored message.
	EventAssistantMessage EventType = "assistant_message"

	// EventPlannerNote records a planner-authored note not shown to the user.
	EventPlannerNote EventType = "planner_note"
)

// Event is a single durable memory entry appended during a run.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
	Labels    map[string]string
}

// Snapshot is the memory state loaded for a given agent/run pair.
type Snapshot struct {
	AgentID string
	RunID   string
	Events  []Event
	Meta    map[string]any
}

// Store is the capability contract the RVR-B executor depends on to load and
// extend an agent's durable memory. Implementations must be safe for
// concurrent use.
type Store interface {
	// LoadRun returns the memory snapshot for agentID/runID. A run with no
	// recorded memory returns a Snapshot carrying agentID/runID with empty
	// Events, not an error.
	LoadRun(ctx context.Context, agentID, runID string) (Snapshot, error)

	// AppendEvents durably records events against agentID/runID.
	AppendEvents(ctx context.Context, agentID, runID string, events ...Event) error
}
