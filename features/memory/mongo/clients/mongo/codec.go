package mongo

import (
	"time"

	"agentcore/runtime/agent/memory"
)

// memoryDoc is the stored shape of one (agent, run) memory history.
type memoryDoc struct {
	AgentID   string           `bson:"agent_id"`
	RunID     string           `bson:"run_id"`
	Events    []memoryEventDoc `bson:"events"`
	Meta      map[string]any   `bson:"meta,omitempty"`
	UpdatedAt time.Time        `bson:"updated_at,omitempty"`
}

// memoryEventDoc is the stored shape of one memory event.
type memoryEventDoc struct {
	Type      memory.EventType  `bson:"type"`
	Timestamp time.Time         `bson:"timestamp"`
	Data      any               `bson:"data,omitempty"`
	Labels    map[string]string `bson:"labels,omitempty"`
}

// encodeEvents converts events for storage, stamping fallback on entries
// with no timestamp of their own.
func encodeEvents(events []memory.Event, fallback time.Time) []memoryEventDoc {
	result := make([]memoryEventDoc, len(events))
	for i, evt := range events {
		ts := evt.Timestamp
		if ts.IsZero() {
			ts = fallback
		}
		result[i] = memoryEventDoc{
			Type:      evt.Type,
			Timestamp: ts.UTC(),
			Data:      evt.Data,
			Labels:    cloneLabels(evt.Labels),
		}
	}
	return result
}

func decodeEvents(events []memoryEventDoc) []memory.Event {
	if len(events) == 0 {
		return nil
	}
	result := make([]memory.Event, len(events))
	for i, evt := range events {
		result[i] = memory.Event{
			Type:      evt.Type,
			Timestamp: evt.Timestamp,
			Data:      evt.Data,
			Labels:    cloneLabels(evt.Labels),
		}
	}
	return result
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneMeta(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
