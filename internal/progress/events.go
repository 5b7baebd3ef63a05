// Package progress defines the ordered, session-scoped event stream the
// orchestrator and executor emit on every state transition. Consumers
// attach and detach at any time and see only events from their
// attachment point forward.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind categorises progress events.
type EventKind string

const (
	KindStateChanged  EventKind = "state_changed"
	KindTaskSucceeded EventKind = "task_succeeded"
	KindTaskFailed    EventKind = "task_failed"
	KindMemoryWritten EventKind = "memory_written"
)

// Event is one progress notification. Seq is assigned by the broker and
// strictly increases per session.
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Seq       uint64                 `json:"seq"`
	Kind      EventKind              `json:"kind"`
	TaskID    string                 `json:"task_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Marshal renders the event as JSON for durable transports.
func (e Event) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return raw, nil
}

func unmarshalEvent(raw []byte, ev *Event) error {
	if err := json.Unmarshal(raw, ev); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	return nil
}

// Publisher is the sink the orchestration layers write to.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// MultiPublisher fans one event out to several sinks in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}
