package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

// EventLog provides run-history operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide run-history operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-workflow sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// NodeHistory is a node's execution state reconstructed from the event log.
type NodeHistory struct {
	WorkflowID  string            `json:"workflow_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ReplayEvents replays all events for a workflow and returns the reconstructed
// per-node execution states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, workflowID string) (map[string]*NodeHistory, error) {
	events, err := el.store.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*NodeHistory), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	states := make(map[string]*NodeHistory)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		nh, ok := states[e.NodeID]
		if !ok {
			nh = &NodeHistory{
				WorkflowID: workflowID,
				NodeID:     e.NodeID,
				Status:     schema.NodeStatusIdle,
			}
			states[e.NodeID] = nh
		}

		switch e.Type {
		case schema.EventNodeStarted:
			nh.Status = schema.NodeStatusLoading
			ts := e.Timestamp
			nh.StartedAt = &ts

		case schema.EventNodeCompleted:
			nh.Status = schema.NodeStatusComplete
			ts := e.Timestamp
			nh.CompletedAt = &ts
			if nh.StartedAt != nil {
				nh.DurationMs = ts.Sub(*nh.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			nh.Status = schema.NodeStatusError
			nh.Error = e.Payload
		}
	}

	return states, nil
}
