package engine

import (
	"context"
	"sync"

	"github.com/canvasflow/canvasflow/internal/store"
	"github.com/canvasflow/canvasflow/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to schema.NodeStatus) error

// EventAppender is satisfied by the Store and EventLog; used to emit
// lifecycle events to the run event log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM manages node status transitions against the allowed
// transition table and emits the corresponding lifecycle events.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM that emits events via the given
// appender. A nil appender disables event emission.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a node status transition, emitting
// the corresponding event. The caller mutates the node data itself.
func (f *NodeFSM) Transition(ctx context.Context, workflowID, runID, nodeID string, from, to schema.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if f.appender != nil {
		if eventType := nodeEventType(to); eventType != "" {
			event := &store.Event{
				WorkflowID: workflowID,
				RunID:      runID,
				NodeID:     nodeID,
				Type:       eventType,
			}
			if err := f.appender.AppendEvent(ctx, event); err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
					WithNode(nodeID).WithCause(err)
			}
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := schema.ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusLoading:
		return schema.EventNodeStarted
	case schema.NodeStatusComplete:
		return schema.EventNodeCompleted
	case schema.NodeStatusError:
		return schema.EventNodeFailed
	default:
		return ""
	}
}
