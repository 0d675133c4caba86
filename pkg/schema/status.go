package schema

// NodeStatus is the lifecycle state of a generation-capable node.
type NodeStatus string

const (
	NodeStatusIdle     NodeStatus = "idle"
	NodeStatusLoading  NodeStatus = "loading"
	NodeStatusComplete NodeStatus = "complete"
	NodeStatusError    NodeStatus = "error"
)

// ValidNodeTransitions defines the allowed node status transitions.
// complete and error are terminal for a run but re-enter loading on the
// next execution or regeneration.
var ValidNodeTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusIdle:     {NodeStatusLoading, NodeStatusError},
	NodeStatusLoading:  {NodeStatusComplete, NodeStatusError},
	NodeStatusComplete: {NodeStatusLoading, NodeStatusError},
	NodeStatusError:    {NodeStatusLoading, NodeStatusError},
}

// RunState is the lifecycle state of a full-graph execution.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStatePaused    RunState = "paused"
	RunStateErrored   RunState = "errored"
	RunStateStopped   RunState = "stopped"
)

// Run and node lifecycle event types, appended to the run event log.
const (
	EventRunStarted    = "run.started"
	EventRunCompleted  = "run.completed"
	EventRunPaused     = "run.paused"
	EventRunErrored    = "run.errored"
	EventRunStopped    = "run.stopped"
	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
)
