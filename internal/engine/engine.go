// Package engine executes workflow documents: topological ordering,
// sequential node execution, pause edges, and run lifecycle events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canvasflow/canvasflow/internal/logging"
	"github.com/canvasflow/canvasflow/internal/providers"
	"github.com/canvasflow/canvasflow/internal/store"
	"github.com/canvasflow/canvasflow/pkg/schema"
)

// Generator produces images, video and text for generation nodes.
// Satisfied by *providers.Service and test fakes.
type Generator interface {
	Generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error)
	GenerateText(ctx context.Context, req *providers.LLMRequest) (*providers.LLMResult, error)
}

// RunOptions configures a single Execute call.
type RunOptions struct {
	// StartNodeID skips everything before this node in topological
	// order. Resuming from the paused node skips its pause check.
	StartNodeID string
	// Creds are per-request API keys forwarded to the generator.
	Creds providers.Credentials
}

// RunResult is returned by Execute and Regenerate with the run outcome.
type RunResult struct {
	RunID        string            `json:"run_id"`
	State        schema.RunState   `json:"state"`
	PausedNodeID string            `json:"paused_node_id,omitempty"`
	Error        *schema.FlowError `json:"error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// RunStatus is a snapshot of the engine's current state for querying.
type RunStatus struct {
	WorkflowID    string          `json:"workflow_id"`
	RunID         string          `json:"run_id,omitempty"`
	State         schema.RunState `json:"state"`
	Running       bool            `json:"running"`
	CurrentNodeID string          `json:"current_node_id,omitempty"`
	PausedNodeID  string          `json:"paused_node_id,omitempty"`
}

// Engine executes one workflow document. Node data is mutated in place
// on the graph; callers persist the document after a run.
type Engine struct {
	graph     *schema.Graph
	wfID      string
	fsm       *NodeFSM
	appender  EventAppender
	generator Generator
	logger    *slog.Logger
	now       func() time.Time

	// mu guards the run flags below.
	mu            sync.Mutex
	running       bool
	stopRequested bool
	runID         string
	state         schema.RunState
	currentNodeID string
	pausedNodeID  string
}

// NewEngine creates an engine for one workflow document. A nil appender
// disables event emission; a nil logger uses the default.
func NewEngine(workflowID string, graph *schema.Graph, generator Generator, appender EventAppender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		graph:     graph,
		wfID:      workflowID,
		fsm:       NewNodeFSM(appender),
		appender:  appender,
		generator: generator,
		logger:    logger,
		now:       time.Now,
		state:     schema.RunStateIdle,
	}
}

// Execute runs the workflow from the start, or from opts.StartNodeID.
// A concurrent Execute while a run is in flight is ignored with a
// warning. A node failure halts the run; the failure is reported on the
// result, not as an error return.
func (e *Engine) Execute(ctx context.Context, opts RunOptions) (*RunResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.WarnContext(ctx, "workflow is already running, ignoring duplicate execution request",
			"workflow_id", e.wfID)
		return nil, nil
	}
	isResuming := opts.StartNodeID != "" && opts.StartNodeID == e.pausedNodeID
	e.running = true
	e.stopRequested = false
	e.pausedNodeID = ""
	e.runID = uuid.NewString()
	e.state = schema.RunStateRunning
	runID := e.runID
	e.mu.Unlock()

	ctx = logging.WithIDs(ctx, e.wfID, runID, "")
	e.logger.InfoContext(ctx, "starting workflow execution",
		"start_node_id", opts.StartNodeID, "resuming", isResuming)

	result := &RunResult{
		RunID:     runID,
		State:     schema.RunStateRunning,
		StartedAt: e.now().UTC(),
	}

	e.emitRunEvent(ctx, runID, "", schema.EventRunStarted, map[string]any{
		"start_node_id": opts.StartNodeID,
	})

	sorted, err := TopoSort(e.graph)
	if err != nil {
		return e.finishErrored(ctx, result, "", err), nil
	}

	startIndex := 0
	if opts.StartNodeID != "" {
		found := false
		for i, id := range sorted {
			if id == opts.StartNodeID {
				startIndex = i
				found = true
				break
			}
		}
		if !found {
			e.logger.WarnContext(ctx, "start node not found in sorted order, starting from the beginning",
				"start_node_id", opts.StartNodeID)
		}
	}

	for i := startIndex; i < len(sorted); i++ {
		node := e.graph.NodeByID(sorted[i])
		if node == nil {
			continue
		}

		if e.stopped() {
			e.logger.InfoContext(ctx, "workflow stopped", "node_id", node.ID)
			return e.finish(ctx, result, schema.RunStateStopped, schema.EventRunStopped, map[string]any{
				"node_id": node.ID,
			}), nil
		}

		// A pause edge halts the run before its target executes. The
		// check is skipped only for the exact node being resumed.
		if !(isResuming && node.ID == opts.StartNodeID) {
			if e.hasPauseEdge(node.ID) {
				e.logger.InfoContext(ctx, "workflow paused at edge", "node_id", node.ID)
				e.mu.Lock()
				e.pausedNodeID = node.ID
				e.mu.Unlock()
				result.PausedNodeID = node.ID
				return e.finish(ctx, result, schema.RunStatePaused, schema.EventRunPaused, map[string]any{
					"node_id": node.ID,
				}), nil
			}
		}

		e.setCurrentNode(node.ID)
		nodeCtx := logging.WithNodeID(ctx, node.ID)

		if execErr := e.executeNode(nodeCtx, runID, node, opts.Creds); execErr != nil {
			return e.finishErrored(ctx, result, node.ID, execErr), nil
		}
	}

	e.logger.InfoContext(ctx, "workflow execution completed", "nodes", len(sorted)-startIndex)
	return e.finish(ctx, result, schema.RunStateCompleted, schema.EventRunCompleted, nil), nil
}

// Regenerate re-executes a single generation node, preferring the
// inputs frozen on it by the last run over freshly resolved ones.
func (e *Engine) Regenerate(ctx context.Context, nodeID string, creds providers.Credentials) (*RunResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.WarnContext(ctx, "workflow is already running, ignoring regenerate request",
			"workflow_id", e.wfID, "node_id", nodeID)
		return nil, nil
	}
	node := e.graph.NodeByID(nodeID)
	if node == nil {
		e.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeNotFound, "node not found: "+nodeID).WithNode(nodeID)
	}
	if node.Kind != schema.NodeKindImageGenerate && node.Kind != schema.NodeKindLLMGenerate {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %s (%s) is not a generation node", nodeID, node.Kind).WithNode(nodeID)
	}
	e.running = true
	e.stopRequested = false
	e.runID = uuid.NewString()
	e.state = schema.RunStateRunning
	runID := e.runID
	e.mu.Unlock()

	ctx = logging.WithIDs(ctx, e.wfID, runID, nodeID)
	e.logger.InfoContext(ctx, "regenerating node")

	result := &RunResult{
		RunID:     runID,
		State:     schema.RunStateRunning,
		StartedAt: e.now().UTC(),
	}
	e.emitRunEvent(ctx, runID, nodeID, schema.EventRunStarted, map[string]any{
		"regenerate": true,
	})
	e.setCurrentNode(nodeID)

	var execErr error
	switch data := node.Data.(type) {
	case *schema.ImageGenerateData:
		execErr = e.regenerateImage(ctx, runID, node, data, creds)
	case *schema.LLMGenerateData:
		execErr = e.regenerateText(ctx, runID, node, data, creds)
	}
	if execErr != nil {
		return e.finishErrored(ctx, result, nodeID, execErr), nil
	}
	return e.finish(ctx, result, schema.RunStateCompleted, schema.EventRunCompleted, nil), nil
}

// Stop requests the current run to halt at the next node boundary.
// The node in flight finishes first.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.stopRequested = true
	}
}

// Status returns a snapshot of the engine's run state.
func (e *Engine) Status() RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return RunStatus{
		WorkflowID:    e.wfID,
		RunID:         e.runID,
		State:         e.state,
		Running:       e.running,
		CurrentNodeID: e.currentNodeID,
		PausedNodeID:  e.pausedNodeID,
	}
}

// PausedNodeID returns the node a paused run halted before, if any.
func (e *Engine) PausedNodeID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pausedNodeID
}

// Graph returns the engine's graph. Node data is mutated in place
// during runs; callers persist it after a run finishes.
func (e *Engine) Graph() *schema.Graph {
	return e.graph
}

// --- node execution ---

// executeNode dispatches one node by kind. Input, prompt and output
// nodes carry their data with them; only generation nodes call out.
func (e *Engine) executeNode(ctx context.Context, runID string, node *schema.Node, creds providers.Credentials) error {
	switch data := node.Data.(type) {
	case *schema.ImageInputData, *schema.PromptData:
		// Nothing to execute, data is already set.
		return nil

	case *schema.AnnotationData:
		in := ResolveInputs(e.graph, node.ID)
		if in.HasImage() {
			data.SourceImage = in.Images[0]
			// Without annotations the image passes through untouched.
			if data.OutputImage == "" {
				data.OutputImage = in.Images[0]
			}
		}
		return nil

	case *schema.ImageGenerateData:
		in := ResolveInputs(e.graph, node.ID)
		if (!in.HasImage() || !in.HasText()) && len(data.DynamicInputs) == 0 {
			return e.failImageNode(ctx, runID, node.ID, data,
				schema.NewError(schema.ErrCodeInputMissing, "Missing image or text input").WithNode(node.ID))
		}
		data.InputImages = in.Images
		data.InputPrompt = in.Text
		return e.generateImage(ctx, runID, node.ID, data, in.Images, in.Text, creds)

	case *schema.LLMGenerateData:
		in := ResolveInputs(e.graph, node.ID)
		if !in.HasText() {
			return e.failTextNode(ctx, runID, node.ID, data,
				schema.NewError(schema.ErrCodeInputMissing, "Missing text input").WithNode(node.ID))
		}
		data.InputPrompt = in.Text
		return e.generateText(ctx, runID, node.ID, data, in.Text, creds)

	case *schema.OutputData:
		in := ResolveInputs(e.graph, node.ID)
		if in.HasImage() {
			data.Image = in.Images[0]
		}
		return nil

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind: %s", node.Kind).WithNode(node.ID)
	}
}

// generateImage runs one image/video generation: loading transition,
// provider call, then complete or error.
func (e *Engine) generateImage(ctx context.Context, runID, nodeID string, data *schema.ImageGenerateData, images []string, prompt string, creds providers.Credentials) error {
	if err := e.fsm.Transition(ctx, e.wfID, runID, nodeID, data.Status, schema.NodeStatusLoading); err != nil {
		return err
	}
	data.Status = schema.NodeStatusLoading
	data.Error = ""

	e.logger.InfoContext(ctx, "starting image generation",
		"model", data.Model, "aspect_ratio", data.AspectRatio,
		"resolution", data.Resolution, "images", len(images), "prompt_len", len(prompt))

	res, err := e.generator.Generate(ctx, &providers.GenerateRequest{
		Prompt:          prompt,
		Images:          images,
		Model:           data.Model,
		AspectRatio:     data.AspectRatio,
		Resolution:      data.Resolution,
		UseGoogleSearch: data.UseGoogleSearch,
		SelectedModel:   data.SelectedModel,
		Parameters:      data.Parameters,
		DynamicInputs:   data.DynamicInputs,
		Creds:           creds,
	})
	if err != nil {
		return e.failImageNode(ctx, runID, nodeID, data, err)
	}

	data.OutputImage = res.Data
	data.Error = ""
	if err := e.fsm.Transition(ctx, e.wfID, runID, nodeID, data.Status, schema.NodeStatusComplete); err != nil {
		return err
	}
	data.Status = schema.NodeStatusComplete
	return nil
}

// generateText runs one LLM generation for a text node.
func (e *Engine) generateText(ctx context.Context, runID, nodeID string, data *schema.LLMGenerateData, prompt string, creds providers.Credentials) error {
	if err := e.fsm.Transition(ctx, e.wfID, runID, nodeID, data.Status, schema.NodeStatusLoading); err != nil {
		return err
	}
	data.Status = schema.NodeStatusLoading
	data.Error = ""

	e.logger.InfoContext(ctx, "starting text generation",
		"provider", data.Provider, "model", data.Model)

	res, err := e.generator.GenerateText(ctx, &providers.LLMRequest{
		Prompt:      prompt,
		Provider:    data.Provider,
		Model:       data.Model,
		Temperature: data.Temperature,
		MaxTokens:   data.MaxTokens,
		Creds:       creds,
	})
	if err != nil {
		return e.failTextNode(ctx, runID, nodeID, data, err)
	}

	data.OutputText = res.Text
	data.Error = ""
	if err := e.fsm.Transition(ctx, e.wfID, runID, nodeID, data.Status, schema.NodeStatusComplete); err != nil {
		return err
	}
	data.Status = schema.NodeStatusComplete
	return nil
}

// regenerateImage re-runs an image node from its frozen inputs, falling
// back to freshly resolved ones when nothing was frozen.
func (e *Engine) regenerateImage(ctx context.Context, runID string, node *schema.Node, data *schema.ImageGenerateData, creds providers.Credentials) error {
	images := data.InputImages
	prompt := data.InputPrompt
	if len(images) == 0 || prompt == "" {
		in := ResolveInputs(e.graph, node.ID)
		images = in.Images
		prompt = in.Text
	}
	if (len(images) == 0 || prompt == "") && len(data.DynamicInputs) == 0 {
		return e.failImageNode(ctx, runID, node.ID, data,
			schema.NewError(schema.ErrCodeInputMissing, "Missing image or text input").WithNode(node.ID))
	}
	return e.generateImage(ctx, runID, node.ID, data, images, prompt, creds)
}

// regenerateText re-runs an LLM node from its frozen prompt.
func (e *Engine) regenerateText(ctx context.Context, runID string, node *schema.Node, data *schema.LLMGenerateData, creds providers.Credentials) error {
	prompt := data.InputPrompt
	if prompt == "" {
		in := ResolveInputs(e.graph, node.ID)
		prompt = in.Text
	}
	if prompt == "" {
		return e.failTextNode(ctx, runID, node.ID, data,
			schema.NewError(schema.ErrCodeInputMissing, "Missing text input").WithNode(node.ID))
	}
	return e.generateText(ctx, runID, node.ID, data, prompt, creds)
}

// failImageNode marks an image node errored and returns the cause.
func (e *Engine) failImageNode(ctx context.Context, runID, nodeID string, data *schema.ImageGenerateData, cause error) error {
	data.Error = errorMessage(cause)
	if err := e.fsm.Transition(ctx, e.wfID, runID, nodeID, data.Status, schema.NodeStatusError); err != nil {
		e.logger.ErrorContext(ctx, "node error transition failed", "error", err)
	}
	data.Status = schema.NodeStatusError
	return cause
}

// failTextNode marks an LLM node errored and returns the cause.
func (e *Engine) failTextNode(ctx context.Context, runID, nodeID string, data *schema.LLMGenerateData, cause error) error {
	data.Error = errorMessage(cause)
	if err := e.fsm.Transition(ctx, e.wfID, runID, nodeID, data.Status, schema.NodeStatusError); err != nil {
		e.logger.ErrorContext(ctx, "node error transition failed", "error", err)
	}
	data.Status = schema.NodeStatusError
	return cause
}

// --- run lifecycle helpers ---

// finish transitions the run to its terminal state and emits the event.
func (e *Engine) finish(ctx context.Context, result *RunResult, state schema.RunState, eventType string, payload map[string]any) *RunResult {
	e.emitRunEvent(ctx, result.RunID, "", eventType, payload)
	now := e.now().UTC()
	result.State = state
	result.CompletedAt = &now

	e.mu.Lock()
	e.running = false
	e.stopRequested = false
	e.currentNodeID = ""
	e.state = state
	e.mu.Unlock()
	return result
}

// finishErrored records a node failure as the run outcome.
func (e *Engine) finishErrored(ctx context.Context, result *RunResult, nodeID string, cause error) *RunResult {
	var flowErr *schema.FlowError
	if !errors.As(cause, &flowErr) {
		flowErr = schema.NewError(schema.ErrCodeExecution, cause.Error()).WithCause(cause)
		if nodeID != "" {
			flowErr = flowErr.WithNode(nodeID)
		}
	}
	e.logger.ErrorContext(ctx, "workflow execution failed",
		"node_id", nodeID, "code", flowErr.Code, "error", flowErr.Message)

	result.Error = flowErr
	res := e.finish(ctx, result, schema.RunStateErrored, schema.EventRunErrored, map[string]any{
		"node_id": nodeID,
		"code":    string(flowErr.Code),
		"error":   flowErr.Message,
	})
	return res
}

// emitRunEvent appends a run lifecycle event, best effort.
func (e *Engine) emitRunEvent(ctx context.Context, runID, nodeID, eventType string, payload map[string]any) {
	if e.appender == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	event := &store.Event{
		WorkflowID: e.wfID,
		RunID:      runID,
		NodeID:     nodeID,
		Type:       eventType,
		Payload:    raw,
	}
	if err := e.appender.AppendEvent(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "emit run event failed", "event_type", eventType, "error", err)
	}
}

func (e *Engine) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

func (e *Engine) setCurrentNode(nodeID string) {
	e.mu.Lock()
	e.currentNodeID = nodeID
	e.mu.Unlock()
}

// hasPauseEdge reports whether any incoming edge is a breakpoint.
func (e *Engine) hasPauseEdge(nodeID string) bool {
	for _, edge := range e.graph.IncomingEdges(nodeID) {
		if edge.Pause {
			return true
		}
	}
	return false
}

// errorMessage extracts the user-facing message from an error.
func errorMessage(err error) string {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.Message
	}
	return err.Error()
}
