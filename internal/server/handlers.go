package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canvasflow/canvasflow/internal/catalog"
	"github.com/canvasflow/canvasflow/internal/engine"
	"github.com/canvasflow/canvasflow/internal/providers"
	"github.com/canvasflow/canvasflow/internal/store"
	"github.com/canvasflow/canvasflow/internal/validation"
	"github.com/canvasflow/canvasflow/pkg/schema"
)

// --- generation ---

type generateRequest struct {
	Prompt          string                `json:"prompt"`
	Images          []string              `json:"images,omitempty"`
	Model           string                `json:"model,omitempty"`
	AspectRatio     string                `json:"aspectRatio,omitempty"`
	Resolution      string                `json:"resolution,omitempty"`
	UseGoogleSearch bool                  `json:"useGoogleSearch,omitempty"`
	SelectedModel   *schema.SelectedModel `json:"selectedModel,omitempty"`
	Parameters      map[string]any        `json:"parameters,omitempty"`
	DynamicInputs   map[string]string     `json:"dynamicInputs,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := &providers.GenerateRequest{
		Prompt:          body.Prompt,
		Images:          body.Images,
		Model:           body.Model,
		AspectRatio:     body.AspectRatio,
		Resolution:      body.Resolution,
		UseGoogleSearch: body.UseGoogleSearch,
		SelectedModel:   body.SelectedModel,
		Parameters:      body.Parameters,
		DynamicInputs:   body.DynamicInputs,
		Creds: providers.Credentials{
			Replicate: r.Header.Get("X-Replicate-API-Key"),
			Fal:       r.Header.Get("X-Fal-API-Key"),
		},
	}

	result, err := s.deps.Service.Generate(r.Context(), req)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	resp := map[string]any{
		"success":     true,
		"contentType": result.ContentType,
	}
	switch result.Type {
	case providers.MediaVideo:
		if result.IsURL() {
			resp["videoUrl"] = result.URL
		} else {
			resp["video"] = result.Data
		}
	default:
		resp["image"] = result.Data
	}
	writeJSON(w, http.StatusOK, resp)
}

type llmRequest struct {
	Prompt      string   `json:"prompt"`
	Images      []string `json:"images,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

func (s *Server) handleLLM(w http.ResponseWriter, r *http.Request) {
	var body llmRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.deps.Service.GenerateText(r.Context(), &providers.LLMRequest{
		Prompt:      body.Prompt,
		Images:      body.Images,
		Provider:    schema.LLMProvider(body.Provider),
		Model:       body.Model,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": result.Text})
}

// --- model catalog ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := catalog.ListOptions{
		Provider:     schema.ProviderType(q.Get("provider")),
		Search:       q.Get("search"),
		Refresh:      q.Get("refresh") == "true",
		ReplicateKey: r.Header.Get("X-Replicate-Key"),
		FalKey:       r.Header.Get("X-Fal-Key"),
	}
	if caps := q.Get("capabilities"); caps != "" {
		for _, c := range strings.Split(caps, ",") {
			opts.Capabilities = append(opts.Capabilities, catalog.Capability(strings.TrimSpace(c)))
		}
	}

	listing, err := s.deps.Catalog.ListModels(r.Context(), opts)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleModelParameters(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("modelId")
	provider := schema.ProviderType(r.URL.Query().Get("provider"))

	params, cached, err := s.deps.Catalog.ModelParameters(r.Context(), provider, modelID, r.Header.Get("X-Replicate-Key"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "parameters": params, "cached": cached})
}

// --- transient images ---

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, ok := s.deps.Images.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// --- workflow documents ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	// Listings omit the documents; fetch one by id for the full payload.
	summaries := make([]map[string]any, 0, len(workflows))
	for _, wf := range workflows {
		summaries = append(summaries, map[string]any{
			"id":         wf.ID,
			"name":       wf.Name,
			"created_at": wf.CreatedAt,
			"updated_at": wf.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

type saveWorkflowRequest struct {
	ID       string               `json:"id,omitempty"`
	Name     string               `json:"name"`
	Document *schema.WorkflowFile `json:"document"`
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var body saveWorkflowRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Validator.ValidateFile(body.Document); err != nil {
		writeFlowError(w, err)
		return
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:        body.ID,
		Name:      body.Name,
		Document:  body.Document,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Name == "" {
		wf.Name = body.Document.Name
	}

	if err := s.deps.Store.SaveWorkflow(r.Context(), wf); err != nil {
		writeFlowError(w, err)
		return
	}
	s.dropEngine(wf.ID)
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	var body saveWorkflowRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Validator.ValidateFile(body.Document); err != nil {
		writeFlowError(w, err)
		return
	}

	existing.Document = body.Document
	if body.Name != "" {
		existing.Name = body.Name
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.SaveWorkflow(r.Context(), existing); err != nil {
		writeFlowError(w, err)
		return
	}
	s.dropEngine(id)
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteWorkflow(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	s.dropEngine(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	report := validation.ValidateGraph(wf.Document.Graph())
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    report.Valid(),
		"errors":   report.Errors,
		"warnings": report.Warnings,
	})
}

// --- run control ---

type runRequest struct {
	StartNodeID string `json:"startNodeId,omitempty"`
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body runRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	eng, wf, err := s.engineFor(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	result, err := eng.Execute(r.Context(), engine.RunOptions{
		StartNodeID: body.StartNodeID,
		Creds:       s.requestCreds(r),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if result == nil {
		writeError(w, http.StatusConflict, "workflow is already running")
		return
	}
	s.persistRun(r.Context(), eng, wf)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRegenerateNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	nodeID := r.PathValue("nodeId")

	eng, wf, err := s.engineFor(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	result, err := eng.Regenerate(r.Context(), nodeID, s.requestCreds(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if result == nil {
		writeError(w, http.StatusConflict, "workflow is already running")
		return
	}
	s.persistRun(r.Context(), eng, wf)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	eng := s.cachedEngine(r.PathValue("id"))
	if eng == nil {
		writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	eng.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"stopping": true})
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if eng := s.cachedEngine(id); eng != nil {
		writeJSON(w, http.StatusOK, eng.Status())
		return
	}

	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, engine.RunStatus{WorkflowID: id, State: schema.RunStateIdle})
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// requestCreds merges per-request key headers over the server defaults.
func (s *Server) requestCreds(r *http.Request) providers.Credentials {
	creds := s.deps.Creds
	if k := r.Header.Get("X-Replicate-API-Key"); k != "" {
		creds.Replicate = k
	}
	if k := r.Header.Get("X-Fal-API-Key"); k != "" {
		creds.Fal = k
	}
	return creds
}

// --- scheduled jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduledJobFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type createJobRequest struct {
	WorkflowID     string `json:"workflowId"`
	CronExpression string `json:"cronExpression"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.WorkflowID == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "workflowId and cronExpression are required")
		return
	}

	wf, err := s.deps.Store.GetWorkflow(r.Context(), body.WorkflowID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	now := time.Now().UTC()
	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowID:     body.WorkflowID,
		CronExpression: body.CronExpression,
		Enabled:        body.Enabled == nil || *body.Enabled,
		CreatedAt:      now,
	}

	if s.deps.Scheduler != nil {
		next, err := s.deps.Scheduler.CalculateNextRun(body.CronExpression, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression")
			return
		}
		job.NextRunAt = &next
	}

	if err := s.deps.Store.CreateScheduledJob(r.Context(), job); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

type updateJobRequest struct {
	CronExpression string `json:"cronExpression,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body updateJobRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update := store.ScheduledJobUpdate{
		CronExpression: body.CronExpression,
		Enabled:        body.Enabled,
	}
	if body.CronExpression != "" && s.deps.Scheduler != nil {
		next, err := s.deps.Scheduler.CalculateNextRun(body.CronExpression, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression")
			return
		}
		update.NextRunAt = &next
	}

	if err := s.deps.Store.UpdateScheduledJob(r.Context(), id, update); err != nil {
		writeFlowError(w, err)
		return
	}

	job, err := s.deps.Store.GetScheduledJob(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "scheduled job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteScheduledJob(r.Context(), r.PathValue("id")); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
