// Package server exposes the HTTP API: generation and LLM endpoints,
// the model catalog, workflow documents with run control, scheduled
// jobs, and transient image hosting.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/canvasflow/canvasflow/internal/catalog"
	"github.com/canvasflow/canvasflow/internal/engine"
	"github.com/canvasflow/canvasflow/internal/images"
	"github.com/canvasflow/canvasflow/internal/providers"
	"github.com/canvasflow/canvasflow/internal/scheduler"
	"github.com/canvasflow/canvasflow/internal/store"
	"github.com/canvasflow/canvasflow/internal/validation"
	"github.com/canvasflow/canvasflow/pkg/schema"
)

// ModelCatalog lists provider models and their parameter schemas.
// Satisfied by *catalog.Catalog.
type ModelCatalog interface {
	ListModels(ctx context.Context, opts catalog.ListOptions) (*catalog.Listing, error)
	ModelParameters(ctx context.Context, provider schema.ProviderType, modelID, apiKey string) ([]catalog.Parameter, bool, error)
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	Service   *providers.Service
	Catalog   ModelCatalog
	Images    *images.Store
	Validator *validation.FileValidator
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	// Creds are the server-configured API keys, used for headless
	// (scheduled) runs and as fallback for requests without key headers.
	Creds providers.Credentials
}

// Server routes HTTP requests and owns the per-workflow engines.
type Server struct {
	deps Deps

	mu      sync.Mutex
	engines map[string]*engine.Engine
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		deps:    deps,
		engines: make(map[string]*engine.Engine),
	}
}

// SetScheduler injects the scheduler after construction. The scheduler
// needs the server as its runner, so the wiring is two-phase.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.deps.Scheduler = sched
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Generation.
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/llm", s.handleLLM)

	// Model catalog. The model id may contain slashes (owner/name).
	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("GET /api/models/{modelId...}", s.handleModelParameters)

	// Transient image hosting.
	mux.HandleFunc("GET /i/{id}", s.handleImage)

	// Workflow documents.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleSaveWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/validate", s.handleValidateWorkflow)

	// Run control.
	mux.HandleFunc("POST /api/workflows/{id}/run", s.handleRunWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/regenerate/{nodeId}", s.handleRegenerateNode)
	mux.HandleFunc("POST /api/workflows/{id}/stop", s.handleStopWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/status", s.handleWorkflowStatus)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleWorkflowEvents)

	// Scheduled jobs.
	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)
	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("PUT /api/scheduler/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// engineFor returns the cached engine for a workflow, creating one from
// the stored document if needed. The engine is kept so paused runs can
// resume against the same graph.
func (s *Server) engineFor(ctx context.Context, workflowID string) (*engine.Engine, *store.Workflow, error) {
	s.mu.Lock()
	eng, ok := s.engines[workflowID]
	s.mu.Unlock()

	wf, err := s.deps.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if wf == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	if ok {
		return eng, wf, nil
	}

	eng = engine.NewEngine(workflowID, wf.Document.Graph(), s.deps.Service, s.deps.Store, s.deps.Logger)
	s.mu.Lock()
	// Another request may have built an engine while the store read was
	// in flight; its graph carries any run state, so it wins.
	if cached, ok := s.engines[workflowID]; ok {
		eng = cached
	} else {
		s.engines[workflowID] = eng
	}
	s.mu.Unlock()
	return eng, wf, nil
}

// dropEngine discards a cached engine, e.g. after the document changed.
func (s *Server) dropEngine(workflowID string) {
	s.mu.Lock()
	delete(s.engines, workflowID)
	s.mu.Unlock()
}

// cachedEngine returns the engine for a workflow without creating one.
func (s *Server) cachedEngine(workflowID string) *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engines[workflowID]
}

// RunWorkflow executes a saved workflow headlessly with the server's
// credentials. Satisfies scheduler.WorkflowRunner.
func (s *Server) RunWorkflow(ctx context.Context, workflowID string) error {
	eng, wf, err := s.engineFor(ctx, workflowID)
	if err != nil {
		return err
	}
	result, err := eng.Execute(ctx, engine.RunOptions{Creds: s.deps.Creds})
	if err != nil {
		return err
	}
	if result == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already running", workflowID)
	}
	s.persistRun(ctx, eng, wf)
	if result.Error != nil {
		return result.Error
	}
	return nil
}

// persistRun saves the mutated graph back to the workflow document.
// Persistence failures are logged, not surfaced; the run already
// happened.
func (s *Server) persistRun(ctx context.Context, eng *engine.Engine, wf *store.Workflow) {
	status := eng.Status()
	wf.Document = schema.FileFromGraph(wf.Document.Name, eng.Graph(), wf.Document.EdgeStyle)
	if err := s.deps.Store.SaveWorkflow(ctx, wf); err != nil {
		s.deps.Logger.ErrorContext(ctx, "failed to persist workflow after run",
			slog.String("workflow_id", status.WorkflowID),
			slog.String("error", err.Error()),
		)
	}
}
