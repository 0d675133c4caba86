package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvasflow/canvasflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDocument(t *testing.T) *schema.WorkflowFile {
	t.Helper()
	g := schema.NewGraph()
	prompt, err := g.AddNode(schema.NodeKindPrompt, schema.Position{X: 0, Y: 0})
	require.NoError(t, err)
	prompt.Data.(*schema.PromptData).Prompt = "a red balloon"
	gen, err := g.AddNode(schema.NodeKindImageGenerate, schema.Position{X: 200, Y: 0})
	require.NoError(t, err)
	_, err = g.Connect(prompt.ID, schema.PortText, gen.ID, schema.PortText)
	require.NoError(t, err)
	return schema.FileFromGraph("test-workflow", g, "bezier")
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:       uuid.New().String(),
		Name:     "test-workflow",
		Document: testDocument(t),
	}
	require.NoError(t, s.SaveWorkflow(context.Background(), wf))
	return wf
}

// --- Workflow Tests ---

func TestSaveAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "test-workflow", got.Name)
	require.NotNil(t, got.Document)
	assert.Equal(t, schema.CurrentFileVersion, got.Document.Version)
	assert.Len(t, got.Document.Nodes, 2)
	assert.Len(t, got.Document.Edges, 1)
	assert.Equal(t, "bezier", got.Document.EdgeStyle)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestSaveWorkflow_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s)
	wf.Name = "renamed"
	wf.Document.Name = "renamed"
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "renamed", got.Document.Name)
}

func TestListWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedWorkflow(t, s)
	}

	list, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	// Filter by name
	list, err = s.ListWorkflows(ctx, WorkflowFilter{Name: "test-workflow", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListWorkflows(ctx, WorkflowFilter{Name: "no-such-name"})
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s)
	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))

	_, err := s.GetWorkflow(ctx, wf.ID)
	require.Error(t, err)

	err = s.DeleteWorkflow(ctx, wf.ID)
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

// --- Event Tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	// Append 3 events
	for i := 0; i < 3; i++ {
		e := &Event{
			WorkflowID: wf.ID,
			RunID:      "run-1",
			NodeID:     "nanoBanana-2",
			Type:       schema.EventNodeStarted,
			Payload:    json.RawMessage(`{"attempt":` + string(rune('0'+i)) + `}`),
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// Get all events
	events, err := s.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "nanoBanana-2", events[0].NodeID)

	// Get since sequence 2
	events, err = s.GetEvents(ctx, wf.ID, 2)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestEventSequencesPerWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wfA := seedWorkflow(t, s)
	wfB := seedWorkflow(t, s)

	eA := &Event{WorkflowID: wfA.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, eA))
	eB := &Event{WorkflowID: wfB.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, eB))

	// Each workflow gets its own sequence counter.
	assert.Equal(t, int64(1), eA.Sequence)
	assert.Equal(t, int64(1), eB.Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, NodeID: "n1", Type: schema.EventNodeStarted,
	}))
	require.NoError(t, s.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, NodeID: "n1", Type: schema.EventNodeCompleted,
	}))

	events, err := s.GetEventsByType(ctx, schema.EventNodeStarted, EventFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, schema.EventNodeStarted, events[0].Type)
}

// --- Scheduled Job Tests ---

func TestScheduledJobCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	job := &ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.WorkflowID)
	assert.Equal(t, "0 * * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, next, *got.NextRunAt, time.Second)

	// Update
	last := time.Now().UTC().Truncate(time.Second)
	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &last,
		LastRunStatus: "success",
	}))

	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	// Delete
	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	require.Error(t, err)
}

func TestListScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	for i, enabled := range []bool{true, true, false} {
		require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
			ID:             uuid.New().String(),
			WorkflowID:     wf.ID,
			CronExpression: "* * * * *",
			Enabled:        enabled,
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	list, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	enabled := true
	list, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{WorkflowID: "other"})
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestUpdateScheduledJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	enabled := true
	err := s.UpdateScheduledJob(context.Background(), "nonexistent", ScheduledJobUpdate{Enabled: &enabled})
	require.Error(t, err)
}

// --- Migration Tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Migrate was already called in newTestStore; calling again should be a no-op.
	require.NoError(t, s.Migrate(ctx))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
