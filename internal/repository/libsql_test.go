package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsen/sequent/pkg/schema"
)

func newTestRepo(t *testing.T) *LibSQLRepository {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sequent.db")
	r, err := NewLibSQLRepository("file:" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func sampleWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{
		ID:     id,
		Name:   "invoice chase",
		Status: schema.WorkflowStatusDraft,
		Steps: []schema.Step{
			{ID: "s1", Label: "New invoice", Type: schema.StepTypeTrigger, Order: 1,
				Assignment: schema.Assignment{Type: schema.AssigneeAgent}},
			{ID: "s2", Label: "Send reminder", Type: schema.StepTypeAction, Order: 2,
				Assignment: schema.Assignment{Type: schema.AssigneeAgent, AgentName: "Ava"},
				Requirements: schema.Requirements{
					Integrations: schema.Integrations{Gmail: true},
				}},
			{ID: "s3", Label: "Done", Type: schema.StepTypeEnd, Order: 3,
				Assignment: schema.Assignment{Type: schema.AssigneeAgent}},
		},
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	wf := sampleWorkflow("wf-1")
	require.NoError(t, r.PutWorkflow(ctx, wf))

	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "invoice chase", got.Name)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, "Ava", got.Steps[1].Assignment.AgentName)
	assert.True(t, got.Steps[1].Requirements.Integrations.Gmail)
	assert.Equal(t, schema.WorkflowStatusDraft, got.Status)
}

func TestGetWorkflowNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestPutWorkflowUpsert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	wf := sampleWorkflow("wf-1")
	require.NoError(t, r.PutWorkflow(ctx, wf))

	wf.Name = "invoice chase v2"
	require.NoError(t, r.PutWorkflow(ctx, wf))

	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "invoice chase v2", got.Name)

	require.Error(t, r.PutWorkflow(ctx, &schema.Workflow{}))
}

func TestSetStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.PutWorkflow(ctx, sampleWorkflow("wf-1")))
	require.NoError(t, r.SetStatus(ctx, "wf-1", schema.WorkflowStatusActive))

	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)

	err = r.SetStatus(ctx, "missing", schema.WorkflowStatusActive)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListWorkflowsByStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"wf-a", "wf-b", "wf-c"} {
		require.NoError(t, r.PutWorkflow(ctx, sampleWorkflow(id)))
	}
	require.NoError(t, r.SetStatus(ctx, "wf-b", schema.WorkflowStatusActive))

	active := schema.WorkflowStatusActive
	got, err := r.ListWorkflows(ctx, WorkflowFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-b", got[0].ID)

	all, err := r.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := r.ListWorkflows(ctx, WorkflowFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteWorkflow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.PutWorkflow(ctx, sampleWorkflow("wf-1")))
	require.NoError(t, r.DeleteWorkflow(ctx, "wf-1"))

	_, err := r.GetWorkflow(ctx, "wf-1")
	require.Error(t, err)

	err = r.DeleteWorkflow(ctx, "wf-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestScheduledRunCRUD(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	next := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	run := &ScheduledRun{
		ID:             "run-1",
		WorkflowID:     "wf-1",
		CronExpression: "0 8 * * *",
		WorkerName:     "Ava",
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, r.CreateScheduledRun(ctx, run))

	got, err := r.GetScheduledRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "0 8 * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
	assert.Nil(t, got.LastRunAt)

	now := time.Now().UTC().Truncate(time.Second)
	later := now.Add(time.Hour)
	require.NoError(t, r.UpdateScheduledRun(ctx, "run-1", ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &later,
		LastRunStatus: "success",
	}))

	got, err = r.GetScheduledRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	require.NoError(t, r.DeleteScheduledRun(ctx, "run-1"))
	_, err = r.GetScheduledRun(ctx, "run-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListScheduledRunsFiltering(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		run := &ScheduledRun{
			ID:             id,
			WorkflowID:     "wf-1",
			CronExpression: "0 * * * *",
			Enabled:        i != 1, // r2 disabled
		}
		if id == "r3" {
			run.WorkflowID = "wf-2"
		}
		require.NoError(t, r.CreateScheduledRun(ctx, run))
	}

	enabled := true
	got, err := r.ListScheduledRuns(ctx, ScheduledRunFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.ListScheduledRuns(ctx, ScheduledRunFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.ListScheduledRuns(ctx, ScheduledRunFilter{WorkflowID: "wf-2", Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r3", got[0].ID)
}

func TestUpdateScheduledRunNoFields(t *testing.T) {
	r := newTestRepo(t)
	// No fields to update is a no-op, not an error.
	require.NoError(t, r.UpdateScheduledRun(context.Background(), "whatever", ScheduledRunUpdate{}))
}

func TestMigrateIdempotent(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Migrate(context.Background()))
	require.NoError(t, r.Migrate(context.Background()))
}
