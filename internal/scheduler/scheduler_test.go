package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsen/sequent/internal/repository"
	"github.com/opsen/sequent/internal/sequencer"
	"github.com/opsen/sequent/pkg/schema"
)

// mockSchedulerRepo satisfies repository.Repository for scheduler tests.
type mockSchedulerRepo struct {
	repository.Repository
	mu   sync.Mutex
	runs map[string]*repository.ScheduledRun
}

func newMockSchedulerRepo() *mockSchedulerRepo {
	return &mockSchedulerRepo{runs: make(map[string]*repository.ScheduledRun)}
}

func (m *mockSchedulerRepo) CreateScheduledRun(_ context.Context, run *repository.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockSchedulerRepo) GetScheduledRun(_ context.Context, id string) (*repository.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockSchedulerRepo) UpdateScheduledRun(_ context.Context, id string, update repository.ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		r.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerRepo) ListScheduledRuns(_ context.Context, filter repository.ScheduledRunFilter) ([]*repository.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*repository.ScheduledRun
	for _, r := range m.runs {
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// mockStarter tracks Start calls.
type mockStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	WorkflowID string
	WorkerName string
	Opts       sequencer.StartOptions
}

func (s *mockStarter) Start(_ context.Context, workflowID, workerName string, opts sequencer.StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, startCall{WorkflowID: workflowID, WorkerName: workerName, Opts: opts})
	return s.err
}

func (s *mockStarter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestScheduler(repo repository.Repository, starter Starter) *Scheduler {
	return NewScheduler(repo, starter, slog.Default())
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerRepo(), &mockStarter{})
	from := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 12, 15, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickFiresDueRuns(t *testing.T) {
	repo := newMockSchedulerRepo()
	starter := &mockStarter{}
	sched := newTestScheduler(repo, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.CreateScheduledRun(ctx, &repository.ScheduledRun{
		ID:             "run-1",
		WorkflowID:     "wf-1",
		CronExpression: "0 * * * *",
		WorkerName:     "Ava",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)

	require.Equal(t, 1, starter.callCount())
	starter.mu.Lock()
	call := starter.calls[0]
	starter.mu.Unlock()
	assert.Equal(t, "wf-1", call.WorkflowID)
	assert.Equal(t, "Ava", call.WorkerName)
	assert.True(t, call.Opts.AutoActivate)

	got, _ := repo.GetScheduledRun(ctx, "run-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsNotDueRuns(t *testing.T) {
	repo := newMockSchedulerRepo()
	starter := &mockStarter{}
	sched := newTestScheduler(repo, starter)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, repo.CreateScheduledRun(ctx, &repository.ScheduledRun{
		ID:             "run-future",
		WorkflowID:     "wf-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestTickSkipsDisabledRuns(t *testing.T) {
	repo := newMockSchedulerRepo()
	starter := &mockStarter{}
	sched := newTestScheduler(repo, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.CreateScheduledRun(ctx, &repository.ScheduledRun{
		ID:             "run-disabled",
		WorkflowID:     "wf-1",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestTickNilNextRunAtIsDue(t *testing.T) {
	repo := newMockSchedulerRepo()
	starter := &mockStarter{}
	sched := newTestScheduler(repo, starter)

	ctx := context.Background()
	require.NoError(t, repo.CreateScheduledRun(ctx, &repository.ScheduledRun{
		ID:             "run-nil-next",
		WorkflowID:     "wf-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestAlreadyRunningCountsAsSkipped(t *testing.T) {
	repo := newMockSchedulerRepo()
	starter := &mockStarter{err: schema.NewError(schema.ErrCodeAlreadyRunning, "workflow wf-1 is already running")}
	sched := newTestScheduler(repo, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.CreateScheduledRun(ctx, &repository.ScheduledRun{
		ID:             "run-busy",
		WorkflowID:     "wf-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)

	got, _ := repo.GetScheduledRun(ctx, "run-busy")
	assert.Equal(t, "skipped", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestStartFailureRecordsError(t *testing.T) {
	repo := newMockSchedulerRepo()
	starter := &mockStarter{err: assert.AnError}
	sched := newTestScheduler(repo, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.CreateScheduledRun(ctx, &repository.ScheduledRun{
		ID:             "run-fail",
		WorkflowID:     "wf-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)

	got, _ := repo.GetScheduledRun(ctx, "run-fail")
	assert.Equal(t, "error", got.LastRunStatus)
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	repo := newMockSchedulerRepo()
	starter := &mockStarter{}
	sched := newTestScheduler(repo, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.CreateScheduledRun(ctx, &repository.ScheduledRun{
		ID:             "run-dedup",
		WorkflowID:     "wf-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	// Pre-acquire to simulate an in-flight fire.
	require.True(t, sched.tryAcquire("run-dedup"))
	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	// Release and tick again.
	sched.release("run-dedup")
	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerRepo(), &mockStarter{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
