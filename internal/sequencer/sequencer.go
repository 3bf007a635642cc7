// Package sequencer drives a single workflow's steps one at a time: it asks
// the decision client what each step should do, executes the result through
// the capability layer, pauses for reviews, and resumes on operator decision.
// Each running workflow is one cooperative goroutine; progress is gated on
// the execution state's Running flag and epoch.
package sequencer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsen/sequent/internal/capability"
	"github.com/opsen/sequent/internal/controlroom"
	"github.com/opsen/sequent/internal/decision"
	"github.com/opsen/sequent/internal/logging"
	"github.com/opsen/sequent/internal/repository"
	"github.com/opsen/sequent/internal/state"
	"github.com/opsen/sequent/pkg/schema"
)

// DefaultStepDelay paces automatic advances so the control room feed shows
// intermediate transitions instead of one burst.
const DefaultStepDelay = 1500 * time.Millisecond

// Config holds engine tunables.
type Config struct {
	// StepDelay is the pause between automatic step advances. Zero selects
	// DefaultStepDelay; negative disables the delay.
	StepDelay time.Duration

	// ApprovalRule overrides the default approval policy expression.
	ApprovalRule string
}

// StartOptions modifies a single Start call.
type StartOptions struct {
	// AutoActivate transitions a draft workflow to active through the
	// repository before the activation check. Without it, starting a
	// non-active workflow fails with NOT_ACTIVATABLE.
	AutoActivate bool
}

// run tracks the goroutine executing one logical workflow run.
type run struct {
	workflowID string
	epoch      uint64
	cancel     context.CancelFunc
	resume     chan struct{}
}

// Engine is the step sequencer: the public execution surface of sequent.
type Engine struct {
	repo    repository.Repository
	states  *state.Store
	decider *decision.Client
	caps    *capability.Executor
	emitter *controlroom.Emitter
	policy  *ApprovalPolicy
	logger  *slog.Logger

	stepDelay time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// mu guards runs and reviews.
	mu      sync.Mutex
	runs    map[string]*run
	reviews map[string]*schema.ReviewItem
}

// NewEngine creates an Engine. The approval rule is compiled up front so a
// bad configuration fails at startup, not mid-run.
func NewEngine(repo repository.Repository, states *state.Store, decider *decision.Client,
	caps *capability.Executor, emitter *controlroom.Emitter, logger *slog.Logger, cfg Config) (*Engine, error) {

	policy, err := NewApprovalPolicy(cfg.ApprovalRule)
	if err != nil {
		return nil, err
	}

	delay := cfg.StepDelay
	if delay == 0 {
		delay = DefaultStepDelay
	}
	if delay < 0 {
		delay = 0
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		repo:       repo,
		states:     states,
		decider:    decider,
		caps:       caps,
		emitter:    emitter,
		policy:     policy,
		logger:     logger,
		stepDelay:  delay,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*run),
		reviews:    make(map[string]*schema.ReviewItem),
	}, nil
}

// Close cancels every in-flight run. Execution states are left in place.
func (e *Engine) Close() {
	e.baseCancel()
}

// Start begins executing the workflow from its first step.
// The workflow must exist and be active; a draft workflow can be activated
// explicitly via opts.AutoActivate. Fails with ALREADY_RUNNING if a running
// execution exists for the id.
func (e *Engine) Start(ctx context.Context, workflowID, workerName string, opts StartOptions) error {
	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if res := schema.ValidateWorkflow(wf); !res.Valid() {
		return res.ToError()
	}

	if wf.Status != schema.WorkflowStatusActive {
		if !opts.AutoActivate || wf.Status != schema.WorkflowStatusDraft {
			return schema.NewErrorf(schema.ErrCodeNotActivatable,
				"workflow %s has status %q, want %q", workflowID, wf.Status, schema.WorkflowStatusActive)
		}
		if err := e.repo.SetStatus(ctx, workflowID, schema.WorkflowStatusActive); err != nil {
			return err
		}
		wf.Status = schema.WorkflowStatusActive
	}

	st, err := e.states.Begin(workflowID, workerName)
	if err != nil {
		return err
	}

	e.logger.InfoContext(logging.WithWorkflowID(ctx, workflowID), "execution started",
		slog.Uint64("epoch", st.Epoch),
		slog.Int("steps", len(wf.Steps)),
	)
	e.spawn(wf, workerName, st.Epoch)
	return nil
}

// Stop halts execution of the workflow. Idempotent: stopping an unknown or
// already-stopped workflow is a no-op. Any scheduled continuation of the run
// is invalidated by the epoch bump, and pending reviews for the workflow are
// discarded.
func (e *Engine) Stop(ctx context.Context, workflowID, reason string) error {
	e.mu.Lock()
	if r, ok := e.runs[workflowID]; ok {
		r.cancel()
		delete(e.runs, workflowID)
	}
	for id, item := range e.reviews {
		if item.WorkflowID == workflowID {
			delete(e.reviews, id)
		}
	}
	e.mu.Unlock()

	_, err := e.states.Mutate(workflowID, func(s *state.ExecutionState) {
		s.Running = false
		s.Epoch++
		if s.CompletedAt == nil {
			now := time.Now().UTC()
			s.CompletedAt = &now
		}
	})
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			return nil
		}
		return err
	}

	if reason != "" {
		e.emitter.WorkflowUpdate(ctx, workflowID, "", "", "execution stopped: "+reason)
	}
	return nil
}

// ExecutionState returns a snapshot of the workflow's run state, if any.
func (e *Engine) ExecutionState(workflowID string) (state.ExecutionState, bool) {
	return e.states.Get(workflowID)
}

// PendingReviews lists unconsumed review items, optionally scoped to one
// workflow. Items are copies; consuming them goes through Approve/Reject.
func (e *Engine) PendingReviews(workflowID string) []*schema.ReviewItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*schema.ReviewItem
	for _, item := range e.reviews {
		if workflowID != "" && item.WorkflowID != workflowID {
			continue
		}
		cp := *item
		cp.ChatHistory = append([]schema.ChatMessage(nil), item.ChatHistory...)
		out = append(out, &cp)
	}
	return out
}

// spawn replaces any live run goroutine for the workflow with a fresh one.
func (e *Engine) spawn(wf *schema.Workflow, workerName string, epoch uint64) {
	e.mu.Lock()
	if old, ok := e.runs[wf.ID]; ok {
		old.cancel()
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	r := &run{
		workflowID: wf.ID,
		epoch:      epoch,
		cancel:     cancel,
		resume:     make(chan struct{}, 1),
	}
	e.runs[wf.ID] = r
	e.mu.Unlock()

	go e.runLoop(runCtx, r, wf, workerName)
}

// release drops the run from the live set if it is still the current one.
func (e *Engine) release(r *run) {
	e.mu.Lock()
	if cur, ok := e.runs[r.workflowID]; ok && cur == r {
		delete(e.runs, r.workflowID)
	}
	e.mu.Unlock()
	r.cancel()
}

// signalResume wakes the run goroutine for the workflow, if the live run
// still belongs to the given epoch. Returns false when no such goroutine
// exists (engine restarted between pause and approve).
func (e *Engine) signalResume(workflowID string, epoch uint64) bool {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok || r.epoch != epoch {
		return false
	}
	select {
	case r.resume <- struct{}{}:
	default:
	}
	return true
}

// stepResult is the tagged outcome of one step execution attempt.
type stepResult struct {
	err           error
	pause         *capability.PauseRequest
	needsApproval bool
	decided       *schema.DecisionResult
}

// runLoop is the per-workflow cooperative state machine. Exactly one step is
// ever in flight; when paused it blocks on the resume channel rather than
// exiting so approvals cannot race a relaunch.
func (e *Engine) runLoop(ctx context.Context, r *run, wf *schema.Workflow, workerName string) {
	defer e.release(r)

	ctx = logging.WithWorkflowID(ctx, wf.ID)
	if workerName != "" {
		ctx = logging.WithWorker(ctx, workerName)
	}
	steps := wf.OrderedSteps()

	for {
		snap, ok := e.states.Get(wf.ID)
		if !ok || snap.Epoch != r.epoch {
			return
		}
		if !snap.Running {
			if snap.CompletedAt != nil {
				return
			}
			// Paused awaiting an external decision.
			select {
			case <-ctx.Done():
				return
			case <-r.resume:
				continue
			}
		}

		if snap.StepIndex >= len(steps) {
			e.complete(ctx, wf, workerName, r.epoch)
			return
		}
		step := steps[snap.StepIndex]
		stepCtx := logging.WithStepID(ctx, step.ID)

		// The end sentinel closes the run; the completion event is the only
		// thing it emits.
		if step.Type == schema.StepTypeEnd {
			e.markStepDone(wf.ID, step.ID, r.epoch)
			if e.advance(wf.ID, r.epoch) {
				e.complete(stepCtx, wf, workerName, r.epoch)
			}
			return
		}

		// Triggers and human-assigned steps complete without the capability
		// executor: triggers fire the workflow, humans are not automatable.
		if step.Type == schema.StepTypeTrigger || step.Assignment.Type == schema.AssigneeHuman {
			e.markStepDone(wf.ID, step.ID, r.epoch)
			e.emitter.WorkflowUpdate(stepCtx, wf.ID, step.ID, workerName, stepDoneMessage(step))
			if !e.advance(wf.ID, r.epoch) || !e.interStepDelay(ctx) {
				return
			}
			continue
		}

		res := e.executeStep(stepCtx, wf, step, r.epoch)
		switch {
		case res.err != nil:
			e.logger.ErrorContext(stepCtx, "step failed",
				slog.String("step_label", step.Label),
				slog.String("error", res.err.Error()),
			)
			e.pauseForError(stepCtx, wf, step, workerName, r.epoch, res.err)

		case res.pause != nil:
			e.pauseForReview(stepCtx, wf, step, workerName, r.epoch, res.pause, res.decided)

		case res.needsApproval:
			e.pauseForApproval(stepCtx, wf, step, workerName, r.epoch, res.decided)

		default:
			e.markStepDone(wf.ID, step.ID, r.epoch)
			e.emitter.WorkflowUpdate(stepCtx, wf.ID, step.ID, workerName, stepDoneMessage(step))
			if !e.advance(wf.ID, r.epoch) || !e.interStepDelay(ctx) {
				return
			}
		}
	}
}

// executeStep runs one attempt of an automatic step: decide, then execute.
func (e *Engine) executeStep(ctx context.Context, wf *schema.Workflow, step schema.Step, epoch uint64) stepResult {
	started := time.Now().UTC()
	snap, err := e.states.Mutate(wf.ID, func(s *state.ExecutionState) {
		if s.Epoch != epoch {
			return
		}
		s.Phase = schema.PhaseExecuting
		s.StepStartedAt[step.ID] = started
	})
	if err != nil {
		return stepResult{err: err}
	}

	decided, err := e.decider.Decide(ctx, decision.Request{
		Step:         step,
		Blueprint:    step.Requirements.Blueprint,
		Guidance:     snap.GuidanceFor(step.ID),
		Integrations: step.Requirements.Integrations,
	})
	if err != nil {
		return stepResult{err: err}
	}

	if decided.NeedsGuidance {
		question := decided.GuidanceQuestion
		if question == "" {
			question = decided.Message
		}
		return stepResult{
			pause:   &capability.PauseRequest{Kind: capability.PauseGuidance, Question: question},
			decided: decided,
		}
	}

	out, err := e.caps.Execute(ctx, step, decided)
	if err != nil {
		return stepResult{err: err}
	}
	if out.Pause != nil {
		return stepResult{pause: out.Pause, decided: decided}
	}

	e.logger.InfoContext(ctx, "step executed",
		slog.String("step_label", step.Label),
		slog.Duration("took", time.Since(started)),
	)
	return stepResult{needsApproval: e.policy.RequiresApproval(step, decided), decided: decided}
}

// complete marks the run finished and emits the terminal update.
func (e *Engine) complete(ctx context.Context, wf *schema.Workflow, workerName string, epoch uint64) {
	now := time.Now().UTC()
	applied := false
	snap, err := e.states.Mutate(wf.ID, func(s *state.ExecutionState) {
		if s.Epoch != epoch {
			return
		}
		s.Running = false
		s.Phase = schema.PhaseCompleted
		s.CompletedAt = &now
		applied = true
	})
	if err != nil || !applied {
		return
	}
	e.logger.InfoContext(ctx, "workflow completed",
		slog.Duration("took", now.Sub(snap.StartedAt)),
	)
	e.emitter.Completed(ctx, wf.ID, workerName, "workflow completed: "+wf.Name)
}

// markStepDone records the phase transition for a step that completed in line.
func (e *Engine) markStepDone(workflowID, stepID string, epoch uint64) {
	_, _ = e.states.Mutate(workflowID, func(s *state.ExecutionState) {
		if s.Epoch != epoch {
			return
		}
		s.Phase = schema.PhaseCompleted
		if _, ok := s.StepStartedAt[stepID]; !ok {
			s.StepStartedAt[stepID] = time.Now().UTC()
		}
	})
}

// advance moves the cursor to the next step if the run is still current.
func (e *Engine) advance(workflowID string, epoch uint64) bool {
	moved := false
	_, err := e.states.Mutate(workflowID, func(s *state.ExecutionState) {
		if s.Epoch != epoch || !s.Running {
			return
		}
		s.StepIndex++
		s.Phase = schema.PhasePending
		moved = true
	})
	return err == nil && moved
}

// interStepDelay paces automatic advances; returns false on cancellation.
func (e *Engine) interStepDelay(ctx context.Context) bool {
	if e.stepDelay <= 0 {
		return true
	}
	select {
	case <-time.After(e.stepDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func stepDoneMessage(step schema.Step) string {
	switch {
	case step.Type == schema.StepTypeTrigger:
		return "trigger fired: " + step.Label
	case step.Assignment.Type == schema.AssigneeHuman:
		return "handed to human: " + step.Label
	default:
		return "completed step: " + step.Label
	}
}
