package sequencer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsen/sequent/internal/capability"
	"github.com/opsen/sequent/internal/state"
	"github.com/opsen/sequent/pkg/schema"
)

// --- pause paths (called from the run loop) ---

// pauseForReview converts a pause signal from the capability layer into a
// pending review item and parks the run.
func (e *Engine) pauseForReview(ctx context.Context, wf *schema.Workflow, step schema.Step,
	workerName string, epoch uint64, pause *capability.PauseRequest, decided *schema.DecisionResult) {

	item := &schema.ReviewItem{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		StepID:     step.ID,
		WorkerName: workerName,
		Timestamp:  time.Now().UTC(),
		Epoch:      epoch,
	}

	var message string
	switch pause.Kind {
	case capability.PauseGuidance:
		item.Action = schema.ReviewAction{
			Type:      schema.ReviewGuidanceRequested,
			Question:  pause.Question,
			StepLabel: step.Label,
		}
		item.NeedsGuidance = true
		message = "guidance needed: " + pause.Question

	case capability.PauseFileUpload:
		item.Action = schema.ReviewAction{
			Type:      schema.ReviewFileUploadRequested,
			StepLabel: step.Label,
		}
		item.RequestedFileType = pause.FileType
		item.FileDescription = firstNonEmpty(pause.FileDescription, decidedFileDescription(decided))
		message = "file upload requested: " + pause.FileType

	case capability.PauseImagePreview:
		item.Action = schema.ReviewAction{
			Type:      schema.ReviewImagePreview,
			StepLabel: step.Label,
		}
		item.PreviewImageURL = firstNonEmpty(pause.ImageURL, decidedPreviewURL(decided))
		item.PreviewImageCaption = firstNonEmpty(pause.ImageCaption, decidedPreviewCaption(decided))
		message = "image ready for review: " + step.Label
	}

	e.park(ctx, item, message, schema.PhasePausedForReview, epoch)
}

// pauseForApproval parks a successfully executed step behind an operator
// checkpoint. Unlike other reviews, approving it advances to the next step.
func (e *Engine) pauseForApproval(ctx context.Context, wf *schema.Workflow, step schema.Step,
	workerName string, epoch uint64, decided *schema.DecisionResult) {

	item := &schema.ReviewItem{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		StepID:     step.ID,
		WorkerName: workerName,
		Timestamp:  time.Now().UTC(),
		Epoch:      epoch,
		Action: schema.ReviewAction{
			Type:      schema.ReviewApprovalRequired,
			StepLabel: step.Label,
		},
	}
	message := "approval required: " + step.Label
	if decided != nil && decided.Message != "" {
		message = "approval required: " + decided.Message
	}
	e.park(ctx, item, message, schema.PhasePausedForReview, epoch)
}

// pauseForError converts a step failure into an error review. The same step
// is retried on approval, with whatever guidance the operator attached.
func (e *Engine) pauseForError(ctx context.Context, wf *schema.Workflow, step schema.Step,
	workerName string, epoch uint64, stepErr error) {

	item := &schema.ReviewItem{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		StepID:     step.ID,
		WorkerName: workerName,
		Timestamp:  time.Now().UTC(),
		Epoch:      epoch,
		Action: schema.ReviewAction{
			Type:         schema.ReviewError,
			StepLabel:    step.Label,
			ErrorCode:    schema.CodeOf(stepErr),
			ErrorMessage: stepErr.Error(),
		},
	}
	e.park(ctx, item, "step failed: "+step.Label, schema.PhaseFailed, epoch)
}

// park registers the review item, blocks the run, and emits exactly one
// review_needed update before the engine goes idle for this workflow.
func (e *Engine) park(ctx context.Context, item *schema.ReviewItem, message string,
	phase schema.StepPhase, epoch uint64) {

	e.mu.Lock()
	e.reviews[item.ID] = item
	e.mu.Unlock()

	_, _ = e.states.Mutate(item.WorkflowID, func(s *state.ExecutionState) {
		if s.Epoch != epoch {
			return
		}
		s.Running = false
		s.Phase = phase
	})

	e.emitter.ReviewNeeded(ctx, item, message)
}

// --- operator surface ---

// AddReviewMessage appends a chat message to a pending review's history.
// The accumulated history folds into the guidance context on approve/reject.
func (e *Engine) AddReviewMessage(reviewID string, msg schema.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.reviews[reviewID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "review %s not found or already consumed", reviewID)
	}
	item.ChatHistory = append(item.ChatHistory, msg)
	return nil
}

// Approve consumes the review item and resumes execution. Error, guidance,
// file, and image reviews re-execute the same step so the folded guidance is
// considered on retry; a plain approval review advances to the next step,
// since the step itself already ran and approval was only a checkpoint.
// A review can be approved at most once: the second call fails NOT_FOUND.
func (e *Engine) Approve(ctx context.Context, reviewID string, chat []schema.ChatMessage) error {
	item, err := e.consume(reviewID)
	if err != nil {
		return err
	}
	history := append(item.ChatHistory, stamped(chat)...)

	resumed := false
	snap, err := e.states.Mutate(item.WorkflowID, func(s *state.ExecutionState) {
		if s.Epoch != item.Epoch {
			return
		}
		if len(history) > 0 {
			s.Guidance = append(s.Guidance, schema.GuidanceEntry{
				StepID:      item.StepID,
				ChatHistory: history,
				Timestamp:   time.Now().UTC(),
			})
		}
		if item.Action.Type == schema.ReviewApprovalRequired {
			s.StepIndex++
		}
		s.Running = true
		s.Phase = schema.PhasePending
		resumed = true
	})
	if err != nil {
		return err
	}
	if !resumed {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"review %s belongs to a superseded run of workflow %s", reviewID, item.WorkflowID)
	}

	e.logger.InfoContext(ctx, "review approved",
		slog.String("review_id", reviewID),
		slog.String("workflow_id", item.WorkflowID),
		slog.String("review_type", string(item.Action.Type)),
	)
	e.resumeRun(ctx, item, snap)
	return nil
}

// Reject resolves the review negatively. With retryWithFeedback and a
// non-empty chat history, the history folds in tagged as rejection feedback
// and the same step is retried; otherwise the review is discarded with no
// state change beyond its removal, and one informational update is emitted.
func (e *Engine) Reject(ctx context.Context, reviewID string, retryWithFeedback bool, chat []schema.ChatMessage) error {
	item, err := e.consume(reviewID)
	if err != nil {
		return err
	}
	history := append(item.ChatHistory, stamped(chat)...)

	if !retryWithFeedback || len(history) == 0 {
		e.logger.InfoContext(ctx, "review dismissed",
			slog.String("review_id", reviewID),
			slog.String("workflow_id", item.WorkflowID),
		)
		e.emitter.WorkflowUpdate(ctx, item.WorkflowID, item.StepID, item.WorkerName,
			"review rejected: "+item.Action.StepLabel)
		return nil
	}

	resumed := false
	snap, err := e.states.Mutate(item.WorkflowID, func(s *state.ExecutionState) {
		if s.Epoch != item.Epoch {
			return
		}
		s.Guidance = append(s.Guidance, schema.GuidanceEntry{
			StepID:            item.StepID,
			ChatHistory:       history,
			Timestamp:         time.Now().UTC(),
			RejectionFeedback: true,
		})
		s.Running = true
		s.Phase = schema.PhasePending
		resumed = true
	})
	if err != nil {
		return err
	}
	if !resumed {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"review %s belongs to a superseded run of workflow %s", reviewID, item.WorkflowID)
	}

	e.logger.InfoContext(ctx, "review rejected with feedback, retrying step",
		slog.String("review_id", reviewID),
		slog.String("workflow_id", item.WorkflowID),
	)
	e.resumeRun(ctx, item, snap)
	return nil
}

// consume removes the item from the pending set, enforcing exactly-once
// resolution at the engine boundary.
func (e *Engine) consume(reviewID string) (*schema.ReviewItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.reviews[reviewID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"review %s not found or already consumed", reviewID)
	}
	delete(e.reviews, reviewID)
	return item, nil
}

// resumeRun wakes the parked run goroutine, or relaunches one if the engine
// no longer has it (process restart between pause and approve).
func (e *Engine) resumeRun(ctx context.Context, item *schema.ReviewItem, snap state.ExecutionState) {
	if e.signalResume(item.WorkflowID, item.Epoch) {
		return
	}
	wf, err := e.repo.GetWorkflow(ctx, item.WorkflowID)
	if err != nil {
		e.logger.ErrorContext(ctx, "cannot relaunch run after approval",
			slog.String("workflow_id", item.WorkflowID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.spawn(wf, snap.WorkerName, snap.Epoch)
}

// stamped fills missing timestamps on operator-provided chat messages.
func stamped(chat []schema.ChatMessage) []schema.ChatMessage {
	out := make([]schema.ChatMessage, len(chat))
	now := time.Now().UTC()
	for i, m := range chat {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out[i] = m
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func decidedFileDescription(d *schema.DecisionResult) string {
	if d == nil {
		return ""
	}
	return d.FileDescription
}

func decidedPreviewURL(d *schema.DecisionResult) string {
	if d == nil {
		return ""
	}
	return d.PreviewImageURL
}

func decidedPreviewCaption(d *schema.DecisionResult) string {
	if d == nil {
		return ""
	}
	return d.PreviewImageCaption
}
