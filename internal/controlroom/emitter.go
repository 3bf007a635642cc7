package controlroom

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsen/sequent/pkg/schema"
)

// Emitter wraps state transitions into ControlRoomUpdates and publishes them.
// Publish failures are logged and swallowed; the sequencer is never blocked
// on observer delivery.
type Emitter struct {
	hub    Hub
	logger *slog.Logger
}

// NewEmitter creates an Emitter.
func NewEmitter(hub Hub, logger *slog.Logger) *Emitter {
	return &Emitter{hub: hub, logger: logger}
}

// WorkflowUpdate publishes a workflow_update for a step transition.
func (e *Emitter) WorkflowUpdate(ctx context.Context, workflowID, stepID, worker, message string) {
	e.publish(ctx, schema.ControlRoomUpdate{
		Type:       schema.UpdateWorkflow,
		WorkflowID: workflowID,
		StepID:     stepID,
		WorkerName: worker,
		Message:    message,
	})
}

// ReviewNeeded publishes a review_needed carrying the review's action payload.
func (e *Emitter) ReviewNeeded(ctx context.Context, item *schema.ReviewItem, message string) {
	action := item.Action
	e.publish(ctx, schema.ControlRoomUpdate{
		Type:       schema.UpdateReviewNeeded,
		WorkflowID: item.WorkflowID,
		StepID:     item.StepID,
		WorkerName: item.WorkerName,
		Message:    message,
		Action:     &action,
	})
}

// Completed publishes the terminal completed update for a workflow.
func (e *Emitter) Completed(ctx context.Context, workflowID, worker, message string) {
	e.publish(ctx, schema.ControlRoomUpdate{
		Type:       schema.UpdateCompleted,
		WorkflowID: workflowID,
		WorkerName: worker,
		Message:    message,
	})
}

func (e *Emitter) publish(ctx context.Context, update schema.ControlRoomUpdate) {
	update.Timestamp = time.Now().UTC()
	if err := e.hub.Publish(ctx, update); err != nil {
		e.logger.WarnContext(ctx, "control room publish failed",
			slog.String("update_type", string(update.Type)),
			slog.String("error", err.Error()),
		)
	}
}
