package schema

import "time"

// UpdateType classifies outbound control-room events.
type UpdateType string

const (
	UpdateWorkflow     UpdateType = "workflow_update"
	UpdateReviewNeeded UpdateType = "review_needed"
	UpdateCompleted    UpdateType = "completed"
)

// ControlRoomUpdate is the outbound lifecycle event delivered to the control
// room observer. Write-only from the engine's perspective.
type ControlRoomUpdate struct {
	Type       UpdateType    `json:"type"`
	WorkflowID string        `json:"workflow_id"`
	StepID     string        `json:"step_id,omitempty"`
	WorkerName string        `json:"digital_worker_name,omitempty"`
	Message    string        `json:"message"`
	Action     *ReviewAction `json:"action,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// StepPhase is the per-attempt execution state of the current step.
type StepPhase string

const (
	PhasePending         StepPhase = "pending"
	PhaseExecuting       StepPhase = "executing"
	PhaseCompleted       StepPhase = "completed"
	PhasePausedForReview StepPhase = "paused_for_review"
	PhaseFailed          StepPhase = "failed"
)
