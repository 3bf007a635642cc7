package schema

import "time"

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// ChatMessage is one entry of a review's chat history.
type ChatMessage struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// GuidanceEntry is operator-provided chat history folded into the execution
// state for a specific step. Entries accumulate across pause/resume cycles
// and are replayed to the decision service on retry.
type GuidanceEntry struct {
	StepID            string        `json:"step_id"`
	ChatHistory       []ChatMessage `json:"chat_history"`
	Timestamp         time.Time     `json:"timestamp"`
	RejectionFeedback bool          `json:"rejection_feedback,omitempty"`
}

// ReviewActionType classifies why the engine paused.
type ReviewActionType string

const (
	ReviewApprovalRequired    ReviewActionType = "approval_required"
	ReviewGuidanceRequested   ReviewActionType = "guidance_requested"
	ReviewFileUploadRequested ReviewActionType = "file_upload_requested"
	ReviewImagePreview        ReviewActionType = "image_preview"
	ReviewError               ReviewActionType = "error"
)

// ReviewAction is the typed payload of a pause.
type ReviewAction struct {
	Type         ReviewActionType `json:"type"`
	Question     string           `json:"question,omitempty"`
	StepLabel    string           `json:"step_label,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// ReviewItem is the pending-decision record created whenever the sequencer
// pauses. It is consumed exactly once by approve or reject; its chat history
// is the pending accumulation that folds into the execution state's guidance
// context on resolution.
type ReviewItem struct {
	ID                  string           `json:"id"`
	WorkflowID          string           `json:"workflow_id"`
	StepID              string           `json:"step_id"`
	WorkerName          string           `json:"digital_worker_name,omitempty"`
	Action              ReviewAction     `json:"action"`
	Timestamp           time.Time        `json:"timestamp"`
	NeedsGuidance       bool             `json:"needs_guidance,omitempty"`
	ChatHistory         []ChatMessage    `json:"chat_history,omitempty"`
	RequestedFileType   string           `json:"requested_file_type,omitempty"`
	FileDescription     string           `json:"file_description,omitempty"`
	PreviewImageURL     string           `json:"preview_image_url,omitempty"`
	PreviewImageCaption string           `json:"preview_image_caption,omitempty"`

	// Epoch ties the item to the logical run that created it so a review from
	// a stopped or restarted run cannot resume the wrong one.
	Epoch uint64 `json:"-"`
}
