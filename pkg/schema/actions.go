package schema

import "encoding/json"

// ActionType enumerates the instructions the decision service may return.
type ActionType string

const (
	ActionComplete          ActionType = "complete"
	ActionSendEmail         ActionType = "send_email"
	ActionReadEmail         ActionType = "read_email"
	ActionModifyEmail       ActionType = "modify_email"
	ActionGuidanceRequested ActionType = "guidance_requested"
	ActionRequestFileUpload ActionType = "request_file_upload"
	ActionGenerateImage     ActionType = "generate_image"
	ActionShowImagePreview  ActionType = "show_image_preview"
)

// AgentAction is a decided, structured instruction. It is a closed sum: only
// the parameter block matching Type is populated. Decoding and per-variant
// field validation happen once, at the decision client boundary, never at
// the use site.
//
// An unrecognized Type survives decoding with no parameters so the capability
// layer can reject it as UNKNOWN_ACTION and abort the step.
type AgentAction struct {
	Type       ActionType         `json:"type"`
	Email      *EmailParams       `json:"email,omitempty"`
	Read       *ReadEmailParams   `json:"read,omitempty"`
	Guidance   *GuidanceParams    `json:"guidance,omitempty"`
	FileUpload *FileUploadParams  `json:"file_upload,omitempty"`
	Image      *GenerateParams    `json:"image,omitempty"`
	Preview    *PreviewParams     `json:"preview,omitempty"`
}

// EmailParams parameterizes send_email and modify_email.
type EmailParams struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	DraftID string `json:"draft_id,omitempty"` // modify_email only
}

// ReadEmailParams parameterizes read_email.
type ReadEmailParams struct {
	Count int `json:"count,omitempty"`
}

// GuidanceParams parameterizes guidance_requested.
type GuidanceParams struct {
	Question string `json:"question"`
}

// FileUploadParams parameterizes request_file_upload.
type FileUploadParams struct {
	FileType    string `json:"file_type"`
	Description string `json:"description,omitempty"`
}

// GenerateParams parameterizes generate_image.
type GenerateParams struct {
	Prompt      string `json:"prompt"`
	ContextText string `json:"context_text,omitempty"`
}

// PreviewParams parameterizes show_image_preview. URL may be empty, in which
// case the preview refers to the asset produced by a preceding generate_image
// in the same decision.
type PreviewParams struct {
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// wireAction is the loose shape the decision service sends: a type tag plus a
// free-form parameters object.
type wireAction struct {
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DecodeAgentAction converts a raw action from the decision service into the
// closed AgentAction sum, validating per-variant required fields. Unknown
// action types decode successfully with no parameters.
func DecodeAgentAction(raw json.RawMessage) (AgentAction, error) {
	var w wireAction
	if err := json.Unmarshal(raw, &w); err != nil {
		return AgentAction{}, NewError(ErrCodeMalformedDecision, "action is not an object").WithCause(err)
	}
	if w.Type == "" {
		return AgentAction{}, NewError(ErrCodeMalformedDecision, "action has no type")
	}

	a := AgentAction{Type: w.Type}
	str := func(key string) string {
		v, _ := w.Parameters[key].(string)
		return v
	}

	switch w.Type {
	case ActionComplete:
		// no parameters

	case ActionSendEmail, ActionModifyEmail:
		p := &EmailParams{To: str("to"), Subject: str("subject"), Body: str("body"), DraftID: str("draft_id")}
		if p.To == "" {
			return AgentAction{}, NewErrorf(ErrCodeMalformedDecision, "%s action missing %q parameter", w.Type, "to")
		}
		if p.Subject == "" {
			return AgentAction{}, NewErrorf(ErrCodeMalformedDecision, "%s action missing %q parameter", w.Type, "subject")
		}
		a.Email = p

	case ActionReadEmail:
		p := &ReadEmailParams{}
		if n, ok := w.Parameters["count"].(float64); ok {
			p.Count = int(n)
		}
		a.Read = p

	case ActionGuidanceRequested:
		p := &GuidanceParams{Question: str("question")}
		if p.Question == "" {
			return AgentAction{}, NewError(ErrCodeMalformedDecision, "guidance_requested action missing question")
		}
		a.Guidance = p

	case ActionRequestFileUpload:
		p := &FileUploadParams{FileType: str("file_type"), Description: str("description")}
		if p.FileType == "" {
			return AgentAction{}, NewError(ErrCodeMalformedDecision, "request_file_upload action missing file_type")
		}
		a.FileUpload = p

	case ActionGenerateImage:
		p := &GenerateParams{Prompt: str("prompt"), ContextText: str("context_text")}
		if p.Prompt == "" {
			return AgentAction{}, NewError(ErrCodeMalformedDecision, "generate_image action missing prompt")
		}
		a.Image = p

	case ActionShowImagePreview:
		a.Preview = &PreviewParams{URL: str("url"), Caption: str("caption")}

	default:
		// Unknown type: decoded as-is, failed later by the capability executor.
	}

	return a, nil
}

// DecisionResult is the normalized answer of the decision service for one
// step execution attempt.
type DecisionResult struct {
	Actions             []AgentAction `json:"actions"`
	Message             string        `json:"message"`
	NeedsGuidance       bool          `json:"needs_guidance"`
	GuidanceQuestion    string        `json:"guidance_question,omitempty"`
	RequestedFileType   string        `json:"requested_file_type,omitempty"`
	FileDescription     string        `json:"file_description,omitempty"`
	PreviewImageURL     string        `json:"preview_image_url,omitempty"`
	PreviewImageCaption string        `json:"preview_image_caption,omitempty"`
}
