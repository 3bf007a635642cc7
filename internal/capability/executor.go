// Package capability executes the actions the decision service chose,
// enforcing integration availability independently of what the service
// claims is allowed. Pauses are tagged outcomes, not errors.
package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsen/sequent/internal/logging"
	"github.com/opsen/sequent/pkg/schema"
)

// DefaultReadCount is how many recent emails read_email fetches when the
// decision does not say.
const DefaultReadCount = 5

// EmailMessage is one message returned by the email integration.
type EmailMessage struct {
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Mailer is the external email integration boundary.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
	ReadRecent(ctx context.Context, n int) ([]EmailMessage, error)
}

// ContentGenerator is the external content generation service boundary.
// Generate returns an asset reference (typically a URL).
type ContentGenerator interface {
	Generate(ctx context.Context, prompt, contextText string) (string, error)
}

// PauseKind classifies why action processing stopped short of completion.
type PauseKind string

const (
	PauseGuidance     PauseKind = "guidance"
	PauseFileUpload   PauseKind = "file_upload"
	PauseImagePreview PauseKind = "image_preview"
)

// PauseRequest carries the payload of a pause signal.
type PauseRequest struct {
	Kind            PauseKind
	Question        string
	FileType        string
	FileDescription string
	ImageURL        string
	ImageCaption    string
}

// Outcome is the tagged result of executing one decision's action list.
// Pause == nil means every action completed.
type Outcome struct {
	Pause *PauseRequest

	// AssetRef is the reference returned by the last successful
	// generate_image in this attempt, if any.
	AssetRef string

	// Emails holds what read_email fetched, available to the caller for
	// step-result reporting.
	Emails []EmailMessage
}

// Executor performs or rejects each AgentAction. A nil Mailer or
// ContentGenerator means that collaborator is not wired in this deployment.
type Executor struct {
	mailer    Mailer
	generator ContentGenerator
	logger    *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(mailer Mailer, generator ContentGenerator, logger *slog.Logger) *Executor {
	return &Executor{mailer: mailer, generator: generator, logger: logger}
}

// Execute runs the decision's actions in order. The first action that pauses
// or errors stops processing of the remaining actions: a step's action list
// is never left silently half-done.
func (e *Executor) Execute(ctx context.Context, step schema.Step, decided *schema.DecisionResult) (*Outcome, error) {
	out := &Outcome{}
	ctx = logging.WithStepID(ctx, step.ID)

	for _, action := range decided.Actions {
		switch action.Type {
		case schema.ActionComplete:
			// Step success marker, nothing to do.

		case schema.ActionSendEmail, schema.ActionModifyEmail:
			if err := e.requireGmail(step); err != nil {
				return nil, err
			}
			// modify_email edits an existing draft; transport-wise both go
			// through the same send boundary.
			if err := e.mailer.Send(ctx, action.Email.To, action.Email.Subject, action.Email.Body); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeIntegrationUnavailable,
					"email delivery failed: %s", err.Error()).WithStep(step.ID).WithCause(err)
			}
			e.logger.InfoContext(ctx, "email sent", slog.String("to", action.Email.To))

		case schema.ActionReadEmail:
			if err := e.requireGmail(step); err != nil {
				return nil, err
			}
			n := action.Read.Count
			if n <= 0 {
				n = DefaultReadCount
			}
			msgs, err := e.mailer.ReadRecent(ctx, n)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeIntegrationUnavailable,
					"email read failed: %s", err.Error()).WithStep(step.ID).WithCause(err)
			}
			out.Emails = append(out.Emails, msgs...)

		case schema.ActionGuidanceRequested:
			out.Pause = &PauseRequest{Kind: PauseGuidance, Question: action.Guidance.Question}
			return out, nil

		case schema.ActionRequestFileUpload:
			out.Pause = &PauseRequest{
				Kind:            PauseFileUpload,
				FileType:        action.FileUpload.FileType,
				FileDescription: action.FileUpload.Description,
			}
			return out, nil

		case schema.ActionGenerateImage:
			ref, err := e.generateImage(ctx, action.Image)
			if err != nil {
				// Generation failures degrade gracefully: log and continue.
				e.logger.WarnContext(ctx, "image generation failed, continuing",
					slog.String("error", err.Error()))
				continue
			}
			out.AssetRef = ref

		case schema.ActionShowImagePreview:
			url := action.Preview.URL
			if url == "" {
				url = out.AssetRef
			}
			out.Pause = &PauseRequest{
				Kind:         PauseImagePreview,
				ImageURL:     url,
				ImageCaption: action.Preview.Caption,
			}
			return out, nil

		default:
			// Unknown type aborts the whole step, not just this action.
			return nil, schema.NewErrorf(schema.ErrCodeUnknownAction,
				"unrecognized action type %q", action.Type).WithStep(step.ID)
		}
	}

	return out, nil
}

func (e *Executor) requireGmail(step schema.Step) error {
	if !step.Requirements.Integrations.Gmail {
		return schema.NewError(schema.ErrCodeIntegrationUnavailable,
			"gmail integration is not connected for this step").WithStep(step.ID)
	}
	if e.mailer == nil {
		return schema.NewError(schema.ErrCodeIntegrationUnavailable,
			"no email integration configured").WithStep(step.ID)
	}
	return nil
}

func (e *Executor) generateImage(ctx context.Context, p *schema.GenerateParams) (string, error) {
	if e.generator == nil {
		return "", schema.NewError(schema.ErrCodeGenerationFailed, "no content generator configured")
	}
	ref, err := e.generator.Generate(ctx, p.Prompt, p.ContextText)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeGenerationFailed,
			"content generation failed: %s", err.Error()).WithCause(err)
	}
	return ref, nil
}
