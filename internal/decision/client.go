// Package decision is the boundary to the external LLM-based action decision
// service. The client normalizes the service's raw response into a closed
// DecisionResult; it decides, it never executes.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/opsen/sequent/pkg/schema"
)

// DefaultTimeout is the hard cap on a single decision call.
const DefaultTimeout = 30 * time.Second

// Request carries everything the decision service needs to pick actions for
// one step execution attempt.
type Request struct {
	Step         schema.Step            `json:"step"`
	Blueprint    schema.Blueprint       `json:"blueprint"`
	Guidance     []schema.GuidanceEntry `json:"guidance,omitempty"`
	Integrations schema.Integrations    `json:"integrations"`
}

// Service is the external decision service boundary. Implementations return
// the raw response body; the client owns validation and decoding.
type Service interface {
	Decide(ctx context.Context, req Request) (json.RawMessage, error)
}

// Client wraps a Service with a hard timeout, JSON Schema validation, and
// normalization into schema.DecisionResult.
type Client struct {
	svc     Service
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a Client with the default 30s timeout.
func NewClient(svc Service, logger *slog.Logger) *Client {
	return &Client{svc: svc, timeout: DefaultTimeout, logger: logger}
}

// WithTimeout overrides the decision timeout. Used by tests and by callers
// with stricter latency budgets.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// wireResult is the loose response shape before action decoding.
type wireResult struct {
	Actions             []json.RawMessage `json:"actions"`
	Message             string            `json:"message"`
	NeedsGuidance       bool              `json:"needs_guidance"`
	GuidanceQuestion    string            `json:"guidance_question"`
	RequestedFileType   string            `json:"requested_file_type"`
	FileDescription     string            `json:"file_description"`
	PreviewImageURL     string            `json:"preview_image_url"`
	PreviewImageCaption string            `json:"preview_image_caption"`
}

// Decide calls the decision service and returns the normalized result.
// Expiry of the 30s budget fails with DECISION_TIMEOUT; any response that
// cannot be parsed into the expected shape fails with MALFORMED_DECISION.
func (c *Client) Decide(ctx context.Context, req Request) (*schema.DecisionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	raw, err := c.svc.Decide(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeDecisionTimeout,
				"decision service did not answer within %s", c.timeout).
				WithStep(req.Step.ID).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeDecisionFailed,
			"decision service call failed: %s", err.Error()).
			WithStep(req.Step.ID).WithCause(err)
	}

	if err := schema.ValidateDecisionPayload(raw); err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			return nil, engErr.WithStep(req.Step.ID)
		}
		return nil, err
	}

	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedDecision,
			"decision response does not decode").WithStep(req.Step.ID).WithCause(err)
	}

	res := &schema.DecisionResult{
		Message:             w.Message,
		NeedsGuidance:       w.NeedsGuidance,
		GuidanceQuestion:    w.GuidanceQuestion,
		RequestedFileType:   w.RequestedFileType,
		FileDescription:     w.FileDescription,
		PreviewImageURL:     w.PreviewImageURL,
		PreviewImageCaption: w.PreviewImageCaption,
	}
	for _, rawAction := range w.Actions {
		action, decErr := schema.DecodeAgentAction(rawAction)
		if decErr != nil {
			var engErr *schema.EngineError
			if errors.As(decErr, &engErr) {
				return nil, engErr.WithStep(req.Step.ID)
			}
			return nil, decErr
		}
		res.Actions = append(res.Actions, action)
	}

	c.logger.DebugContext(ctx, "decision received",
		slog.Int("actions", len(res.Actions)),
		slog.Bool("needs_guidance", res.NeedsGuidance),
		slog.Duration("took", time.Since(started)),
	)
	return res, nil
}
