package capability

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsen/sequent/pkg/schema"
)

type mockMailer struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
	inbox   []EmailMessage
	readErr error
}

func (m *mockMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, to)
	return nil
}

func (m *mockMailer) ReadRecent(_ context.Context, n int) ([]EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	if n > len(m.inbox) {
		n = len(m.inbox)
	}
	return m.inbox[:n], nil
}

type mockGenerator struct {
	ref     string
	err     error
	prompts []string
}

func (g *mockGenerator) Generate(_ context.Context, prompt, _ string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.ref, nil
}

func gmailStep() schema.Step {
	return schema.Step{
		ID:    "s2",
		Label: "Send reminder",
		Type:  schema.StepTypeAction,
		Assignment: schema.Assignment{Type: schema.AssigneeAgent},
		Requirements: schema.Requirements{
			Integrations: schema.Integrations{Gmail: true},
		},
	}
}

func plainStep() schema.Step {
	s := gmailStep()
	s.Requirements.Integrations.Gmail = false
	return s
}

func emailAction(to string) schema.AgentAction {
	return schema.AgentAction{
		Type:  schema.ActionSendEmail,
		Email: &schema.EmailParams{To: to, Subject: "s", Body: "b"},
	}
}

func TestExecuteSendEmail(t *testing.T) {
	mailer := &mockMailer{}
	ex := NewExecutor(mailer, nil, slog.Default())

	out, err := ex.Execute(context.Background(), gmailStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{emailAction("a@b.c"), {Type: schema.ActionComplete}},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Pause)
	assert.Equal(t, []string{"a@b.c"}, mailer.sent)
}

func TestExecuteEmailIntegrationDisabled(t *testing.T) {
	mailer := &mockMailer{}
	ex := NewExecutor(mailer, nil, slog.Default())

	_, err := ex.Execute(context.Background(), plainStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{emailAction("a@b.c")},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeIntegrationUnavailable, schema.CodeOf(err))
	assert.Empty(t, mailer.sent)
}

func TestExecuteEmailNoMailerConfigured(t *testing.T) {
	ex := NewExecutor(nil, nil, slog.Default())

	_, err := ex.Execute(context.Background(), gmailStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{emailAction("a@b.c")},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeIntegrationUnavailable, schema.CodeOf(err))
}

func TestExecuteEmailDeliveryFailure(t *testing.T) {
	mailer := &mockMailer{sendErr: assert.AnError}
	ex := NewExecutor(mailer, nil, slog.Default())

	_, err := ex.Execute(context.Background(), gmailStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{emailAction("a@b.c")},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeIntegrationUnavailable, schema.CodeOf(err))
}

func TestExecuteReadEmailDefaultCount(t *testing.T) {
	inbox := make([]EmailMessage, 8)
	for i := range inbox {
		inbox[i] = EmailMessage{From: "x@y.z", ReceivedAt: time.Now()}
	}
	mailer := &mockMailer{inbox: inbox}
	ex := NewExecutor(mailer, nil, slog.Default())

	out, err := ex.Execute(context.Background(), gmailStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{{Type: schema.ActionReadEmail, Read: &schema.ReadEmailParams{}}},
	})
	require.NoError(t, err)
	assert.Len(t, out.Emails, DefaultReadCount)
}

func TestExecuteGuidancePausesAndStopsProcessing(t *testing.T) {
	mailer := &mockMailer{}
	ex := NewExecutor(mailer, nil, slog.Default())

	out, err := ex.Execute(context.Background(), gmailStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{
			{Type: schema.ActionGuidanceRequested, Guidance: &schema.GuidanceParams{Question: "which list?"}},
			emailAction("never@sent.com"),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Pause)
	assert.Equal(t, PauseGuidance, out.Pause.Kind)
	assert.Equal(t, "which list?", out.Pause.Question)
	assert.Empty(t, mailer.sent, "actions after a pause must not run")
}

func TestExecuteFileUploadPause(t *testing.T) {
	ex := NewExecutor(nil, nil, slog.Default())

	out, err := ex.Execute(context.Background(), plainStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{{
			Type:       schema.ActionRequestFileUpload,
			FileUpload: &schema.FileUploadParams{FileType: "csv", Description: "Q3 numbers"},
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Pause)
	assert.Equal(t, PauseFileUpload, out.Pause.Kind)
	assert.Equal(t, "csv", out.Pause.FileType)
	assert.Equal(t, "Q3 numbers", out.Pause.FileDescription)
}

func TestExecuteGenerateThenPreview(t *testing.T) {
	gen := &mockGenerator{ref: "https://assets.example/img-1.png"}
	ex := NewExecutor(nil, gen, slog.Default())

	out, err := ex.Execute(context.Background(), plainStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{
			{Type: schema.ActionGenerateImage, Image: &schema.GenerateParams{Prompt: "lighthouse"}},
			{Type: schema.ActionShowImagePreview, Preview: &schema.PreviewParams{Caption: "draft"}},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Pause)
	assert.Equal(t, PauseImagePreview, out.Pause.Kind)
	// Preview with no URL falls back to the generated asset.
	assert.Equal(t, "https://assets.example/img-1.png", out.Pause.ImageURL)
	assert.Equal(t, "draft", out.Pause.ImageCaption)
}

func TestExecuteGenerationFailureIsNonFatal(t *testing.T) {
	gen := &mockGenerator{err: assert.AnError}
	mailer := &mockMailer{}
	ex := NewExecutor(mailer, gen, slog.Default())

	out, err := ex.Execute(context.Background(), gmailStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{
			{Type: schema.ActionGenerateImage, Image: &schema.GenerateParams{Prompt: "lighthouse"}},
			emailAction("a@b.c"),
		},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Pause)
	assert.Empty(t, out.AssetRef)
	assert.Equal(t, []string{"a@b.c"}, mailer.sent, "later actions still run")
}

func TestExecuteUnknownActionAbortsStep(t *testing.T) {
	mailer := &mockMailer{}
	ex := NewExecutor(mailer, nil, slog.Default())

	_, err := ex.Execute(context.Background(), gmailStep(), &schema.DecisionResult{
		Actions: []schema.AgentAction{
			{Type: "launch_rocket"},
			emailAction("never@sent.com"),
		},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnknownAction, schema.CodeOf(err))
	assert.Empty(t, mailer.sent)
}

func TestExecuteEmptyActionList(t *testing.T) {
	ex := NewExecutor(nil, nil, slog.Default())
	out, err := ex.Execute(context.Background(), plainStep(), &schema.DecisionResult{})
	require.NoError(t, err)
	assert.Nil(t, out.Pause)
}
