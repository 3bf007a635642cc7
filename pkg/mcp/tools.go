package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/opsen/sequent/internal/sequencer"
	"github.com/opsen/sequent/pkg/schema"
)

// handleStart begins execution of a workflow.
func (s *SequentServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	workerName := req.GetString("digital_worker_name", "")
	autoActivate := req.GetBool("auto_activate", false)

	if startErr := s.engine.Start(ctx, workflowID, workerName, sequencer.StartOptions{AutoActivate: autoActivate}); startErr != nil {
		return toolError(startErr), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
	})
}

// handleStatus returns the execution state of a workflow.
func (s *SequentServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	st, ok := s.engine.ExecutionState(workflowID)
	if !ok {
		return marshalResult(map[string]any{
			"workflow_id": workflowID,
			"running":     false,
			"known":       false,
		})
	}

	result := map[string]any{
		"workflow_id":         workflowID,
		"known":               true,
		"running":             st.Running,
		"step_index":          st.StepIndex,
		"phase":               st.Phase,
		"digital_worker_name": st.WorkerName,
		"started_at":          st.StartedAt,
	}
	if st.CompletedAt != nil {
		result["completed_at"] = *st.CompletedAt
	}
	return marshalResult(result)
}

// handleReviews lists pending review items.
func (s *SequentServer) handleReviews(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	items := s.engine.PendingReviews(workflowID)
	if items == nil {
		items = []*schema.ReviewItem{}
	}
	return marshalResult(map[string]any{"reviews": items})
}

// handleApprove approves a review item and resumes the workflow.
func (s *SequentServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reviewID, err := req.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("review_id is required"), nil
	}
	chat := chatFrom(req.GetString("message", ""))

	if approveErr := s.engine.Approve(ctx, reviewID, chat); approveErr != nil {
		return toolError(approveErr), nil
	}
	return marshalResult(map[string]any{
		"ok":        true,
		"review_id": reviewID,
		"approved":  true,
	})
}

// handleReject rejects a review item.
func (s *SequentServer) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reviewID, err := req.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("review_id is required"), nil
	}
	retry := req.GetBool("retry_with_feedback", false)
	chat := chatFrom(req.GetString("message", ""))

	if rejectErr := s.engine.Reject(ctx, reviewID, retry, chat); rejectErr != nil {
		return toolError(rejectErr), nil
	}
	return marshalResult(map[string]any{
		"ok":        true,
		"review_id": reviewID,
		"retrying":  retry,
	})
}

// handleStop halts a running workflow.
func (s *SequentServer) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if stopErr := s.engine.Stop(ctx, workflowID, reason); stopErr != nil {
		return toolError(stopErr), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"stopped":     true,
	})
}

// --- Internal helpers ---

// chatFrom wraps an optional message string as user chat history.
func chatFrom(message string) []schema.ChatMessage {
	if message == "" {
		return nil
	}
	return []schema.ChatMessage{{
		Sender:    schema.SenderUser,
		Text:      message,
		Timestamp: time.Now().UTC(),
	}}
}

// toolError renders an engine error. EngineError messages already carry the
// structured code, so the agent can branch on it.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
