// Package mcp exposes the workflow engine to agents over the Model Context
// Protocol. Six tools cover the execution lifecycle: start, status, reviews,
// approve, reject, stop.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opsen/sequent/internal/sequencer"
	"github.com/opsen/sequent/internal/state"
	"github.com/opsen/sequent/pkg/schema"
)

// Engine is the execution surface the MCP tools drive. Satisfied by
// *sequencer.Engine.
type Engine interface {
	Start(ctx context.Context, workflowID, workerName string, opts sequencer.StartOptions) error
	Stop(ctx context.Context, workflowID, reason string) error
	ExecutionState(workflowID string) (state.ExecutionState, bool)
	PendingReviews(workflowID string) []*schema.ReviewItem
	Approve(ctx context.Context, reviewID string, chat []schema.ChatMessage) error
	Reject(ctx context.Context, reviewID string, retryWithFeedback bool, chat []schema.ChatMessage) error
}

// SequentServerDeps holds the dependencies for creating a SequentServer.
type SequentServerDeps struct {
	Engine Engine
	Logger *slog.Logger
}

// SequentServer wraps an MCP server with sequent-specific tool handlers.
type SequentServer struct {
	engine    Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewSequentServer creates a new SequentServer with all 6 tools registered.
func NewSequentServer(deps SequentServerDeps) *SequentServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SequentServer{
		engine: deps.Engine,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"sequent",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Sequent executes stakeholder-built workflows step by step. Use sequent.start to begin a workflow, sequent.status to inspect progress, sequent.reviews to list pending human-review items, sequent.approve / sequent.reject to resolve them, and sequent.stop to halt execution."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SequentServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SequentServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *SequentServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: reviewsTool(), Handler: s.handleReviews},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: rejectTool(), Handler: s.handleReject},
		{Tool: stopTool(), Handler: s.handleStop},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("sequent.start",
		mcp.WithDescription("Start executing a workflow from its first step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithString("digital_worker_name", mcp.Description("Display name of the digital worker running the workflow")),
		mcp.WithBoolean("auto_activate", mcp.Description("Activate a draft workflow before starting it")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("sequent.status",
		mcp.WithDescription("Get the execution state of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func reviewsTool() mcp.Tool {
	return mcp.NewTool("sequent.reviews",
		mcp.WithDescription("List pending review items awaiting a human decision"),
		mcp.WithString("workflow_id", mcp.Description("Restrict to one workflow (default: all)")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("sequent.approve",
		mcp.WithDescription("Approve a pending review item and resume the workflow"),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("ID of the review item to approve")),
		mcp.WithString("message", mcp.Description("Guidance text folded into the step's context before it resumes")),
	)
}

func rejectTool() mcp.Tool {
	return mcp.NewTool("sequent.reject",
		mcp.WithDescription("Reject a pending review item, optionally retrying the step with feedback"),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("ID of the review item to reject")),
		mcp.WithBoolean("retry_with_feedback", mcp.Description("Retry the step with the rejection feedback folded in")),
		mcp.WithString("message", mcp.Description("Feedback explaining the rejection")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("sequent.stop",
		mcp.WithDescription("Stop a running workflow. Safe to call on workflows that are not running"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to stop")),
		mcp.WithString("reason", mcp.Description("Why the workflow is being stopped")),
	)
}
