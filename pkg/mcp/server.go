package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/rendis/stepflow/pkg/stepflow"
)

// Engine is the part of *stepflow.Client the tools call.
type Engine interface {
	RunWorkflow(ctx context.Context, typeName string, input any, workflowID string) (string, error)
	SignalWorkflow(ctx context.Context, workflowID, name string, value any) error
	GetLatestRun(ctx context.Context, workflowID string) (*stepflow.WorkflowRun, error)
	GetWorkflowResult(ctx context.Context, workflowID string) (*stepflow.WorkflowResult, error)
	Query(ctx context.Context, workflowID, jq string) (any, error)
	ReRunWorkflowFromStart(ctx context.Context, workflowID string) (string, error)
	ReRunWorkflowFromFailed(ctx context.Context, workflowID string) (string, error)
}

// ServerDeps holds the dependencies for creating a StepflowServer.
type ServerDeps struct {
	Engine   Engine
	Hub      streaming.EventHub // optional; enables status waits and run notifications
	Notifier RunNotifier        // optional; defaults to MCP push to the session that started the run
	Logger   *slog.Logger
}

// StepflowServer wraps an MCP server with the stepflow tool handlers.
type StepflowServer struct {
	engine    Engine
	hub       streaming.EventHub
	notifier  RunNotifier
	watchers  *SessionNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with all 5 tools registered.
func NewStepflowServer(deps ServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		engine:   deps.Engine,
		hub:      deps.Hub,
		watchers: NewSessionNotifier(nil),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.watchers.hooks()),
		server.WithInstructions("Stepflow runs durable workflows. Use stepflow.run to start a registered workflow type, stepflow.status to see the active run and what it waits on, stepflow.signal to deliver a named signal, stepflow.result to read every run (optionally through a jq query), and stepflow.rerun to re-run a finished workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.watchers.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = s.watchers
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go s.WatchRuns(ctx)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// WatchRuns forwards run completions and failures to the notifier until ctx
// is cancelled.
func (s *StepflowServer) WatchRuns(ctx context.Context) {
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		Categories: []string{string(schema.CategoryWorkflow)},
		Statuses:   []string{string(schema.StatusCompleted), string(schema.StatusFailed)},
	})
	if err != nil {
		s.logger.Error("failed to subscribe to run events", slog.String("error", err.Error()))
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload := map[string]any{
				"workflow_id": evt.WorkflowID,
				"run_id":      evt.RunID,
				"status":      evt.Status,
			}
			if err := s.notifier.Notify(ctx, evt.WorkflowID, payload); err != nil {
				s.logger.Warn("run notification failed",
					slog.String("workflow_id", evt.WorkflowID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resultTool(), Handler: s.handleResult},
		{Tool: rerunTool(), Handler: s.handleRerun},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Start a workflow of a registered type"),
		mcp.WithString("type", mcp.Required(), mcp.Description("Registered workflow type name")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Business key of the workflow; must be unique")),
		mcp.WithString("input", mcp.Description("Workflow input as JSON text (default: null)")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("stepflow.signal",
		mcp.WithDescription("Deliver a named signal to the active run of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Signal name the workflow awaits")),
		mcp.WithString("value", mcp.Description("Signal value as JSON text (default: null)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the state of the active run of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to inspect")),
		mcp.WithNumber("wait_seconds", mcp.Description("Wait up to this long for the run to finish before answering")),
	)
}

func resultTool() mcp.Tool {
	return mcp.NewTool("stepflow.result",
		mcp.WithDescription("Get a workflow with all of its runs, events and steps"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("query", mcp.Description("jq expression evaluated over the result")),
	)
}

func rerunTool() mcp.Tool {
	return mcp.NewTool("stepflow.rerun",
		mcp.WithDescription("Re-run a finished workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("mode", mcp.Required(),
			mcp.Enum("start", "failed"),
			mcp.Description("start: run everything again; failed: keep successful steps and retry the rest"),
		),
	)
}
