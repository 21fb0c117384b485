package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/rendis/stepflow/pkg/stepflow"
)

// maxStatusWait caps the wait_seconds argument of stepflow.status.
const maxStatusWait = 60 * time.Second

// handleRun starts a workflow.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typeName, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	runID, runErr := s.engine.RunWorkflow(ctx, typeName, jsonArg(req, "input"), workflowID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", runErr)), nil
	}

	// Capture session mapping for completion notifications.
	s.captureSession(ctx, workflowID)

	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"run_id":      runID,
		"status":      schema.RunStatusScheduled,
	})
}

// handleSignal delivers a signal and waits for its acknowledgment.
func (s *StepflowServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	if sigErr := s.engine.SignalWorkflow(ctx, workflowID, name, jsonArg(req, "value")); sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", sigErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"signal":      name,
	})
}

// activeStep is a step that has started but not terminated.
type activeStep struct {
	Category  schema.Category    `json:"category"`
	StepID    string             `json:"step_id"`
	Status    schema.EventStatus `json:"status"`
	Suspended bool               `json:"suspended,omitempty"`
}

// runStatus is the stepflow.status answer.
type runStatus struct {
	WorkflowID       string                `json:"workflow_id"`
	RunID            string                `json:"run_id"`
	Status           schema.RunStatus      `json:"status"`
	WaitingForSignal bool                  `json:"waiting_for_signal"`
	ActiveSteps      []activeStep          `json:"active_steps,omitempty"`
	Output           json.RawMessage       `json:"output,omitempty"`
	FailureReason    *schema.FailureReason `json:"failure_reason,omitempty"`
}

func newRunStatus(run *stepflow.WorkflowRun) runStatus {
	st := runStatus{
		WorkflowID:       run.WorkflowID,
		RunID:            run.ID,
		Status:           run.Status(),
		WaitingForSignal: run.IsWaitingForSignal(),
		Output:           run.Output,
		FailureReason:    run.FailureReason,
	}
	for _, step := range run.ActiveSteps() {
		as := activeStep{Category: step.Category, StepID: step.StepID, Suspended: step.Suspended}
		if step.StartedEvent != nil {
			as.Status = step.StartedEvent.Status
		}
		st.ActiveSteps = append(st.ActiveSteps, as)
	}
	return st
}

// handleStatus returns the state of the active run, optionally waiting for it to finish.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wait := time.Duration(req.GetFloat("wait_seconds", 0) * float64(time.Second))
	if wait > maxStatusWait {
		wait = maxStatusWait
	}

	run, runErr := s.engine.GetLatestRun(ctx, workflowID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", runErr)), nil
	}
	if wait > 0 && !run.IsTerminal() && s.hub != nil {
		if run, runErr = s.waitForRun(ctx, run, wait); runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", runErr)), nil
		}
	}

	return marshalResult(newRunStatus(run))
}

// waitForRun blocks until the run finishes or wait elapses, then reloads it.
func (s *StepflowServer) waitForRun(ctx context.Context, run *stepflow.WorkflowRun, wait time.Duration) (*stepflow.WorkflowRun, error) {
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		RunID:      run.ID,
		Categories: []string{string(schema.CategoryWorkflow)},
		Statuses:   []string{string(schema.StatusCompleted), string(schema.StatusFailed)},
	})
	if err != nil {
		return nil, err
	}
	defer cancel()

	// The run may have finished between the first read and the subscription.
	latest, err := s.engine.GetLatestRun(ctx, run.WorkflowID)
	if err != nil || latest.IsTerminal() {
		return latest, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-events:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.engine.GetLatestRun(ctx, run.WorkflowID)
}

// handleResult returns the full workflow result, or a jq projection of it.
func (s *StepflowServer) handleResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if query := req.GetString("query", ""); query != "" {
		out, qErr := s.engine.Query(ctx, workflowID, query)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"result": out})
	}

	result, resErr := s.engine.GetWorkflowResult(ctx, workflowID)
	if resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("result lookup failed: %v", resErr)), nil
	}
	return marshalResult(result)
}

// handleRerun schedules a new run of a finished workflow.
func (s *StepflowServer) handleRerun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	mode, err := req.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError("mode is required"), nil
	}

	var runID string
	var rerunErr error
	switch mode {
	case "start":
		runID, rerunErr = s.engine.ReRunWorkflowFromStart(ctx, workflowID)
	case "failed":
		runID, rerunErr = s.engine.ReRunWorkflowFromFailed(ctx, workflowID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown mode %q (use start or failed)", mode)), nil
	}
	if rerunErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("re-run failed: %v", rerunErr)), nil
	}

	s.captureSession(ctx, workflowID)
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"run_id":      runID,
		"mode":        mode,
	})
}

// --- Helpers ---

// jsonArg reads a JSON-valued argument. Strings holding valid JSON are sent
// raw; any other string is sent as a JSON string. Absent means null.
func jsonArg(req mcp.CallToolRequest, name string) any {
	v, ok := req.GetArguments()[name]
	if !ok || v == nil {
		return nil
	}
	if str, isStr := v.(string); isStr {
		if json.Valid([]byte(str)) {
			return json.RawMessage(str)
		}
		return str
	}
	return v
}

// captureSession maps the workflow ID to the current MCP session for notifications.
func (s *StepflowServer) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.watchers.Watch(workflowID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
