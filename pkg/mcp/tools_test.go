package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/rendis/stepflow/pkg/stepflow"
)

// --- Mock Engine ---

type runCall struct {
	typeName   string
	input      any
	workflowID string
}

type signalCall struct {
	workflowID string
	name       string
	value      any
}

type mockEngine struct {
	mu sync.Mutex

	runs     []runCall
	signals  []signalCall
	reruns   []string
	queries  []string
	latest   []*stepflow.WorkflowRun // returned in order; the last one repeats
	result   *stepflow.WorkflowResult
	queryOut any
	err      error
}

func (m *mockEngine) RunWorkflow(_ context.Context, typeName string, input any, workflowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.runs = append(m.runs, runCall{typeName, input, workflowID})
	return workflowID + "::1", nil
}

func (m *mockEngine) SignalWorkflow(_ context.Context, workflowID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.signals = append(m.signals, signalCall{workflowID, name, value})
	return nil
}

func (m *mockEngine) GetLatestRun(_ context.Context, _ string) (*stepflow.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	run := m.latest[0]
	if len(m.latest) > 1 {
		m.latest = m.latest[1:]
	}
	return run, nil
}

func (m *mockEngine) GetWorkflowResult(_ context.Context, _ string) (*stepflow.WorkflowResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockEngine) Query(_ context.Context, _ string, jq string) (any, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.queries = append(m.queries, jq)
	return m.queryOut, nil
}

func (m *mockEngine) ReRunWorkflowFromStart(_ context.Context, workflowID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.reruns = append(m.reruns, "start")
	return workflowID + "::2", nil
}

func (m *mockEngine) ReRunWorkflowFromFailed(_ context.Context, workflowID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.reruns = append(m.reruns, "failed")
	return workflowID + "::2", nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func runningRun() *stepflow.WorkflowRun {
	ts := time.UnixMilli(1700000000000).UTC()
	return &stepflow.WorkflowRun{
		ID:             "order-1::1",
		WorkflowID:     "order-1",
		Number:         1,
		ScheduledEvent: &stepflow.Event{Category: schema.CategoryWorkflow, Status: schema.StatusScheduled, Timestamp: ts},
		StartedEvent:   &stepflow.Event{Category: schema.CategoryWorkflow, Status: schema.StatusStarted, Timestamp: ts},
		Steps: []*stepflow.StepFunction{
			{
				RunID: "order-1::1", StepID: "charge", Category: schema.CategoryActivity,
				StartedEvent:   &stepflow.Event{Category: schema.CategoryActivity, Status: schema.StatusStarted},
				CompletedEvent: &stepflow.Event{Category: schema.CategoryActivity, Status: schema.StatusCompleted},
			},
			{
				RunID: "order-1::1", StepID: "approval", Category: schema.CategorySignal,
				StartedEvent: &stepflow.Event{Category: schema.CategorySignal, Status: schema.StatusWaiting},
			},
		},
	}
}

func completedRun() *stepflow.WorkflowRun {
	run := runningRun()
	run.Steps = run.Steps[:1]
	run.CompletedEvent = &stepflow.Event{Category: schema.CategoryWorkflow, Status: schema.StatusCompleted}
	run.Output = json.RawMessage(`"7770"`)
	return run
}

// --- stepflow.run ---

func TestRunTool(t *testing.T) {
	eng := &mockEngine{}
	s := NewStepflowServer(ServerDeps{Engine: eng})

	req := buildRequest("stepflow.run", map[string]any{
		"type":        "multiply",
		"workflow_id": "order-1",
		"input":       "777",
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.Equal(t, "order-1::1", body["run_id"])
	assert.Equal(t, "scheduled", body["status"])

	require.Len(t, eng.runs, 1)
	assert.Equal(t, "multiply", eng.runs[0].typeName)
	assert.Equal(t, json.RawMessage("777"), eng.runs[0].input)
}

func TestRunToolInputForms(t *testing.T) {
	eng := &mockEngine{}
	s := NewStepflowServer(ServerDeps{Engine: eng})
	ctx := context.Background()

	inputs := []any{map[string]any{"amount": 12.5}, "plain text", nil}
	for i, in := range inputs {
		args := map[string]any{"type": "echo", "workflow_id": "wf"}
		if in != nil {
			args["input"] = in
		}
		result, err := s.handleRun(ctx, buildRequest("stepflow.run", args))
		require.NoError(t, err)
		require.False(t, result.IsError, "input %d", i)
	}

	require.Len(t, eng.runs, 3)
	assert.Equal(t, map[string]any{"amount": 12.5}, eng.runs[0].input)
	assert.Equal(t, "plain text", eng.runs[1].input)
	assert.Nil(t, eng.runs[2].input)
}

func TestRunToolMissingParams(t *testing.T) {
	s := NewStepflowServer(ServerDeps{Engine: &mockEngine{}})

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{"workflow_id": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{"type": "echo"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolEngineError(t *testing.T) {
	eng := &mockEngine{err: schema.NewError(schema.ErrCodeConflict, "workflow \"order-1\" already exists")}
	s := NewStepflowServer(ServerDeps{Engine: eng})

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{
		"type": "echo", "workflow_id": "order-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "already exists")
}

// --- stepflow.signal ---

func TestSignalTool(t *testing.T) {
	eng := &mockEngine{}
	s := NewStepflowServer(ServerDeps{Engine: eng})

	result, err := s.handleSignal(context.Background(), buildRequest("stepflow.signal", map[string]any{
		"workflow_id": "order-1",
		"name":        "multiplyBy",
		"value":       "10",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, eng.signals, 1)
	assert.Equal(t, "multiplyBy", eng.signals[0].name)
	assert.Equal(t, json.RawMessage("10"), eng.signals[0].value)
}

func TestSignalToolErrors(t *testing.T) {
	s := NewStepflowServer(ServerDeps{Engine: &mockEngine{}})

	result, err := s.handleSignal(context.Background(), buildRequest("stepflow.signal", map[string]any{"workflow_id": "order-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	failing := NewStepflowServer(ServerDeps{Engine: &mockEngine{err: schema.NewError(schema.ErrCodeTimeout, "not acknowledged")}})
	result, err = failing.handleSignal(context.Background(), buildRequest("stepflow.signal", map[string]any{
		"workflow_id": "order-1", "name": "go",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not acknowledged")
}

// --- stepflow.status ---

func TestStatusTool(t *testing.T) {
	eng := &mockEngine{latest: []*stepflow.WorkflowRun{runningRun()}}
	s := NewStepflowServer(ServerDeps{Engine: eng})

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{
		"workflow_id": "order-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var st runStatus
	unmarshalResult(t, result, &st)
	assert.Equal(t, "order-1::1", st.RunID)
	assert.Equal(t, schema.RunStatusRunning, st.Status)
	assert.True(t, st.WaitingForSignal)
	require.Len(t, st.ActiveSteps, 1)
	assert.Equal(t, "approval", st.ActiveSteps[0].StepID)
	assert.Equal(t, schema.StatusWaiting, st.ActiveSteps[0].Status)
}

func TestStatusToolWaitsForFinish(t *testing.T) {
	hub := streaming.NewMemoryHub()
	eng := &mockEngine{latest: []*stepflow.WorkflowRun{runningRun(), runningRun(), completedRun()}}
	s := NewStepflowServer(ServerDeps{Engine: eng, Hub: hub})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = hub.Publish(context.Background(), streaming.StreamEvent{
			WorkflowID: "order-1", RunID: "order-1::1", Category: "WORKFLOW", Status: "COMPLETED",
		})
	}()

	started := time.Now()
	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{
		"workflow_id":  "order-1",
		"wait_seconds": 5.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Less(t, time.Since(started), 5*time.Second)

	var st runStatus
	unmarshalResult(t, result, &st)
	assert.Equal(t, schema.RunStatusCompleted, st.Status)
	assert.JSONEq(t, `"7770"`, string(st.Output))
	assert.Empty(t, st.ActiveSteps)
}

func TestStatusToolWaitTimesOut(t *testing.T) {
	eng := &mockEngine{latest: []*stepflow.WorkflowRun{runningRun()}}
	s := NewStepflowServer(ServerDeps{Engine: eng, Hub: streaming.NewMemoryHub()})

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{
		"workflow_id":  "order-1",
		"wait_seconds": 0.1,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var st runStatus
	unmarshalResult(t, result, &st)
	assert.Equal(t, schema.RunStatusRunning, st.Status)
}

func TestStatusToolErrors(t *testing.T) {
	s := NewStepflowServer(ServerDeps{Engine: &mockEngine{}})
	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	missing := NewStepflowServer(ServerDeps{Engine: &mockEngine{err: schema.NewError(schema.ErrCodeNotFound, "no active run")}})
	result, err = missing.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{"workflow_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- stepflow.result ---

func TestResultTool(t *testing.T) {
	eng := &mockEngine{result: &stepflow.WorkflowResult{
		Workflow: &stepflow.Workflow{ID: "order-1", TypeName: "multiply", Input: json.RawMessage(`777`)},
		Runs:     []*stepflow.WorkflowRun{completedRun()},
	}}
	s := NewStepflowServer(ServerDeps{Engine: eng})

	result, err := s.handleResult(context.Background(), buildRequest("stepflow.result", map[string]any{
		"workflow_id": "order-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body stepflow.WorkflowResult
	unmarshalResult(t, result, &body)
	assert.Equal(t, "multiply", body.Workflow.TypeName)
	require.Len(t, body.Runs, 1)
	assert.JSONEq(t, `"7770"`, string(body.Runs[0].Output))
	assert.Empty(t, eng.queries)
}

func TestResultToolQuery(t *testing.T) {
	eng := &mockEngine{queryOut: "7770"}
	s := NewStepflowServer(ServerDeps{Engine: eng})

	result, err := s.handleResult(context.Background(), buildRequest("stepflow.result", map[string]any{
		"workflow_id": "order-1",
		"query":       ".runs[-1].output",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.Equal(t, "7770", body["result"])
	assert.Equal(t, []string{".runs[-1].output"}, eng.queries)
}

// --- stepflow.rerun ---

func TestRerunTool(t *testing.T) {
	eng := &mockEngine{}
	s := NewStepflowServer(ServerDeps{Engine: eng})
	ctx := context.Background()

	for _, mode := range []string{"start", "failed"} {
		result, err := s.handleRerun(ctx, buildRequest("stepflow.rerun", map[string]any{
			"workflow_id": "order-1",
			"mode":        mode,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, mode)

		var body map[string]any
		unmarshalResult(t, result, &body)
		assert.Equal(t, "order-1::2", body["run_id"])
	}
	assert.Equal(t, []string{"start", "failed"}, eng.reruns)

	result, err := s.handleRerun(ctx, buildRequest("stepflow.rerun", map[string]any{
		"workflow_id": "order-1",
		"mode":        "sideways",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRerunToolConflict(t *testing.T) {
	eng := &mockEngine{err: schema.NewError(schema.ErrCodeConflict, "run order-1::1 has not finished")}
	s := NewStepflowServer(ServerDeps{Engine: eng})

	result, err := s.handleRerun(context.Background(), buildRequest("stepflow.rerun", map[string]any{
		"workflow_id": "order-1",
		"mode":        "start",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "has not finished")
}
