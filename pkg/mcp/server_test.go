package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/streaming"
)

func TestNewStepflowServer(t *testing.T) {
	s := NewStepflowServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Same(t, s.watchers, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"stepflow.run", "Start a workflow of a registered type"},
		{"stepflow.signal", "Deliver a named signal to the active run of a workflow"},
		{"stepflow.status", "Get the state of the active run of a workflow"},
		{"stepflow.result", "Get a workflow with all of its runs, events and steps"},
		{"stepflow.rerun", "Re-run a finished workflow"},
	}

	s := NewStepflowServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

type notification struct {
	workflowID string
	payload    map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(_ context.Context, workflowID string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{workflowID, payload})
	return nil
}

func (n *recordingNotifier) list() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

func TestWatchRunsNotifiesOnFinish(t *testing.T) {
	hub := streaming.NewMemoryHub()
	notifier := &recordingNotifier{}
	s := NewStepflowServer(ServerDeps{Hub: hub, Notifier: notifier})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.WatchRuns(ctx)
		close(done)
	}()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		_ = hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "probe", RunID: "probe::1", Category: "WORKFLOW", Status: "COMPLETED"})
		return len(notifier.list()) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "order-1", RunID: "order-1::1", Category: "ACTIVITY", Status: "COMPLETED"}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "order-1", RunID: "order-1::1", Category: "WORKFLOW", Status: "STARTED"}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "order-1", RunID: "order-1::1", Category: "WORKFLOW", Status: "FAILED"}))

	forOrder := func() []notification {
		var out []notification
		for _, n := range notifier.list() {
			if n.workflowID == "order-1" {
				out = append(out, n)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(forOrder()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got := forOrder()
	require.Len(t, got, 1)
	assert.Equal(t, "order-1::1", got[0].payload["run_id"])
	assert.Equal(t, "FAILED", got[0].payload["status"])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchRuns did not stop")
	}
}
