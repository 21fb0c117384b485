package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// RunNotifier tells interested clients that a workflow run has finished.
type RunNotifier interface {
	Notify(ctx context.Context, workflowID string, payload map[string]any) error
}

// SessionNotifier pushes run notifications to the MCP session that last ran
// or re-ran each workflow. Sessions are forgotten when they disconnect.
type SessionNotifier struct {
	mcpServer *server.MCPServer

	mu       sync.RWMutex
	watchers map[string]string // workflowID → sessionID
}

// NewSessionNotifier creates a notifier sending through mcpServer.
func NewSessionNotifier(mcpServer *server.MCPServer) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer, watchers: make(map[string]string)}
}

// Watch routes notifications of workflowID to sessionID, replacing any
// earlier session.
func (n *SessionNotifier) Watch(workflowID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.watchers[workflowID] = sessionID
}

// Watcher returns the session receiving notifications of workflowID.
func (n *SessionNotifier) Watcher(workflowID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sid, ok := n.watchers[workflowID]
	return sid, ok
}

// Forget drops every workflow routed to sessionID.
func (n *SessionNotifier) Forget(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for wid, sid := range n.watchers {
		if sid == sessionID {
			delete(n.watchers, wid)
		}
	}
}

// hooks forgets sessions as the MCP server unregisters them.
func (n *SessionNotifier) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		n.Forget(session.SessionID())
	})
	return h
}

// Notify sends a log-message notification to the workflow's session. It is a
// no-op when no session watches the workflow.
func (n *SessionNotifier) Notify(_ context.Context, workflowID string, payload map[string]any) error {
	sessionID, ok := n.Watcher(workflowID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.Forget(sessionID)
		return nil
	}
	return err
}
