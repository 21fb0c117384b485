package panel

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rendis/stepflow/pkg/stepflow"
)

// handleRunWorkflow starts a workflow of a registered type.
func (s *PanelServer) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type       string          `json:"type"`
		WorkflowID string          `json:"workflow_id"`
		Input      json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Type == "" || body.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "type and workflow_id are required")
		return
	}

	runID, err := s.deps.Engine.RunWorkflow(r.Context(), body.Type, body.Input, body.WorkflowID)
	if err != nil {
		s.writeEngineError(w, "run workflow", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"workflow_id": body.WorkflowID,
		"run_id":      runID,
	})
}

// handleWorkflowResult returns the workflow with all runs, or the result of
// the jq expression in ?query= over it.
func (s *PanelServer) handleWorkflowResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := r.PathValue("id")

	if q := r.URL.Query().Get("query"); q != "" {
		out, err := s.deps.Engine.Query(ctx, workflowID, q)
		if err != nil {
			s.writeEngineError(w, "query workflow", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": out})
		return
	}

	result, err := s.deps.Engine.GetWorkflowResult(ctx, workflowID)
	if err != nil {
		s.writeEngineError(w, "get workflow result", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *PanelServer) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.GetLatestRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, "get latest run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":                   run,
		"status":                run.Status(),
		"is_waiting_for_signal": run.IsWaitingForSignal(),
	})
}

// handleSignal delivers the request body, a JSON value, as a named signal.
// It answers once the signal is durably received.
func (s *PanelServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	workflowID, name := r.PathValue("id"), r.PathValue("name")
	if err := s.deps.Engine.SignalWorkflow(r.Context(), workflowID, name, json.RawMessage(body)); err != nil {
		s.writeEngineError(w, "signal workflow", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": workflowID,
		"signal":      name,
	})
}

// handleRerunWorkflow schedules a new run. ?mode=failed keeps the completed
// steps of the previous run; the default re-runs from the start.
func (s *PanelServer) handleRerunWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := r.PathValue("id")

	var (
		runID string
		err   error
	)
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "start":
		runID, err = s.deps.Engine.ReRunWorkflowFromStart(ctx, workflowID)
	case "failed":
		runID, err = s.deps.Engine.ReRunWorkflowFromFailed(ctx, workflowID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", mode))
		return
	}
	if err != nil {
		s.writeEngineError(w, "rerun workflow", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"workflow_id": workflowID,
		"run_id":      runID,
	})
}

func (s *PanelServer) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Engine.ListSchedules(r.Context())
	if err != nil {
		s.writeEngineError(w, "list schedules", err)
		return
	}
	if schedules == nil {
		schedules = []*stepflow.CronSchedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *PanelServer) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    string          `json:"id"`
		Cron  string          `json:"cron"`
		Type  string          `json:"type"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ID == "" || body.Cron == "" || body.Type == "" {
		writeError(w, http.StatusBadRequest, "id, cron and type are required")
		return
	}

	sched, err := s.deps.Engine.CreateSchedule(r.Context(), body.ID, body.Cron, body.Type, body.Input)
	if err != nil {
		s.writeEngineError(w, "create schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *PanelServer) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, "delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
