package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Workflow is the immutable record of a business process: its registered
// type and the input every run replays against.
type Workflow struct {
	ID        string          `json:"id"`
	TypeName  string          `json:"type_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is one immutable fact in a run's history.
type Event struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	Category  schema.Category    `json:"category"`
	Status    schema.EventStatus `json:"status"`
	StepID    string             `json:"step_id,omitempty"`
	Sequence  int64              `json:"sequence"`
	Timestamp time.Time          `json:"timestamp"`
}

// Matches reports whether the event has the given category and status.
func (e *Event) Matches(category schema.Category, status schema.EventStatus) bool {
	return e != nil && e.Category == category && e.Status == status
}

// StepFunction is the projection of one step (activity, signal, sleep or
// condition) of a run, keyed by (RunID, StepID).
type StepFunction struct {
	RunID          string                `json:"run_id"`
	StepID         string                `json:"step_id"`
	Category       schema.Category       `json:"category"`
	StartedEvent   *Event                `json:"started_event,omitempty"`
	CompletedEvent *Event                `json:"completed_event,omitempty"`
	Payload        json.RawMessage       `json:"payload,omitempty"` // activity output or signal value
	FailureReason  *schema.FailureReason `json:"failure_reason,omitempty"`
	Duration       time.Duration         `json:"duration,omitempty"` // sleep only
	Suspended      bool                  `json:"suspended,omitempty"`
}

// IsTerminal reports whether the step has a completion event of any kind.
func (s *StepFunction) IsTerminal() bool {
	return s.CompletedEvent != nil
}

// HasFailed reports whether the step terminated with FAILED.
func (s *StepFunction) HasFailed() bool {
	return s.CompletedEvent != nil && s.CompletedEvent.Status == schema.StatusFailed
}

// IsCompleted reports whether the step terminated successfully.
func (s *StepFunction) IsCompleted() bool {
	return s.IsTerminal() && !s.HasFailed()
}

// WorkflowRun is one execution attempt of a Workflow.
type WorkflowRun struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	Number         int                   `json:"number"`
	ScheduledEvent *Event                `json:"scheduled_event,omitempty"`
	StartedEvent   *Event                `json:"started_event,omitempty"`
	CompletedEvent *Event                `json:"completed_event,omitempty"`
	Output         json.RawMessage       `json:"output,omitempty"`
	FailureReason  *schema.FailureReason `json:"failure_reason,omitempty"`
	ArchivedAt     *time.Time            `json:"archived_at,omitempty"`

	// Populated by detailed reads only.
	Events []*Event        `json:"events,omitempty"`
	Steps  []*StepFunction `json:"steps,omitempty"`
}

// HasStarted reports whether the run has a STARTED event.
func (r *WorkflowRun) HasStarted() bool { return r.StartedEvent != nil }

// HasCompleted reports whether the run finished successfully.
func (r *WorkflowRun) HasCompleted() bool {
	return r.CompletedEvent != nil && r.CompletedEvent.Status == schema.StatusCompleted
}

// HasFailed reports whether the run finished with FAILED.
func (r *WorkflowRun) HasFailed() bool {
	return r.CompletedEvent != nil && r.CompletedEvent.Status == schema.StatusFailed
}

// IsTerminal reports whether the run has completed or failed.
func (r *WorkflowRun) IsTerminal() bool { return r.CompletedEvent != nil }

// IsArchived reports whether a later run has superseded this one.
func (r *WorkflowRun) IsArchived() bool { return r.ArchivedAt != nil }

// Status derives the lifecycle state of the run from its events.
func (r *WorkflowRun) Status() schema.RunStatus {
	switch {
	case r.IsArchived():
		return schema.RunStatusArchived
	case r.HasCompleted():
		return schema.RunStatusCompleted
	case r.HasFailed():
		return schema.RunStatusFailed
	case r.HasStarted():
		return schema.RunStatusRunning
	default:
		return schema.RunStatusScheduled
	}
}

// ActiveSteps returns the steps that have started but not terminated.
// Requires a detailed read.
func (r *WorkflowRun) ActiveSteps() []*StepFunction {
	var active []*StepFunction
	for _, s := range r.Steps {
		if !s.IsTerminal() {
			active = append(active, s)
		}
	}
	return active
}

// IsWaitingForSignal reports whether any signal step is still waiting.
// Requires a detailed read.
func (r *WorkflowRun) IsWaitingForSignal() bool {
	for _, s := range r.ActiveSteps() {
		if s.Category == schema.CategorySignal {
			return true
		}
	}
	return false
}

// WorkflowResult is a workflow together with every run it has had, oldest first.
type WorkflowResult struct {
	Workflow *Workflow      `json:"workflow"`
	Runs     []*WorkflowRun `json:"runs"`
}

// LatestRun returns the newest run, or nil.
func (w *WorkflowResult) LatestRun() *WorkflowRun {
	if len(w.Runs) == 0 {
		return nil
	}
	return w.Runs[len(w.Runs)-1]
}

// Task is a durable scheduler entry.
type Task struct {
	ID        string          `json:"id"`
	Kind      schema.TaskKind `json:"kind"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DueAt     time.Time       `json:"due_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskFactory builds the start task for a freshly scheduled run.
type TaskFactory func(runID string) *Task

// CronSchedule starts a new workflow of TypeName each time its expression fires.
type CronSchedule struct {
	ID             string          `json:"id"`
	CronExpression string          `json:"cron_expression"`
	TypeName       string          `json:"type_name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CronScheduleUpdate holds the mutable fields of a CronSchedule.
type CronScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// CronScheduleFilter narrows ListCronSchedules.
type CronScheduleFilter struct {
	Enabled *bool      `json:"enabled,omitempty"`
	DueBy   *time.Time `json:"due_by,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// RunID formats the deterministic run id "<workflowId>::<n>".
func RunID(workflowID string, n int) string {
	return fmt.Sprintf("%s::%d", workflowID, n)
}

// ParseRunID splits a run id into its workflow id and run number.
func ParseRunID(runID string) (string, int, error) {
	i := strings.LastIndex(runID, "::")
	if i < 0 {
		return "", 0, schema.NewErrorf(schema.ErrCodeValidation, "malformed run id %q", runID)
	}
	n, err := strconv.Atoi(runID[i+2:])
	if err != nil {
		return "", 0, schema.NewErrorf(schema.ErrCodeValidation, "malformed run id %q", runID).WithCause(err)
	}
	return runID[:i], n, nil
}
