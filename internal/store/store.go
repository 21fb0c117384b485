package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Every write appends
// its events and updates the owning projection row in one transaction.
type Store interface {
	// Workflows and runs
	CreateWorkflow(ctx context.Context, wf *Workflow, startTask TaskFactory) (*WorkflowRun, error)
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowRun(ctx context.Context, runID string) (*WorkflowRun, error)
	GetActiveRun(ctx context.Context, workflowID string) (*WorkflowRun, error)
	GetRunHistory(ctx context.Context, workflowID string) ([]*WorkflowRun, error)
	ScheduleNewRun(ctx context.Context, workflowID string, fromFailure bool, startTask TaskFactory) (*WorkflowRun, error)
	MarkRunStarted(ctx context.Context, runID string) (bool, error)
	CompleteRun(ctx context.Context, runID string, output json.RawMessage) error
	FailRun(ctx context.Context, runID string, reason schema.FailureReason) error

	// History
	ListRunEvents(ctx context.Context, runID string) ([]*Event, error)
	ListRunSteps(ctx context.Context, runID string) ([]*StepFunction, error)
	GetStepFunction(ctx context.Context, runID string, category schema.Category, stepID string) (*StepFunction, error)

	// Activities
	StartActivity(ctx context.Context, runID, stepID string) error
	CompleteActivity(ctx context.Context, runID, stepID string, output json.RawMessage) error
	FailActivity(ctx context.Context, runID, stepID string, reason schema.FailureReason) error
	MarkActivitySuspended(ctx context.Context, runID, stepID string, suspended bool) error

	// Sleeps
	StartSleep(ctx context.Context, runID, stepID string, d time.Duration, wake *Task) error
	CompleteSleep(ctx context.Context, runID, stepID string) (bool, error)

	// Signals
	WaitForSignal(ctx context.Context, runID, name string) error
	ReceiveSignal(ctx context.Context, runID, name string, value json.RawMessage) (bool, error)

	// Conditions
	WaitForCondition(ctx context.Context, runID, stepID string) error
	SatisfyCondition(ctx context.Context, runID, stepID string) error
	FailCondition(ctx context.Context, runID, stepID string, reason schema.FailureReason) error

	// Scheduler tasks
	EnqueueTask(ctx context.Context, task *Task) (bool, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error)
	CompleteTask(ctx context.Context, id string) error
	ReleaseTask(ctx context.Context, id string, nextDue time.Time, lastErr string) error

	// Cron schedules
	CreateCronSchedule(ctx context.Context, cs *CronSchedule) error
	GetCronSchedule(ctx context.Context, id string) (*CronSchedule, error)
	UpdateCronSchedule(ctx context.Context, id string, update CronScheduleUpdate) error
	ListCronSchedules(ctx context.Context, filter CronScheduleFilter) ([]*CronSchedule, error)
	DeleteCronSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
