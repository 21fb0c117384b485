package schema

// Category identifies which kind of function an event belongs to.
type Category string

const (
	CategoryWorkflow  Category = "WORKFLOW"
	CategoryActivity  Category = "ACTIVITY"
	CategorySignal    Category = "SIGNAL"
	CategorySleep     Category = "SLEEP"
	CategoryCondition Category = "CONDITION"
)

// StepCategories lists the categories backed by a step table, in a stable order.
var StepCategories = []Category{CategoryActivity, CategorySignal, CategorySleep, CategoryCondition}

// IsStep reports whether c is a step category (anything but WORKFLOW).
func (c Category) IsStep() bool {
	switch c {
	case CategoryActivity, CategorySignal, CategorySleep, CategoryCondition:
		return true
	}
	return false
}

// EventStatus is the transition recorded by an event.
type EventStatus string

const (
	StatusScheduled EventStatus = "SCHEDULED"
	StatusStarted   EventStatus = "STARTED"
	StatusWaiting   EventStatus = "WAITING"
	StatusReceived  EventStatus = "RECEIVED"
	StatusSatisfied EventStatus = "SATISFIED"
	StatusCompleted EventStatus = "COMPLETED"
	StatusFailed    EventStatus = "FAILED"
)

// IsTerminal reports whether the status closes a step or run.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case StatusReceived, StatusSatisfied, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RunStatus is the derived lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusScheduled RunStatus = "scheduled"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusArchived  RunStatus = "archived"
)

// TaskKind enumerates the scheduler task handlers.
type TaskKind string

const (
	TaskStartWorkflow  TaskKind = "start_workflow"
	TaskSignalWorkflow TaskKind = "signal_workflow"
	TaskCompleteSleep  TaskKind = "complete_sleep"
	TaskResumeWorkflow TaskKind = "resume_workflow"
)
