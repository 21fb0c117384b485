package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// SuspendReason says why a replay pass stopped early.
type SuspendReason string

const (
	ReasonAwaitingSignal        SuspendReason = "awaiting_signal"
	ReasonSleeping              SuspendReason = "sleeping"
	ReasonStillSleeping         SuspendReason = "still_sleeping"
	ReasonConditionNotSatisfied SuspendReason = "condition_not_satisfied"
)

// Suspension is returned by a step function when the workflow cannot make
// progress until a timer fires, a signal arrives or a condition is
// re-evaluated. Workflow code must return it unchanged.
type Suspension struct {
	Reason SuspendReason `json:"reason"`
	StepID string        `json:"step_id"`
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("workflow suspended at %s: %s", s.StepID, s.Reason)
}

func suspend(reason SuspendReason, stepID string) *Suspension {
	return &Suspension{Reason: reason, StepID: stepID}
}

// AsSuspension extracts a Suspension from err's chain.
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// ActivityFailedError reports a failed activity. On replay it is rebuilt from
// the persisted reason, so Cause is only set on the pass that ran the body.
type ActivityFailedError struct {
	StepID string
	Reason schema.FailureReason
	Cause  error
}

func (e *ActivityFailedError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.StepID, e.Reason.Message)
}

func (e *ActivityFailedError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Reason.Err()
}

func newActivityFailure(stepID string, cause error) *ActivityFailedError {
	reason := schema.FailureReason{
		Code:    schema.ErrCodeActivityFailed,
		Message: cause.Error(),
		StepID:  stepID,
	}
	if code := schema.CodeOf(cause); code != "" {
		reason.Details = map[string]any{"cause_code": code}
	}
	return &ActivityFailedError{StepID: stepID, Reason: reason, Cause: cause}
}

// ConditionTimeoutError reports a condition that stayed false past its timeout.
type ConditionTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *ConditionTimeoutError) Error() string {
	return fmt.Sprintf("condition %s not satisfied within %s", e.StepID, e.Timeout)
}

func (e *ConditionTimeoutError) reason() schema.FailureReason {
	return schema.FailureReason{
		Code:    schema.ErrCodeConditionTimeout,
		Message: e.Error(),
		StepID:  e.StepID,
		Details: map[string]any{"timeout": e.Timeout.String()},
	}
}

// OutcomeKind tags the result of one replay pass.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeSuspended OutcomeKind = "suspended"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// Outcome is the result of Execute. Exactly one of Output, Suspension and
// Failure is set, matching Kind. Skipped carries nothing.
type Outcome struct {
	Kind       OutcomeKind           `json:"kind"`
	Output     json.RawMessage       `json:"output,omitempty"`
	Suspension *Suspension           `json:"suspension,omitempty"`
	Failure    *schema.FailureReason `json:"failure,omitempty"`
}

// failureReason flattens a workflow error into the persisted run failure.
func failureReason(err error) schema.FailureReason {
	var afe *ActivityFailedError
	if errors.As(err, &afe) {
		return afe.Reason
	}
	var cte *ConditionTimeoutError
	if errors.As(err, &cte) {
		return cte.reason()
	}
	return schema.ReasonFromError(err)
}
