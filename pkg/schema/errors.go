package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeActivityFailed   = "ACTIVITY_FAILED"
	ErrCodeConditionTimeout = "CONDITION_TIMEOUT"
	ErrCodeInvariant        = "INVARIANT_VIOLATION"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStore            = "STORE_ERROR"
)

// StepflowError is the structured error type for all stepflow operations.
type StepflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepflowError.
func NewError(code, message string) *StepflowError {
	return &StepflowError{Code: code, Message: message}
}

// NewErrorf creates a new StepflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepflowError {
	return &StepflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *StepflowError) WithStep(stepID string) *StepflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StepflowError) WithCause(err error) *StepflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepflowError) WithDetails(details map[string]any) *StepflowError {
	e.Details = details
	return e
}

// IsRetryable reports whether a scheduler task that failed with this error
// should be attempted again. Misuse and business failures are final.
func (e *StepflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeInvariant:
		return false
	}
	return true
}

// CodeOf returns the code of the first StepflowError in err's chain, or "".
func CodeOf(err error) string {
	var se *StepflowError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// FailureReason is the persisted, structured cause of a failed run or activity.
type FailureReason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ReasonFromError flattens an error into a FailureReason. Plain errors are
// recorded under ErrCodeExecution.
func ReasonFromError(err error) FailureReason {
	var se *StepflowError
	if errors.As(err, &se) {
		msg := se.Message
		if se.Cause != nil {
			msg = fmt.Sprintf("%s: %s", se.Message, se.Cause.Error())
		}
		return FailureReason{Code: se.Code, Message: msg, StepID: se.StepID, Details: se.Details}
	}
	return FailureReason{Code: ErrCodeExecution, Message: err.Error()}
}

// Err rebuilds a StepflowError from a persisted reason.
func (r FailureReason) Err() *StepflowError {
	return &StepflowError{Code: r.Code, Message: r.Message, StepID: r.StepID, Details: r.Details}
}
