package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Activity runs fn at most once per run and step id, memoizing its JSON
// output in the event store. Later passes return the stored output without
// calling fn. A failed activity keeps failing with the stored reason.
//
// fn may call other step functions. When one of them suspends, the activity
// is flagged and re-entered on the next pass, where the nested steps replay
// from history.
func Activity[T any](wc *Context, id string, fn func(*Context) (T, error)) (T, error) {
	var zero T

	sf, err := wc.store.GetStepFunction(wc, wc.runID, schema.CategoryActivity, id)
	switch {
	case schema.IsNotFound(err):
		if err := wc.store.StartActivity(wc, wc.runID, id); err != nil {
			return zero, storeError(err)
		}
	case err != nil:
		return zero, storeError(err)
	case sf.IsCompleted():
		return decodePayload[T](id, "activity output", sf.Payload)
	case sf.HasFailed():
		reason := schema.FailureReason{Code: schema.ErrCodeActivityFailed, Message: "activity failed", StepID: id}
		if sf.FailureReason != nil {
			reason = *sf.FailureReason
		}
		return zero, &ActivityFailedError{StepID: id, Reason: reason}
	case !sf.Suspended:
		return zero, schema.NewErrorf(schema.ErrCodeInvariant,
			"activity %q was started by an earlier pass that neither finished nor suspended it", id).WithStep(id)
	}

	sc := wc.withStep(id)
	out, err := invokeActivity(sc, fn)
	if err != nil {
		if s, ok := AsSuspension(err); ok {
			if markErr := wc.store.MarkActivitySuspended(wc, wc.runID, id, true); markErr != nil {
				return zero, interruptActivity(wc, id, storeError(markErr))
			}
			return zero, s
		}
		if isTransient(wc, err) {
			return zero, interruptActivity(wc, id, err)
		}
		failure := newActivityFailure(id, err)
		if ferr := wc.store.FailActivity(wc, wc.runID, id, failure.Reason); ferr != nil {
			return zero, interruptActivity(wc, id, storeError(ferr))
		}
		sc.Logger().Warn("activity failed", "error", err)
		return zero, failure
	}

	payload, err := json.Marshal(out)
	if err != nil {
		failure := newActivityFailure(id, schema.NewErrorf(schema.ErrCodeValidation,
			"encode output of activity %q: %s", id, err.Error()).WithCause(err))
		if ferr := wc.store.FailActivity(wc, wc.runID, id, failure.Reason); ferr != nil {
			return zero, interruptActivity(wc, id, storeError(ferr))
		}
		return zero, failure
	}
	if err := wc.store.CompleteActivity(wc, wc.runID, id, payload); err != nil {
		return zero, interruptActivity(wc, id, storeError(err))
	}
	sc.Logger().Debug("activity completed")
	return out, nil
}

// interruptActivity flags an activity whose pass aborted before its outcome
// was recorded, so the retried pass runs the body again. The flag is written
// even when the pass context is already cancelled.
func interruptActivity(wc *Context, id string, err error) error {
	if markErr := wc.store.MarkActivitySuspended(context.WithoutCancel(wc), wc.runID, id, true); markErr != nil {
		wc.withStep(id).Logger().Warn("could not flag interrupted activity", "error", markErr, "cause", err)
	}
	return err
}

// Do is Activity for bodies without output.
func Do(wc *Context, id string, fn func(*Context) error) error {
	_, err := Activity(wc, id, func(c *Context) (any, error) {
		return nil, fn(c)
	})
	return err
}

func invokeActivity[T any](sc *Context, fn func(*Context) (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "activity panicked: %v", r)
		}
	}()
	return fn(sc)
}

// Sleep suspends the workflow for d. The first pass records the sleep and
// schedules its wake-up; passes before the wake-up report still_sleeping.
func Sleep(wc *Context, id string, d time.Duration) error {
	sf, err := wc.store.GetStepFunction(wc, wc.runID, schema.CategorySleep, id)
	if schema.IsNotFound(err) {
		due := wc.clock().Add(d)
		if err := wc.store.StartSleep(wc, wc.runID, id, d, store.NewSleepTask(wc.runID, id, due)); err != nil {
			return storeError(err)
		}
		wc.withStep(id).Logger().Debug("sleep started", "duration", d.String(), "due_at", due)
		return suspend(ReasonSleeping, id)
	}
	if err != nil {
		return storeError(err)
	}
	if sf.IsCompleted() {
		return nil
	}
	return suspend(ReasonStillSleeping, id)
}

// AwaitSignal returns the value delivered to the named signal, or suspends
// the workflow until it arrives.
func AwaitSignal[T any](wc *Context, name string) (T, error) {
	var zero T

	sf, err := wc.store.GetStepFunction(wc, wc.runID, schema.CategorySignal, name)
	if schema.IsNotFound(err) {
		err = wc.store.WaitForSignal(wc, wc.runID, name)
		switch {
		case err == nil:
			wc.withStep(name).Logger().Debug("waiting for signal")
			return zero, suspend(ReasonAwaitingSignal, name)
		case schema.CodeOf(err) == schema.ErrCodeConflict:
			// The signal landed between the read and the write.
			sf, err = wc.store.GetStepFunction(wc, wc.runID, schema.CategorySignal, name)
		}
	}
	if err != nil {
		return zero, storeError(err)
	}
	if sf.IsCompleted() {
		return decodePayload[T](name, "signal value", sf.Payload)
	}
	return zero, suspend(ReasonAwaitingSignal, name)
}

// Condition defaults.
const (
	DefaultEvaluationInterval = time.Minute
	DefaultConditionTimeout   = 365 * 24 * time.Hour
)

type conditionConfig struct {
	interval time.Duration
	timeout  time.Duration
}

// ConditionOption configures AwaitCondition and AwaitExpression.
type ConditionOption func(*conditionConfig)

// WithEvaluationInterval sets how long to wait between evaluations.
func WithEvaluationInterval(d time.Duration) ConditionOption {
	return func(c *conditionConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTimeout bounds how long the condition may stay unsatisfied, measured
// from its WAITING event. Past it the condition and the run fail.
func WithTimeout(d time.Duration) ConditionOption {
	return func(c *conditionConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// AwaitCondition blocks the workflow until pred returns true. pred is
// evaluated once per pass; while it is false the run is re-driven every
// evaluation interval.
func AwaitCondition(wc *Context, id string, pred func() bool, opts ...ConditionOption) error {
	return awaitCondition(wc, id, func() (bool, error) { return pred(), nil }, opts)
}

// AwaitExpression is AwaitCondition with a predicate written in the named
// expression language ("cel" or "expr"). The expression sees the workflow
// input as `input`, the given vars as `vars`, and `workflow.id` and
// `workflow.run_id`. It must evaluate to a bool.
func AwaitExpression(wc *Context, id, language, expression string, vars map[string]any, opts ...ConditionOption) error {
	if wc.exprs == nil {
		return schema.NewError(schema.ErrCodeValidation, "expression engines are not configured").WithStep(id)
	}
	eng, err := wc.exprs.Get(language)
	if err != nil {
		return err
	}
	var input any
	if len(wc.input) > 0 {
		if err := json.Unmarshal(wc.input, &input); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "decode workflow input: %s", err.Error()).WithCause(err)
		}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	data := map[string]any{
		"input": input,
		"vars":  vars,
		"workflow": map[string]any{
			"id":     wc.workflowID,
			"run_id": wc.runID,
		},
	}
	return awaitCondition(wc, id, func() (bool, error) {
		ok, err := expressions.EvaluateBool(wc, eng, expression, data)
		if err != nil {
			var se *schema.StepflowError
			if errors.As(err, &se) && se.StepID == "" {
				se.WithStep(id)
			}
		}
		return ok, err
	}, opts)
}

func awaitCondition(wc *Context, id string, pred func() (bool, error), opts []ConditionOption) error {
	cfg := conditionConfig{interval: DefaultEvaluationInterval, timeout: DefaultConditionTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := wc.withStep(id).Logger()

	sf, err := wc.store.GetStepFunction(wc, wc.runID, schema.CategoryCondition, id)
	if schema.IsNotFound(err) {
		if err := wc.store.WaitForCondition(wc, wc.runID, id); err != nil && schema.CodeOf(err) != schema.ErrCodeConflict {
			return storeError(err)
		}
		sf, err = wc.store.GetStepFunction(wc, wc.runID, schema.CategoryCondition, id)
	}
	if err != nil {
		return storeError(err)
	}
	if sf.HasFailed() {
		return &ConditionTimeoutError{StepID: id, Timeout: cfg.timeout}
	}
	if sf.IsCompleted() {
		return nil
	}

	ok, err := pred()
	if err != nil {
		return err
	}
	if ok {
		if err := wc.store.SatisfyCondition(wc, wc.runID, id); err != nil {
			return storeError(err)
		}
		log.Debug("condition satisfied")
		return nil
	}

	now := wc.clock()
	deadline := sf.StartedEvent.Timestamp.Add(cfg.timeout)
	if !now.Before(deadline) {
		cte := &ConditionTimeoutError{StepID: id, Timeout: cfg.timeout}
		if err := wc.store.FailCondition(wc, wc.runID, id, cte.reason()); err != nil {
			return storeError(err)
		}
		log.Warn("condition timed out", "timeout", cfg.timeout.String())
		return cte
	}

	next := now.Add(cfg.interval)
	if next.After(deadline) {
		next = deadline
	}
	if _, err := wc.store.EnqueueTask(wc, store.NewResumeTask(wc.runID, id, next)); err != nil {
		return storeError(err)
	}
	log.Debug("condition not satisfied", "next_evaluation", next)
	return suspend(ReasonConditionNotSatisfied, id)
}

func decodePayload[T any](stepID, what string, payload json.RawMessage) (T, error) {
	var out T
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, schema.NewErrorf(schema.ErrCodeValidation,
			"decode %s into %T: %s", what, out, err.Error()).WithStep(stepID).WithCause(err)
	}
	return out, nil
}

// storeError tags uncoded persistence errors so the executor retries the
// pass instead of failing the run.
func storeError(err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "store: %s", err.Error()).WithCause(err)
}

// isTransient reports whether err should abort the pass for a retry rather
// than be recorded as a failure.
func isTransient(wc *Context, err error) bool {
	if wc.Err() != nil {
		return true
	}
	return schema.CodeOf(err) == schema.ErrCodeStore
}
