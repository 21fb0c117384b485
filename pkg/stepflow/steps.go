package stepflow

import (
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
)

// Engine types surfaced to workflow authors and API callers.
type (
	Context         = engine.Context
	Registry        = engine.Registry
	RegisterOption  = engine.RegisterOption
	ConditionOption = engine.ConditionOption
	Suspension      = engine.Suspension

	Workflow       = store.Workflow
	WorkflowRun    = store.WorkflowRun
	WorkflowResult = store.WorkflowResult
	Event          = store.Event
	StepFunction   = store.StepFunction
	CronSchedule   = store.CronSchedule
)

// WorkflowFunc is the body of a workflow type.
type WorkflowFunc[I, O any] = engine.WorkflowFunc[I, O]

// Future is the handle of an Async fork.
type Future[T any] = engine.Future[T]

// Condition defaults.
const (
	DefaultEvaluationInterval = engine.DefaultEvaluationInterval
	DefaultConditionTimeout   = engine.DefaultConditionTimeout
)

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry { return engine.NewRegistry() }

// Register adds a workflow type. ctor is called at the start of every
// replay pass.
func Register[I, O any](r *Registry, typeName string, ctor func() WorkflowFunc[I, O], opts ...RegisterOption) error {
	return engine.Register(r, typeName, ctor, opts...)
}

// WithInputSchema validates RunWorkflow input against a JSON Schema.
func WithInputSchema(jsonSchema []byte) RegisterOption { return engine.WithInputSchema(jsonSchema) }

// Activity runs fn once and memoizes its result in the run history.
func Activity[T any](wc *Context, id string, fn func(*Context) (T, error)) (T, error) {
	return engine.Activity(wc, id, fn)
}

// Do is Activity for side effects without a result.
func Do(wc *Context, id string, fn func(*Context) error) error { return engine.Do(wc, id, fn) }

// Sleep suspends the run for d. The wake-up survives restarts.
func Sleep(wc *Context, id string, d time.Duration) error { return engine.Sleep(wc, id, d) }

// AwaitSignal suspends until the named signal is delivered and returns its value.
func AwaitSignal[T any](wc *Context, name string) (T, error) { return engine.AwaitSignal[T](wc, name) }

// AwaitCondition suspends until pred returns true, re-evaluating on an interval.
func AwaitCondition(wc *Context, id string, pred func() bool, opts ...ConditionOption) error {
	return engine.AwaitCondition(wc, id, pred, opts...)
}

// AwaitExpression is AwaitCondition with a "cel" or "expr" predicate over
// input, vars and workflow.
func AwaitExpression(wc *Context, id, language, expression string, vars map[string]any, opts ...ConditionOption) error {
	return engine.AwaitExpression(wc, id, language, expression, vars, opts...)
}

// WithEvaluationInterval sets how often a condition is re-evaluated.
func WithEvaluationInterval(d time.Duration) ConditionOption { return engine.WithEvaluationInterval(d) }

// WithTimeout fails the condition once it has waited longer than d.
func WithTimeout(d time.Duration) ConditionOption { return engine.WithTimeout(d) }

// Async runs fn concurrently with the calling workflow code.
func Async[T any](wc *Context, fn func(*Context) (T, error)) *Future[T] { return engine.Async(wc, fn) }
