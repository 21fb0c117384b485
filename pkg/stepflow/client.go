// Package stepflow is the public API of the durable workflow engine.
//
// A Client owns the event store, the replay executor, the durable task
// scheduler and the cron runner. Workflow code is registered on a Registry
// and written with the step functions re-exported from this package.
package stepflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultSignalAckTimeout = 20 * time.Second
	signalAckPollInterval   = 250 * time.Millisecond
)

// Config holds client configuration. Zero values take defaults.
type Config struct {
	DBDriver         string        // "libsql" (default) or "sqlite"
	DBPath           string        // database file, or ":memory:" with the sqlite driver
	Logger           *slog.Logger  // nil = info-level text logger on stderr
	PoolSize         int           // concurrent scheduler tasks
	AsyncPoolSize    int           // concurrent Async forks
	PollInterval     time.Duration // scheduler poll interval
	TaskLease        time.Duration // how long a claimed task stays hidden
	SignalAckTimeout time.Duration // how long SignalWorkflow waits for RECEIVED
	CronTick         time.Duration // how often cron schedules are checked
}

func (c Config) withDefaults() Config {
	if c.DBDriver == "" {
		c.DBDriver = store.DriverLibSQL
	}
	if c.DBPath == "" {
		c.DBPath = "stepflow.db"
	}
	if c.Logger == nil {
		c.Logger = logging.New("info", "text")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = engine.DefaultPoolSize
	}
	if c.AsyncPoolSize <= 0 {
		c.AsyncPoolSize = engine.DefaultPoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = scheduler.DefaultPollInterval
	}
	if c.TaskLease <= 0 {
		c.TaskLease = scheduler.DefaultLease
	}
	if c.SignalAckTimeout <= 0 {
		c.SignalAckTimeout = DefaultSignalAckTimeout
	}
	if c.CronTick <= 0 {
		c.CronTick = scheduler.DefaultCronTick
	}
	return c
}

// dsn turns the configured path into a driver data source name.
func (c Config) dsn() string {
	if c.DBDriver == store.DriverLibSQL && !strings.HasPrefix(c.DBPath, "file:") {
		return "file:" + c.DBPath
	}
	return c.DBPath
}

// Client is the entry point for starting, signalling and inspecting workflows.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	hub      streaming.EventHub
	registry *Registry
	exec     engine.Executor
	sched    *scheduler.Scheduler
	cron     *scheduler.CronRunner
	jq       *expressions.GoJQEngine
}

// New opens the store, applies migrations and starts the scheduler and
// cron loops. Call Stop to release everything.
func New(ctx context.Context, registry *Registry, cfg Config) (*Client, error) {
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "registry is required")
	}
	cfg = cfg.withDefaults()

	hub := streaming.NewMemoryHub()
	s, err := store.Open(cfg.DBDriver, cfg.dsn(), store.WithHub(hub))
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	exprs, err := expressions.NewSet()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	exec, err := engine.NewExecutor(s, registry, cfg.Logger, engine.ExecutorConfig{
		AsyncPoolSize: cfg.AsyncPoolSize,
		Expressions:   exprs,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		store:    s,
		hub:      hub,
		registry: registry,
		exec:     exec,
		jq:       expressions.NewGoJQEngine(),
	}
	c.sched = scheduler.New(s, exec, cfg.Logger, scheduler.Config{
		PollInterval: cfg.PollInterval,
		PoolSize:     cfg.PoolSize,
		Lease:        cfg.TaskLease,
	})
	c.cron = scheduler.NewCronRunner(s, c, cfg.Logger, cfg.CronTick)

	if err := c.sched.Start(context.WithoutCancel(ctx)); err != nil {
		c.closeEngine()
		return nil, err
	}
	if err := c.cron.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.sched.Stop()
		c.closeEngine()
		return nil, err
	}
	return c, nil
}

func (c *Client) closeEngine() {
	c.exec.Shutdown()
	_ = c.store.Close()
}

// Stop halts the cron and scheduler loops, waits for in-flight work and
// closes the store. Unfinished runs resume on the next start.
func (c *Client) Stop() error {
	if err := c.cron.Stop(); err != nil {
		return err
	}
	if err := c.sched.Stop(); err != nil {
		return err
	}
	c.exec.Shutdown()
	return c.store.Close()
}

// Store exposes the underlying event store for tooling.
func (c *Client) Store() store.Store { return c.store }

// Hub exposes the in-process event stream.
func (c *Client) Hub() streaming.EventHub { return c.hub }

// Registry returns the workflow type registry.
func (c *Client) Registry() *Registry { return c.registry }

// RunWorkflow creates the workflow and schedules its first run. It returns
// the run id once the run is durably scheduled; the workflow itself runs in
// the background. Business failures are never reported here.
func (c *Client) RunWorkflow(ctx context.Context, typeName string, input any, workflowID string) (string, error) {
	if workflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	raw, err := marshalPayload(input)
	if err != nil {
		return "", err
	}
	if err := c.registry.ValidateInput(typeName, raw); err != nil {
		return "", err
	}

	run, err := c.store.CreateWorkflow(ctx, &store.Workflow{
		ID:       workflowID,
		TypeName: typeName,
		Input:    raw,
	}, store.NewStartWorkflowTask)
	if err != nil {
		return "", err
	}
	c.sched.Notify()

	logging.LogWith(logging.WithRun(ctx, workflowID, run.ID), c.logger).Info("workflow scheduled",
		slog.String("type", typeName),
	)
	return run.ID, nil
}

// SignalWorkflow delivers a named signal to the workflow's active run and
// blocks until the signal is durably RECEIVED or SignalAckTimeout elapses.
// On timeout the signal stays queued and is still delivered later.
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, name string, value any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal name is required")
	}
	run, err := c.store.GetActiveRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s has already finished", run.ID)
	}
	raw, err := marshalPayload(value)
	if err != nil {
		return err
	}

	// Subscribe before enqueueing so the RECEIVED event cannot slip past.
	events, unsubscribe, err := c.hub.Subscribe(ctx, streaming.EventFilter{
		RunID:      run.ID,
		StepID:     name,
		Categories: []string{string(schema.CategorySignal)},
		Statuses:   []string{string(schema.StatusReceived)},
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	if _, err := c.store.EnqueueTask(ctx, store.NewSignalTask(run.ID, name, raw)); err != nil {
		return err
	}
	c.sched.Notify()

	return c.awaitSignalAck(ctx, run.ID, name, events)
}

func (c *Client) awaitSignalAck(ctx context.Context, runID, name string, events <-chan streaming.StreamEvent) error {
	deadline := time.NewTimer(c.cfg.SignalAckTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(signalAckPollInterval)
	defer poll.Stop()

	for {
		received, err := c.signalReceived(ctx, runID, name)
		if err != nil {
			return err
		}
		if received {
			return nil
		}

		select {
		case _, ok := <-events:
			if ok {
				return nil
			}
			events = nil
		case <-poll.C:
		case <-deadline.C:
			return schema.NewErrorf(schema.ErrCodeTimeout,
				"signal %q was not acknowledged by run %s within %s", name, runID, c.cfg.SignalAckTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) signalReceived(ctx context.Context, runID, name string) (bool, error) {
	step, err := c.store.GetStepFunction(ctx, runID, schema.CategorySignal, name)
	if schema.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return step.IsTerminal(), nil
}

// GetLatestRun returns the active run with its events and steps.
func (c *Client) GetLatestRun(ctx context.Context, workflowID string) (*WorkflowRun, error) {
	run, err := c.store.GetActiveRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := c.loadDetails(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetWorkflowResult returns the workflow and all of its runs, oldest first,
// each with events and steps.
func (c *Client) GetWorkflowResult(ctx context.Context, workflowID string) (*WorkflowResult, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	runs, err := c.store.GetRunHistory(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if err := c.loadDetails(ctx, run); err != nil {
			return nil, err
		}
	}
	return &WorkflowResult{Workflow: wf, Runs: runs}, nil
}

func (c *Client) loadDetails(ctx context.Context, run *WorkflowRun) error {
	events, err := c.store.ListRunEvents(ctx, run.ID)
	if err != nil {
		return err
	}
	steps, err := c.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	run.Events = events
	run.Steps = steps
	return nil
}

// Query evaluates a jq expression over the JSON form of the workflow result.
func (c *Client) Query(ctx context.Context, workflowID, jq string) (any, error) {
	result, err := c.GetWorkflowResult(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow result: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow result: %w", err)
	}
	return c.jq.Query(ctx, jq, doc)
}

// ReRunWorkflowFromStart archives the finished run and schedules a fresh one.
func (c *Client) ReRunWorkflowFromStart(ctx context.Context, workflowID string) (string, error) {
	return c.rerun(ctx, workflowID, false)
}

// ReRunWorkflowFromFailed archives the finished run and schedules a new one
// that keeps every step the old run finished successfully. Only the failed
// and unfinished steps execute again.
func (c *Client) ReRunWorkflowFromFailed(ctx context.Context, workflowID string) (string, error) {
	return c.rerun(ctx, workflowID, true)
}

func (c *Client) rerun(ctx context.Context, workflowID string, fromFailure bool) (string, error) {
	run, err := c.store.ScheduleNewRun(ctx, workflowID, fromFailure, store.NewStartWorkflowTask)
	if err != nil {
		return "", err
	}
	c.sched.Notify()

	logging.LogWith(logging.WithRun(ctx, workflowID, run.ID), c.logger).Info("workflow re-run scheduled",
		slog.Bool("from_failure", fromFailure),
	)
	return run.ID, nil
}

// Output decodes the output of a completed run.
func Output[T any](run *WorkflowRun) (T, error) {
	var out T
	if run == nil || !run.HasCompleted() {
		return out, schema.NewError(schema.ErrCodeConflict, "run has not completed")
	}
	if err := json.Unmarshal(run.Output, &out); err != nil {
		return out, schema.NewErrorf(schema.ErrCodeValidation,
			"decode output of run %s as %T: %s", run.ID, out, err.Error()).WithCause(err)
	}
	return out, nil
}

// marshalPayload encodes a caller value. Raw JSON passes through unchanged.
func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return marshalPayload(json.RawMessage(p))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode payload: %s", err.Error()).WithCause(err)
	}
	return raw, nil
}
