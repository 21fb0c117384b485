package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Executor drives workflow runs by replaying their code against history.
type Executor interface {
	// Execute runs one replay pass of the run. Workflow failures are recorded
	// and reported through the Outcome; a returned error means the pass was
	// aborted without a verdict and should be retried.
	Execute(ctx context.Context, runID string) (Outcome, error)

	// Shutdown waits for in-flight async forks and rejects new ones.
	Shutdown()
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	AsyncPoolSize int              // pooled Async forks across all runs; overflow forks get their own goroutine
	Expressions   *expressions.Set // nil = build the default engines
	Now           func() time.Time // nil = time.Now
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store    store.Store
	registry *Registry
	logger   *slog.Logger
	async    *WorkerPool
	exprs    *expressions.Set
	locks    *runLocks
	now      func() time.Time
}

// NewExecutor creates a new Executor with the given dependencies.
func NewExecutor(s store.Store, registry *Registry, logger *slog.Logger, cfg ExecutorConfig) (Executor, error) {
	if cfg.AsyncPoolSize <= 0 {
		cfg.AsyncPoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	exprs := cfg.Expressions
	if exprs == nil {
		var err error
		if exprs, err = expressions.NewSet(); err != nil {
			return nil, err
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &executorImpl{
		store:    s,
		registry: registry,
		logger:   logger,
		async:    NewWorkerPool(cfg.AsyncPoolSize),
		exprs:    exprs,
		locks:    newRunLocks(),
		now:      now,
	}, nil
}

func (e *executorImpl) Execute(ctx context.Context, runID string) (Outcome, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return Outcome{}, err
	}
	if run.IsArchived() || run.IsTerminal() {
		return Outcome{Kind: OutcomeSkipped}, nil
	}

	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return Outcome{}, err
	}
	reg, err := e.registry.lookup(wf.TypeName)
	if err != nil {
		return Outcome{}, err
	}

	ctx = logging.WithRun(ctx, wf.ID, runID)
	log := logging.LogWith(ctx, e.logger)

	if !run.HasStarted() {
		if _, err := e.store.MarkRunStarted(ctx, runID); err != nil {
			return Outcome{}, err
		}
		log.Info("workflow run started", "type", wf.TypeName)
	}

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var forks sync.WaitGroup
	wc := &Context{
		Context:    passCtx,
		runID:      runID,
		workflowID: wf.ID,
		input:      wf.Input,
		store:      e.store,
		async:      e.async,
		forks:      &forks,
		exprs:      e.exprs,
		logger:     e.logger,
		now:        e.now,
	}

	output, err := e.invoke(wc, log, reg, wf.Input)
	forks.Wait()
	if err == nil {
		if err := e.store.CompleteRun(ctx, runID, output); err != nil {
			return Outcome{}, err
		}
		log.Info("workflow run completed")
		return Outcome{Kind: OutcomeCompleted, Output: output}, nil
	}

	if s, ok := AsSuspension(err); ok {
		log.Info("workflow run suspended", "reason", string(s.Reason), "step", s.StepID)
		return Outcome{Kind: OutcomeSuspended, Suspension: s}, nil
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) || schema.CodeOf(err) == schema.ErrCodeStore {
		log.Warn("workflow pass aborted", "error", err)
		return Outcome{}, err
	}

	reason := failureReason(err)
	if err := e.store.FailRun(ctx, runID, reason); err != nil {
		return Outcome{}, err
	}
	log.Warn("workflow run failed", "code", reason.Code, "error", reason.Message)
	return Outcome{Kind: OutcomeFailed, Failure: &reason}, nil
}

// invoke calls the workflow body, converting a panic into a failure.
func (e *executorImpl) invoke(wc *Context, log *slog.Logger, reg *registration, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("workflow panicked", "panic", r, "stack", string(debug.Stack()))
			err = schema.NewErrorf(schema.ErrCodeExecution, "workflow panicked: %v", r)
		}
	}()
	return reg.newRun()(wc, input)
}

func (e *executorImpl) Shutdown() {
	e.async.Shutdown()
}
