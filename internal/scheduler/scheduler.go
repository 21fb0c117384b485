package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultPollInterval = time.Second
	DefaultLease        = 5 * time.Minute
)

// Config tunes the task poller.
type Config struct {
	PollInterval time.Duration        // how often due tasks are claimed
	PoolSize     int                  // concurrent task handlers
	Lease        time.Duration        // how long a claimed task is hidden from other pollers
	Backoff      engine.BackoffPolicy // delay between attempts of a failing task
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = engine.DefaultPoolSize
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = engine.DefaultBackoffPolicy()
	}
	return c
}

type handlerFunc func(ctx context.Context, task *store.Task) error

// Scheduler is the durable task poller. It claims due tasks from the store,
// runs their handler on a worker pool, and deletes or reschedules them.
// Delivery is at-least-once: a crash leaves the lease to expire and the task
// is claimed again.
type Scheduler struct {
	store    store.Store
	exec     engine.Executor
	logger   *slog.Logger
	cfg      Config
	handlers map[schema.TaskKind]handlerFunc
	notify   chan struct{}

	mu         sync.Mutex
	pool       *engine.WorkerPool
	cancel     context.CancelFunc
	workCancel context.CancelFunc
	done       chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task IDs currently being handled (dedup)
}

// New creates a Scheduler.
func New(s store.Store, exec engine.Executor, logger *slog.Logger, cfg Config) *Scheduler {
	sched := &Scheduler{
		store:    s,
		exec:     exec,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		notify:   make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
	sched.handlers = map[schema.TaskKind]handlerFunc{
		schema.TaskStartWorkflow:  sched.handleStartWorkflow,
		schema.TaskSignalWorkflow: sched.handleSignalWorkflow,
		schema.TaskCompleteSleep:  sched.handleCompleteSleep,
		schema.TaskResumeWorkflow: sched.handleResumeWorkflow,
	}
	return sched
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.workCancel = workCancel
	s.done = make(chan struct{})
	s.pool = engine.NewWorkerPool(s.cfg.PoolSize, engine.WithPanicHandler(func(r any) {
		s.logger.Error("task handler panicked", slog.Any("panic", r))
	}))

	go s.loop(loopCtx, workCtx, s.pool)
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("pool_size", s.cfg.PoolSize),
	)
	return nil
}

// Notify asks the loop to poll now instead of waiting for the next tick.
// Callers use it after enqueueing a task that is already due.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx, workCtx context.Context, pool *engine.WorkerPool) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.poll(ctx, workCtx, pool)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.notify:
		}
	}
}

// poll claims as many due tasks as the pool has free slots and dispatches them.
func (s *Scheduler) poll(ctx, workCtx context.Context, pool *engine.WorkerPool) {
	limit := pool.Available()
	if limit == 0 {
		return
	}
	tasks, err := s.store.ClaimDueTasks(ctx, time.Now(), s.cfg.Lease, limit)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to claim due tasks", slog.String("error", err.Error()))
		}
		return
	}

	for _, task := range tasks {
		if !s.tryAcquire(task.ID) {
			continue
		}
		task := task
		err := pool.Submit(ctx, func(context.Context) error {
			defer s.release(task.ID)
			return s.dispatch(workCtx, task)
		})
		if err != nil {
			// Not dispatched; the lease expires and the task is claimed again.
			s.release(task.ID)
			return
		}
	}
}

// dispatch runs the task's handler and settles the task row.
func (s *Scheduler) dispatch(ctx context.Context, task *store.Task) error {
	ctx = logging.WithTaskID(ctx, task.ID)
	if wfID, _, err := store.ParseRunID(task.RunID); err == nil {
		ctx = logging.WithRun(ctx, wfID, task.RunID)
	}
	log := logging.LogWith(ctx, s.logger)

	handler, ok := s.handlers[task.Kind]
	var err error
	if !ok {
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown task kind %q", task.Kind)
	} else {
		err = handler(ctx, task)
	}

	switch {
	case err == nil:
		if cerr := s.store.CompleteTask(ctx, task.ID); cerr != nil && !schema.IsNotFound(cerr) {
			log.Error("failed to delete finished task", slog.String("error", cerr.Error()))
		}
		return nil

	case ctx.Err() != nil:
		// Shutting down; the lease expires and another poll picks it up.
		return err

	case !engine.IsRetryableError(err):
		log.Error("dropping task after non-retryable error",
			slog.String("kind", string(task.Kind)),
			slog.String("error", err.Error()),
		)
		if cerr := s.store.CompleteTask(ctx, task.ID); cerr != nil && !schema.IsNotFound(cerr) {
			log.Error("failed to delete dropped task", slog.String("error", cerr.Error()))
		}
		return err

	default:
		delay := engine.ComputeBackoff(s.cfg.Backoff, task.Attempts)
		log.Warn("task failed, retrying",
			slog.String("kind", string(task.Kind)),
			slog.Int("attempt", task.Attempts+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if rerr := s.store.ReleaseTask(ctx, task.ID, time.Now().Add(delay), err.Error()); rerr != nil {
			log.Error("failed to release task", slog.String("error", rerr.Error()))
		}
		return err
	}
}

// tryAcquire returns true and marks the task as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[taskID]; ok {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *Scheduler) release(taskID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, taskID)
}

// Stop stops claiming, waits for in-flight handlers, then cancels their context.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.pool.Shutdown()
	s.workCancel()
	m := s.pool.Metrics()
	s.cancel = nil
	s.workCancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped",
		"tasks_completed", m.Completed,
		"tasks_failed", m.Failed,
		"panics", m.Panics,
	)
	return nil
}

// --- Handlers ---

func (s *Scheduler) execute(ctx context.Context, runID string) error {
	out, err := s.exec.Execute(ctx, runID)
	if err != nil {
		return err
	}
	logging.LogWith(ctx, s.logger).Debug("replay pass finished", slog.String("outcome", string(out.Kind)))
	return nil
}

// handleStartWorkflow runs the first pass. Execute records WORKFLOW STARTED
// if the run has not started yet.
func (s *Scheduler) handleStartWorkflow(ctx context.Context, task *store.Task) error {
	return s.execute(ctx, task.RunID)
}

func (s *Scheduler) handleSignalWorkflow(ctx context.Context, task *store.Task) error {
	var p store.SignalPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.Name == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "malformed signal task payload")
	}

	run, err := s.store.GetWorkflowRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	if run.IsArchived() || run.IsTerminal() {
		logging.LogWith(ctx, s.logger).Info("discarding signal for finished run", slog.String("signal", p.Name))
		return nil
	}

	received, err := s.store.ReceiveSignal(ctx, task.RunID, p.Name, p.Value)
	if err != nil {
		return err
	}
	if !received {
		logging.LogWith(ctx, s.logger).Info("signal already received, keeping first value", slog.String("signal", p.Name))
	}
	return s.execute(ctx, task.RunID)
}

func (s *Scheduler) handleCompleteSleep(ctx context.Context, task *store.Task) error {
	var p store.StepPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.StepID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "malformed sleep task payload")
	}
	if _, err := s.store.CompleteSleep(ctx, task.RunID, p.StepID); err != nil {
		return err
	}
	return s.execute(ctx, task.RunID)
}

func (s *Scheduler) handleResumeWorkflow(ctx context.Context, task *store.Task) error {
	return s.execute(ctx, task.RunID)
}
