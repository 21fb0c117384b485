package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowStarter is the interface the cron loop uses to start workflows.
// Satisfied by the client (avoids import cycle).
type WorkflowStarter interface {
	RunWorkflow(ctx context.Context, typeName string, input any, workflowID string) (string, error)
}

// DefaultCronTick is how often the cron loop looks for due schedules.
const DefaultCronTick = 60 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next fire time of a 5-field cron expression after from.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// CronRunner polls the store for due cron schedules and starts a workflow
// for each. The workflow id is "<scheduleId>::<unix seconds>", so a schedule
// fired twice for the same instant starts one workflow.
type CronRunner struct {
	store   store.Store
	starter WorkflowStarter
	logger  *slog.Logger
	tick    time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// NewCronRunner creates a new CronRunner. tick <= 0 uses DefaultCronTick.
func NewCronRunner(s store.Store, starter WorkflowStarter, logger *slog.Logger, tick time.Duration) *CronRunner {
	if tick <= 0 {
		tick = DefaultCronTick
	}
	return &CronRunner{
		store:    s,
		starter:  starter,
		logger:   logger,
		tick:     tick,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop. It fires due schedules immediately,
// which also recovers runs missed while the process was down.
func (c *CronRunner) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("cron runner already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(loopCtx)
	c.logger.Info("cron runner started", slog.Duration("tick", c.tick))
	return nil
}

func (c *CronRunner) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.fireDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fireDue(ctx)
		}
	}
}

// fireDue starts a workflow for every enabled schedule whose next run has passed.
func (c *CronRunner) fireDue(ctx context.Context) {
	enabled := true
	now := time.Now().UTC()
	schedules, err := c.store.ListCronSchedules(ctx, store.CronScheduleFilter{Enabled: &enabled, DueBy: &now})
	if err != nil {
		c.logger.Error("failed to list cron schedules", slog.String("error", err.Error()))
		return
	}

	for _, cs := range schedules {
		if cs.NextRunAt != nil && cs.NextRunAt.After(now) {
			continue
		}
		if !c.tryAcquire(cs.ID) {
			continue
		}
		if err := c.fire(ctx, cs, now); err != nil {
			c.logger.Error("failed to fire cron schedule",
				slog.String("schedule_id", cs.ID),
				slog.String("error", err.Error()),
			)
		}
		c.release(cs.ID)
	}
}

// fire starts one workflow for the schedule and advances its next run.
func (c *CronRunner) fire(ctx context.Context, cs *store.CronSchedule, now time.Time) error {
	workflowID := fmt.Sprintf("%s::%d", cs.ID, now.Unix())
	c.logger.Info("firing cron schedule",
		slog.String("schedule_id", cs.ID),
		slog.String("type", cs.TypeName),
		slog.String("workflow_id", workflowID),
	)

	status := "success"
	var input any
	if len(cs.Input) > 0 {
		input = cs.Input
	}
	if _, err := c.starter.RunWorkflow(ctx, cs.TypeName, input, workflowID); err != nil &&
		schema.CodeOf(err) != schema.ErrCodeConflict {
		status = "error"
		c.logger.Error("cron workflow start failed",
			slog.String("schedule_id", cs.ID),
			slog.String("error", err.Error()),
		)
	}

	next, err := NextRun(cs.CronExpression, now)
	if err != nil {
		disabled := false
		_ = c.store.UpdateCronSchedule(ctx, cs.ID, store.CronScheduleUpdate{
			Enabled: &disabled, LastRunAt: &now, LastRunStatus: "error",
		})
		return fmt.Errorf("schedule %q disabled: %w", cs.ID, err)
	}
	return c.store.UpdateCronSchedule(ctx, cs.ID, store.CronScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already firing.
func (c *CronRunner) tryAcquire(id string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *CronRunner) release(id string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, id)
}

// Stop gracefully shuts down the loop.
func (c *CronRunner) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.logger.Info("cron runner stopped")
	return nil
}
