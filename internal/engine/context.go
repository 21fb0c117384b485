package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
)

// Context is the per-pass execution context handed to workflow code. Every
// step function and async fork takes it explicitly. It is released when the
// pass returns and must not be retained.
type Context struct {
	context.Context

	runID      string
	workflowID string
	input      json.RawMessage

	store  store.Store
	async  *WorkerPool
	forks  *sync.WaitGroup
	exprs  *expressions.Set
	logger *slog.Logger
	now    func() time.Time
}

// RunID returns the id of the run being replayed.
func (c *Context) RunID() string { return c.runID }

// WorkflowID returns the business key of the workflow.
func (c *Context) WorkflowID() string { return c.workflowID }

// Logger returns a logger carrying the run's correlation ids.
func (c *Context) Logger() *slog.Logger {
	return logging.LogWith(c.Context, c.logger)
}

// withStep returns a copy whose logging context names the step.
func (c *Context) withStep(stepID string) *Context {
	cp := *c
	cp.Context = logging.WithStepID(c.Context, stepID)
	return &cp
}

func (c *Context) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// trackFork counts a fork against the pass and returns its release.
func (c *Context) trackFork() func() {
	if c.forks == nil {
		return func() {}
	}
	c.forks.Add(1)
	return c.forks.Done
}
