package engine

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Future is the pending result of an Async fork.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Async forks fn with the same run context. Steps called from fn are
// recorded against the run like any other. Results are not joined: the
// workflow must Get every future it depends on. The pass does wait for its
// forks to return before it settles, so their steps are recorded by then.
//
// Forks run on the executor's async pool. When the pool is full the fork gets
// a goroutine of its own, so forks that fork and wait never starve.
func Async[T any](wc *Context, fn func(*Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	release := wc.trackFork()
	run := func(context.Context) error {
		defer release()
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = schema.NewErrorf(schema.ErrCodeExecution, "async function panicked: %v", r)
			}
		}()
		f.val, f.err = fn(wc)
		return f.err
	}

	if wc.async != nil {
		ok, err := wc.async.TrySubmit(wc, run)
		if err != nil {
			f.err = err
			close(f.done)
			release()
			return f
		}
		if ok {
			return f
		}
		wc.Logger().Debug("async pool full, forking on a new goroutine")
	}
	go func() { _ = run(wc) }()
	return f
}

// Get waits for the fork to finish and returns its result.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed when the fork has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
