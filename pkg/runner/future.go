package runner

import (
	"context"
	"fmt"
)

// Future is the outcome of a mode runner. Synchronous runners hand back a
// resolved future; asynchronous ones resolve it from their own goroutine.
type Future struct {
	done chan struct{}
	ok   bool
	err  error
}

// Resolved returns a completed future.
func Resolved(ok bool, err error) *Future {
	f := &Future{done: make(chan struct{}), ok: ok, err: err}
	close(f.done)
	return f
}

// Go runs fn on a new goroutine and resolves the future with its result. A
// panic in fn resolves the future with an error.
func Go(ctx context.Context, fn func(context.Context) (bool, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.ok, f.err = false, fmt.Errorf("runner: async runner panic: %v", r)
			}
		}()
		f.ok, f.err = fn(ctx)
	}()
	return f
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future resolves or ctx ends.
func (f *Future) Await(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.ok, f.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ModeRunner executes one execution mode.
type ModeRunner interface {
	Run(ctx context.Context, p Params) *Future
}

// Sync adapts a blocking function. It runs on the caller's goroutine.
type Sync func(ctx context.Context, p Params) (bool, error)

func (fn Sync) Run(ctx context.Context, p Params) *Future { return Resolved(fn(ctx, p)) }

// Async adapts a function that runs on its own goroutine.
type Async func(ctx context.Context, p Params) (bool, error)

func (fn Async) Run(ctx context.Context, p Params) *Future {
	return Go(ctx, func(ctx context.Context) (bool, error) { return fn(ctx, p) })
}
