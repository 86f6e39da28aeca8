package workflow

import "errors"

// Middleware wraps every step. After hooks run in reverse order and receive
// the step's error.
type Middleware interface {
	Before(ctx *ExecutionContext, step Step) error
	After(ctx *ExecutionContext, step Step, err error) error
}

// MiddlewareFuncs adapts optional functions to Middleware.
type MiddlewareFuncs struct {
	BeforeFn func(*ExecutionContext, Step) error
	AfterFn  func(*ExecutionContext, Step, error) error
}

func (m MiddlewareFuncs) Before(ctx *ExecutionContext, step Step) error {
	if m.BeforeFn == nil {
		return nil
	}
	return m.BeforeFn(ctx, step)
}

func (m MiddlewareFuncs) After(ctx *ExecutionContext, step Step, err error) error {
	if m.AfterFn == nil {
		return nil
	}
	return m.AfterFn(ctx, step, err)
}

func applyMiddleware(chain []Middleware, ctx *ExecutionContext, step Step, fn func() error) error {
	for _, m := range chain {
		if err := m.Before(ctx, step); err != nil {
			return err
		}
	}
	runErr := fn()
	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i].After(ctx, step, runErr); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}
