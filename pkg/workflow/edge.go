package workflow

import "errors"

// Condition decides whether a transition is taken. An error aborts the run.
type Condition func(*ExecutionContext) (bool, error)

// Transition is a directed edge with an optional condition.
type Transition struct {
	From      string
	To        string
	Condition Condition
}

// Allows evaluates the condition.
func (t Transition) Allows(ctx *ExecutionContext) (bool, error) {
	if ctx == nil {
		return false, errors.New("workflow: execution context is nil")
	}
	if t.Condition == nil {
		return true, nil
	}
	return t.Condition(ctx)
}

// WhenSet passes when key holds a non-nil value other than false or "".
func WhenSet(key string) Condition {
	return func(ctx *ExecutionContext) (bool, error) {
		v, ok := ctx.Get(key)
		if !ok || v == nil {
			return false, nil
		}
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			return val != "", nil
		}
		return true, nil
	}
}

// Not inverts c.
func Not(c Condition) Condition {
	return func(ctx *ExecutionContext) (bool, error) {
		ok, err := c(ctx)
		return !ok, err
	}
}
