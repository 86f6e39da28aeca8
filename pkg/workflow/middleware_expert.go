package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cexll/agentcore/pkg/model"
)

const (
	expertRequestsKey = "workflow.expert.requests"
	expertResultsKey  = "workflow.expert.results"
)

// ExpertRequest asks another agent provider to handle an instruction.
type ExpertRequest struct {
	ID          string
	Agent       string
	Instruction string
	Metadata    map[string]any
}

// ExpertResult is what a delegate produced.
type ExpertResult struct {
	ID       string
	Agent    string
	Output   string
	Error    string
	Usage    model.Usage
	Metadata map[string]any
}

// Map renders the result in the shape folded back through the reply stack.
func (r ExpertResult) Map() map[string]any {
	out := map[string]any{"id": r.ID, "agent": r.Agent, "output": r.Output}
	if r.Error != "" {
		out["error"] = r.Error
	}
	for k, v := range r.Metadata {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// ExpertExecutor runs a delegation.
type ExpertExecutor interface {
	Delegate(ctx context.Context, req ExpertRequest) (ExpertResult, error)
}

// ExpertFunc adapts a function to ExpertExecutor.
type ExpertFunc func(ctx context.Context, req ExpertRequest) (ExpertResult, error)

func (f ExpertFunc) Delegate(ctx context.Context, req ExpertRequest) (ExpertResult, error) {
	return f(ctx, req)
}

// RequestExpert queues a delegation. It runs after the current step.
func RequestExpert(ctx *ExecutionContext, req ExpertRequest) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	queued, _ := ctx.data[expertRequestsKey].([]ExpertRequest)
	ctx.data[expertRequestsKey] = append(queued, req)
}

// ExpertResults returns every result collected so far in the run.
func ExpertResults(ctx *ExecutionContext) []ExpertResult {
	v, _ := ctx.Get(expertResultsKey)
	res, _ := v.([]ExpertResult)
	return append([]ExpertResult(nil), res...)
}

// ExpertMiddleware drains queued delegations after each step, runs them in
// order, and appends their results to the turn so the reply coordinator can
// fold them into the next continuation.
type ExpertMiddleware struct {
	exec     ExpertExecutor
	idPrefix string
	seq      atomic.Uint64
}

// ExpertOption customises the middleware.
type ExpertOption func(*ExpertMiddleware)

// WithExpertIDPrefix sets the prefix of generated request ids.
func WithExpertIDPrefix(prefix string) ExpertOption {
	return func(mw *ExpertMiddleware) {
		if p := strings.TrimSpace(prefix); p != "" {
			mw.idPrefix = p
		}
	}
}

// NewExpertMiddleware wires exec into the step chain.
func NewExpertMiddleware(exec ExpertExecutor, opts ...ExpertOption) *ExpertMiddleware {
	mw := &ExpertMiddleware{exec: exec, idPrefix: "expert"}
	for _, opt := range opts {
		opt(mw)
	}
	return mw
}

func (*ExpertMiddleware) Before(*ExecutionContext, Step) error { return nil }

// After runs the delegations queued during the step. Failures are recorded on
// the result and joined into the returned error.
func (mw *ExpertMiddleware) After(ctx *ExecutionContext, _ Step, _ error) error {
	requests := mw.dequeue(ctx)
	if len(requests) == 0 {
		return nil
	}
	if mw.exec == nil {
		return errors.New("workflow: expert executor is nil")
	}
	results := make([]ExpertResult, 0, len(requests))
	var joined error
	for _, req := range requests {
		if req.ID == "" {
			req.ID = fmt.Sprintf("%s-%04d", mw.idPrefix, mw.seq.Add(1))
		}
		res, err := mw.exec.Delegate(ctx.Context(), req)
		if res.ID == "" {
			res.ID = req.ID
		}
		if res.Agent == "" {
			res.Agent = req.Agent
		}
		if err != nil {
			if res.Error == "" {
				res.Error = err.Error()
			}
			joined = errors.Join(joined, fmt.Errorf("workflow: expert %s: %w", req.ID, err))
		}
		results = append(results, res)
	}

	ctx.mu.Lock()
	prev, _ := ctx.data[expertResultsKey].([]ExpertResult)
	ctx.data[expertResultsKey] = append(prev, results...)
	ctx.mu.Unlock()

	if turn := ctx.Turn(); turn != nil {
		batch := make([]any, len(results))
		for i, r := range results {
			batch[i] = r.Map()
		}
		turn.AddResults(batch...)
		turn.Reply = true
	}
	return joined
}

func (mw *ExpertMiddleware) dequeue(ctx *ExecutionContext) []ExpertRequest {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	queued, _ := ctx.data[expertRequestsKey].([]ExpertRequest)
	delete(ctx.data, expertRequestsKey)
	return queued
}
