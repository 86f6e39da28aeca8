package workflow

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/tool"
)

// ErrStopped is returned when the stop check fires between steps.
var ErrStopped = errors.New("workflow: stopped")

// TraversalStrategy orders ready nodes.
type TraversalStrategy int

const (
	TraversalDFS TraversalStrategy = iota
	TraversalBFS
)

const defaultMaxSteps = 1000

// Executor walks a graph with middleware, loops and parallel branches.
type Executor struct {
	graph       *Graph
	middlewares []Middleware
	strategy    TraversalStrategy
	maxSteps    int
	maxParallel int
	start       string
	initialData map[string]any
	tools       *tool.Set
	turn        *message.Turn
	emit        func(*events.Event)
	stopped     func() bool
}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) ExecutorOption {
	return func(e *Executor) { e.middlewares = append(e.middlewares, mw...) }
}

// WithStrategy sets traversal ordering. DFS is the default.
func WithStrategy(strategy TraversalStrategy) ExecutorOption {
	return func(e *Executor) { e.strategy = strategy }
}

// WithMaxSteps caps steps per branch to break runaway loops.
func WithMaxSteps(limit int) ExecutorOption {
	return func(e *Executor) { e.maxSteps = limit }
}

// WithMaxParallel bounds concurrent branches of a parallel node. Zero means unbounded.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) { e.maxParallel = n }
}

// WithStart overrides the graph's start node.
func WithStart(name string) ExecutorOption {
	return func(e *Executor) { e.start = name }
}

// WithInitialData seeds the execution context.
func WithInitialData(data map[string]any) ExecutorOption {
	return func(e *Executor) {
		e.initialData = make(map[string]any, len(data))
		for k, v := range data {
			e.initialData[k] = v
		}
	}
}

// WithTools exposes tools to nodes.
func WithTools(tools *tool.Set) ExecutorOption {
	return func(e *Executor) { e.tools = tools }
}

// WithTurn binds the run to a conversation turn.
func WithTurn(turn *message.Turn) ExecutorOption {
	return func(e *Executor) { e.turn = turn }
}

// WithEmitter receives step status events and anything nodes emit.
func WithEmitter(fn func(*events.Event)) ExecutorOption {
	return func(e *Executor) { e.emit = fn }
}

// WithStopCheck is polled before every step.
func WithStopCheck(fn func() bool) ExecutorOption {
	return func(e *Executor) { e.stopped = fn }
}

// NewExecutor constructs an Executor around g.
func NewExecutor(g *Graph, opts ...ExecutorOption) *Executor {
	ex := &Executor{graph: g, strategy: TraversalDFS, maxSteps: defaultMaxSteps}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// Run executes the graph and returns the shared execution context.
func (e *Executor) Run(ctx context.Context) (*ExecutionContext, error) {
	if e.graph == nil {
		return nil, errors.New("workflow: graph is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.graph.Validate(); err != nil {
		return nil, err
	}
	start := e.start
	if start == "" {
		start = e.graph.Start()
	}
	execCtx := NewExecutionContext(ctx, e.turn, e.initialData, e.tools, e.emit)
	return execCtx, e.runBranch(execCtx, start)
}

func (e *Executor) runBranch(ctx *ExecutionContext, start string) error {
	work := newWorklist(e.strategy, start)
	steps := 0
	for {
		if err := ctx.Context().Err(); err != nil {
			return err
		}
		if e.stopped != nil && e.stopped() {
			return ErrStopped
		}
		current, ok := work.pop()
		if !ok {
			return nil
		}
		steps++
		if e.maxSteps > 0 && steps > e.maxSteps {
			return fmt.Errorf("workflow: step limit exceeded (%d)", e.maxSteps)
		}
		if err := e.executeNode(ctx, current, work); err != nil {
			return err
		}
	}
}

func (e *Executor) executeNode(ctx *ExecutionContext, name string, work *worklist) error {
	node, ok := e.graph.Node(name)
	if !ok {
		return fmt.Errorf("workflow: node %q not found", name)
	}
	step := Step{Name: name, Kind: node.Kind()}
	ctx.Emit(events.NewRender(events.RenderAgentThinking, map[string]any{"step": name, "kind": step.Kind.String()}))
	return applyMiddleware(e.middlewares, ctx, step, func() error {
		res, err := node.Run(ctx)
		if err != nil {
			return fmt.Errorf("workflow: node %s: %w", name, err)
		}
		targets := res.Next
		if targets == nil {
			if targets, err = e.resolveNext(name, ctx); err != nil {
				return err
			}
		}
		if len(targets) == 0 {
			return nil
		}
		if res.Parallel {
			return e.runParallel(ctx, targets)
		}
		work.push(targets)
		return nil
	})
}

func (e *Executor) resolveNext(name string, ctx *ExecutionContext) ([]string, error) {
	var next []string
	for _, t := range e.graph.transitions(name) {
		ok, err := t.Allows(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			next = append(next, t.To)
		}
	}
	return next, nil
}

// runParallel runs each target as its own branch. The first failure cancels the others.
func (e *Executor) runParallel(ctx *ExecutionContext, targets []string) error {
	g, gctx := errgroup.WithContext(ctx.Context())
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	shared := ctx.WithContext(gctx)
	for _, name := range targets {
		g.Go(func() error { return e.runBranch(shared, name) })
	}
	return g.Wait()
}

type worklist struct {
	items    []string
	strategy TraversalStrategy
}

func newWorklist(strategy TraversalStrategy, start string) *worklist {
	return &worklist{items: []string{start}, strategy: strategy}
}

func (w *worklist) pop() (string, bool) {
	if len(w.items) == 0 {
		return "", false
	}
	if w.strategy == TraversalBFS {
		item := w.items[0]
		w.items = w.items[1:]
		return item, true
	}
	idx := len(w.items) - 1
	item := w.items[idx]
	w.items = w.items[:idx]
	return item, true
}

func (w *worklist) push(names []string) {
	w.items = append(w.items, names...)
}
