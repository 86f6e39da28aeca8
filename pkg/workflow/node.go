package workflow

import (
	"context"
	"slices"
	"sync"

	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/tool"
)

// NodeKind describes how a node routes.
type NodeKind int

const (
	// NodeAction runs logic then follows transitions.
	NodeAction NodeKind = iota
	// NodeDecision picks the next node itself.
	NodeDecision
	// NodeParallel fans out into branches.
	NodeParallel
)

func (k NodeKind) String() string {
	switch k {
	case NodeDecision:
		return "decision"
	case NodeParallel:
		return "parallel"
	default:
		return "action"
	}
}

// Step describes the node being executed, for middleware.
type Step struct {
	Name string
	Kind NodeKind
}

// Node is a unit of work. Implementations must be safe for concurrent use.
type Node interface {
	Name() string
	Kind() NodeKind
	Run(*ExecutionContext) (NodeResult, error)
}

// NodeResult lets a node override routing. A nil Next falls back to transitions.
type NodeResult struct {
	Next     []string
	Parallel bool
}

// ActionFunc performs work without altering routing.
type ActionFunc func(*ExecutionContext) error

// ActionNode runs fn then follows transitions.
type ActionNode struct {
	name string
	fn   ActionFunc
}

func NewAction(name string, fn ActionFunc) *ActionNode {
	return &ActionNode{name: name, fn: fn}
}

func (n *ActionNode) Name() string   { return n.name }
func (n *ActionNode) Kind() NodeKind { return NodeAction }
func (n *ActionNode) Run(ctx *ExecutionContext) (NodeResult, error) {
	if n.fn == nil {
		return NodeResult{}, nil
	}
	return NodeResult{}, n.fn(ctx)
}

// DecisionFunc returns the next node, or "" to end the branch.
type DecisionFunc func(*ExecutionContext) (string, error)

// DecisionNode routes by its function and ignores transitions.
type DecisionNode struct {
	name string
	f    DecisionFunc
}

func NewDecision(name string, f DecisionFunc) *DecisionNode {
	return &DecisionNode{name: name, f: f}
}

func (n *DecisionNode) Name() string   { return n.name }
func (n *DecisionNode) Kind() NodeKind { return NodeDecision }
func (n *DecisionNode) Run(ctx *ExecutionContext) (NodeResult, error) {
	if n.f == nil {
		return NodeResult{Next: []string{}}, nil
	}
	next, err := n.f(ctx)
	if err != nil {
		return NodeResult{}, err
	}
	if next == "" {
		return NodeResult{Next: []string{}}, nil
	}
	return NodeResult{Next: []string{next}}, nil
}

// ParallelNode starts its branches concurrently.
type ParallelNode struct {
	name     string
	branches []string
}

func NewParallel(name string, branches ...string) *ParallelNode {
	return &ParallelNode{name: name, branches: slices.Clone(branches)}
}

func (n *ParallelNode) Name() string   { return n.name }
func (n *ParallelNode) Kind() NodeKind { return NodeParallel }
func (n *ParallelNode) Run(*ExecutionContext) (NodeResult, error) {
	return NodeResult{Next: slices.Clone(n.branches), Parallel: true}, nil
}

// ExecutionContext is shared by every node of one run. Data access is locked;
// the turn and tool set are shared by reference.
type ExecutionContext struct {
	ctx   context.Context
	turn  *message.Turn
	tools *tool.Set
	emit  func(*events.Event)

	mu   *sync.RWMutex
	data map[string]any
}

// NewExecutionContext binds a run to turn. tools and emit may be nil.
func NewExecutionContext(ctx context.Context, turn *message.Turn, data map[string]any, tools *tool.Set, emit func(*events.Event)) *ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	if tools == nil {
		tools = tool.NewSet()
	}
	c := &ExecutionContext{ctx: ctx, turn: turn, tools: tools, emit: emit, mu: &sync.RWMutex{}, data: map[string]any{}}
	for k, v := range data {
		c.data[k] = v
	}
	return c
}

// Context returns the cancellation context.
func (c *ExecutionContext) Context() context.Context { return c.ctx }

// Turn returns the conversation turn the run writes to.
func (c *ExecutionContext) Turn() *message.Turn { return c.turn }

// Tools returns the tool set available to nodes.
func (c *ExecutionContext) Tools() *tool.Set { return c.tools }

// WithContext returns a copy sharing data, turn and tools under ctx.
func (c *ExecutionContext) WithContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return c
	}
	clone := *c
	clone.ctx = ctx
	return &clone
}

// Emit forwards evt to the run's event sink, attaching the turn.
func (c *ExecutionContext) Emit(evt *events.Event) {
	if c.emit == nil || evt == nil {
		return
	}
	if evt.Turn == nil {
		evt.Turn = c.turn
	}
	c.emit(evt)
}

// Set stores a value.
func (c *ExecutionContext) Set(key string, value any) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

// Get retrieves a value.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.data[key]
	return val, ok
}

// String returns the string stored under key, or "".
func (c *ExecutionContext) String(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}
