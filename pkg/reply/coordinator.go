// Package reply folds sub-agent and tool results back into the turn loop.
//
// Results produced by a turn marked for reply are stacked until Flush, which
// emits one status render event and one REPLY_ADD kernel event carrying every
// pending batch. At most one reply turn is pending at a time.
package reply

import (
	"context"
	"sync"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/message"
)

// Dispatcher routes the events Flush and OnPostResponse emit.
type Dispatcher interface {
	Dispatch(ctx context.Context, v any, all bool) ([]string, *events.Event, error)
}

// PostUpdateHook refreshes a collaborator after a response.
type PostUpdateHook func(ctx context.Context, turn *message.Turn)

// Coordinator holds the reply stack of the current pending turn.
type Coordinator struct {
	dispatcher Dispatcher
	kernel     *kernel.State
	agents     *bridge.AgentRegistry
	logger     logging.Logger
	hooks      map[string]PostUpdateHook

	mu       sync.Mutex
	stack    [][]any
	replyCtx *bridge.Context
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithKernel supplies the capability flags that decide whether Add flushes
// immediately.
func WithKernel(k *kernel.State) Option { return func(c *Coordinator) { c.kernel = k } }

// WithAgents lets Flush look up whether the pending turn belongs to a ReAct
// index agent.
func WithAgents(r *bridge.AgentRegistry) Option { return func(c *Coordinator) { c.agents = r } }

func WithLogger(l logging.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithPostUpdateHook registers fn for a post_update marker.
func WithPostUpdateHook(name string, fn PostUpdateHook) Option {
	return func(c *Coordinator) { c.hooks[name] = fn }
}

// New builds a coordinator. The "file_explorer" marker dispatches a
// FILE_EXPLORER_UPDATE render event unless overridden.
func New(d Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{dispatcher: d, hooks: map[string]PostUpdateHook{}}
	c.hooks["file_explorer"] = func(ctx context.Context, turn *message.Turn) {
		c.dispatch(ctx, events.NewRender(events.RenderFileExplorerUpdate, nil).WithTurn(turn))
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// Add collects the results of bctx's turn. Agent calls get their results back
// directly and never enter the stack. A turn marked for reply moves its
// results onto the stack and becomes the pending reply turn; extra["flush"]
// or a kernel without async support flushes right away.
func (c *Coordinator) Add(ctx context.Context, bctx *bridge.Context, extra bridge.Extra) []any {
	if bctx == nil || bctx.Turn == nil {
		return []any{}
	}
	turn := bctx.Turn
	if turn.AgentCall {
		return turn.Results()
	}
	if !turn.Reply {
		return []any{}
	}
	batch := turn.TakeResults()
	c.mu.Lock()
	if len(batch) > 0 {
		c.stack = append(c.stack, batch)
	}
	c.replyCtx = bctx
	c.mu.Unlock()

	if extra.Bool("flush") || !c.kernel.Async() {
		c.Flush(ctx)
	}
	return []any{}
}

// Flush emits the pending stack and returns to idle. It is a no-op without a
// pending turn. The stack and reply turn are detached together, so an Add
// racing with Flush starts a new cycle.
func (c *Coordinator) Flush(ctx context.Context) {
	c.mu.Lock()
	bctx, stack := c.replyCtx, c.stack
	c.replyCtx, c.stack = nil, nil
	c.mu.Unlock()
	if bctx == nil {
		return
	}

	c.dispatch(ctx, events.NewRender(events.RenderAgentThinking, map[string]any{
		"status":  "continuing",
		"batches": len(stack),
	}).WithTurn(bctx.Turn))
	if c.react(bctx) {
		c.logger.Debug("reply: ReAct agent %s, skipping continuation", bctx.Agent)
		return
	}

	var results []any
	for _, batch := range stack {
		results = append(results, batch...)
	}
	c.dispatch(ctx, events.NewKernel(events.KernelReplyAdd, map[string]any{
		"context": bctx,
		"results": results,
		"batches": stack,
	}).WithTurn(bctx.Turn))
}

// OnPostResponse runs the hooks named in extra["post_update"]. Unknown
// markers are ignored.
func (c *Coordinator) OnPostResponse(ctx context.Context, turn *message.Turn, extra map[string]any) {
	for _, name := range markers(extra["post_update"]) {
		if hook, ok := c.hooks[name]; ok {
			hook(ctx, turn)
		}
	}
}

// Clear drops the pending turn and its stack.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.replyCtx, c.stack = nil, nil
	c.mu.Unlock()
}

// Pending reports whether a reply turn awaits Flush.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyCtx != nil
}

// Stack returns a copy of the pending batches.
func (c *Coordinator) Stack() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]any, len(c.stack))
	for i, batch := range c.stack {
		out[i] = append([]any(nil), batch...)
	}
	return out
}

func (c *Coordinator) react(bctx *bridge.Context) bool {
	if bctx.Agent == "" {
		return false
	}
	cfg, ok := c.agents.Get(bctx.Agent)
	return ok && cfg.ReAct
}

func (c *Coordinator) dispatch(ctx context.Context, evt *events.Event) {
	if c.dispatcher == nil {
		return
	}
	if _, _, err := c.dispatcher.Dispatch(ctx, evt, false); err != nil {
		c.logger.Warn("reply: dispatch %s: %v", evt.Name, err)
	}
}

func markers(v any) []string {
	switch m := v.(type) {
	case []string:
		return m
	case []any:
		out := make([]string, 0, len(m))
		for _, e := range m {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{m}
	}
	return nil
}
