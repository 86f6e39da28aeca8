package reply

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/message"
)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Dispatch(_ context.Context, v any, _ bool) ([]string, *events.Event, error) {
	evt := v.(*events.Event)
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil, evt, nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func (r *recorder) kernelEvents() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Kind == events.KindKernel {
			out = append(out, e)
		}
	}
	return out
}

func asyncKernel() *kernel.State { return kernel.New(true, true) }

func replyContext(results ...any) *bridge.Context {
	turn := message.NewTurn("q")
	turn.Reply = true
	turn.AddResults(results...)
	return &bridge.Context{Turn: turn}
}

func TestAddWithoutTurnIsNoop(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(rec, WithKernel(asyncKernel()))
	require.Empty(t, c.Add(context.Background(), nil, nil))
	require.Empty(t, c.Add(context.Background(), &bridge.Context{}, nil))
	require.False(t, c.Pending())
	require.Empty(t, rec.names())
}

func TestAgentCallReturnsResultsImmediately(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(rec, WithKernel(asyncKernel()))
	turn := message.NewTurn("score this")
	turn.AgentCall = true
	turn.AddResults(map[string]any{"score": 90})

	got := c.Add(context.Background(), &bridge.Context{Mode: bridge.ModeAgent, Turn: turn}, nil)
	require.Equal(t, []any{map[string]any{"score": 90}}, got)
	require.Empty(t, c.Stack())
	require.False(t, c.Pending())
}

func TestTwoAddsOneFlushEmitsSingleAggregate(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(rec, WithKernel(asyncKernel()))
	bctx := replyContext("A")

	require.Empty(t, c.Add(context.Background(), bctx, nil))
	bctx.Turn.AddResults("B")
	require.Empty(t, c.Add(context.Background(), bctx, nil))
	require.True(t, c.Pending())
	require.Equal(t, [][]any{{"A"}, {"B"}}, c.Stack())
	require.Empty(t, bctx.Turn.Results())

	c.Flush(context.Background())
	require.False(t, c.Pending())
	require.Empty(t, c.Stack())

	kernelEvents := rec.kernelEvents()
	require.Len(t, kernelEvents, 1)
	require.Equal(t, events.KernelReplyAdd, kernelEvents[0].Name)
	require.Equal(t, []any{"A", "B"}, kernelEvents[0].Data["results"])
	require.Same(t, bctx, kernelEvents[0].Data["context"])
	require.Equal(t, []string{events.RenderAgentThinking, events.KernelReplyAdd}, rec.names())
}

func TestFlushWithoutPendingIsNoop(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(rec)
	c.Flush(context.Background())
	require.Empty(t, rec.names())
}

func TestAddFlushesWhenRequestedOrKernelSync(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(rec, WithKernel(asyncKernel()))
	c.Add(context.Background(), replyContext("x"), bridge.Extra{"flush": true})
	require.Len(t, rec.kernelEvents(), 1)
	require.False(t, c.Pending())

	rec2 := &recorder{}
	inline := New(rec2, WithKernel(kernel.New(false, false)))
	inline.Add(context.Background(), replyContext("y"), nil)
	require.Len(t, rec2.kernelEvents(), 1)
}

func TestReActAgentOnlyRendersStatus(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	agents := bridge.NewAgentRegistry(map[string]config.AgentConfig{"docs": {Mode: bridge.ModeStep, ReAct: true}})
	c := New(rec, WithKernel(asyncKernel()), WithAgents(agents))
	bctx := replyContext("hit")
	bctx.Agent = "docs"
	c.Add(context.Background(), bctx, nil)
	c.Flush(context.Background())
	require.Equal(t, []string{events.RenderAgentThinking}, rec.names())
	require.False(t, c.Pending())
}

func TestClearResetsToIdle(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(rec, WithKernel(asyncKernel()))
	c.Add(context.Background(), replyContext("x"), nil)
	c.Clear()
	require.False(t, c.Pending())
	c.Flush(context.Background())
	require.Empty(t, rec.names())
}

func TestConcurrentAddsFlushEachBatchOnce(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(rec, WithKernel(asyncKernel()))
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Add(context.Background(), replyContext(i), nil)
		}()
		go func() {
			defer wg.Done()
			c.Flush(context.Background())
		}()
	}
	wg.Wait()
	c.Flush(context.Background())

	seen := map[any]int{}
	for _, evt := range rec.kernelEvents() {
		for _, r := range evt.Data["results"].([]any) {
			seen[r]++
		}
	}
	require.Len(t, seen, 20)
	for v, n := range seen {
		require.Equal(t, 1, n, "result %v", v)
	}
}

func TestOnPostResponseRunsKnownMarkers(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var custom int
	c := New(rec, WithPostUpdateHook("custom", func(context.Context, *message.Turn) { custom++ }))
	turn := message.NewTurn("q")
	c.OnPostResponse(context.Background(), turn, map[string]any{"post_update": []any{"file_explorer", "unknown", "custom"}})
	require.Equal(t, []string{events.RenderFileExplorerUpdate}, rec.names())
	require.Equal(t, 1, custom)

	c.OnPostResponse(context.Background(), turn, nil)
	require.Len(t, rec.names(), 1)
}
