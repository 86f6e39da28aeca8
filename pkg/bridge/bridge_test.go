package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/index"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/model"
	"github.com/cexll/agentcore/pkg/worker"
)

type fakeExec struct {
	mu     sync.Mutex
	calls  []*Context
	extras []Extra
	fn     func(ctx context.Context, bctx *Context, signals *worker.Signals) (bool, error)
}

func (f *fakeExec) Call(ctx context.Context, bctx *Context, extra Extra, signals *worker.Signals) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, bctx)
	f.extras = append(f.extras, extra)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(ctx, bctx, signals)
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingDispatcher) Dispatch(_ context.Context, v any, _ bool) ([]string, *events.Event, error) {
	evt := v.(*events.Event)
	r.mu.Lock()
	r.names = append(r.names, evt.Name)
	r.mu.Unlock()
	return nil, evt, nil
}

func (r *recordingDispatcher) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestRequestWithStoppedKernelCreatesNoWorker(t *testing.T) {
	t.Parallel()
	k := kernel.New(true, true)
	k.Stop()
	pool := worker.NewPool(1, 1, worker.WithKernel(k))
	defer pool.Close()
	exec := &fakeExec{}
	responded := false
	b := New(exec, WithKernel(k), WithPool(pool), WithResponder(func(*Context, *worker.Signals) { responded = true }))

	bctx := &Context{Prompt: "hi", Mode: ModePlan}
	require.False(t, b.Request(context.Background(), bctx, nil))
	require.Same(t, bctx, b.LastContext())
	require.Zero(t, exec.count())
	require.False(t, responded)
	require.Nil(t, bctx.Turn)
	require.ErrorIs(t, b.LastError(), ErrKernelStopped)
}

func TestRequestSyncModeRunsInline(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	store := NewMemoryStore()
	exec := &fakeExec{fn: func(_ context.Context, bctx *Context, signals *worker.Signals) (bool, error) {
		bctx.Turn.AppendOutput("hello")
		signals.Emit(events.NewRender(events.RenderStreamAppend, map[string]any{"chunk": "hello"}))
		return true, nil
	}}
	b := New(exec, WithDispatcher(disp), WithTurnStore(store))

	bctx := &Context{Prompt: "hi", Mode: ModeAssistant}
	require.True(t, b.Request(context.Background(), bctx, nil))
	require.Equal(t, []string{events.RenderStreamAppend, events.RenderStateIdle}, disp.seen())
	require.Equal(t, "assistant", exec.extras[0].String("agent_provider"))

	saved, ok := store.Get(bctx.Turn.Meta.ID)
	require.True(t, ok)
	require.Equal(t, "hello", saved.OutputText())
}

func TestRequestPooledModeHandsSignalsToResponder(t *testing.T) {
	t.Parallel()
	pool := worker.NewPool(1, 4)
	defer pool.Close()
	got := make(chan *worker.Signals, 1)
	exec := &fakeExec{fn: func(_ context.Context, _ *Context, signals *worker.Signals) (bool, error) {
		signals.Emit(events.NewRender(events.RenderStreamBegin, nil))
		return true, nil
	}}
	b := New(exec, WithPool(pool), WithResponder(func(_ *Context, s *worker.Signals) { got <- s }))

	require.True(t, b.Request(context.Background(), &Context{Prompt: "x", Mode: ModePlan}, Extra{"agent_provider": "custom"}))
	var kinds []worker.SignalKind
	err := worker.Drain(context.Background(), <-got, func(sig worker.Signal) { kinds = append(kinds, sig.Kind) })
	require.NoError(t, err)
	require.Equal(t, []worker.SignalKind{worker.SignalEvent, worker.SignalFinished}, kinds)
	require.Equal(t, "custom", exec.extras[0].String("agent_provider"))
}

func TestQueuedRequestFinishesWhenKernelStops(t *testing.T) {
	t.Parallel()
	k := kernel.New(true, true)
	pool := worker.NewPool(1, 4, worker.WithKernel(k))
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), worker.Func(func(context.Context) {
		close(started)
		<-release
	})))
	<-started

	store := NewMemoryStore()
	exec := &fakeExec{}
	got := make(chan *worker.Signals, 1)
	b := New(exec, WithKernel(k), WithPool(pool), WithTurnStore(store),
		WithResponder(func(_ *Context, s *worker.Signals) { got <- s }))

	bctx := &Context{Prompt: "queued", Mode: ModePlan}
	require.True(t, b.Request(context.Background(), bctx, nil))
	k.Stop()
	close(release)
	pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var kinds []worker.SignalKind
	require.NoError(t, worker.Drain(ctx, <-got, func(sig worker.Signal) { kinds = append(kinds, sig.Kind) }))
	require.Equal(t, []worker.SignalKind{worker.SignalFinished}, kinds)
	require.Zero(t, exec.count())
	_, ok := store.Get(bctx.Turn.Meta.ID)
	require.True(t, ok)
}

func TestInlineRequestKeepsDrainingAfterCancel(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	store := NewMemoryStore()
	const chunks = 3 * signalBuffer
	exec := &fakeExec{fn: func(_ context.Context, bctx *Context, signals *worker.Signals) (bool, error) {
		for range chunks {
			bctx.Turn.AppendOutput("x")
			signals.Emit(events.NewRender(events.RenderStreamAppend, map[string]any{"chunk": "x"}))
		}
		return true, nil
	}}
	b := New(exec, WithDispatcher(disp), WithTurnStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bctx := &Context{Prompt: "long", Mode: ModeAssistant}
	require.True(t, b.Request(ctx, bctx, nil))

	require.Eventually(t, func() bool {
		seen := disp.seen()
		return len(seen) > 0 && seen[len(seen)-1] == events.RenderStateIdle
	}, 2*time.Second, 10*time.Millisecond)
	saved, ok := store.Get(bctx.Turn.Meta.ID)
	require.True(t, ok)
	require.Len(t, saved.OutputText(), chunks)
}

func TestRequestNextMarksContinuation(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{}
	b := New(exec)
	require.True(t, b.RequestNext(context.Background(), &Context{Mode: ModeAssistant}, Extra{"flush": true}))
	require.Equal(t, ModeLoopNext, exec.extras[0].String("worker_mode"))
	require.True(t, exec.extras[0].Bool("flush"))
}

func TestAgentModeResolvesSubModeAndIndex(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{}
	agents := NewAgentRegistry(map[string]config.AgentConfig{
		"researcher": {Mode: ModePlan, SubMode: ModeStep, Index: "docs"},
	})
	b := New(exec, WithAgents(agents), WithSyncModes(ModeStep))

	bctx := &Context{Prompt: "q", Mode: ModeAgent, Agent: "researcher"}
	require.True(t, b.Request(context.Background(), bctx, nil))
	require.Equal(t, ModeStep, bctx.Mode)
	require.Equal(t, ModeAgent, bctx.ParentMode)
	require.Equal(t, "docs", bctx.Idx)
	require.Equal(t, "researcher", exec.extras[0].String("agent_provider"))
}

func TestModeFallbackDisablesStreaming(t *testing.T) {
	t.Parallel()
	b := New(&fakeExec{})
	ref := &ModelRef{
		ID:       "small",
		Modes:    []string{ModeAssistant},
		Fallback: map[string]string{ModePlan: ModeAssistant},
		NoStream: []string{ModeAssistant},
	}

	bctx := &Context{Mode: ModePlan, Model: ref, Stream: true}
	b.resolveMode(bctx)
	require.Equal(t, ModeAssistant, bctx.Mode)
	require.False(t, bctx.Stream)

	bctx = &Context{Mode: ModeWorkflow, Model: ref}
	b.resolveMode(bctx)
	require.Equal(t, ModeWorkflow, bctx.Mode)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestApplyRateLimitSpacing(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(&fakeExec{}, WithClock(clock.Now, clock.Sleep), WithRequestsPerMinute(60))

	var calls []time.Time
	call := func() {
		b.ApplyRateLimit(context.Background())
		calls = append(calls, clock.Now())
	}
	call()
	clock.Advance(500 * time.Millisecond)
	call()
	call()
	clock.Advance(5 * time.Second)
	call()

	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, clock.sleeps)
	for i := 1; i < len(calls); i++ {
		require.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), time.Second)
	}
	require.Equal(t, calls[len(calls)-1], b.limiter.last())
}

func TestApplyRateLimitDisabledAndReconfigured(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(&fakeExec{}, WithClock(clock.Now, clock.Sleep))
	for i := 0; i < 3; i++ {
		b.ApplyRateLimit(context.Background())
	}
	require.Empty(t, clock.sleeps)

	rpm := 30
	b.Configure(&config.Settings{RequestsPerMinute: &rpm})
	b.ApplyRateLimit(context.Background())
	require.Equal(t, []time.Duration{2 * time.Second}, clock.sleeps)
}

func TestWorkerFailurePersistsPartialOutput(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	store := NewMemoryStore()
	boom := errors.New("provider down")
	exec := &fakeExec{fn: func(_ context.Context, bctx *Context, _ *worker.Signals) (bool, error) {
		bctx.Turn.AppendOutput("partial")
		return false, boom
	}}
	b := New(exec, WithDispatcher(disp), WithTurnStore(store))

	bctx := &Context{Prompt: "hi", Mode: ModeAssistant}
	require.True(t, b.Request(context.Background(), bctx, nil))
	require.ErrorIs(t, b.LastError(), boom)
	require.Equal(t, []string{events.RenderStateError}, disp.seen())
	saved, ok := store.Get(bctx.Turn.Meta.ID)
	require.True(t, ok)
	require.Equal(t, "partial", saved.OutputText())
}

func TestWorkerRecoversPanicAndIncompleteRuns(t *testing.T) {
	t.Parallel()
	b := New(&fakeExec{fn: func(context.Context, *Context, *worker.Signals) (bool, error) { panic("bad runner") }})
	w := b.GetWorker(&Context{Mode: ModeAssistant}, nil)
	go w.Run(context.Background())
	err := worker.Drain(context.Background(), w.Signals(), nil)
	require.ErrorContains(t, err, "bad runner")

	b = New(&fakeExec{fn: func(context.Context, *Context, *worker.Signals) (bool, error) { return false, nil }})
	w = b.GetWorker(&Context{Mode: ModeAssistant}, nil)
	go w.Run(context.Background())
	require.ErrorIs(t, worker.Drain(context.Background(), w.Signals(), nil), ErrIncomplete)
}

func TestCallQuickPaths(t *testing.T) {
	t.Parallel()
	var seen model.Request
	fake := model.Func(func(_ context.Context, req model.Request) (*model.Response, error) {
		seen = req
		return &model.Response{Message: model.Message{Content: "  ninety "}}, nil
	})
	models := NewModelRegistry(nil)
	ref := &ModelRef{ID: "judge", Provider: "test", Modes: []string{ModeAssistant}, Fallback: map[string]string{ModeResearch: ModeAssistant}}
	models.Set(ref, fake)
	k := kernel.New(true, true)
	b := New(&fakeExec{}, WithKernel(k), WithModels(models))

	bctx := &Context{Prompt: "score it", Model: ref, SystemPrompt: "judge", History: []message.Message{{Role: "user", Content: "earlier"}}}
	require.Equal(t, "ninety", b.Call(context.Background(), bctx, nil))
	require.Same(t, bctx, b.LastQuickContext())
	require.Len(t, seen.Messages, 2)
	require.Equal(t, "judge", seen.System)

	bctx = &Context{Prompt: "dig", Model: ref}
	b.Call(context.Background(), bctx, Extra{"research": true})
	require.Equal(t, ModeAssistant, bctx.Mode)

	k.Stop()
	require.Empty(t, b.Call(context.Background(), &Context{Prompt: "x", Model: ref}, nil))
	require.Equal(t, "ninety", b.Call(context.Background(), &Context{Prompt: "x", Model: ref, Force: true}, nil))
}

func TestCallIndexBackedQuickPath(t *testing.T) {
	t.Parallel()
	store, err := index.Open(index.Config{}, index.HashEmbedder{Dim: 32})
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), "faq", index.Document{ID: "1", Content: "refunds take five days"}))

	var prompt string
	models := NewModelRegistry(nil)
	ref := &ModelRef{ID: "indexed", QuickIndex: true}
	models.Set(ref, model.Func(func(_ context.Context, req model.Request) (*model.Response, error) {
		prompt = req.Messages[0].Content
		return &model.Response{Message: model.Message{Content: "five days"}}, nil
	}))
	b := New(&fakeExec{}, WithModels(models), WithIndex(store))

	bctx := &Context{Prompt: "how long do refunds take", Model: ref, Idx: "faq"}
	require.Equal(t, "five days", b.Call(context.Background(), bctx, nil))
	require.Equal(t, "five days", bctx.Turn.OutputText())
	require.Contains(t, prompt, "refunds take five days")
	require.Nil(t, b.LastQuickContext())
}

func TestCallRecordsProviderFailure(t *testing.T) {
	t.Parallel()
	models := NewModelRegistry(nil, WithOpener(func(string, string) (model.Model, error) {
		return nil, model.ErrUnknownProvider
	}))
	b := New(&fakeExec{}, WithModels(models))
	require.Empty(t, b.Call(context.Background(), &Context{Prompt: "x"}, nil))
	require.ErrorIs(t, b.LastError(), model.ErrUnknownProvider)
}

func TestRegistries(t *testing.T) {
	t.Parallel()
	agents := NewAgentRegistry(map[string]config.AgentConfig{"a": {Mode: ModeStep}})
	require.Contains(t, agents.IDs(), ModeWorkflow)
	cfg, ok := agents.Get("a")
	require.True(t, ok)
	require.Equal(t, ModeStep, cfg.Mode)

	models := NewModelRegistry(map[string]config.ModelConfig{
		"b": {Provider: "openai"},
		"a": {Provider: "anthropic", Name: "claude"},
	})
	require.Equal(t, "a", models.Default().ID)
	ref, ok := models.Get("b")
	require.True(t, ok)
	require.Equal(t, "b", ref.Name)
	require.Equal(t, "anthropic", NewModelRegistry(nil).Default().Provider)
	require.Equal(t, "b", NewModelRegistry(map[string]config.ModelConfig{"a": {}, "b": {}}, WithDefaultModel("b")).Default().ID)
}
