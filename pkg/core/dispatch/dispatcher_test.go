package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cexll/agentcore/pkg/core/events"
)

type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(name string) {
	t.mu.Lock()
	t.calls = append(t.calls, name)
	t.mu.Unlock()
}

func (t *trace) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func recordingHandler(tr *trace, name string, stop bool) Handler {
	return HandlerFunc(func(_ context.Context, evt *events.Event) {
		tr.add(name)
		if stop {
			evt.Stop = true
		}
	})
}

func recordingPlugin(tr *trace, name string, stop bool) Plugin {
	return PluginFunc(func(_ context.Context, evt *events.Event) error {
		tr.add(name)
		if stop {
			evt.Stop = true
		}
		return nil
	})
}

func newTracedDispatcher(tr *trace, stopAt Slot) *Dispatcher {
	opts := make([]Option, 0, len(slotNames))
	for i := range slotNames {
		slot := Slot(i)
		opts = append(opts, WithHandler(slot, recordingHandler(tr, slot.String(), slot == stopAt)))
	}
	return New(opts...)
}

const noStop = Slot(-1)

func TestDispatchRejectsNonEvents(t *testing.T) {
	t.Parallel()
	d := New()
	_, _, err := d.Dispatch(context.Background(), "INIT", false)
	require.ErrorIs(t, err, ErrNotEvent)

	var nilEvt *events.Event
	_, _, err = d.Dispatch(context.Background(), nilEvt, false)
	require.ErrorIs(t, err, ErrNotEvent)
}

func TestDispatchAssignsMonotonicCallIDs(t *testing.T) {
	t.Parallel()
	var inner *events.Event
	var d *Dispatcher
	d = New(WithHandler(SlotAgent, HandlerFunc(func(ctx context.Context, evt *events.Event) {
		if evt.Name != "outer" {
			return
		}
		inner = events.NewApp("inner", nil)
		if _, _, err := d.Dispatch(ctx, inner, false); err != nil {
			t.Errorf("nested dispatch: %v", err)
		}
	})))

	outer := events.NewApp("outer", nil)
	_, _, err := d.Dispatch(context.Background(), outer, false)
	require.NoError(t, err)
	next := events.NewControl("next", nil)
	_, _, err = d.Dispatch(context.Background(), next, false)
	require.NoError(t, err)

	require.Equal(t, int64(1), outer.CallID)
	require.Equal(t, int64(2), inner.CallID)
	require.Equal(t, int64(3), next.CallID)
}

func TestDispatchKeepsRenderCallID(t *testing.T) {
	t.Parallel()
	d := New()
	evt := events.NewRender(events.RenderStateBusy, nil)
	evt.CallID = 77
	_, _, err := d.Dispatch(context.Background(), evt, false)
	require.NoError(t, err)
	require.Equal(t, int64(77), evt.CallID)
}

func TestRealtimeEventsOnlyReachRealtimeHandler(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	d := newTracedDispatcher(tr, noStop)
	require.NoError(t, d.Register("p1", recordingPlugin(tr, "p1", false), true))

	affected, evt, err := d.Dispatch(context.Background(), events.NewRealtime(events.RealtimeTextDelta, nil), true)
	require.NoError(t, err)
	require.Empty(t, affected)
	require.NotNil(t, evt)
	require.Equal(t, []string{"realtime"}, tr.all())
}

func TestAutoKernelEventBypassesKernelHandlerAndPlugins(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	d := newTracedDispatcher(tr, noStop)
	require.NoError(t, d.Register("p1", recordingPlugin(tr, "p1", false), true))

	in := events.NewKernel(events.KernelInit, nil)
	affected, out, err := d.Dispatch(context.Background(), in, false)
	require.NoError(t, err)
	require.Empty(t, affected)
	require.Same(t, in, out)
	require.Equal(t, []string{"tools"}, tr.all())
}

func TestKernelAndRenderEventsStopAfterTools(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	d := newTracedDispatcher(tr, noStop)
	require.NoError(t, d.Register("p1", recordingPlugin(tr, "p1", false), true))

	_, _, err := d.Dispatch(context.Background(), events.NewKernel(events.KernelInputSystem, nil), false)
	require.NoError(t, err)
	_, _, err = d.Dispatch(context.Background(), events.NewRender(events.RenderStreamEnd, nil), false)
	require.NoError(t, err)
	require.Equal(t, []string{"kernel", "tools", "render", "tools"}, tr.all())
}

func TestFullRoutingOrder(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	d := newTracedDispatcher(tr, noStop)
	require.NoError(t, d.Register("first", recordingPlugin(tr, "first", false), true))
	require.NoError(t, d.Register("off", recordingPlugin(tr, "off", false), false))
	require.NoError(t, d.Register("second", recordingPlugin(tr, "second", false), true))

	affected, _, err := d.Dispatch(context.Background(), events.NewControl(events.ControlAgentStop, nil), false)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, affected)
	require.Equal(t, []string{
		"tools", "realtime", "agent", "ctx", "model", "idx", "ui", "access", "first", "second",
	}, tr.all())

}

func TestAllFlagReachesDisabledPlugins(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	d := New()
	require.NoError(t, d.Register("a", recordingPlugin(tr, "a", false), false))
	require.NoError(t, d.Register("b", recordingPlugin(tr, "b", false), true))

	affected, _, err := d.Dispatch(context.Background(), events.NewApp(events.AppCtxCreated, nil), true)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, affected)
}

func TestStopHaltsEverySubsequentConsumer(t *testing.T) {
	t.Parallel()
	chain := []Slot{SlotTools, SlotRealtime, SlotAgent, SlotCtx, SlotModel, SlotIdx, SlotUI}
	for _, stopAt := range chain {
		stopAt := stopAt
		t.Run(stopAt.String(), func(t *testing.T) {
			t.Parallel()
			tr := &trace{}
			d := newTracedDispatcher(tr, stopAt)
			require.NoError(t, d.Register("p", recordingPlugin(tr, "p", false), true))

			affected, evt, err := d.Dispatch(context.Background(), events.NewApp(events.AppCtxSelected, nil), false)
			require.NoError(t, err)
			require.True(t, evt.Stop)
			require.Empty(t, affected)
			calls := tr.all()
			require.Equal(t, stopAt.String(), calls[len(calls)-1])
		})
	}
}

func TestStopInsidePluginHaltsLaterPlugins(t *testing.T) {
	t.Parallel()
	tr := &trace{}
	d := New()
	require.NoError(t, d.Register("a", recordingPlugin(tr, "a", false), true))
	require.NoError(t, d.Register("b", recordingPlugin(tr, "b", true), true))
	require.NoError(t, d.Register("c", recordingPlugin(tr, "c", false), true))

	affected, evt, err := d.Dispatch(context.Background(), events.NewApp(events.AppCtxCreated, nil), false)
	require.NoError(t, err)
	require.True(t, evt.Stop)
	require.Equal(t, []string{"a", "b"}, affected)
	require.Equal(t, []string{"a", "b"}, tr.all())
}

func TestPluginErrorsPropagateWithoutAbortingOthers(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var sinkIDs []string
	d := New(WithErrorHandler(func(id string, _ *events.Event, err error) {
		sinkIDs = append(sinkIDs, id)
	}))
	tr := &trace{}
	require.NoError(t, d.Register("quiet", PluginFunc(func(context.Context, *events.Event) error {
		return ErrNotHandled
	}), true))
	require.NoError(t, d.Register("bad", PluginFunc(func(context.Context, *events.Event) error {
		return boom
	}), true))
	require.NoError(t, d.Register("after", recordingPlugin(tr, "after", false), true))

	affected, _, err := d.Dispatch(context.Background(), events.NewApp(events.AppCtxCreated, nil), false)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"quiet", "bad", "after"}, affected)
	require.Equal(t, []string{"after"}, tr.all())
	require.Equal(t, []string{"bad"}, sinkIDs)
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	var sunk error
	d := New(
		WithHandler(SlotAgent, HandlerFunc(func(context.Context, *events.Event) { panic("kaboom") })),
		WithErrorHandler(func(_ string, _ *events.Event, err error) { sunk = err }),
	)
	tr := &trace{}
	require.NoError(t, d.Register("p", recordingPlugin(tr, "p", false), true))
	_, _, err := d.Dispatch(context.Background(), events.NewApp(events.AppCtxCreated, nil), false)
	require.NoError(t, err)
	require.Error(t, sunk)
	require.Equal(t, []string{"p"}, tr.all())
}

func TestApplyUnknownPluginIsNoop(t *testing.T) {
	t.Parallel()
	d := New()
	require.NoError(t, d.Apply(context.Background(), "missing", events.NewApp("x", nil)))
}

func TestRegisterKeepsOrderOnReplace(t *testing.T) {
	t.Parallel()
	d := New()
	noop := PluginFunc(func(context.Context, *events.Event) error { return nil })
	require.NoError(t, d.Register("a", noop, true))
	require.NoError(t, d.Register("b", noop, true))
	require.NoError(t, d.Register("a", noop, false))
	require.Equal(t, []string{"a", "b"}, d.Plugins())
	require.True(t, d.SetEnabled("a", true))
	require.False(t, d.SetEnabled("zzz", true))
	require.Error(t, d.Register("", noop, true))
	require.Error(t, d.Register("nil", nil, true))
}

func TestIsLogPolicy(t *testing.T) {
	t.Parallel()
	d := New()
	require.True(t, d.IsLog(events.NewKernel(events.KernelInputUser, nil)))
	require.False(t, d.IsLog(events.NewRender(events.RenderStreamAppend, nil)))
	require.False(t, d.IsLog(events.NewKernel(events.KernelInputUser, map[string]any{"silent": true})))

	d.SetLogPolicy(LogPolicy{Enabled: false})
	require.False(t, d.IsLog(events.NewKernel(events.KernelInputUser, nil)))

	d.SetLogPolicy(LogPolicy{Enabled: true, Denylist: []string{events.KernelInputUser}})
	require.False(t, d.IsLog(events.NewKernel(events.KernelInputUser, nil)))
	require.True(t, d.IsLog(events.NewRender(events.RenderStreamAppend, nil)))
}
