package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/dispatch"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/message"
)

func TestHookReceivesEventPayload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	payloadPath := filepath.Join(dir, "payload.json")

	exe := NewExecutor()
	exe.Register(ShellHook{Event: events.KernelInputUser, Command: "cat > " + payloadPath})

	turn := message.NewTurn("hello")
	evt := events.NewKernel(events.KernelInputUser, map[string]any{"prompt": "hello"}).WithTurn(turn)
	evt.CallID = 7
	require.NoError(t, exe.Handle(context.Background(), evt))

	raw, err := os.ReadFile(payloadPath)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, events.KernelInputUser, got["event"])
	require.Equal(t, "kernel", got["kind"])
	require.EqualValues(t, 7, got["call_id"])
	require.Equal(t, turn.Meta.ID, got["turn_id"])
	require.Equal(t, map[string]any{"prompt": "hello"}, got["data"])
	require.False(t, evt.Stop)
}

func TestHookExitCodes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		command  string
		stop     bool
		decision any
		wantErr  bool
	}{
		{name: "allow", command: "exit 0"},
		{name: "deny", command: "exit 1", stop: true},
		{name: "ask", command: "exit 2", decision: "ask"},
		{name: "error", command: "echo boom >&2; exit 7", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			exe := NewExecutor()
			exe.Register(ShellHook{Event: events.ControlAgentStop, Command: tc.command})
			evt := events.NewControl(events.ControlAgentStop, nil)
			err := exe.Handle(context.Background(), evt)
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "boom")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.stop, evt.Stop)
			require.Equal(t, tc.decision, evt.Data[DecisionKey])
		})
	}
}

func TestDenyingHookSkipsLaterHooks(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "ran")
	var runs []Result
	exe := NewExecutor(WithRecorder(func(r Result) { runs = append(runs, r) }))
	exe.Register(
		ShellHook{Name: "deny", Event: events.ControlCtxEnd, Command: "exit 1"},
		ShellHook{Name: "touch", Event: events.ControlCtxEnd, Command: "touch " + marker},
	)
	evt := events.NewControl(events.ControlCtxEnd, nil)
	require.NoError(t, exe.Handle(context.Background(), evt))
	require.True(t, evt.Stop)
	require.Len(t, runs, 1)
	require.Equal(t, DecisionDeny, runs[0].Decision)
	_, err := os.Stat(marker)
	require.True(t, os.IsNotExist(err))
}

func TestHookStdoutDecoded(t *testing.T) {
	t.Parallel()
	exe := NewExecutor()
	exe.Register(ShellHook{Event: events.AppCtxCreated, Command: `printf '{"note":"seen"}'`})
	evt := events.NewApp(events.AppCtxCreated, nil)
	require.NoError(t, exe.Handle(context.Background(), evt))
	require.Equal(t, map[string]any{"note": "seen"}, evt.Data[OutputKey])
}

func TestHookMatcherAndUnboundEvents(t *testing.T) {
	t.Parallel()
	exe := NewExecutor()
	exe.Register(ShellHook{Event: events.AppCtxSelected, Command: "exit 1", Match: regexp.MustCompile(`"id":"blocked"`)})

	evt := events.NewApp(events.AppCtxSelected, map[string]any{"id": "open"})
	require.True(t, errors.Is(exe.Handle(context.Background(), evt), dispatch.ErrNotHandled))
	require.False(t, evt.Stop)

	evt = events.NewApp(events.AppCtxSelected, map[string]any{"id": "blocked"})
	require.NoError(t, exe.Handle(context.Background(), evt))
	require.True(t, evt.Stop)
}

func TestHookTimeout(t *testing.T) {
	t.Parallel()
	exe := NewExecutor()
	exe.Register(ShellHook{Event: events.ControlCtxEnd, Command: "sleep 5", Timeout: 50 * time.Millisecond})
	err := exe.Handle(context.Background(), events.NewControl(events.ControlCtxEnd, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestInstallFromSettings(t *testing.T) {
	t.Parallel()
	d := dispatch.New()
	s := &config.Settings{Hooks: []config.HookConfig{
		{Event: events.ControlAgentStop, Command: "exit 1", Timeout: "2s"},
	}}
	exe, err := Install(d, s)
	require.NoError(t, err)
	require.Equal(t, 1, exe.Len())
	require.Equal(t, []string{PluginID}, d.Plugins())

	affected, evt, err := d.Dispatch(context.Background(), events.NewControl(events.ControlAgentStop, nil), false)
	require.NoError(t, err)
	require.True(t, evt.Stop)
	require.Equal(t, []string{PluginID}, affected)
}

func TestFromSettingsRespectsDisableAll(t *testing.T) {
	t.Parallel()
	disabled := true
	hooks, err := FromSettings(&config.Settings{
		DisableAllHooks: &disabled,
		Hooks:           []config.HookConfig{{Event: "X", Command: "true"}},
	})
	require.NoError(t, err)
	require.Empty(t, hooks)

	_, err = FromSettings(&config.Settings{Hooks: []config.HookConfig{{Event: "X", Command: "true", Match: "("}}})
	require.Error(t, err)
}
