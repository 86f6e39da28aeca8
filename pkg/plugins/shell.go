// Package plugins provides dispatcher plugins backed by external commands.
package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/dispatch"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/logging"
)

const defaultHookTimeout = 30 * time.Second

// DecisionKey is the event data key a hook's "ask" decision is written to.
const DecisionKey = "hook_decision"

// OutputKey holds the decoded stdout object of the last hook that printed JSON.
const OutputKey = "hook_output"

// Decision captures the outcome encoded in the hook exit code.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
	DecisionAsk
	DecisionError
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionAsk:
		return "ask"
	default:
		return "error"
	}
}

// Result records one hook run.
type Result struct {
	Hook     string
	Decision Decision
	ExitCode int
	Stdout   string
	Stderr   string
}

// ShellHook binds a shell command to an event name. An empty Match matches
// every payload; otherwise it is applied to the JSON-encoded event data.
type ShellHook struct {
	Name    string
	Event   string
	Command string
	Match   *regexp.Regexp
	Timeout time.Duration
	Env     map[string]string
}

// Executor runs shell hooks for dispatched events. It implements dispatch.Plugin.
type Executor struct {
	mu    sync.RWMutex
	hooks []ShellHook

	timeout time.Duration
	workDir string
	logger  logging.Logger
	onRun   func(Result)
}

// Option configures optional behaviour.
type Option func(*Executor)

// WithTimeout sets the default per-hook budget. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithWorkDir sets the working directory for hook commands.
func WithWorkDir(dir string) Option {
	return func(e *Executor) { e.workDir = dir }
}

// WithLogger routes hook diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder observes every completed hook run.
func WithRecorder(fn func(Result)) Option {
	return func(e *Executor) { e.onRun = fn }
}

// NewExecutor constructs a shell hook executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{timeout: defaultHookTimeout}
	for _, opt := range opts {
		opt(e)
	}
	if e.timeout <= 0 {
		e.timeout = defaultHookTimeout
	}
	e.logger = logging.OrNop(e.logger)
	return e
}

// Register adds hooks. Hooks for the same event run in registration order.
func (e *Executor) Register(hooks ...ShellHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hooks...)
}

// Len reports the number of registered hooks.
func (e *Executor) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.hooks)
}

// Handle runs every hook bound to evt.Name. Exit code 1 stops the event, exit
// code 2 records an "ask" decision in the event data. Returns
// dispatch.ErrNotHandled when no hook is bound to the event.
func (e *Executor) Handle(ctx context.Context, evt *events.Event) error {
	hooks := e.matching(evt)
	if len(hooks) == 0 {
		return dispatch.ErrNotHandled
	}
	payload, err := buildPayload(evt)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		if evt.Stop {
			return nil
		}
		res, err := e.run(ctx, hook, payload)
		if e.onRun != nil {
			e.onRun(res)
		}
		if err != nil {
			return err
		}
		switch res.Decision {
		case DecisionDeny:
			e.logger.Debug("hook %s denied %s", res.Hook, evt.Name)
			evt.Stop = true
		case DecisionAsk:
			if evt.Data == nil {
				evt.Data = map[string]any{}
			}
			evt.Data[DecisionKey] = DecisionAsk.String()
		}
		if out := strings.TrimSpace(res.Stdout); strings.HasPrefix(out, "{") {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(out), &decoded); err != nil {
				return fmt.Errorf("plugins: decode %s output: %w", res.Hook, err)
			}
			if evt.Data == nil {
				evt.Data = map[string]any{}
			}
			evt.Data[OutputKey] = decoded
		}
	}
	return nil
}

func (e *Executor) matching(evt *events.Event) []ShellHook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var matches []ShellHook
	var encoded []byte
	for _, hook := range e.hooks {
		if hook.Event != evt.Name {
			continue
		}
		if hook.Match != nil {
			if encoded == nil {
				encoded, _ = json.Marshal(evt.Data)
			}
			if !hook.Match.Match(encoded) {
				continue
			}
		}
		matches = append(matches, hook)
	}
	return matches
}

func (e *Executor) run(ctx context.Context, hook ShellHook, payload []byte) (Result, error) {
	res := Result{Hook: hook.Name}
	if res.Hook == "" {
		res.Hook = hook.Event
	}
	cmdStr := strings.TrimSpace(hook.Command)
	if cmdStr == "" {
		res.Decision = DecisionError
		return res, errors.New("plugins: missing command")
	}

	deadline := hook.Timeout
	if deadline <= 0 {
		deadline = e.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", cmdStr)
	cmd.Env = mergeEnv(os.Environ(), hook.Env)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(payload)

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Decision = DecisionError
		return res, fmt.Errorf("plugins: hook %s timed out after %s", res.Hook, deadline)
	}

	decision, code, failure := classifyExit(err)
	res.Decision = decision
	res.ExitCode = code
	if failure != nil {
		return res, fmt.Errorf("plugins: hook %s: %w; stderr: %s", res.Hook, failure, res.Stderr)
	}
	return res, nil
}

func classifyExit(runErr error) (Decision, int, error) {
	if runErr == nil {
		return DecisionAllow, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		switch code {
		case 0:
			return DecisionAllow, code, nil
		case 1:
			return DecisionDeny, code, nil
		case 2:
			return DecisionAsk, code, nil
		default:
			return DecisionError, code, fmt.Errorf("command exited with code %d", code)
		}
	}
	return DecisionError, -1, runErr
}

func buildPayload(evt *events.Event) ([]byte, error) {
	envelope := map[string]any{
		"event":   evt.Name,
		"kind":    evt.Kind.String(),
		"call_id": evt.CallID,
	}
	if len(evt.Data) > 0 {
		envelope["data"] = evt.Data
	}
	if evt.Turn != nil {
		envelope["turn_id"] = evt.Turn.Meta.ID
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("plugins: marshal payload: %w", err)
	}
	return data, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// FromSettings converts the settings hook list into shell hooks. Disabled
// hooks produce an empty list.
func FromSettings(s *config.Settings) ([]ShellHook, error) {
	if s == nil || s.HooksDisabled() {
		return nil, nil
	}
	var (
		hooks []ShellHook
		errs  []error
	)
	for i, h := range s.Hooks {
		hook := ShellHook{Name: h.Name, Event: h.Event, Command: h.Command}
		if hook.Name == "" {
			hook.Name = fmt.Sprintf("settings:%s:%d", h.Event, i)
		}
		if h.Timeout != "" {
			d, err := time.ParseDuration(h.Timeout)
			if err != nil {
				errs = append(errs, fmt.Errorf("plugins: hook %s: %w", hook.Name, err))
				continue
			}
			hook.Timeout = d
		}
		if h.Match != "" {
			re, err := regexp.Compile(h.Match)
			if err != nil {
				errs = append(errs, fmt.Errorf("plugins: hook %s matcher: %w", hook.Name, err))
				continue
			}
			hook.Match = re
		}
		hooks = append(hooks, hook)
	}
	return hooks, errors.Join(errs...)
}

// PluginID is the dispatcher id the shell executor registers under.
const PluginID = "shell-hooks"

// Install builds an executor from settings and registers it on the dispatcher.
// Nothing is registered when no hook is configured.
func Install(d *dispatch.Dispatcher, s *config.Settings, opts ...Option) (*Executor, error) {
	hooks, err := FromSettings(s)
	if err != nil {
		return nil, err
	}
	exe := NewExecutor(opts...)
	exe.Register(hooks...)
	if exe.Len() == 0 {
		return exe, nil
	}
	if err := d.Register(PluginID, exe, true); err != nil {
		return nil, err
	}
	return exe, nil
}
