// Package api wires the orchestration core into a runnable Runtime.
package api

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/dispatch"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/index"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/plugins"
	"github.com/cexll/agentcore/pkg/reply"
	"github.com/cexll/agentcore/pkg/runner"
	"github.com/cexll/agentcore/pkg/telemetry"
	"github.com/cexll/agentcore/pkg/tool"
	toolbuiltin "github.com/cexll/agentcore/pkg/tool/builtin"
	"github.com/cexll/agentcore/pkg/worker"
)

// ErrNotStarted is returned by Run when the bridge refused the request.
var ErrNotStarted = errors.New("api: request not started")

const streamBuffer = 512

// Runtime owns one instance of every core collaborator.
type Runtime struct {
	opts       Options
	logger     logging.Logger
	metrics    *telemetry.Metrics
	kernel     *kernel.State
	dispatcher *dispatch.Dispatcher
	pool       *worker.Pool
	bridge     *bridge.Bridge
	runner     *runner.AgentRunner
	reply      *reply.Coordinator
	index      *index.Store
	functions  *tool.Registry
	mcp        *tool.Registry
	hooks      *plugins.Executor
	watcher    *config.Watcher

	mu       sync.RWMutex
	settings *config.Settings
	runs     map[string]*run
}

// New loads settings and builds the runtime.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("agentcore")
	}
	settings, loader, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateSettings(settings); err != nil {
		return nil, err
	}

	rt := &Runtime{
		opts:     opts,
		logger:   logger,
		metrics:  telemetry.NewMetrics(opts.Registerer),
		kernel:   kernel.New(settings.AsyncSupported(), settings.ThreadedSupported()),
		settings: settings,
		runs:     map[string]*run{},
	}
	rt.dispatcher = dispatch.New(rt.dispatchOptions(settings)...)

	modelOpts := []bridge.ModelOption{}
	if opts.ModelOpener != nil {
		modelOpts = append(modelOpts, bridge.WithOpener(opts.ModelOpener))
	}
	if opts.DefaultModel != "" {
		modelOpts = append(modelOpts, bridge.WithDefaultModel(opts.DefaultModel))
	}
	models := bridge.NewModelRegistry(settings.Models, modelOpts...)
	agents := bridge.NewAgentRegistry(settings.Agents)

	if settings.Index != nil || opts.Embedder != nil {
		if rt.index, err = openIndex(settings, opts.Embedder); err != nil {
			return nil, err
		}
	}
	if err := rt.buildTools(ctx, settings); err != nil {
		return nil, err
	}

	size, queue := settings.PoolSize()
	rt.pool = worker.NewPool(size, queue,
		worker.WithKernel(rt.kernel),
		worker.WithLogger(logger),
		worker.WithMetrics(rt.metrics),
	)

	runnerOpts := []runner.Option{
		runner.WithAgents(agents),
		runner.WithModels(models),
		runner.WithKernel(rt.kernel),
		runner.WithLogger(logger),
		runner.WithAssembler(&tool.Assembler{
			Functions:    rt.functions,
			Plugins:      rt.mcp,
			Specs:        func() []tool.Spec { return opts.Specs },
			SpecExecutor: opts.SpecExecutor,
			Retriever:    rt.retriever(),
		}),
	}
	if opts.MaxSteps > 0 {
		runnerOpts = append(runnerOpts, runner.WithMaxSteps(opts.MaxSteps))
	}
	if opts.MaxParallel > 0 {
		runnerOpts = append(runnerOpts, runner.WithMaxParallel(opts.MaxParallel))
	}
	if opts.Workflow != nil {
		runnerOpts = append(runnerOpts, runner.WithWorkflow(opts.Workflow))
	}
	rt.runner = runner.New(runnerOpts...)

	rt.bridge = bridge.New(&respondingExecutor{runner: rt.runner},
		bridge.WithKernel(rt.kernel),
		bridge.WithPool(rt.pool),
		bridge.WithDispatcher(rt.dispatcher),
		bridge.WithTurnStore(opts.TurnStore),
		bridge.WithAgents(agents),
		bridge.WithModels(models),
		bridge.WithIndex(rt.index),
		bridge.WithLogger(logger),
		bridge.WithMetrics(rt.metrics),
		bridge.WithRequestsPerMinute(settings.RPM()),
		bridge.WithSyncModes(settings.SyncModes...),
	)
	rt.reply = reply.New(rt.dispatcher,
		reply.WithKernel(rt.kernel),
		reply.WithAgents(agents),
		reply.WithLogger(logger),
	)

	if err := rt.installPlugins(settings); err != nil {
		_ = rt.Close()
		return nil, err
	}
	if opts.WatchSettings && loader != nil {
		if err := rt.watch(loader); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	rt.dispatch(ctx, events.NewKernel(events.KernelInit, nil))
	return rt, nil
}

func loadSettings(opts Options) (*config.Settings, *config.SettingsLoader, error) {
	loader := opts.SettingsLoader
	if loader == nil && opts.ProjectRoot != "" {
		loader = &config.SettingsLoader{ProjectRoot: opts.ProjectRoot, RuntimeOverrides: opts.SettingsOverrides, Logger: opts.Logger}
	}
	if loader == nil {
		defaults := config.GetDefaultSettings()
		return config.MergeSettings(&defaults, opts.SettingsOverrides), nil, nil
	}
	s, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return s, loader, nil
}

func (rt *Runtime) dispatchOptions(s *config.Settings) []dispatch.Option {
	denylist := s.LogDenylist
	if len(denylist) == 0 {
		denylist = dispatch.DefaultLogDenylist
	}
	own := map[dispatch.Slot]dispatch.Handler{
		dispatch.SlotKernel: dispatch.HandlerFunc(rt.handleKernel),
		dispatch.SlotRender: dispatch.HandlerFunc(rt.handleRender),
		dispatch.SlotAgent:  dispatch.HandlerFunc(rt.handleControl),
	}
	opts := []dispatch.Option{
		dispatch.WithLogger(rt.logger),
		dispatch.WithMetrics(rt.metrics),
		dispatch.WithLogPolicy(dispatch.LogPolicy{Enabled: s.EventLogging(), Denylist: denylist}),
		dispatch.WithErrorHandler(func(id string, evt *events.Event, err error) {
			rt.logger.Warn("api: %s failed on %s: %v", id, evt.Name, err)
		}),
	}
	slots := slices.Sorted(maps.Keys(own))
	for slot := range rt.opts.Handlers {
		if _, ok := own[slot]; !ok {
			slots = append(slots, slot)
		}
	}
	for _, slot := range slots {
		opts = append(opts, dispatch.WithHandler(slot, chain(own[slot], rt.opts.Handlers[slot])))
	}
	return opts
}

// chain runs a then b, stopping when a sets Stop.
func chain(a, b dispatch.Handler) dispatch.Handler {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return dispatch.HandlerFunc(func(ctx context.Context, evt *events.Event) {
		a.Handle(ctx, evt)
		if !evt.Stop {
			b.Handle(ctx, evt)
		}
	})
}

func openIndex(s *config.Settings, embedder index.Embedder) (*index.Store, error) {
	if embedder == nil {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			var err error
			embedder, err = index.NewOpenAIEmbedder(index.OpenAIEmbedderConfig{APIKey: key, BaseURL: os.Getenv("OPENAI_BASE_URL")})
			if err != nil {
				return nil, err
			}
		} else {
			embedder = index.HashEmbedder{Dim: 256}
		}
	}
	cached, err := index.Cached(embedder, 0)
	if err != nil {
		return nil, err
	}
	cfg := index.Config{}
	if s.Index != nil {
		cfg.PersistPath = s.Index.PersistPath
	}
	return index.Open(cfg, cached)
}

func (rt *Runtime) buildTools(ctx context.Context, s *config.Settings) error {
	rt.functions = tool.NewRegistry()
	if err := rt.functions.Register(rt.opts.Tools...); err != nil {
		return err
	}
	if rt.opts.ShellTool {
		if err := rt.functions.Register(toolbuiltin.NewBashTool(rt.opts.ProjectRoot)); err != nil {
			return err
		}
	}
	rt.mcp = tool.NewRegistry()
	for _, name := range slices.Sorted(maps.Keys(s.MCPServers)) {
		if err := rt.mcp.RegisterMCPServer(ctx, name, s.MCPServers[name]); err != nil {
			_ = rt.mcp.Close()
			return fmt.Errorf("api: mcp server %s: %w", name, err)
		}
	}
	return nil
}

func (rt *Runtime) retriever() tool.RetrieverFactory {
	if rt.index == nil {
		return nil
	}
	return index.Retriever(rt.index)
}

func (rt *Runtime) installPlugins(s *config.Settings) error {
	if !s.HooksDisabled() {
		hooks, err := plugins.Install(rt.dispatcher, s,
			plugins.WithLogger(rt.logger),
			plugins.WithWorkDir(rt.opts.ProjectRoot),
		)
		if err != nil {
			return err
		}
		rt.hooks = hooks
	}
	for _, p := range rt.opts.Plugins {
		if err := rt.dispatcher.Register(p.ID, p.Plugin, p.Enabled); err != nil {
			return err
		}
	}
	return nil
}

// watch hot-reloads settings for the lifetime of the runtime. Pool sizing,
// hooks and MCP servers are bound at construction and only take effect on
// the next New.
func (rt *Runtime) watch(loader *config.SettingsLoader) error {
	w, err := config.NewWatcher(loader,
		config.WithWatcherLogger(rt.logger),
		config.OnChange(func(c config.Change) {
			if c.Previous == nil {
				return
			}
			for _, field := range []string{config.FieldPool, config.FieldHooks, config.FieldMCP, config.FieldIndex} {
				if c.Has(field) {
					rt.logger.Warn("api: %s changed, restart to apply", field)
				}
			}
			rt.Configure(c.Settings)
		}),
		config.OnError(func(err error) { rt.logger.Warn("api: settings reload: %v", err) }),
	)
	if err != nil {
		return err
	}
	if _, err := w.Start(context.Background()); err != nil {
		_ = w.Close()
		return err
	}
	rt.watcher = w
	return nil
}

// Configure applies reloaded settings to the rate limiter, the event log
// policy and the kernel capabilities.
func (rt *Runtime) Configure(s *config.Settings) {
	if s == nil {
		return
	}
	if err := config.ValidateSettings(s); err != nil {
		rt.logger.Warn("api: ignoring invalid settings: %v", err)
		return
	}
	rt.mu.Lock()
	rt.settings = s
	rt.mu.Unlock()
	rt.bridge.Configure(s)
	denylist := s.LogDenylist
	if len(denylist) == 0 {
		denylist = dispatch.DefaultLogDenylist
	}
	rt.dispatcher.SetLogPolicy(dispatch.LogPolicy{Enabled: s.EventLogging(), Denylist: denylist})
	rt.kernel.SetCapabilities(s.AsyncSupported(), s.ThreadedSupported())
}

// Settings returns a copy of the active settings.
func (rt *Runtime) Settings() *config.Settings {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return config.MergeSettings(nil, rt.settings)
}

// Run executes req and waits for it and every continuation it triggers.
func (rt *Runtime) Run(ctx context.Context, req Request) (*Response, error) {
	bctx, extra := rt.prepare(req)
	r := rt.track(bctx.Turn, nil)
	if !rt.bridge.Request(ctx, bctx, extra) {
		rt.untrack(bctx.Turn)
		return nil, errors.Join(ErrNotStarted, rt.bridge.LastError())
	}
	return rt.await(ctx, r)
}

// RunStream executes req and returns its render events. The channel closes
// after the last continuation finishes. Events are dropped when the reader
// falls more than a buffer behind.
func (rt *Runtime) RunStream(ctx context.Context, req Request) (<-chan *events.Event, error) {
	bctx, extra := rt.prepare(req)
	out := make(chan *events.Event, streamBuffer)
	rt.track(bctx.Turn, out)
	go func() {
		if !rt.bridge.Request(ctx, bctx, extra) {
			if r := rt.untrack(bctx.Turn); r != nil {
				close(out)
			}
		}
	}()
	return out, nil
}

// Call is the synchronous quick path for short one-shot prompts.
func (rt *Runtime) Call(ctx context.Context, req Request) string {
	bctx, extra := rt.prepare(req)
	return rt.bridge.Call(ctx, bctx, extra)
}

// Stop cancels cooperative work and drops pending replies.
func (rt *Runtime) Stop(ctx context.Context) {
	rt.dispatch(ctx, events.NewControl(events.ControlAgentStop, nil))
}

// Resume clears the stop flag.
func (rt *Runtime) Resume(ctx context.Context) {
	rt.kernel.Resume()
	rt.dispatch(ctx, events.NewKernel(events.KernelRestart, nil))
}

// Index exposes the vector index, nil when none is configured.
func (rt *Runtime) Index() *index.Store { return rt.index }

// Dispatcher exposes the event dispatcher.
func (rt *Runtime) Dispatcher() *dispatch.Dispatcher { return rt.dispatcher }

// Bridge exposes the request bridge.
func (rt *Runtime) Bridge() *bridge.Bridge { return rt.bridge }

// Runner exposes the agent runner.
func (rt *Runtime) Runner() *runner.AgentRunner { return rt.runner }

// Reply exposes the reply coordinator.
func (rt *Runtime) Reply() *reply.Coordinator { return rt.reply }

// Close stops the watcher and the pool and releases MCP sessions.
func (rt *Runtime) Close() error {
	rt.dispatch(context.Background(), events.NewKernel(events.KernelTerminate, nil))
	var errs []error
	if rt.watcher != nil {
		errs = append(errs, rt.watcher.Close())
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.mcp != nil {
		errs = append(errs, rt.mcp.Close())
	}
	return errors.Join(errs...)
}

func (rt *Runtime) prepare(req Request) (*bridge.Context, bridge.Extra) {
	mode := req.Mode
	if mode == "" {
		mode = bridge.ModeAssistant
	}
	system := req.SystemPrompt
	if system == "" {
		system = rt.opts.SystemPrompt
	}
	bctx := &bridge.Context{
		Prompt:       req.Prompt,
		Mode:         mode,
		Stream:       req.Stream,
		Idx:          req.Index,
		Force:        req.Force,
		Agent:        req.Agent,
		SystemPrompt: system,
		History:      message.CloneMessages(req.History),
		Turn:         message.NewTurn(req.Prompt),
	}
	if req.Model != "" {
		if ref, ok := rt.bridge.Models().Get(req.Model); ok {
			bctx.Model = ref
		} else {
			rt.logger.Warn("api: unknown model %q, using default", req.Model)
		}
	}
	extra := bridge.Extra{}
	maps.Copy(extra, req.Extra)
	if len(req.Experts) > 0 {
		extra["experts"] = slices.Clone(req.Experts)
	}
	return bctx, extra
}

func (rt *Runtime) dispatch(ctx context.Context, evt *events.Event) {
	if _, _, err := rt.dispatcher.Dispatch(ctx, evt, false); err != nil {
		rt.logger.Debug("api: dispatch %s: %v", evt.Name, err)
	}
}

// respondingExecutor reports a successful run back through the worker's
// signals so the reply coordinator sees it on the owning goroutine.
type respondingExecutor struct {
	runner *runner.AgentRunner
}

func (e *respondingExecutor) Call(ctx context.Context, bctx *bridge.Context, extra bridge.Extra, signals *worker.Signals) (bool, error) {
	ok, err := e.runner.Call(ctx, bctx, extra, signals)
	if ok && err == nil {
		signals.Emit(events.NewKernel(events.KernelResponseOK, map[string]any{
			"context": bctx,
			"extra":   extra,
		}).WithTurn(bctx.Turn))
	}
	return ok, err
}
