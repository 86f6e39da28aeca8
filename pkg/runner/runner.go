// Package runner dispatches agent requests to the runner registered for the
// provider's execution mode and bridges sync and async runners to one
// blocking contract.
package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/telemetry"
	"github.com/cexll/agentcore/pkg/tool"
	"github.com/cexll/agentcore/pkg/worker"
	"github.com/cexll/agentcore/pkg/workflow"
)

var (
	// ErrProviderNotFound is recorded when extra["agent_provider"] names no provider.
	ErrProviderNotFound = errors.New("runner: agent provider not found")
	// ErrUnknownMode is recorded when a provider declares a mode with no runner.
	ErrUnknownMode = errors.New("runner: no runner for mode")
)

const (
	defaultMaxSteps    = 8
	defaultMaxParallel = 4
)

// GraphFactory builds the graph a workflow run executes.
type GraphFactory func(p Params) (*workflow.Graph, error)

// AgentRunner owns the mode table. The table is fixed at construction.
type AgentRunner struct {
	modes       map[string]ModeRunner
	agents      *bridge.AgentRegistry
	models      *bridge.ModelRegistry
	assembler   *tool.Assembler
	kernel      *kernel.State
	logger      logging.Logger
	graphs      GraphFactory
	maxSteps    int
	maxParallel int

	mu      sync.RWMutex
	lastErr error
}

// Option configures optional behaviour.
type Option func(*AgentRunner)

func WithAgents(r *bridge.AgentRegistry) Option { return func(a *AgentRunner) { a.agents = r } }
func WithModels(r *bridge.ModelRegistry) Option { return func(a *AgentRunner) { a.models = r } }
func WithAssembler(asm *tool.Assembler) Option  { return func(a *AgentRunner) { a.assembler = asm } }
func WithKernel(k *kernel.State) Option         { return func(a *AgentRunner) { a.kernel = k } }
func WithLogger(l logging.Logger) Option        { return func(a *AgentRunner) { a.logger = l } }
func WithWorkflow(fn GraphFactory) Option       { return func(a *AgentRunner) { a.graphs = fn } }
func WithMaxSteps(n int) Option                 { return func(a *AgentRunner) { a.maxSteps = n } }
func WithMaxParallel(n int) Option              { return func(a *AgentRunner) { a.maxParallel = n } }

// WithMode registers or replaces the runner for mode.
func WithMode(mode string, r ModeRunner) Option {
	return func(a *AgentRunner) { a.modes[mode] = r }
}

// New builds a runner with the plan, step, assistant, workflow and openai modes.
func New(opts ...Option) *AgentRunner {
	a := &AgentRunner{modes: map[string]ModeRunner{}, maxSteps: defaultMaxSteps, maxParallel: defaultMaxParallel}
	a.modes[bridge.ModeAssistant] = Sync(a.runAssistant)
	a.modes[bridge.ModeStep] = Sync(a.runStep)
	a.modes[bridge.ModePlan] = Sync(a.runPlan)
	a.modes[bridge.ModeWorkflow] = Async(a.runWorkflow)
	a.modes[bridge.ModeOpenAI] = Async(a.runStep)
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger)
	if a.agents == nil {
		a.agents = bridge.NewAgentRegistry(nil)
	}
	if a.models == nil {
		a.models = bridge.NewModelRegistry(nil)
	}
	if a.graphs == nil {
		a.graphs = a.defaultGraph
	}
	return a
}

// Modes lists the registered modes.
func (a *AgentRunner) Modes() []string {
	return slices.Sorted(maps.Keys(a.modes))
}

// LastError returns the most recent recoverable configuration error.
func (a *AgentRunner) LastError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// Call runs bctx with the provider named by extra["agent_provider"]. A stopped
// kernel reports true without running anything. An unknown provider or mode
// is recorded in LastError and reported as false with a nil error.
func (a *AgentRunner) Call(ctx context.Context, bctx *bridge.Context, extra bridge.Extra, signals *worker.Signals) (bool, error) {
	if a.kernel.Stopped() {
		return true, nil
	}
	id := extra.String("agent_provider")
	ctx, span := telemetry.Tracer().Start(ctx, "runner.call")
	span.SetAttributes(attribute.String("agent.provider", id))
	defer span.End()

	cfg, ok := a.agents.Get(id)
	if !ok {
		a.recordErr(fmt.Errorf("%w: %q", ErrProviderNotFound, id))
		return false, nil
	}
	mode, ok := a.modes[cfg.Mode]
	if !ok {
		a.recordErr(fmt.Errorf("%w: %q (provider %q)", ErrUnknownMode, cfg.Mode, id))
		return false, nil
	}
	span.SetAttributes(attribute.String("mode", cfg.Mode))

	idx := bctx.Idx
	if idx == "" {
		idx = cfg.Index
	}
	tools, err := a.assembler.Assemble(idx)
	if err != nil {
		return false, err
	}
	ref := bctx.Model
	if ref == nil {
		ref = a.models.Default()
		bctx.Model = ref
	}
	if cfg.Mode == bridge.ModeOpenAI && ref.Provider != "openai" {
		ref = &bridge.ModelRef{ID: "openai", Provider: "openai"}
	}
	m, err := a.models.Open(ref)
	if err != nil {
		return false, err
	}

	ok, err = mode.Run(ctx, Params{
		Context: bctx,
		Extra:   extra,
		Signals: signals,
		Agent:   cfg,
		Tools:   tools,
		Model:   m,
		Kernel:  a.kernel,
	}).Await(ctx)
	if errors.Is(err, errStopped) || errors.Is(err, workflow.ErrStopped) {
		return true, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

func (a *AgentRunner) recordErr(err error) {
	a.logger.Debug("runner: %v", err)
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}
