package bridge

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/index"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/model"
	"github.com/cexll/agentcore/pkg/telemetry"
	"github.com/cexll/agentcore/pkg/worker"
)

// ErrKernelStopped is recorded when a request arrives after the kernel stopped.
var ErrKernelStopped = errors.New("bridge: kernel stopped")

// Dispatcher receives worker events on the owning goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, v any, all bool) ([]string, *events.Event, error)
}

// Responder takes ownership of a pooled worker's signals. The default drains
// them into the dispatcher.
type Responder func(bctx *Context, signals *worker.Signals)

// Bridge decides how each request runs.
type Bridge struct {
	exec       Executor
	kernel     *kernel.State
	pool       *worker.Pool
	dispatcher Dispatcher
	store      TurnStore
	agents     *AgentRegistry
	models     *ModelRegistry
	index      *index.Store
	responder  Responder
	logger     logging.Logger
	metrics    *telemetry.Metrics
	limiter    *limiter

	mu        sync.RWMutex
	syncModes []string
	last      *Context
	lastQuick *Context
	lastErr   error
}

// Option configures optional behaviour.
type Option func(*Bridge)

func WithKernel(k *kernel.State) Option       { return func(b *Bridge) { b.kernel = k } }
func WithPool(p *worker.Pool) Option          { return func(b *Bridge) { b.pool = p } }
func WithDispatcher(d Dispatcher) Option      { return func(b *Bridge) { b.dispatcher = d } }
func WithTurnStore(s TurnStore) Option        { return func(b *Bridge) { b.store = s } }
func WithAgents(r *AgentRegistry) Option      { return func(b *Bridge) { b.agents = r } }
func WithModels(r *ModelRegistry) Option      { return func(b *Bridge) { b.models = r } }
func WithIndex(s *index.Store) Option         { return func(b *Bridge) { b.index = s } }
func WithResponder(fn Responder) Option       { return func(b *Bridge) { b.responder = fn } }
func WithLogger(l logging.Logger) Option      { return func(b *Bridge) { b.logger = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(b *Bridge) { b.metrics = m } }
func WithRequestsPerMinute(rpm int) Option    { return func(b *Bridge) { b.limiter.set(rpm) } }
func WithSyncModes(modes ...string) Option    { return func(b *Bridge) { b.syncModes = modes } }

// WithClock replaces the limiter's time source and sleep, for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration)) Option {
	return func(b *Bridge) {
		b.limiter.now = now
		b.limiter.sleep = sleep
	}
}

// New builds a bridge that runs requests through exec.
func New(exec Executor, opts ...Option) *Bridge {
	b := &Bridge{
		exec:      exec,
		limiter:   newLimiter(0),
		syncModes: []string{ModeAssistant},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)
	if b.kernel == nil {
		b.kernel = kernel.New(true, true)
	}
	if b.agents == nil {
		b.agents = NewAgentRegistry(nil)
	}
	if b.models == nil {
		b.models = NewModelRegistry(nil)
	}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	if b.responder == nil {
		b.responder = b.drainAsync
	}
	return b
}

// Configure applies hot-reloadable settings.
func (b *Bridge) Configure(s *config.Settings) {
	if s == nil {
		return
	}
	b.SetRequestsPerMinute(s.RPM())
	if len(s.SyncModes) > 0 {
		b.mu.Lock()
		b.syncModes = slices.Clone(s.SyncModes)
		b.mu.Unlock()
	}
}

// SetRequestsPerMinute changes the request budget. Zero disables spacing.
func (b *Bridge) SetRequestsPerMinute(rpm int) { b.limiter.set(rpm) }

// Request runs bctx. It returns false when the kernel is stopped or the
// worker could not be queued.
func (b *Bridge) Request(ctx context.Context, bctx *Context, extra Extra) bool {
	return b.request(ctx, bctx, extra, "")
}

// RequestNext resumes a turn after sub-results were flushed back into it.
func (b *Bridge) RequestNext(ctx context.Context, bctx *Context, extra Extra) bool {
	return b.request(ctx, bctx, extra, ModeLoopNext)
}

func (b *Bridge) request(ctx context.Context, bctx *Context, extra Extra, workerMode string) bool {
	ctx, span := telemetry.Tracer().Start(ctx, "bridge.request")
	defer span.End()

	b.mu.Lock()
	b.last = bctx
	b.mu.Unlock()

	if b.kernel.Stopped() {
		b.setErr(ErrKernelStopped)
		b.logger.Debug("bridge: request dropped, kernel stopped")
		return false
	}
	b.resolveAgent(bctx, extra)
	b.resolveMode(bctx)
	span.SetAttributes(attribute.String("mode", bctx.Mode), attribute.String("worker.mode", workerMode))

	b.ApplyRateLimit(ctx)

	w := b.GetWorker(bctx, extra)
	w.Mode = workerMode
	if b.runsInline(bctx.Mode) {
		b.runInline(ctx, w)
		return true
	}
	if err := b.pool.Submit(ctx, w); err != nil {
		b.setErr(err)
		b.logger.Error("bridge: submit worker: %v", err)
		return false
	}
	b.responder(bctx, w.Signals())
	return true
}

// resolveAgent swaps an agent request for the provider's sub-mode and index.
func (b *Bridge) resolveAgent(bctx *Context, extra Extra) {
	if bctx.Mode != ModeAgent {
		return
	}
	id := bctx.Agent
	if id == "" {
		id = extra.String("agent_provider")
	}
	cfg, ok := b.agents.Get(id)
	if !ok {
		b.logger.Debug("bridge: agent provider %q not registered", id)
		return
	}
	bctx.ParentMode = ModeAgent
	bctx.Agent = id
	if cfg.SubMode != "" {
		bctx.Mode = cfg.SubMode
	} else if cfg.Mode != "" {
		bctx.Mode = cfg.Mode
	}
	if cfg.Index != "" {
		bctx.Idx = cfg.Index
	}
}

// resolveMode replaces a mode the model cannot run with its fallback.
func (b *Bridge) resolveMode(bctx *Context) {
	if bctx.Model == nil {
		bctx.Model = b.models.Default()
	}
	ref := bctx.Model
	if !ref.Supports(bctx.Mode) {
		if fb, ok := ref.FallbackFor(bctx.Mode); ok {
			b.logger.Debug("bridge: model %s does not support %s, using %s", ref.ID, bctx.Mode, fb)
			bctx.Mode = fb
		} else {
			b.logger.Debug("bridge: model %s does not support %s and has no fallback", ref.ID, bctx.Mode)
		}
	}
	if bctx.Stream && !ref.Streams(bctx.Mode) {
		bctx.Stream = false
	}
}

func (b *Bridge) runsInline(mode string) bool {
	if b.pool == nil || !b.kernel.Threaded() {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Contains(b.syncModes, mode)
}

// runInline blocks until w finishes. Its signals are drained on the calling
// goroutine so events reach the dispatcher in order. If ctx ends first the
// rest of the stream is drained in the background, so the worker never
// blocks on a full signal buffer and its terminal event is still delivered.
func (b *Bridge) runInline(ctx context.Context, w *Worker) {
	go w.Run(ctx)
	if err := worker.Drain(ctx, w.Signals(), func(sig worker.Signal) { b.deliver(ctx, sig) }); err != nil && ctx.Err() != nil {
		b.logger.Debug("bridge: inline drain interrupted: %v", err)
		b.drainAsync(w.Context, w.Signals())
	}
}

func (b *Bridge) drainAsync(_ *Context, signals *worker.Signals) {
	go func() {
		_ = worker.Drain(context.Background(), signals, func(sig worker.Signal) {
			b.deliver(context.Background(), sig)
		})
	}()
}

// deliver forwards one worker signal to the dispatcher.
func (b *Bridge) deliver(ctx context.Context, sig worker.Signal) {
	var evt *events.Event
	switch sig.Kind {
	case worker.SignalEvent:
		evt = sig.Event
	case worker.SignalFinished:
		evt = events.NewRender(events.RenderStateIdle, nil).WithTurn(sig.Turn)
	case worker.SignalError:
		b.setErr(sig.Err)
		b.logger.Error("bridge: worker failed: %v", sig.Err)
		evt = events.NewRender(events.RenderStateError, map[string]any{"error": sig.Err.Error()}).WithTurn(sig.Turn)
	}
	if evt == nil || b.dispatcher == nil {
		return
	}
	if _, _, err := b.dispatcher.Dispatch(ctx, evt, false); err != nil {
		b.logger.Debug("bridge: dispatch %s: %v", evt, err)
	}
}

// ApplyRateLimit sleeps until the requests-per-minute budget allows another call.
func (b *Bridge) ApplyRateLimit(ctx context.Context) {
	if d := b.limiter.wait(ctx); d > 0 {
		b.metrics.RateLimitWait(d)
		b.logger.Debug("bridge: rate limited for %s", d)
	}
}

// GetWorker builds the worker for bctx without starting it.
func (b *Bridge) GetWorker(bctx *Context, extra Extra) *Worker {
	extra = extra.Clone()
	if extra.String("agent_provider") == "" {
		provider := bctx.Agent
		if provider == "" {
			provider = bctx.Mode
		}
		extra["agent_provider"] = provider
	}
	if bctx.Turn == nil {
		bctx.Turn = message.NewTurn(bctx.Prompt)
	}
	return &Worker{
		ID:      newWorkerID(),
		Context: bctx,
		Extra:   extra,
		exec:    b.exec,
		store:   b.store,
		kernel:  b.kernel,
		logger:  b.logger,
		signals: worker.NewSignals(signalBuffer),
	}
}

// Call is the synchronous quick path for short one-shot prompts. It returns
// "" when the kernel is stopped and bctx.Force is not set, or on failure; the
// failure is kept in LastError.
func (b *Bridge) Call(ctx context.Context, bctx *Context, extra Extra) string {
	ctx, span := telemetry.Tracer().Start(ctx, "bridge.call")
	defer span.End()

	if b.kernel.Stopped() && !bctx.Force {
		return ""
	}
	if bctx.Model == nil {
		bctx.Model = b.models.Default()
	}
	if bctx.Turn == nil {
		bctx.Turn = message.NewTurn(bctx.Prompt)
	}
	m, err := b.models.Open(bctx.Model)
	if err != nil {
		b.setErr(err)
		return ""
	}
	if bctx.Model.QuickIndex && bctx.Idx != "" && b.index != nil {
		if err := index.Quick(ctx, b.index, m, bctx.Idx, bctx.Prompt, bctx.SystemPrompt, bctx.Turn); err != nil {
			b.setErr(err)
			return ""
		}
		return bctx.Turn.OutputText()
	}
	if extra.Bool("research") && bctx.Mode != ModeResearch {
		bctx.Mode = ModeResearch
		b.resolveMode(bctx)
		if m, err = b.models.Open(bctx.Model); err != nil {
			b.setErr(err)
			return ""
		}
	}
	b.mu.Lock()
	b.lastQuick = bctx
	b.mu.Unlock()

	msgs := append(message.CloneMessages(bctx.History), model.Message{Role: "user", Content: bctx.Prompt})
	resp, err := m.Complete(ctx, model.Request{
		Messages: msgs,
		System:   bctx.SystemPrompt,
		Model:    bctx.Model.Name,
	})
	if err != nil {
		b.setErr(err)
		b.logger.Debug("bridge: quick call: %v", err)
		return ""
	}
	out := model.Text(resp)
	bctx.Turn.SetOutput(out)
	return strings.TrimSpace(out)
}

// LastContext returns the context of the most recent Request or RequestNext.
func (b *Bridge) LastContext() *Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// LastQuickContext returns the context of the most recent provider quick call.
func (b *Bridge) LastQuickContext() *Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastQuick
}

// LastError returns the most recent recorded failure.
func (b *Bridge) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Agents exposes the agent registry.
func (b *Bridge) Agents() *AgentRegistry { return b.agents }

// Models exposes the model registry.
func (b *Bridge) Models() *ModelRegistry { return b.models }

// Index exposes the vector index, which may be nil.
func (b *Bridge) Index() *index.Store { return b.index }

func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}
