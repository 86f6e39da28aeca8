package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/telemetry"
)

var (
	// ErrNotEvent is returned when Dispatch receives something other than an event.
	ErrNotEvent = errors.New("dispatch: value is not an event")
	// ErrNotHandled lets a plugin signal it has no handler for the event. The
	// dispatcher treats it as a no-op.
	ErrNotHandled = errors.New("dispatch: plugin does not handle event")
)

// Slot names a subsystem handler position in the routing chain.
type Slot int

const (
	SlotKernel Slot = iota
	SlotRender
	SlotTools
	SlotRealtime
	SlotAgent
	SlotCtx
	SlotModel
	SlotIdx
	SlotUI
	SlotAccess
)

var slotNames = [...]string{"kernel", "render", "tools", "realtime", "agent", "ctx", "model", "idx", "ui", "access"}

func (s Slot) String() string {
	if int(s) < len(slotNames) {
		return slotNames[s]
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// Handler is a subsystem consumer. It may set evt.Stop or write evt.Data.
type Handler interface {
	Handle(ctx context.Context, evt *events.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt *events.Event)

func (f HandlerFunc) Handle(ctx context.Context, evt *events.Event) { f(ctx, evt) }

// Plugin is an extension consumer invoked after the subsystem handlers.
type Plugin interface {
	Handle(ctx context.Context, evt *events.Event) error
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, evt *events.Event) error

func (f PluginFunc) Handle(ctx context.Context, evt *events.Event) error { return f(ctx, evt) }

// DefaultLogDenylist holds high-frequency names that would flood the event log.
var DefaultLogDenylist = []string{
	events.RenderStreamAppend,
	events.RealtimeTextDelta,
	events.RealtimeAudioDelta,
	events.RenderAgentThinking,
}

// LogPolicy decides which events are written to the event log.
type LogPolicy struct {
	Enabled  bool
	Denylist []string
}

type logPolicy struct {
	enabled bool
	deny    map[string]struct{}
}

func compilePolicy(p LogPolicy) *logPolicy {
	deny := make(map[string]struct{}, len(p.Denylist))
	for _, name := range p.Denylist {
		deny[name] = struct{}{}
	}
	return &logPolicy{enabled: p.Enabled, deny: deny}
}

type pluginEntry struct {
	id      string
	plugin  Plugin
	enabled bool
}

// Dispatcher routes events through a fixed-priority handler chain and then to
// plugins in registration order.
type Dispatcher struct {
	handlers [len(slotNames)]Handler

	mu      sync.RWMutex
	plugins []pluginEntry
	index   map[string]int

	callID  atomic.Int64
	policy  atomic.Pointer[logPolicy]
	logger  logging.Logger
	metrics *telemetry.Metrics
	errFn   func(id string, evt *events.Event, err error)
}

// Option configures optional behaviour.
type Option func(*Dispatcher)

// WithHandler installs the handler for a slot. Empty slots are skipped.
func WithHandler(slot Slot, h Handler) Option {
	return func(d *Dispatcher) {
		if int(slot) >= 0 && int(slot) < len(d.handlers) {
			d.handlers[slot] = h
		}
	}
}

// WithLogger sets the event logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(l) }
}

// WithMetrics records dispatch counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithErrorHandler installs a sink for handler and plugin failures. Plugin
// errors are still returned to callers.
func WithErrorHandler(fn func(id string, evt *events.Event, err error)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.errFn = fn
		}
	}
}

// WithLogPolicy sets the initial event log policy.
func WithLogPolicy(p LogPolicy) Option {
	return func(d *Dispatcher) { d.policy.Store(compilePolicy(p)) }
}

// New constructs a dispatcher. Handler slots are fixed for its lifetime.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		index:  map[string]int{},
		logger: logging.Nop(),
		errFn:  func(string, *events.Event, error) {},
	}
	d.policy.Store(compilePolicy(LogPolicy{Enabled: true, Denylist: DefaultLogDenylist}))
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SetLogPolicy swaps the log policy, typically after a settings reload.
func (d *Dispatcher) SetLogPolicy(p LogPolicy) {
	d.policy.Store(compilePolicy(p))
}

// Register appends a plugin. Re-registering an id replaces the plugin in place
// so ordering stays stable.
func (d *Dispatcher) Register(id string, p Plugin, enabled bool) error {
	if id == "" {
		return errors.New("dispatch: plugin id is empty")
	}
	if p == nil {
		return fmt.Errorf("dispatch: plugin %s is nil", id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, ok := d.index[id]; ok {
		d.plugins[idx] = pluginEntry{id: id, plugin: p, enabled: enabled}
		return nil
	}
	d.index[id] = len(d.plugins)
	d.plugins = append(d.plugins, pluginEntry{id: id, plugin: p, enabled: enabled})
	return nil
}

// SetEnabled toggles a registered plugin. Unknown ids report false.
func (d *Dispatcher) SetEnabled(id string, enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.index[id]
	if !ok {
		return false
	}
	d.plugins[idx].enabled = enabled
	return true
}

// Plugins lists plugin ids in registration order.
func (d *Dispatcher) Plugins() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.plugins))
	for i, p := range d.plugins {
		out[i] = p.id
	}
	return out
}

// Dispatch routes one event. The first return value lists the plugin ids that
// received the event. Only a non-event argument is a contract violation;
// plugin failures are reported to the error sink, do not stop other plugins,
// and are joined into the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, v any, all bool) ([]string, *events.Event, error) {
	evt, ok := v.(*events.Event)
	if !ok || evt == nil {
		return nil, nil, fmt.Errorf("%w: %T", ErrNotEvent, v)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Kind != events.KindRender {
		evt.CallID = d.callID.Add(1)
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "dispatch "+evt.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", evt.Kind.String()),
		attribute.String("event.name", evt.Name),
		attribute.Int64("event.call_id", evt.CallID),
	)
	d.metrics.EventDispatched(evt.Kind.String())
	if d.IsLog(evt) {
		d.logger.Debug("event %s data=%v", evt, evt.Data)
	}

	if evt.Kind == events.KindRealtime {
		d.handle(ctx, SlotRealtime, evt)
		return nil, evt, nil
	}

	// Kernel events never continue past the tools side channel. Lifecycle
	// names are consumed by the kernel itself and skip the kernel handler.
	handled := false
	switch {
	case evt.Kind == events.KindKernel:
		if !events.IsAuto(evt.Name) {
			d.handle(ctx, SlotKernel, evt)
		}
		handled = true
	case evt.Kind == events.KindRender:
		d.handle(ctx, SlotRender, evt)
		handled = true
	}
	if evt.Stop {
		return nil, evt, nil
	}

	d.handle(ctx, SlotTools, evt)
	if handled || evt.Stop {
		return nil, evt, nil
	}

	for _, slot := range []Slot{SlotRealtime, SlotAgent, SlotCtx, SlotModel, SlotIdx, SlotUI} {
		d.handle(ctx, slot, evt)
		if evt.Stop {
			return nil, evt, nil
		}
	}

	if evt.Kind == events.KindControl || evt.Kind == events.KindApp {
		d.handle(ctx, SlotAccess, evt)
	}

	affected, err := d.applyPlugins(ctx, evt, all)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return affected, evt, err
}

func (d *Dispatcher) applyPlugins(ctx context.Context, evt *events.Event, all bool) ([]string, error) {
	d.mu.RLock()
	snapshot := make([]pluginEntry, len(d.plugins))
	copy(snapshot, d.plugins)
	d.mu.RUnlock()

	affected := []string{}
	var joined error
	for _, entry := range snapshot {
		if evt.Stop {
			break
		}
		if !all && !entry.enabled {
			continue
		}
		if err := d.Apply(ctx, entry.id, evt); err != nil {
			joined = errors.Join(joined, fmt.Errorf("plugin %s: %w", entry.id, err))
		}
		affected = append(affected, entry.id)
	}
	return affected, joined
}

// Apply delivers evt to one plugin. Unknown ids are a no-op, as is a plugin
// reporting ErrNotHandled. Any other failure is reported and returned.
func (d *Dispatcher) Apply(ctx context.Context, id string, evt *events.Event) error {
	d.mu.RLock()
	idx, ok := d.index[id]
	var p Plugin
	if ok {
		p = d.plugins[idx].plugin
	}
	d.mu.RUnlock()
	if p == nil {
		return nil
	}
	err := safePlugin(ctx, p, evt)
	if err == nil || errors.Is(err, ErrNotHandled) {
		return nil
	}
	d.metrics.PluginError(id)
	d.errFn(id, evt, err)
	return err
}

// IsLog reports whether evt should be written to the event log.
func (d *Dispatcher) IsLog(evt *events.Event) bool {
	policy := d.policy.Load()
	if policy == nil || !policy.enabled || evt == nil {
		return false
	}
	if _, denied := policy.deny[evt.Name]; denied {
		return false
	}
	return !evt.Silent()
}

func (d *Dispatcher) handle(ctx context.Context, slot Slot, evt *events.Event) {
	h := d.handlers[slot]
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("dispatch: %s handler panic: %v", slot, r)
			d.logger.Error("%v", err)
			d.errFn(slot.String(), evt, err)
		}
	}()
	h.Handle(ctx, evt)
}

func safePlugin(ctx context.Context, p Plugin, evt *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Handle(ctx, evt)
}
