package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cexll/agentcore/pkg/logging"
)

const defaultDebounce = 150 * time.Millisecond

// Setting groups reported by Change.Fields.
const (
	FieldRateLimit = "requestsPerMinute"
	FieldLogPolicy = "logPolicy"
	FieldKernel    = "kernel"
	FieldPool      = "pool"
	FieldSyncModes = "syncModes"
	FieldModels    = "models"
	FieldAgents    = "agents"
	FieldHooks     = "hooks"
	FieldMCP       = "mcpServers"
	FieldIndex     = "index"
	FieldTracing   = "tracing"
)

var settingGroups = []struct {
	name string
	get  func(*Settings) any
}{
	{FieldRateLimit, func(s *Settings) any { return s.RPM() }},
	{FieldLogPolicy, func(s *Settings) any { return []any{s.EventLogging(), s.LogDenylist} }},
	{FieldKernel, func(s *Settings) any { return []bool{s.AsyncSupported(), s.ThreadedSupported()} }},
	{FieldPool, func(s *Settings) any { size, queue := s.PoolSize(); return []int{size, queue} }},
	{FieldSyncModes, func(s *Settings) any { return s.SyncModes }},
	{FieldModels, func(s *Settings) any { return s.Models }},
	{FieldAgents, func(s *Settings) any { return s.Agents }},
	{FieldHooks, func(s *Settings) any { return []any{s.HooksDisabled(), s.Hooks} }},
	{FieldMCP, func(s *Settings) any { return s.MCPServers }},
	{FieldIndex, func(s *Settings) any { return s.Index }},
	{FieldTracing, func(s *Settings) any { return s.Tracing }},
}

// Change is one successful reload. Previous is nil for the initial load, in
// which case every group is listed.
type Change struct {
	Settings *Settings
	Previous *Settings
	Fields   []string
}

// Has reports whether the named setting group changed.
func (c Change) Has(field string) bool {
	for _, f := range c.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Diff lists the setting groups that differ between prev and next.
func Diff(prev, next *Settings) []string {
	var fields []string
	for _, g := range settingGroups {
		if prev == nil || next == nil || !reflect.DeepEqual(g.get(prev), g.get(next)) {
			fields = append(fields, g.name)
		}
	}
	return fields
}

// Watcher reloads settings when a settings file under the config directory
// is written, created or removed. Bursts of file events collapse into one
// reload after the debounce window, and reloads that change nothing are
// dropped.
type Watcher struct {
	loader   *SettingsLoader
	debounce time.Duration
	logger   logging.Logger
	onChange func(Change)
	onError  func(error)

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	current *Settings
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the default debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// OnChange registers the callback fired after each effective reload.
func OnChange(fn func(Change)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// OnError registers the callback for reload and watch failures. Without one
// failures are logged.
func OnError(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

func WithWatcherLogger(l logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher wraps loader with an fsnotify watcher.
func NewWatcher(loader *SettingsLoader, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil {
		return nil, errors.New("config: loader is nil")
	}
	w := &Watcher{loader: loader, debounce: defaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	w.logger = logging.OrNop(w.logger)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	w.fsw = fsw
	return w, nil
}

// Start loads the settings, reports them as the initial change and watches
// until ctx ends or Close is called. The parent of the config directory is
// watched too so a directory created later is picked up.
func (w *Watcher) Start(ctx context.Context) (*Settings, error) {
	cfg, err := w.loader.Load()
	if err != nil {
		return nil, err
	}
	dir := w.loader.Root()
	for _, path := range []string{filepath.Dir(dir), dir} {
		if err := w.fsw.Add(path); err != nil && path == filepath.Dir(dir) {
			return nil, fmt.Errorf("config: watch %s: %w", path, err)
		}
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange(Change{Settings: cfg, Fields: Diff(nil, cfg)})
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
	return cfg, nil
}

// Current returns the last settings the watcher loaded.
func (w *Watcher) Current() *Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching. It is safe to call before Start.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.fail(fmt.Errorf("config: watch: %w", err))
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(evt) {
				timer.Reset(w.debounce)
			}
		case <-timer.C:
			w.reload()
		}
	}
}

// relevant filters out editor swap files and unrelated siblings of the
// config directory. Creating the directory itself adds it to the watch set.
func (w *Watcher) relevant(evt fsnotify.Event) bool {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Remove) && !evt.Has(fsnotify.Rename) {
		return false
	}
	dir := w.loader.Root()
	switch filepath.Clean(evt.Name) {
	case dir:
		if evt.Has(fsnotify.Create) {
			if err := w.fsw.Add(dir); err != nil {
				w.fail(fmt.Errorf("config: watch %s: %w", dir, err))
			}
		}
		return true
	case filepath.Join(dir, projectFileName), filepath.Join(dir, localFileName):
		return true
	}
	return false
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.fail(err)
		return
	}
	w.mu.Lock()
	prev := w.current
	if prev != nil && prev.SourceHash == cfg.SourceHash {
		w.mu.Unlock()
		return
	}
	w.current = cfg
	w.mu.Unlock()

	fields := Diff(prev, cfg)
	w.logger.Info("config: settings reloaded, changed: %v", fields)
	if w.onChange != nil && len(fields) > 0 {
		w.onChange(Change{Settings: cfg, Previous: prev, Fields: fields})
	}
}

func (w *Watcher) fail(err error) {
	if w.onError != nil {
		w.onError(err)
		return
	}
	w.logger.Warn("%v", err)
}
