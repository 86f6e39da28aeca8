package config

import (
	"github.com/cexll/agentcore/pkg/telemetry"
)

// Settings models the contents of .agentcore/settings.yaml. Optional booleans
// and numbers are pointers so nil means "unset" and defaults apply.
type Settings struct {
	RequestsPerMinute *int                     `yaml:"requestsPerMinute,omitempty"` // LLM request budget; 0 disables spacing.
	LogEvents         *bool                    `yaml:"logEvents,omitempty"`         // Write routed events to the debug log.
	LogDenylist       []string                 `yaml:"logDenylist,omitempty"`       // Event names never logged.
	Kernel            *KernelConfig            `yaml:"kernel,omitempty"`            // Kernel execution capabilities.
	Pool              *PoolConfig              `yaml:"pool,omitempty"`              // Worker pool sizing.
	SyncModes         []string                 `yaml:"syncModes,omitempty"`         // Modes run inline on the caller.
	Models            map[string]ModelConfig   `yaml:"models,omitempty"`            // Model registry keyed by model id.
	Agents            map[string]AgentConfig   `yaml:"agents,omitempty"`            // Agent providers keyed by provider id.
	Hooks             []HookConfig             `yaml:"hooks,omitempty"`             // Shell hook plugins.
	DisableAllHooks   *bool                    `yaml:"disableAllHooks,omitempty"`   // Force-disable all hooks.
	MCPServers        map[string]string        `yaml:"mcpServers,omitempty"`        // MCP servers by name: URL or stdio command.
	Index             *IndexConfig             `yaml:"index,omitempty"`             // Vector index storage.
	Tracing           *telemetry.TracingConfig `yaml:"tracing,omitempty"`           // Span export.

	// SourceHash fingerprints the files that produced these settings.
	SourceHash string `yaml:"-"`
}

// KernelConfig advertises how the kernel may run work.
type KernelConfig struct {
	Async    *bool `yaml:"async,omitempty"`    // Async runners are supported.
	Threaded *bool `yaml:"threaded,omitempty"` // A worker pool is available.
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Size  int `yaml:"size,omitempty"`  // Concurrent workers.
	Queue int `yaml:"queue,omitempty"` // Pending submissions before Submit blocks.
}

// ModelConfig describes one model entry.
type ModelConfig struct {
	Provider   string            `yaml:"provider"`             // anthropic | openai
	Name       string            `yaml:"name,omitempty"`       // Provider model name; defaults to the id.
	Modes      []string          `yaml:"modes,omitempty"`      // Modes this model supports.
	Fallback   map[string]string `yaml:"fallback,omitempty"`   // Unsupported mode -> replacement mode.
	NoStream   []string          `yaml:"noStream,omitempty"`   // Modes that must not stream.
	QuickIndex bool              `yaml:"quickIndex,omitempty"` // Quick calls may be served from an index.
}

// AgentConfig describes an agent provider.
type AgentConfig struct {
	Mode    string `yaml:"mode"`              // plan | step | assistant | workflow | openai
	SubMode string `yaml:"subMode,omitempty"` // Mode the bridge resolves agent requests to.
	Index   string `yaml:"index,omitempty"`   // Index consulted by the retriever tool.
	ReAct   bool   `yaml:"react,omitempty"`   // ReAct-style index agent; replies only update status.
}

// HookConfig binds a shell command to an event name.
type HookConfig struct {
	Name    string `yaml:"name,omitempty"`
	Event   string `yaml:"event"`
	Command string `yaml:"command"`
	Match   string `yaml:"match,omitempty"`   // Regexp over the JSON event data.
	Timeout string `yaml:"timeout,omitempty"` // Go duration string.
}

// IndexConfig locates the vector index store.
type IndexConfig struct {
	PersistPath string `yaml:"persistPath,omitempty"`
	Collection  string `yaml:"collection,omitempty"`
}

const (
	defaultPoolSize = 4
	defaultQueue    = 64
)

// GetDefaultSettings returns the baseline settings before any file is applied.
func GetDefaultSettings() Settings {
	return Settings{
		RequestsPerMinute: intPtr(0),
		LogEvents:         boolPtr(true),
		Kernel:            &KernelConfig{Async: boolPtr(true), Threaded: boolPtr(true)},
		Pool:              &PoolConfig{Size: defaultPoolSize, Queue: defaultQueue},
		SyncModes:         []string{"assistant"},
	}
}

// RPM returns the configured requests-per-minute budget.
func (s *Settings) RPM() int {
	if s == nil || s.RequestsPerMinute == nil || *s.RequestsPerMinute < 0 {
		return 0
	}
	return *s.RequestsPerMinute
}

// EventLogging reports whether event logging is enabled.
func (s *Settings) EventLogging() bool {
	return s != nil && boolValue(s.LogEvents, true)
}

// AsyncSupported reports whether async runners may be used.
func (s *Settings) AsyncSupported() bool {
	return s != nil && s.Kernel != nil && boolValue(s.Kernel.Async, true)
}

// ThreadedSupported reports whether a worker pool is available.
func (s *Settings) ThreadedSupported() bool {
	return s != nil && s.Kernel != nil && boolValue(s.Kernel.Threaded, true)
}

// HooksDisabled reports whether every hook is force-disabled.
func (s *Settings) HooksDisabled() bool {
	return s != nil && boolValue(s.DisableAllHooks, false)
}

// PoolSize returns the worker count and queue depth.
func (s *Settings) PoolSize() (int, int) {
	size, queue := defaultPoolSize, defaultQueue
	if s != nil && s.Pool != nil {
		if s.Pool.Size > 0 {
			size = s.Pool.Size
		}
		if s.Pool.Queue > 0 {
			queue = s.Pool.Queue
		}
	}
	return size, queue
}

func boolValue(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }
