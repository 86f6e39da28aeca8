package bridge

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/model"
)

// AgentRegistry maps agent provider ids to their execution settings. Every
// runner mode is also registered as a provider of the same name so that plain
// mode requests resolve without configuration.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]config.AgentConfig
}

// NewAgentRegistry seeds the registry from settings.
func NewAgentRegistry(agents map[string]config.AgentConfig) *AgentRegistry {
	r := &AgentRegistry{agents: map[string]config.AgentConfig{}}
	for _, mode := range []string{ModeAssistant, ModePlan, ModeStep, ModeWorkflow, ModeOpenAI} {
		r.agents[mode] = config.AgentConfig{Mode: mode}
	}
	maps.Copy(r.agents, agents)
	return r
}

// Get returns the provider settings.
func (r *AgentRegistry) Get(id string) (config.AgentConfig, bool) {
	if r == nil {
		return config.AgentConfig{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[id]
	return cfg, ok
}

// Set registers or replaces a provider.
func (r *AgentRegistry) Set(id string, cfg config.AgentConfig) {
	r.mu.Lock()
	r.agents[id] = cfg
	r.mu.Unlock()
}

// IDs lists provider ids in sorted order.
func (r *AgentRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.agents))
}

// Opener builds a provider model. model.Open is the default.
type Opener func(provider, name string) (model.Model, error)

// ModelRegistry resolves model ids to references and live provider clients.
type ModelRegistry struct {
	mu     sync.Mutex
	refs   map[string]*ModelRef
	models map[string]model.Model
	def    string
	opener Opener
}

// ModelOption configures a ModelRegistry.
type ModelOption func(*ModelRegistry)

// WithOpener replaces the provider constructor.
func WithOpener(fn Opener) ModelOption {
	return func(r *ModelRegistry) { r.opener = fn }
}

// WithDefaultModel selects the model used when a request names none.
func WithDefaultModel(id string) ModelOption {
	return func(r *ModelRegistry) { r.def = id }
}

// NewModelRegistry builds references from settings.
func NewModelRegistry(models map[string]config.ModelConfig, opts ...ModelOption) *ModelRegistry {
	r := &ModelRegistry{refs: map[string]*ModelRef{}, models: map[string]model.Model{}, opener: model.Open}
	for id, cfg := range models {
		name := cfg.Name
		if name == "" {
			name = id
		}
		r.refs[id] = &ModelRef{
			ID:         id,
			Provider:   cfg.Provider,
			Name:       name,
			Modes:      slices.Clone(cfg.Modes),
			Fallback:   maps.Clone(cfg.Fallback),
			NoStream:   slices.Clone(cfg.NoStream),
			QuickIndex: cfg.QuickIndex,
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the reference registered under id.
func (r *ModelRegistry) Get(id string) (*ModelRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[id]
	return ref, ok
}

// Default returns the configured default, the first model by id, or an
// anthropic reference with the provider's default model name.
func (r *ModelRegistry) Default() *ModelRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.refs[r.def]; ok {
		return ref
	}
	if len(r.refs) > 0 {
		return r.refs[slices.Sorted(maps.Keys(r.refs))[0]]
	}
	return &ModelRef{ID: "default", Provider: "anthropic"}
}

// Set registers ref and optionally a ready client for it.
func (r *ModelRegistry) Set(ref *ModelRef, m model.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref.ID] = ref
	if m != nil {
		r.models[ref.ID] = m
	}
}

// Open returns the provider client for ref, creating it once per id.
func (r *ModelRegistry) Open(ref *ModelRef) (model.Model, error) {
	if ref == nil {
		ref = r.Default()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[ref.ID]; ok {
		return m, nil
	}
	m, err := r.opener(ref.Provider, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("bridge: open model %s: %w", ref.ID, err)
	}
	r.models[ref.ID] = m
	return m, nil
}
