package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry keeps the mapping between tool names and implementations.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	sessions []mcpSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register inserts tools whose names are not in use.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if t == nil {
			return errors.New("tool: tool is nil")
		}
		name := t.Name()
		if name == "" {
			return errors.New("tool: tool name is empty")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool: %s already registered", name)
		}
		r.tools[name] = t
	}
	return nil
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool: %s not found", name)
	}
	return t, nil
}

// List produces a snapshot of all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute runs a registered tool after checking its required parameters.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*Result, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if schema := t.Schema(); schema != nil {
		if err := ValidateRequired(params, schema); err != nil {
			return nil, fmt.Errorf("tool: %s validation failed: %w", name, err)
		}
	}
	return t.Execute(ctx, params)
}

// Close releases MCP sessions opened by RegisterMCPServer.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}
