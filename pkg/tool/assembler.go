package tool

import (
	"context"
	"fmt"

	"github.com/cexll/agentcore/pkg/model"
)

// Set is the tool set offered to one runner invocation. Names are unique;
// the first tool registered under a name wins.
type Set struct {
	tools  []Tool
	byName map[string]Tool
}

// NewSet builds a set from tools, dropping nils and duplicate names.
func NewSet(tools ...Tool) *Set {
	s := &Set{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := s.byName[t.Name()]; dup {
			continue
		}
		s.byName[t.Name()] = t
		s.tools = append(s.tools, t)
	}
	return s
}

// Len reports the number of tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Names lists tool names in assembly order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.Name()
	}
	return out
}

// Definitions converts the set into model tool definitions.
func (s *Set) Definitions() []model.ToolDefinition {
	if s == nil {
		return nil
	}
	out := make([]model.ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		out[i] = Definition(t)
	}
	return out
}

// Execute runs the named tool from the set.
func (s *Set) Execute(ctx context.Context, name string, params map[string]any) (*Result, error) {
	if s == nil {
		return nil, fmt.Errorf("tool: %s not found", name)
	}
	t, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("tool: %s not found", name)
	}
	if schema := t.Schema(); schema != nil {
		if err := ValidateRequired(params, schema); err != nil {
			return nil, fmt.Errorf("tool: %s validation failed: %w", name, err)
		}
	}
	return t.Execute(ctx, params)
}

// Spec is a tool advertised by a plugin. Calls are routed back to the plugin
// through a SpecExecutor.
type Spec struct {
	Plugin     string
	Definition model.ToolDefinition
}

// SpecExecutor runs a plugin-advertised tool.
type SpecExecutor func(ctx context.Context, spec Spec, params map[string]any) (*Result, error)

type specTool struct {
	spec Spec
	exec SpecExecutor
}

func (s *specTool) Name() string           { return s.spec.Definition.Name }
func (s *specTool) Description() string    { return s.spec.Definition.Description }
func (s *specTool) Schema() map[string]any { return s.spec.Definition.Parameters }

func (s *specTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	if s.exec == nil {
		return nil, fmt.Errorf("tool: no executor for plugin tool %s", s.Name())
	}
	return s.exec(ctx, s.spec, params)
}

// RetrieverFactory builds the retriever tool for an index.
type RetrieverFactory func(index string) (Tool, error)

// Assembler gathers the tool set for a runner: function tools, plugin tools,
// plugin specs, and the retriever tool when an index is configured.
type Assembler struct {
	Functions    *Registry
	Plugins      *Registry
	Specs        func() []Spec
	SpecExecutor SpecExecutor
	Retriever    RetrieverFactory
}

// Assemble builds the tool set. index selects the retriever; empty disables it.
func (a *Assembler) Assemble(index string) (*Set, error) {
	if a == nil {
		return NewSet(), nil
	}
	var tools []Tool
	if a.Functions != nil {
		tools = append(tools, a.Functions.List()...)
	}
	if a.Plugins != nil {
		tools = append(tools, a.Plugins.List()...)
	}
	if a.Specs != nil {
		for _, spec := range a.Specs() {
			if spec.Definition.Name == "" {
				continue
			}
			tools = append(tools, &specTool{spec: spec, exec: a.SpecExecutor})
		}
	}
	if index != "" && a.Retriever != nil {
		r, err := a.Retriever(index)
		if err != nil {
			return nil, fmt.Errorf("tool: retriever for %s: %w", index, err)
		}
		tools = append(tools, r)
	}
	return NewSet(tools...), nil
}
