// Package tool holds the tools a runner may offer to a model: local function
// tools, tools discovered on MCP servers, and the index retriever.
package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cexll/agentcore/pkg/model"
)

// Tool is a callable exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the parameters, or nil.
	Schema() map[string]any
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of one tool execution.
type Result struct {
	Output string
	Data   any
	Error  bool
}

// Func builds a Tool from a function.
func Func(name, description string, schema map[string]any, fn func(ctx context.Context, params map[string]any) (*Result, error)) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

type funcTool struct {
	name        string
	description string
	schema      map[string]any
	fn          func(context.Context, map[string]any) (*Result, error)
}

func (f *funcTool) Name() string           { return f.name }
func (f *funcTool) Description() string    { return f.description }
func (f *funcTool) Schema() map[string]any { return f.schema }

func (f *funcTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	return f.fn(ctx, params)
}

// Definition converts t into a model tool definition.
func Definition(t Tool) model.ToolDefinition {
	return model.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
}

// ValidateRequired checks that every property listed under "required" in
// schema is present in params.
func ValidateRequired(params, schema map[string]any) error {
	var required []string
	switch v := schema["required"].(type) {
	case []string:
		required = v
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	var missing []string
	for _, name := range required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing required parameter(s): %s", strings.Join(missing, ", "))
}
