package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	mcpClientName    = "agentcore"
	mcpClientVersion = "dev"
	mcpDialTimeout   = 10 * time.Second
)

// mcpSession is the subset of *mcp.ClientSession the registry relies on.
type mcpSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// mcpTransportBuilder enables tests to swap transport implementations.
var mcpTransportBuilder = buildMCPTransport

// RegisterMCPServer discovers the tools exposed by an MCP server and registers
// them under "<name>__<tool>". spec is an http(s) URL (streamable HTTP, or SSE
// when the path ends in /sse) or a stdio command line.
func (r *Registry) RegisterMCPServer(ctx context.Context, name, spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("tool: mcp server spec is empty")
	}
	transport, err := mcpTransportBuilder(spec)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, mcpDialTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: mcpClientName, Version: mcpClientVersion}, nil)
	session, err := client.Connect(dialCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("tool: connect mcp server %s: %w", name, err)
	}
	if err := r.registerSession(dialCtx, name, session); err != nil {
		_ = session.Close()
		return err
	}
	return nil
}

func (r *Registry) registerSession(ctx context.Context, server string, session mcpSession) error {
	listed, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("tool: list mcp tools: %w", err)
	}
	if len(listed.Tools) == 0 {
		return fmt.Errorf("tool: mcp server %s returned no tools", server)
	}
	wrappers := make([]Tool, 0, len(listed.Tools))
	for _, desc := range listed.Tools {
		if desc == nil || strings.TrimSpace(desc.Name) == "" {
			return errors.New("tool: mcp tool with empty name")
		}
		rt := &remoteTool{
			name:        qualifiedName(server, desc.Name),
			remoteName:  desc.Name,
			description: desc.Description,
			schema:      schemaMap(desc.InputSchema),
			session:     session,
		}
		if r.has(rt.name) {
			return fmt.Errorf("tool: %s already registered", rt.name)
		}
		wrappers = append(wrappers, rt)
	}
	if err := r.Register(wrappers...); err != nil {
		return err
	}
	r.mu.Lock()
	r.sessions = append(r.sessions, session)
	r.mu.Unlock()
	return nil
}

func qualifiedName(server, name string) string {
	if server == "" {
		return name
	}
	return server + "__" + name
}

func buildMCPTransport(spec string) (mcp.Transport, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		if strings.HasSuffix(strings.TrimRight(spec, "/"), "/sse") {
			return &mcp.SSEClientTransport{Endpoint: spec}, nil
		}
		return &mcp.StreamableClientTransport{Endpoint: spec}, nil
	default:
		spec = strings.TrimPrefix(spec, "stdio://")
		parts := strings.Fields(spec)
		if len(parts) == 0 {
			return nil, errors.New("tool: invalid stdio server spec")
		}
		return &mcp.CommandTransport{Command: exec.Command(parts[0], parts[1:]...)}, nil
	}
}

// schemaMap normalises whatever schema representation the SDK hands back.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

type remoteTool struct {
	name        string
	remoteName  string
	description string
	schema      map[string]any
	session     mcpSession
}

func (r *remoteTool) Name() string           { return r.name }
func (r *remoteTool) Description() string    { return r.description }
func (r *remoteTool) Schema() map[string]any { return r.schema }

func (r *remoteTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	res, err := r.session.CallTool(ctx, &mcp.CallToolParams{Name: r.remoteName, Arguments: params})
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return &Result{Output: strings.Join(parts, "\n"), Data: res.StructuredContent, Error: res.IsError}, nil
}
