// Package bridge is the entry point for prompt and agent requests. It resolves
// the effective mode and model, spaces requests by the configured budget, and
// either runs a worker inline or hands it to the pool.
package bridge

import (
	"slices"

	"github.com/cexll/agentcore/pkg/message"
)

// Execution modes understood by the bridge and the agent runner.
const (
	ModeAssistant = "assistant"
	ModePlan      = "plan"
	ModeStep      = "step"
	ModeWorkflow  = "workflow"
	ModeOpenAI    = "openai"
	ModeAgent     = "agent"
	ModeResearch  = "research"

	// ModeLoopNext marks a worker that resumes a turn after sub-results landed.
	ModeLoopNext = "loop_next"
)

// Extra carries loosely typed request options such as "agent_provider" or "flush".
type Extra map[string]any

// String returns the string stored under key, or "".
func (e Extra) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Bool returns the bool stored under key, or false.
func (e Extra) Bool(key string) bool {
	b, _ := e[key].(bool)
	return b
}

// Clone returns a shallow copy that is safe to extend.
func (e Extra) Clone() Extra {
	out := make(Extra, len(e)+2)
	for k, v := range e {
		out[k] = v
	}
	return out
}

// ModelRef describes the model selected for a request and what it supports.
type ModelRef struct {
	ID         string
	Provider   string
	Name       string
	Modes      []string          // empty means every mode
	Fallback   map[string]string // unsupported mode -> replacement
	NoStream   []string          // modes that must not stream
	QuickIndex bool              // quick calls may be answered from an index
}

// Supports reports whether the model can run mode.
func (m *ModelRef) Supports(mode string) bool {
	if m == nil || len(m.Modes) == 0 {
		return true
	}
	return slices.Contains(m.Modes, mode)
}

// FallbackFor returns the replacement for an unsupported mode.
func (m *ModelRef) FallbackFor(mode string) (string, bool) {
	if m == nil {
		return "", false
	}
	fb, ok := m.Fallback[mode]
	return fb, ok && fb != ""
}

// Streams reports whether mode may stream on this model.
func (m *ModelRef) Streams(mode string) bool {
	return m == nil || !slices.Contains(m.NoStream, mode)
}

// Context is one request. The bridge mutates it in place while resolving
// mode and model; the turn pointer is never replaced.
type Context struct {
	Prompt       string
	Mode         string
	Model        *ModelRef
	Turn         *message.Turn
	Stream       bool
	Idx          string // target index, empty for none
	IdxMode      string
	ParentMode   string
	Force        bool // quick calls run even when the kernel is stopped
	Agent        string
	SystemPrompt string
	History      []message.Message
}

// Clone copies c for introspection. The turn is shared.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Model != nil {
		ref := *c.Model
		cp.Model = &ref
	}
	cp.History = message.CloneMessages(c.History)
	return &cp
}
