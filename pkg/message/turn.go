package message

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Meta identifies the conversation a turn belongs to.
type Meta struct {
	ID string
}

// Turn is one user-to-assistant exchange. The caller owns it; the core only
// reads fields and appends output or results, it never swaps the pointer.
type Turn struct {
	Input     string
	AgentCall bool // results are consumed synchronously by the caller
	Reply     bool // results are folded back through the reply coordinator
	SubCall   bool
	Internal  bool
	PID       int
	ExtraCtx  any
	Meta      Meta
	Extra     map[string]any

	mu      sync.Mutex
	output  strings.Builder
	results []any
	calls   []ToolCall
}

// NewTurn builds a turn for the given input with a fresh meta id.
func NewTurn(input string) *Turn {
	return &Turn{Input: input, Meta: Meta{ID: uuid.NewString()}}
}

// AppendOutput extends the accumulated assistant output.
func (t *Turn) AppendOutput(chunk string) {
	if t == nil || chunk == "" {
		return
	}
	t.mu.Lock()
	t.output.WriteString(chunk)
	t.mu.Unlock()
}

// SetOutput replaces the accumulated assistant output.
func (t *Turn) SetOutput(out string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.output.Reset()
	t.output.WriteString(out)
	t.mu.Unlock()
}

// OutputText returns the accumulated assistant output.
func (t *Turn) OutputText() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.String()
}

// AddResults appends sub-agent or tool results to the turn.
func (t *Turn) AddResults(results ...any) {
	if t == nil || len(results) == 0 {
		return
	}
	t.mu.Lock()
	t.results = append(t.results, results...)
	t.mu.Unlock()
}

// Results returns a snapshot of the pending results.
func (t *Turn) Results() []any {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.results...)
}

// TakeResults returns the pending results and clears them so they cannot be
// emitted twice.
func (t *Turn) TakeResults() []any {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.results
	t.results = nil
	return out
}

// RecordToolCall keeps the tool invocations made while producing the output.
func (t *Turn) RecordToolCall(call ToolCall) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.calls = append(t.calls, call.clone())
	t.mu.Unlock()
}

// ToolCalls returns a copy of the recorded tool invocations.
func (t *Turn) ToolCalls() []ToolCall {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneToolCalls(t.calls)
}
