package events

import (
	"fmt"
	"time"

	"github.com/cexll/agentcore/pkg/message"
)

// Kind is the closed set of event variants routed by the dispatcher.
type Kind int

const (
	KindKernel Kind = iota + 1
	KindRender
	KindControl
	KindApp
	KindRealtime
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindRender:
		return "render"
	case KindControl:
		return "control"
	case KindApp:
		return "app"
	case KindRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// Kernel lifecycle names. INIT, RESTART, STOP and TERMINATE are handled by
// the kernel itself and never reach the kernel handler.
const (
	KernelInit      = "INIT"
	KernelRestart   = "RESTART"
	KernelStop      = "STOP"
	KernelTerminate = "TERMINATE"

	KernelInputSystem   = "INPUT_SYSTEM"
	KernelInputUser     = "INPUT_USER"
	KernelAgentContinue = "AGENT_CONTINUE"
	KernelReplyAdd      = "REPLY_ADD"
	KernelResponseOK    = "RESPONSE_OK"
	KernelResponseError = "RESPONSE_ERROR"
)

// Render names.
const (
	RenderStateBusy          = "STATE_BUSY"
	RenderStateIdle          = "STATE_IDLE"
	RenderStateError         = "STATE_ERROR"
	RenderStreamBegin        = "STREAM_BEGIN"
	RenderStreamAppend       = "STREAM_APPEND"
	RenderStreamEnd          = "STREAM_END"
	RenderToolUpdated        = "TOOL_UPDATED"
	RenderAgentThinking      = "AGENT_THINKING"
	RenderFileExplorerUpdate = "FILE_EXPLORER_UPDATE"
)

// Realtime names.
const (
	RealtimeTextDelta   = "RT_OUTPUT_TEXT_DELTA"
	RealtimeAudioDelta  = "RT_OUTPUT_AUDIO_DELTA"
	RealtimeAudioCommit = "RT_INPUT_AUDIO_COMMIT"
	RealtimeEnd         = "RT_OUTPUT_END"
)

// Control and app names.
const (
	ControlAgentStop = "AGENT_STOP"
	ControlCtxEnd    = "CTX_END"
	AppCtxCreated    = "CTX_CREATED"
	AppCtxSelected   = "CTX_SELECTED"
)

var autoKernel = map[string]struct{}{
	KernelInit:      {},
	KernelRestart:   {},
	KernelStop:      {},
	KernelTerminate: {},
}

// IsAuto reports whether name is a kernel lifecycle name that bypasses the
// kernel handler.
func IsAuto(name string) bool {
	_, ok := autoKernel[name]
	return ok
}

// Event carries an immutable intent (Kind, Name) and a mutable payload. Any
// handler may set Stop; the dispatcher then ends the current dispatch.
type Event struct {
	Kind      Kind
	Name      string
	Data      map[string]any
	Stop      bool
	CallID    int64 // assigned by the dispatcher; render events arrive pre-numbered
	Turn      *message.Turn
	Timestamp time.Time
}

// New builds an event of the given kind with a private copy of data.
func New(kind Kind, name string, data map[string]any) *Event {
	evt := &Event{Kind: kind, Name: name, Data: map[string]any{}, Timestamp: time.Now()}
	for k, v := range data {
		evt.Data[k] = v
	}
	return evt
}

func NewKernel(name string, data map[string]any) *Event   { return New(KindKernel, name, data) }
func NewRender(name string, data map[string]any) *Event   { return New(KindRender, name, data) }
func NewControl(name string, data map[string]any) *Event  { return New(KindControl, name, data) }
func NewApp(name string, data map[string]any) *Event      { return New(KindApp, name, data) }
func NewRealtime(name string, data map[string]any) *Event { return New(KindRealtime, name, data) }

// WithTurn attaches the conversation turn and returns the event for chaining.
func (e *Event) WithTurn(turn *message.Turn) *Event {
	e.Turn = turn
	return e
}

// Validate performs cheap sanity checks.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("events: nil event")
	}
	if e.Name == "" {
		return fmt.Errorf("events: missing name")
	}
	if e.Kind < KindKernel || e.Kind > KindRealtime {
		return fmt.Errorf("events: unknown kind %d", e.Kind)
	}
	return nil
}

// Silent reports whether the payload asked to be excluded from event logs.
func (e *Event) Silent() bool {
	if e == nil || e.Data == nil {
		return false
	}
	silent, _ := e.Data["silent"].(bool)
	return silent
}

// String renders a compact description for logs.
func (e *Event) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%s#%d", e.Kind, e.Name, e.CallID)
}
