package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/dispatch"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/index"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/runner"
	"github.com/cexll/agentcore/pkg/tool"
)

// PluginRegistration is a dispatcher plugin installed at startup, in order.
type PluginRegistration struct {
	ID      string
	Plugin  dispatch.Plugin
	Enabled bool
}

// Options configures a Runtime. Everything is optional.
type Options struct {
	// ProjectRoot holds .agentcore/settings.yaml. Empty runs on defaults.
	ProjectRoot       string
	SettingsOverrides *config.Settings
	SettingsLoader    *config.SettingsLoader
	// WatchSettings reloads settings on file change.
	WatchSettings bool

	// ModelOpener replaces model.Open for every registered model.
	ModelOpener  bridge.Opener
	DefaultModel string

	SystemPrompt string
	MaxSteps     int
	MaxParallel  int
	// Workflow builds the graph of workflow-mode runs. Nil drafts an answer
	// and consults the requested experts.
	Workflow runner.GraphFactory

	// Tools are function tools offered to every runner.
	Tools []tool.Tool
	// ShellTool adds the workspace bash tool rooted at ProjectRoot.
	ShellTool bool
	// Specs are plugin tool specs executed by SpecExecutor.
	Specs        []tool.Spec
	SpecExecutor tool.SpecExecutor

	// Embedder backs the vector index. Nil selects OpenAI embeddings when
	// OPENAI_API_KEY is set and the hashing embedder otherwise.
	Embedder index.Embedder

	// Handlers fill dispatcher slots. The kernel, render and agent slots run
	// the runtime's own handler first.
	Handlers map[dispatch.Slot]dispatch.Handler
	Plugins  []PluginRegistration
	// OnEvent observes every render event.
	OnEvent func(*events.Event)

	TurnStore  bridge.TurnStore
	Logger     logging.Logger
	Registerer prometheus.Registerer
}

// Request is one run of the orchestration core.
type Request struct {
	Prompt       string
	Mode         string // defaults to assistant
	Agent        string // provider id for agent mode
	Model        string // model id; empty uses the default
	Stream       bool
	Index        string
	SystemPrompt string
	History      []message.Message
	Experts      []string // workflow mode delegates
	Force        bool
	Extra        map[string]any
}

// Response is the outcome of Run. Turns lists the primary turn followed by
// every continuation triggered by flushed sub-results.
type Response struct {
	Output string
	Turns  []*message.Turn
}
