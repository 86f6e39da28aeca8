package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/config"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/model"
	"github.com/cexll/agentcore/pkg/tool"
	"github.com/cexll/agentcore/pkg/worker"
)

var errStopped = errors.New("runner: kernel stopped")

// Params is everything a mode runner receives.
type Params struct {
	Context *bridge.Context
	Extra   bridge.Extra
	Signals *worker.Signals
	Agent   config.AgentConfig
	Tools   *tool.Set
	Model   model.Model
	Kernel  *kernel.State
}

func (p Params) turn() *message.Turn { return p.Context.Turn }

func (p Params) stopped() bool { return p.Kernel.Stopped() }

// emit sends evt to the worker's signals with the turn attached.
func (p Params) emit(evt *events.Event) {
	if evt.Turn == nil {
		evt.Turn = p.turn()
	}
	p.Signals.Emit(evt)
}

// messages returns the history followed by prompt as a user message.
func (p Params) messages(prompt string) []model.Message {
	msgs := message.CloneMessages(p.Context.History)
	return append(msgs, model.Message{Role: message.RoleUser, Content: prompt})
}

func (p Params) request(msgs []model.Message, system string, withTools bool) model.Request {
	if system == "" {
		system = p.Context.SystemPrompt
	}
	req := model.Request{Messages: msgs, System: system}
	if p.Context.Model != nil {
		req.Model = p.Context.Model.Name
	}
	if withTools && p.Tools != nil {
		req.Tools = p.Tools.Definitions()
	}
	return req
}

// complete runs one model call. With stream set, deltas are appended to the
// turn and emitted as they arrive and the kernel stop flag is polled per chunk.
func (p Params) complete(ctx context.Context, req model.Request, stream bool) (*model.Response, error) {
	if !stream {
		if p.stopped() {
			return nil, errStopped
		}
		return p.Model.Complete(ctx, req)
	}
	var final *model.Response
	err := p.Model.CompleteStream(ctx, req, func(r model.StreamResult) error {
		if p.stopped() {
			return errStopped
		}
		switch {
		case r.Delta != "":
			p.turn().AppendOutput(r.Delta)
			p.emit(events.NewRender(events.RenderStreamAppend, map[string]any{"chunk": r.Delta}))
		case r.Reasoning != "":
			p.emit(events.NewRender(events.RenderAgentThinking, map[string]any{"reasoning": r.Reasoning}))
		case r.Final:
			final = r.Response
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, errors.New("runner: stream ended without a final response")
	}
	return final, nil
}

// toolLoop lets the model call tools until it answers without one.
func (p Params) toolLoop(ctx context.Context, msgs []model.Message, system string, stream bool, maxSteps int) (*model.Response, error) {
	for step := 0; step < maxSteps; step++ {
		resp, err := p.complete(ctx, p.request(msgs, system, true), stream)
		if err != nil {
			return nil, err
		}
		if len(resp.Message.ToolCalls) == 0 {
			return resp, nil
		}
		if msgs, err = p.runTools(ctx, msgs, resp); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("runner: no final answer after %d tool steps", maxSteps)
}

// runTools executes the tool calls of resp and returns msgs extended with the
// assistant request and the tool results.
func (p Params) runTools(ctx context.Context, msgs []model.Message, resp *model.Response) ([]model.Message, error) {
	msgs = append(msgs, model.Message{Role: message.RoleAssistant, Content: resp.Message.Content, ToolCalls: resp.Message.ToolCalls})
	results := make([]model.ToolCall, 0, len(resp.Message.ToolCalls))
	for _, call := range resp.Message.ToolCalls {
		if p.stopped() {
			return nil, errStopped
		}
		call.Result = p.execTool(ctx, call)
		p.turn().RecordToolCall(call)
		results = append(results, call)
	}
	return append(msgs, model.Message{Role: message.RoleTool, ToolCalls: results}), nil
}

func (p Params) execTool(ctx context.Context, call model.ToolCall) string {
	p.emit(events.NewRender(events.RenderToolUpdated, map[string]any{"tool": call.Name, "id": call.ID}))
	if p.Tools == nil {
		return "error: no tools available"
	}
	res, err := p.Tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		return "error: " + err.Error()
	}
	if res == nil {
		return ""
	}
	return res.Output
}

// finish streams a non-streamed answer to the turn so every mode ends the
// same way for render consumers.
func (p Params) finish(resp *model.Response, streamed bool) {
	if !streamed {
		text := model.Text(resp)
		p.turn().AppendOutput(text)
		p.emit(events.NewRender(events.RenderStreamAppend, map[string]any{"chunk": text}))
	}
	p.emit(events.NewRender(events.RenderStreamEnd, nil))
}
