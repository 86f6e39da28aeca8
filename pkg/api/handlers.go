package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/message"
)

// run tracks one turn started through Run or RunStream. A flushed reply
// links the continuation turn as next.
type run struct {
	turn *message.Turn
	out  chan *events.Event
	done chan struct{}
	err  error
	next *run
}

func (rt *Runtime) track(turn *message.Turn, out chan *events.Event) *run {
	r := &run{turn: turn, out: out, done: make(chan struct{})}
	rt.mu.Lock()
	rt.runs[turn.Meta.ID] = r
	rt.mu.Unlock()
	return r
}

func (rt *Runtime) untrack(turn *message.Turn) *run {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r := rt.runs[turn.Meta.ID]
	delete(rt.runs, turn.Meta.ID)
	return r
}

func (rt *Runtime) lookup(turn *message.Turn) *run {
	if turn == nil {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.runs[turn.Meta.ID]
}

// complete resolves the run of turn. The stream closes with the last run of
// the chain.
func (rt *Runtime) complete(turn *message.Turn, err error) {
	if turn == nil {
		return
	}
	rt.mu.Lock()
	r := rt.runs[turn.Meta.ID]
	delete(rt.runs, turn.Meta.ID)
	last := r != nil && r.next == nil
	rt.mu.Unlock()
	if r == nil {
		return
	}
	r.err = err
	if last && r.out != nil {
		close(r.out)
	}
	close(r.done)
}

func (rt *Runtime) await(ctx context.Context, r *run) (*Response, error) {
	resp := &Response{}
	for r != nil {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-r.done:
		}
		resp.Turns = append(resp.Turns, r.turn)
		resp.Output = r.turn.OutputText()
		if r.err != nil {
			return resp, r.err
		}
		rt.mu.RLock()
		r = r.next
		rt.mu.RUnlock()
	}
	return resp, nil
}

// handleKernel starts requests from input events, hands finished turns to
// the reply coordinator and resumes turns whose replies were flushed.
func (rt *Runtime) handleKernel(ctx context.Context, evt *events.Event) {
	switch evt.Name {
	case events.KernelInputUser, events.KernelInputSystem:
		prompt, _ := evt.Data["prompt"].(string)
		mode, _ := evt.Data["mode"].(string)
		agent, _ := evt.Data["agent"].(string)
		bctx, extra := rt.prepare(Request{Prompt: prompt, Mode: mode, Agent: agent})
		evt.Data["turn_id"] = bctx.Turn.Meta.ID
		evt.Data["started"] = rt.bridge.Request(ctx, bctx, extra)
	case events.KernelResponseOK:
		bctx, _ := evt.Data["context"].(*bridge.Context)
		extra, _ := evt.Data["extra"].(bridge.Extra)
		if results := rt.reply.Add(ctx, bctx, extra); len(results) > 0 {
			evt.Data["results"] = results
		}
		if bctx != nil {
			rt.reply.OnPostResponse(ctx, bctx.Turn, extra)
		}
	case events.KernelReplyAdd:
		parent, _ := evt.Data["context"].(*bridge.Context)
		results, _ := evt.Data["results"].([]any)
		if parent != nil {
			rt.continueTurn(ctx, parent, results)
		}
	}
}

// handleRender feeds streams and completes runs. A finished turn flushes any
// pending replies before its run resolves, so the continuation is linked first.
func (rt *Runtime) handleRender(ctx context.Context, evt *events.Event) {
	if rt.opts.OnEvent != nil {
		rt.opts.OnEvent(evt)
	}
	if r := rt.lookup(evt.Turn); r != nil && r.out != nil {
		select {
		case r.out <- evt:
		default:
			rt.logger.Debug("api: stream reader behind, dropped %s", evt.Name)
		}
	}
	switch evt.Name {
	case events.RenderStateIdle:
		rt.reply.Flush(ctx)
		rt.complete(evt.Turn, nil)
	case events.RenderStateError:
		rt.reply.Clear()
		msg, _ := evt.Data["error"].(string)
		rt.complete(evt.Turn, errors.New(msg))
	}
}

func (rt *Runtime) handleControl(_ context.Context, evt *events.Event) {
	if evt.Kind != events.KindControl {
		return
	}
	switch evt.Name {
	case events.ControlAgentStop:
		rt.kernel.Stop()
		rt.reply.Clear()
	case events.ControlCtxEnd:
		rt.reply.Clear()
	}
}

// continueTurn runs the follow-up turn that folds flushed results back into
// the conversation.
func (rt *Runtime) continueTurn(ctx context.Context, parent *bridge.Context, results []any) {
	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		payload = fmt.Appendf(nil, "%v", results)
	}
	prompt := fmt.Sprintf("Results from delegated agents:\n%s\n\nContinue the answer to: %s", payload, parent.Prompt)
	history := append(message.CloneMessages(parent.History), message.Exchange(parent.Prompt, parent.Turn)...)
	next := &bridge.Context{
		Prompt:       prompt,
		Mode:         parent.Mode,
		Model:        parent.Model,
		Stream:       parent.Stream,
		Idx:          parent.Idx,
		ParentMode:   parent.ParentMode,
		Agent:        parent.Agent,
		SystemPrompt: parent.SystemPrompt,
		History:      history,
		Turn:         message.NewTurn(prompt),
	}
	extra := bridge.Extra{}
	if parent.Turn != nil {
		next.Turn.PID = parent.Turn.PID
		extra["continuation_of"] = parent.Turn.Meta.ID
	}

	rt.mu.Lock()
	p := rt.runs[parentID(parent)]
	if p != nil {
		p.next = &run{turn: next.Turn, out: p.out, done: make(chan struct{})}
		rt.runs[next.Turn.Meta.ID] = p.next
	}
	rt.mu.Unlock()

	if !rt.bridge.RequestNext(ctx, next, extra) {
		rt.mu.Lock()
		if p != nil {
			p.next = nil
		}
		delete(rt.runs, next.Turn.Meta.ID)
		rt.mu.Unlock()
	}
}

func parentID(bctx *bridge.Context) string {
	if bctx.Turn == nil {
		return ""
	}
	return bctx.Turn.Meta.ID
}
