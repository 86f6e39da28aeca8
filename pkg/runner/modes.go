package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cexll/agentcore/pkg/bridge"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/model"
	"github.com/cexll/agentcore/pkg/workflow"
)

const planSystem = "Break the task into a short numbered list of concrete steps. " +
	"One step per line. Mark a step that needs earlier results with (deps: N)."

// runAssistant answers in one model call. Tools are offered; if the model
// uses them, one round of calls runs and a final answer is requested without
// tools.
func (a *AgentRunner) runAssistant(ctx context.Context, p Params) (bool, error) {
	p.emit(events.NewRender(events.RenderStreamBegin, nil))
	stream := p.Context.Stream
	msgs := p.messages(p.Context.Prompt)
	resp, err := p.complete(ctx, p.request(msgs, "", true), stream)
	if err != nil {
		return false, err
	}
	if len(resp.Message.ToolCalls) > 0 {
		if msgs, err = p.runTools(ctx, msgs, resp); err != nil {
			return false, err
		}
		if resp, err = p.complete(ctx, p.request(msgs, "", false), stream); err != nil {
			return false, err
		}
	}
	p.finish(resp, stream)
	return true, nil
}

// runStep lets the model call tools until it produces an answer. The openai
// mode uses the same loop on the OpenAI client.
func (a *AgentRunner) runStep(ctx context.Context, p Params) (bool, error) {
	p.emit(events.NewRender(events.RenderStreamBegin, nil))
	stream := p.Context.Stream
	resp, err := p.toolLoop(ctx, p.messages(p.Context.Prompt), "", stream, a.maxSteps)
	if err != nil {
		return false, err
	}
	p.finish(resp, stream)
	return true, nil
}

// runPlan asks for a plan, runs independent steps concurrently wave by wave,
// and summarises their results into the turn.
func (a *AgentRunner) runPlan(ctx context.Context, p Params) (bool, error) {
	p.emit(events.NewRender(events.RenderStreamBegin, nil))
	planResp, err := p.complete(ctx, p.request(p.messages(p.Context.Prompt), planSystem, false), false)
	if err != nil {
		return false, err
	}
	plan := workflow.ParsePlan(model.Text(planResp))
	if plan.Len() == 0 {
		a.logger.Debug("runner: plan response had no steps, running as a single step")
		return a.runStep(ctx, p)
	}
	p.emit(events.NewRender(events.RenderAgentThinking, map[string]any{"plan": plan.Steps()}))

	waves, err := plan.Waves()
	if err != nil {
		return false, err
	}
	limit := a.maxParallel
	if n, ok := p.Extra["max_parallel"].(int); ok && n > 0 {
		limit = n
	}
	var mu sync.Mutex
	results := map[string]string{}
	for _, wave := range waves {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, s := range wave {
			g.Go(func() error {
				if p.stopped() {
					return errStopped
				}
				_ = plan.SetStatus(s.ID, workflow.StepInProgress)
				mu.Lock()
				prompt := stepPrompt(p.Context.Prompt, s, plan.Steps(), results)
				mu.Unlock()
				resp, err := p.toolLoop(gctx, []model.Message{{Role: "user", Content: prompt}}, "", false, a.maxSteps)
				if err != nil {
					_ = plan.SetStatus(s.ID, workflow.StepFailed)
					return fmt.Errorf("runner: plan step %s: %w", s.ID, err)
				}
				mu.Lock()
				results[s.ID] = model.Text(resp)
				mu.Unlock()
				_ = plan.SetStatus(s.ID, workflow.StepCompleted)
				p.emit(events.NewRender(events.RenderAgentThinking, map[string]any{"step": s.ID, "status": string(workflow.StepCompleted)}))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}
	}

	var b strings.Builder
	b.WriteString(p.Context.Prompt)
	b.WriteString("\n\nStep results:\n")
	for _, s := range plan.Steps() {
		fmt.Fprintf(&b, "%s. %s\n%s\n", s.ID, s.Title, results[s.ID])
	}
	b.WriteString("\nWrite the final answer.")
	stream := p.Context.Stream
	resp, err := p.complete(ctx, p.request(p.messages(b.String()), "", false), stream)
	if err != nil {
		return false, err
	}
	p.finish(resp, stream)
	return true, nil
}

func stepPrompt(task string, step workflow.PlanStep, steps []workflow.PlanStep, results map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall task: %s\n", task)
	for _, s := range steps {
		if out, ok := results[s.ID]; ok {
			fmt.Fprintf(&b, "Done %s. %s: %s\n", s.ID, s.Title, out)
		}
	}
	fmt.Fprintf(&b, "Now do step %s: %s", step.ID, step.Title)
	return b.String()
}

// runWorkflow executes the workflow graph with expert delegation. Results of
// delegated experts land on the turn for the reply coordinator.
func (a *AgentRunner) runWorkflow(ctx context.Context, p Params) (bool, error) {
	g, err := a.graphs(p)
	if err != nil {
		return false, err
	}
	g.Freeze()
	p.emit(events.NewRender(events.RenderStreamBegin, nil))
	_, err = workflow.NewExecutor(g,
		workflow.WithTurn(p.turn()),
		workflow.WithTools(p.Tools),
		workflow.WithEmitter(p.emit),
		workflow.WithStopCheck(p.stopped),
		workflow.WithMaxParallel(a.maxParallel),
		workflow.WithInitialData(map[string]any{"prompt": p.Context.Prompt, "experts": experts(p.Extra)}),
		workflow.WithMiddleware(workflow.NewExpertMiddleware(a.expertExecutor(p))),
	).Run(ctx)
	if err != nil {
		return false, err
	}
	p.emit(events.NewRender(events.RenderStreamEnd, nil))
	return true, nil
}

// defaultGraph drafts an answer with tools, then consults the experts named
// in extra["experts"]. Without experts the run ends after the draft.
func (a *AgentRunner) defaultGraph(p Params) (*workflow.Graph, error) {
	draft := workflow.NewAction("draft", func(ec *workflow.ExecutionContext) error {
		stream := p.Context.Stream
		resp, err := p.toolLoop(ec.Context(), p.messages(ec.String("prompt")), "", stream, a.maxSteps)
		if err != nil {
			return err
		}
		if !stream {
			ec.Turn().AppendOutput(model.Text(resp))
		}
		ec.Set("draft", model.Text(resp))
		return nil
	})
	route := workflow.NewDecision("route", func(ec *workflow.ExecutionContext) (string, error) {
		if len(expertNames(ec)) == 0 {
			return "", nil
		}
		return "consult", nil
	})
	consult := workflow.NewAction("consult", func(ec *workflow.ExecutionContext) error {
		for _, name := range expertNames(ec) {
			workflow.RequestExpert(ec, workflow.ExpertRequest{
				Agent:       name,
				Instruction: fmt.Sprintf("%s\n\nDraft answer:\n%s", ec.String("prompt"), ec.String("draft")),
			})
		}
		return nil
	})
	g, err := workflow.Chain(draft, route, consult)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// expertExecutor runs a delegation as an internal sub-call of this runner.
func (a *AgentRunner) expertExecutor(p Params) workflow.ExpertExecutor {
	return workflow.ExpertFunc(func(ctx context.Context, req workflow.ExpertRequest) (workflow.ExpertResult, error) {
		sub := message.NewTurn(req.Instruction)
		sub.SubCall = true
		sub.Internal = true
		sub.AgentCall = true
		if parent := p.turn(); parent != nil {
			sub.PID = parent.PID
		}
		bctx := &bridge.Context{
			Prompt:     req.Instruction,
			Mode:       bridge.ModeAgent,
			ParentMode: p.Context.Mode,
			Model:      p.Context.Model,
			Turn:       sub,
			Agent:      req.Agent,
		}
		ok, err := a.Call(ctx, bctx, bridge.Extra{"agent_provider": req.Agent}, nil)
		res := workflow.ExpertResult{ID: req.ID, Agent: req.Agent, Output: sub.OutputText()}
		if err == nil && !ok {
			// Misconfigured experts are reported in the results, not as a run failure.
			res.Error = fmt.Sprintf("expert %s did not complete", req.Agent)
			if last := a.LastError(); last != nil {
				res.Error = last.Error()
			}
		}
		return res, err
	})
}

func expertNames(ec *workflow.ExecutionContext) []string {
	names, _ := ec.Get("experts")
	list, _ := names.([]string)
	return list
}

func experts(extra bridge.Extra) []string {
	switch v := extra["experts"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}
