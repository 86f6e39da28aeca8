package workflow

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ErrPlanCycle is returned by Waves when dependencies loop.
var ErrPlanCycle = errors.New("workflow: plan dependencies form a cycle")

// StepStatus tracks one plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// PlanStep is one item of a model-produced plan.
type PlanStep struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Status       StepStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
}

// Plan is an ordered, concurrency-safe list of steps.
type Plan struct {
	mu    sync.RWMutex
	order []string
	steps map[string]PlanStep
}

// NewPlan builds a plan from steps, numbering those without an id.
func NewPlan(steps ...PlanStep) *Plan {
	p := &Plan{steps: make(map[string]PlanStep, len(steps))}
	for i, s := range steps {
		if s.ID == "" {
			s.ID = strconv.Itoa(i + 1)
		}
		if s.Status == "" {
			s.Status = StepPending
		}
		s.Dependencies = slices.Clone(s.Dependencies)
		if _, dup := p.steps[s.ID]; !dup {
			p.order = append(p.order, s.ID)
		}
		p.steps[s.ID] = s
	}
	return p
}

// Len reports the number of steps.
func (p *Plan) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Steps returns a copy of the steps in plan order.
func (p *Plan) Steps() []PlanStep {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PlanStep, 0, len(p.order))
	for _, id := range p.order {
		s := p.steps[id]
		s.Dependencies = slices.Clone(s.Dependencies)
		out = append(out, s)
	}
	return out
}

// SetStatus updates a step.
func (p *Plan) SetStatus(id string, status StepStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.steps[id]
	if !ok {
		return fmt.Errorf("workflow: plan step %q not found", id)
	}
	s.Status = status
	p.steps[id] = s
	return nil
}

// Waves groups steps into layers whose dependencies all sit in earlier
// layers. Dependencies on unknown ids are ignored.
func (p *Plan) Waves() ([][]PlanStep, error) {
	steps := p.Steps()
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}
	done := make(map[string]bool, len(steps))
	var waves [][]PlanStep
	for len(done) < len(steps) {
		var wave []PlanStep
		for _, s := range steps {
			if done[s.ID] {
				continue
			}
			ready := true
			for _, d := range s.Dependencies {
				if known[d] && !done[d] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, ErrPlanCycle
		}
		for _, s := range wave {
			done[s.ID] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

var (
	numberedPattern = regexp.MustCompile(`^(\d+)[.)]\s+(.+)$`)
	bulletPattern   = regexp.MustCompile(`^[-*+•]\s+(.+)$`)
	depsPattern     = regexp.MustCompile(`(?i)\(?\b(?:deps?|depends(?:\s+on)?|after)[:=]?\s*(#?\d[#\d,\s]*)\)?`)
)

// ParsePlan reads a plan from model output: either a JSON array of steps or
// a numbered or bulleted list. "deps: 1,2" on a line records dependencies.
// Lines that are not list items are ignored.
func ParsePlan(raw string) *Plan {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return NewPlan()
	}
	if steps := parseJSONPlan(trimmed); len(steps) > 0 {
		return NewPlan(steps...)
	}
	var steps []PlanStep
	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var id, text string
		if m := numberedPattern.FindStringSubmatch(line); m != nil {
			id, text = m[1], m[2]
		} else if m := bulletPattern.FindStringSubmatch(line); m != nil {
			text = m[1]
		} else {
			continue
		}
		title, deps := stripDependencies(text)
		if title == "" {
			continue
		}
		steps = append(steps, PlanStep{ID: id, Title: title, Dependencies: deps})
	}
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = strconv.Itoa(i + 1)
		}
	}
	return NewPlan(steps...)
}

func stripDependencies(text string) (string, []string) {
	var deps []string
	cleaned := depsPattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := depsPattern.FindStringSubmatch(match)
		for _, tok := range strings.FieldsFunc(parts[1], func(r rune) bool { return r == ',' || r == ' ' }) {
			if tok = strings.TrimPrefix(strings.TrimSpace(tok), "#"); tok != "" && !slices.Contains(deps, tok) {
				deps = append(deps, tok)
			}
		}
		return ""
	})
	return strings.TrimSpace(cleaned), deps
}

func parseJSONPlan(payload string) []PlanStep {
	if !strings.HasPrefix(payload, "[") {
		return nil
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil
	}
	var steps []PlanStep
	for _, item := range items {
		s := PlanStep{}
		switch id := item["id"].(type) {
		case string:
			s.ID = id
		case float64:
			s.ID = strconv.Itoa(int(id))
		}
		if v, ok := item["title"].(string); ok {
			s.Title = strings.TrimSpace(v)
		}
		if v, ok := item["step"].(string); ok && s.Title == "" {
			s.Title = strings.TrimSpace(v)
		}
		if raw, ok := item["dependencies"].([]any); ok {
			for _, d := range raw {
				switch dv := d.(type) {
				case string:
					s.Dependencies = append(s.Dependencies, dv)
				case float64:
					s.Dependencies = append(s.Dependencies, strconv.Itoa(int(dv)))
				}
			}
		}
		if s.Title != "" {
			steps = append(steps, s)
		}
	}
	return steps
}
