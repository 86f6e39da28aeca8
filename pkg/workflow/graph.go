// Package workflow runs node graphs for the workflow execution mode. Nodes
// share an ExecutionContext bound to the conversation turn; middleware wraps
// every step, and expert delegations are folded back into the turn.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrFrozen is returned when a frozen graph is modified.
var ErrFrozen = errors.New("workflow: graph is frozen")

// Graph holds nodes and transitions. It is frozen once handed to a runner.
type Graph struct {
	mu     sync.RWMutex
	start  string
	nodes  map[string]Node
	order  []string
	edges  map[string][]Transition
	frozen bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		edges: make(map[string][]Transition),
	}
}

// Chain builds a graph that runs nodes one after another.
func Chain(nodes ...Node) (*Graph, error) {
	g := NewGraph()
	for i, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		if i > 0 {
			if err := g.AddTransition(nodes[i-1].Name(), n.Name(), nil); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// AddNode registers n. The first node becomes the start node unless SetStart is called.
func (g *Graph) AddNode(n Node) error {
	if n == nil {
		return errors.New("workflow: node is nil")
	}
	name := strings.TrimSpace(n.Name())
	if name == "" {
		return errors.New("workflow: node name is empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return ErrFrozen
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("workflow: node %q already exists", name)
	}
	g.nodes[name] = n
	g.order = append(g.order, name)
	if g.start == "" {
		g.start = name
	}
	return nil
}

// SetStart selects the entry node.
func (g *Graph) SetStart(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return ErrFrozen
	}
	if _, ok := g.nodes[name]; !ok {
		return fmt.Errorf("workflow: start node %q not found", name)
	}
	g.start = name
	return nil
}

// AddTransition connects two registered nodes. A nil condition always passes.
func (g *Graph) AddTransition(from, to string, cond Condition) error {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return errors.New("workflow: transition endpoints cannot be empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return ErrFrozen
	}
	for _, name := range []string{from, to} {
		if _, ok := g.nodes[name]; !ok {
			return fmt.Errorf("workflow: node %q not registered", name)
		}
	}
	g.edges[from] = append(g.edges[from], Transition{From: from, To: to, Condition: cond})
	return nil
}

// Start returns the entry node.
func (g *Graph) Start() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.start
}

// Node retrieves a node by name.
func (g *Graph) Node(name string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes lists node names in registration order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

func (g *Graph) transitions(from string) []Transition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.edges[from])
}

// Validate checks that a start node exists and every parallel branch is registered.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.start == "" {
		return errors.New("workflow: start node is not set")
	}
	var errs []error
	for _, name := range g.order {
		p, ok := g.nodes[name].(*ParallelNode)
		if !ok {
			continue
		}
		for _, b := range p.branches {
			if _, ok := g.nodes[b]; !ok {
				errs = append(errs, fmt.Errorf("workflow: parallel node %q targets unknown node %q", name, b))
			}
		}
	}
	return errors.Join(errs...)
}

// Freeze prevents further mutation.
func (g *Graph) Freeze() {
	g.mu.Lock()
	g.frozen = true
	g.mu.Unlock()
}
