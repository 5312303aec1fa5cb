package workflow

import (
	"errors"
	"fmt"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/validation"
)

// Terminal is the pick a conditional edge returns to end the run.
const Terminal = ""

// TaskBuilder shapes the input handed to a node's stage from the original
// input merged with every prior step's output.
type TaskBuilder func(acc map[string]interface{}) map[string]interface{}

// Predicate inspects the accumulated output.
type Predicate func(acc map[string]interface{}) bool

// Selector picks the next node name for a conditional edge, or Terminal.
type Selector func(acc map[string]interface{}) string

// EdgeKind tags an Edge.
type EdgeKind int

const (
	Unconditional EdgeKind = iota
	Conditional
)

func (k EdgeKind) String() string {
	if k == Conditional {
		return "conditional"
	}
	return "unconditional"
}

// Edge is the single outgoing transition of a node.
type Edge struct {
	Kind EdgeKind
	// Next is the target of an unconditional edge.
	Next string
	// Predicate and Candidates describe a conditional edge. The predicate's
	// pick must be one of Candidates or Terminal.
	Predicate  Selector
	Candidates []string
	// FallbackTerminal ends the run when the predicate picks a node outside
	// Candidates instead of failing the step.
	FallbackTerminal bool
}

// Always returns an unconditional edge to next.
func Always(next string) Edge {
	return Edge{Kind: Unconditional, Next: next}
}

// When returns a conditional edge choosing among candidates. Unknown picks
// end the run; use Strict to make them an error instead.
func When(pick Selector, candidates ...string) Edge {
	return Edge{Kind: Conditional, Predicate: pick, Candidates: candidates, FallbackTerminal: true}
}

// Strict turns off FallbackTerminal.
func (e Edge) Strict() Edge {
	e.FallbackTerminal = false
	return e
}

func (e Edge) targets() []string {
	if e.Kind == Unconditional {
		return []string{e.Next}
	}
	return e.Candidates
}

func (e Edge) allows(name string) bool {
	for _, c := range e.targets() {
		if c == name {
			return true
		}
	}
	return false
}

// Node is one stage of the graph.
type Node struct {
	Name  string
	Role  agents.Role
	Stage agents.StageFunc
	// Input defaults to the whole accumulated map.
	Input TaskBuilder
	// Skip, when it returns true, records the node as skipped without
	// delegating it.
	Skip Predicate
}

// Graph is an immutable, validated stage graph.
type Graph struct {
	start string
	nodes map[string]Node
	edges map[string]Edge
	order []string
}

// Start returns the start node name.
func (g *Graph) Start() string { return g.start }

// Node looks up a node by name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Edge returns the outgoing edge of name, if any.
func (g *Graph) Edge(name string) (Edge, bool) {
	e, ok := g.edges[name]
	return e, ok
}

// Nodes returns node names in declaration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Roles returns the distinct roles used by the graph, all of which are
// reachable since Build rejects orphans.
func (g *Graph) Roles() []agents.Role {
	seen := map[agents.Role]bool{}
	var roles []agents.Role
	for _, name := range g.order {
		r := g.nodes[name].Role
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	return roles
}

// GraphBuilder accumulates nodes and edges. Errors are collected and
// reported by Build.
type GraphBuilder struct {
	start string
	nodes []Node
	edges map[string]Edge
	errs  []error
}

// NewGraphBuilder returns an empty builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{edges: map[string]Edge{}}
}

// Start sets the start node.
func (b *GraphBuilder) Start(name string) *GraphBuilder {
	b.start = name
	return b
}

// AddNode declares a node.
func (b *GraphBuilder) AddNode(n Node) *GraphBuilder {
	switch {
	case n.Name == "":
		b.errs = append(b.errs, errors.New("node name is required"))
	case n.Role == "":
		b.errs = append(b.errs, fmt.Errorf("node %s: role is required", n.Name))
	case n.Stage == nil:
		b.errs = append(b.errs, fmt.Errorf("node %s: stage is required", n.Name))
	}
	b.nodes = append(b.nodes, n)
	return b
}

// AddEdge sets the outgoing edge of from. A node has at most one edge.
func (b *GraphBuilder) AddEdge(from string, e Edge) *GraphBuilder {
	if _, dup := b.edges[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %s: more than one outgoing edge", from))
		return b
	}
	switch e.Kind {
	case Unconditional:
		if e.Next == "" {
			b.errs = append(b.errs, fmt.Errorf("node %s: unconditional edge has no target", from))
		}
	case Conditional:
		if e.Predicate == nil || len(e.Candidates) == 0 {
			b.errs = append(b.errs, fmt.Errorf("node %s: conditional edge needs a predicate and candidates", from))
		}
	default:
		b.errs = append(b.errs, fmt.Errorf("node %s: unknown edge kind %d", from, e.Kind))
	}
	b.edges[from] = e
	return b
}

// Build validates the graph. It rejects an undefined start node, edges
// touching unknown nodes, nodes unreachable from start and any cycle among
// the possible transitions.
func (b *GraphBuilder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	g := &Graph{
		start: b.start,
		nodes: make(map[string]Node, len(b.nodes)),
		edges: make(map[string]Edge, len(b.edges)),
	}
	links := make([]validation.StageLink, 0, len(b.nodes))
	for _, n := range b.nodes {
		var next []string
		if e, ok := b.edges[n.Name]; ok {
			next = e.targets()
		}
		links = append(links, validation.StageLink{ID: n.Name, Next: next})
		g.nodes[n.Name] = n
		g.order = append(g.order, n.Name)
	}
	for from := range b.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: edge from %s", validation.ErrUnknownNode, from)
		}
	}
	if err := validation.ValidateGraph(b.start, links); err != nil {
		return nil, err
	}
	for from, e := range b.edges {
		g.edges[from] = e
	}
	return g, nil
}
