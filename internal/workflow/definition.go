package workflow

import (
	"fmt"
	"time"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/stages"
)

// Condition is a declarative edge predicate over one accumulated key.
// Values are compared by their string form.
type Condition struct {
	Key    string   `mapstructure:"key" yaml:"key" json:"key"`
	Equals string   `mapstructure:"equals" yaml:"equals,omitempty" json:"equals,omitempty"`
	In     []string `mapstructure:"in" yaml:"in,omitempty" json:"in,omitempty"`
}

// Matches reports whether acc satisfies the condition.
func (c Condition) Matches(acc map[string]interface{}) bool {
	v, ok := acc[c.Key]
	if !ok || v == nil {
		return false
	}
	s := fmt.Sprint(v)
	if c.Equals != "" && s == c.Equals {
		return true
	}
	for _, candidate := range c.In {
		if s == candidate {
			return true
		}
	}
	return false
}

// NodeDefinition names a node, its role and its stage. Role and Stage
// default to Name. Attempts above one retry the stage inside the agent's
// step deadline.
type NodeDefinition struct {
	Name         string        `mapstructure:"name" yaml:"name" json:"name"`
	Role         string        `mapstructure:"role" yaml:"role,omitempty" json:"role,omitempty"`
	Stage        string        `mapstructure:"stage" yaml:"stage,omitempty" json:"stage,omitempty"`
	Attempts     int           `mapstructure:"attempts" yaml:"attempts,omitempty" json:"attempts,omitempty"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`
}

// EdgeDefinition is one declared transition. Several edges from the same
// node form a single conditional edge: conditions are tried in order and an
// edge without a condition is the default target.
type EdgeDefinition struct {
	From string     `mapstructure:"from" yaml:"from" json:"from"`
	To   string     `mapstructure:"to" yaml:"to" json:"to"`
	When *Condition `mapstructure:"when" yaml:"when,omitempty" json:"when,omitempty"`
}

// Definition is the declarative form of a graph.
type Definition struct {
	Start string           `mapstructure:"start" yaml:"start" json:"start"`
	Nodes []NodeDefinition `mapstructure:"nodes" yaml:"nodes" json:"nodes"`
	Edges []EdgeDefinition `mapstructure:"edges" yaml:"edges" json:"edges"`
}

// Empty reports whether nothing was declared.
func (d Definition) Empty() bool {
	return d.Start == "" && len(d.Nodes) == 0 && len(d.Edges) == 0
}

func (n NodeDefinition) role() string {
	if n.Role != "" {
		return n.Role
	}
	return n.Name
}

func (n NodeDefinition) stage() string {
	if n.Stage != "" {
		return n.Stage
	}
	return n.Name
}

// UnknownStages returns the stage names def uses that reg lacks.
func (d Definition) UnknownStages(reg *stages.Registry) []string {
	var missing []string
	for _, n := range d.Nodes {
		if _, ok := reg.Get(n.stage()); !ok {
			missing = append(missing, n.stage())
		}
	}
	return missing
}

// DefaultDefinition is the canonical pipeline:
// perception -> analysis -> intervention -> feedback when risk_level is high.
func DefaultDefinition() Definition {
	return Definition{
		Start: stages.Perception,
		Nodes: []NodeDefinition{
			{Name: stages.Perception},
			{Name: stages.Analysis},
			{Name: stages.Intervention},
			{Name: stages.Feedback},
		},
		Edges: []EdgeDefinition{
			{From: stages.Perception, To: stages.Analysis},
			{From: stages.Analysis, To: stages.Intervention},
			{From: stages.Intervention, To: stages.Feedback, When: &Condition{Key: "risk_level", Equals: stages.RiskHigh}},
		},
	}
}

// DefaultGraph builds the canonical pipeline over the stages in reg.
func DefaultGraph(reg *stages.Registry) (*Graph, error) {
	b := NewGraphBuilder().Start(stages.Perception)
	for _, name := range []string{stages.Perception, stages.Analysis, stages.Intervention, stages.Feedback} {
		fn, ok := reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("stage %s is not registered", name)
		}
		b.AddNode(Node{Name: name, Role: agents.Role(name), Stage: fn})
	}
	b.AddEdge(stages.Perception, Always(stages.Analysis))
	b.AddEdge(stages.Analysis, Always(stages.Intervention))
	b.AddEdge(stages.Intervention, When(func(acc map[string]interface{}) string {
		if level, _ := acc["risk_level"].(string); level == stages.RiskHigh {
			return stages.Feedback
		}
		return Terminal
	}, stages.Feedback))
	return b.Build()
}

// FromDefinition builds a graph from def, resolving stages in reg.
func FromDefinition(def Definition, reg *stages.Registry) (*Graph, error) {
	b := NewGraphBuilder().Start(def.Start)
	for _, n := range def.Nodes {
		fn, ok := reg.Get(n.stage())
		if !ok {
			return nil, fmt.Errorf("node %s: stage %s is not registered", n.Name, n.stage())
		}
		if n.Attempts > 1 {
			backoff := n.RetryBackoff
			if backoff <= 0 {
				backoff = 100 * time.Millisecond
			}
			fn = agents.Retry(fn, n.Attempts, backoff)
		}
		b.AddNode(Node{Name: n.Name, Role: agents.Role(n.role()), Stage: fn})
	}

	var order []string
	grouped := map[string][]EdgeDefinition{}
	for _, e := range def.Edges {
		if _, seen := grouped[e.From]; !seen {
			order = append(order, e.From)
		}
		grouped[e.From] = append(grouped[e.From], e)
	}
	for _, from := range order {
		edges := grouped[from]
		if len(edges) == 1 && edges[0].When == nil {
			b.AddEdge(from, Always(edges[0].To))
			continue
		}
		b.AddEdge(from, conditional(edges))
	}
	return b.Build()
}

func conditional(edges []EdgeDefinition) Edge {
	candidates := make([]string, 0, len(edges))
	fallback := Terminal
	var rules []EdgeDefinition
	for _, e := range edges {
		candidates = append(candidates, e.To)
		if e.When == nil {
			fallback = e.To
			continue
		}
		rules = append(rules, e)
	}
	return When(func(acc map[string]interface{}) string {
		for _, r := range rules {
			if r.When.Matches(acc) {
				return r.To
			}
		}
		return fallback
	}, candidates...)
}
