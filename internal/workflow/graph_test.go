package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/stages"
	"github.com/YourDaypilot/orchestration/internal/validation"
)

func noop(context.Context, map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func node(name string) Node {
	return Node{Name: name, Role: agents.Role(name), Stage: noop}
}

func TestGraphBuilderRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *GraphBuilder
		wantErr error
	}{
		{
			name: "missing start",
			build: func() *GraphBuilder {
				return NewGraphBuilder().Start("nope").AddNode(node("a"))
			},
			wantErr: validation.ErrMissingStart,
		},
		{
			name: "unknown target",
			build: func() *GraphBuilder {
				return NewGraphBuilder().Start("a").AddNode(node("a")).AddEdge("a", Always("ghost"))
			},
			wantErr: validation.ErrUnknownNode,
		},
		{
			name: "edge from unknown node",
			build: func() *GraphBuilder {
				return NewGraphBuilder().Start("a").AddNode(node("a")).AddEdge("ghost", Always("a"))
			},
			wantErr: validation.ErrUnknownNode,
		},
		{
			name: "unreachable node",
			build: func() *GraphBuilder {
				return NewGraphBuilder().Start("a").AddNode(node("a")).AddNode(node("b"))
			},
			wantErr: validation.ErrUnreachable,
		},
		{
			name: "cycle through conditional candidate",
			build: func() *GraphBuilder {
				return NewGraphBuilder().Start("a").
					AddNode(node("a")).AddNode(node("b")).
					AddEdge("a", Always("b")).
					AddEdge("b", When(func(map[string]interface{}) string { return Terminal }, "a"))
			},
			wantErr: validation.ErrCycle,
		},
		{
			name: "self loop",
			build: func() *GraphBuilder {
				return NewGraphBuilder().Start("a").AddNode(node("a")).AddEdge("a", Always("a"))
			},
			wantErr: validation.ErrCycle,
		},
		{
			name: "duplicate node",
			build: func() *GraphBuilder {
				return NewGraphBuilder().Start("a").AddNode(node("a")).AddNode(node("a"))
			},
			wantErr: validation.ErrDuplicateNodes,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.build().Build()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, g)
		})
	}
}

func TestGraphBuilderCollectsDeclarationErrors(t *testing.T) {
	_, err := NewGraphBuilder().Start("a").
		AddNode(Node{Name: "a", Role: "a"}).
		AddNode(Node{Name: "b", Stage: noop}).
		AddEdge("a", Always("b")).
		AddEdge("a", Always("b")).
		AddEdge("b", Edge{Kind: Conditional}).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage is required")
	assert.Contains(t, err.Error(), "role is required")
	assert.Contains(t, err.Error(), "more than one outgoing edge")
	assert.Contains(t, err.Error(), "needs a predicate and candidates")
}

func TestDefaultGraph(t *testing.T) {
	g, err := DefaultGraph(stages.Default())
	require.NoError(t, err)

	assert.Equal(t, stages.Perception, g.Start())
	assert.Equal(t, []string{"perception", "analysis", "intervention", "feedback"}, g.Nodes())
	assert.Equal(t, []agents.Role{
		agents.RolePerception, agents.RoleAnalysis, agents.RoleIntervention, agents.RoleFeedback,
	}, g.Roles())

	e, ok := g.Edge(stages.Intervention)
	require.True(t, ok)
	assert.Equal(t, Conditional, e.Kind)
	assert.True(t, e.FallbackTerminal)
	assert.Equal(t, stages.Feedback, e.Predicate(map[string]interface{}{"risk_level": "high"}))
	assert.Equal(t, Terminal, e.Predicate(map[string]interface{}{"risk_level": "low"}))

	_, ok = g.Edge(stages.Feedback)
	assert.False(t, ok)

	_, err = DefaultGraph(registryWithout(stages.Feedback))
	assert.Error(t, err)
}

func registryWithout(name string) *stages.Registry {
	r := stages.NewRegistry()
	for _, n := range stages.Default().Names() {
		if n == name {
			continue
		}
		fn, _ := stages.Default().Get(n)
		_ = r.Register(n, fn)
	}
	return r
}

func TestFromDefinition(t *testing.T) {
	reg := stages.Default()

	t.Run("default definition matches default graph", func(t *testing.T) {
		g, err := FromDefinition(DefaultDefinition(), reg)
		require.NoError(t, err)
		e, ok := g.Edge(stages.Intervention)
		require.True(t, ok)
		assert.Equal(t, Conditional, e.Kind)
		assert.Equal(t, stages.Feedback, e.Predicate(map[string]interface{}{"risk_level": "high"}))
		assert.Equal(t, Terminal, e.Predicate(map[string]interface{}{"risk_level": "medium"}))
	})

	t.Run("default target and in conditions", func(t *testing.T) {
		def := Definition{
			Start: "check",
			Nodes: []NodeDefinition{
				{Name: "check", Role: "perception", Stage: stages.Perception},
				{Name: "deep", Role: "analysis", Stage: stages.Analysis},
				{Name: "plan", Role: "intervention", Stage: stages.Intervention},
			},
			Edges: []EdgeDefinition{
				{From: "check", To: "deep", When: &Condition{Key: "signal_count", In: []string{"3", "4"}}},
				{From: "check", To: "plan"},
				{From: "deep", To: "plan"},
			},
		}
		g, err := FromDefinition(def, reg)
		require.NoError(t, err)

		n, ok := g.Node("check")
		require.True(t, ok)
		assert.Equal(t, agents.RolePerception, n.Role)

		e, _ := g.Edge("check")
		assert.Equal(t, "deep", e.Predicate(map[string]interface{}{"signal_count": 3}))
		assert.Equal(t, "plan", e.Predicate(map[string]interface{}{"signal_count": 1}))
	})

	t.Run("node attempts wrap the stage in a retry", func(t *testing.T) {
		calls := 0
		flaky := stages.NewRegistry()
		require.NoError(t, flaky.Register("flaky", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("sensor offline")
			}
			return map[string]interface{}{"ok": true}, nil
		}))
		def := Definition{
			Start: "flaky",
			Nodes: []NodeDefinition{{Name: "flaky", Attempts: 3, RetryBackoff: time.Millisecond}},
		}
		g, err := FromDefinition(def, flaky)
		require.NoError(t, err)
		n, _ := g.Node("flaky")
		out, err := n.Stage(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, true, out["ok"])
		assert.Equal(t, 3, calls)
	})

	t.Run("unknown stage", func(t *testing.T) {
		def := Definition{Start: "x", Nodes: []NodeDefinition{{Name: "x"}}}
		assert.Equal(t, []string{"x"}, def.UnknownStages(reg))
		_, err := FromDefinition(def, reg)
		assert.Error(t, err)
	})

	assert.True(t, Definition{}.Empty())
	assert.False(t, DefaultDefinition().Empty())
}

func TestConditionMatches(t *testing.T) {
	c := Condition{Key: "risk_level", Equals: "high"}
	assert.True(t, c.Matches(map[string]interface{}{"risk_level": "high"}))
	assert.False(t, c.Matches(map[string]interface{}{"risk_level": "low"}))
	assert.False(t, c.Matches(map[string]interface{}{}))

	in := Condition{Key: "score", In: []string{"1", "2"}}
	assert.True(t, in.Matches(map[string]interface{}{"score": 2}))
	assert.False(t, in.Matches(map[string]interface{}{"score": nil}))
}
