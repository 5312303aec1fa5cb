package validation

import (
	"errors"
	"testing"
)

func TestDetectCycles_NoCycle(t *testing.T) {
	links := []StageLink{
		{ID: "perception", Next: []string{"analysis"}},
		{ID: "analysis", Next: []string{"intervention"}},
		{ID: "intervention", Next: []string{"feedback"}},
		{ID: "feedback"},
	}

	result := DetectCycles(links)
	if result.HasCycle {
		t.Fatalf("Expected no cycle, but found cycle: %v", result.CyclePath)
	}
	want := []string{"perception", "analysis", "intervention", "feedback"}
	if len(result.SortedOrder) != len(want) {
		t.Fatalf("Expected %d items in sorted order, got %v", len(want), result.SortedOrder)
	}
	for i, id := range want {
		if result.SortedOrder[i] != id {
			t.Errorf("SortedOrder[%d] = %s, want %s", i, result.SortedOrder[i], id)
		}
	}
}

func TestDetectCycles_SimpleCycle(t *testing.T) {
	links := []StageLink{
		{ID: "A", Next: []string{"B"}},
		{ID: "B", Next: []string{"C"}},
		{ID: "C", Next: []string{"A"}},
	}

	result := DetectCycles(links)
	if !result.HasCycle {
		t.Fatal("Expected cycle, but none detected")
	}
	if len(result.CyclePath) != 4 || result.CyclePath[0] != result.CyclePath[3] {
		t.Errorf("Expected closed cycle path, got %v", result.CyclePath)
	}
	if result.ErrorMessage == "" {
		t.Error("Expected error message")
	}
}

func TestDetectCycles_SelfLoop(t *testing.T) {
	links := []StageLink{
		{ID: "retry", Next: []string{"retry", "done"}},
		{ID: "done"},
	}
	if !DetectCycles(links).HasCycle {
		t.Error("a node that can hand over to itself revisits a node and must be reported")
	}
}

func TestDetectCycles_Diamond(t *testing.T) {
	links := []StageLink{
		{ID: "A", Next: []string{"B", "C"}},
		{ID: "B", Next: []string{"D"}},
		{ID: "C", Next: []string{"D"}},
		{ID: "D"},
	}
	result := DetectCycles(links)
	if result.HasCycle {
		t.Fatalf("diamond is acyclic, got %v", result.CyclePath)
	}
	if result.SortedOrder[0] != "A" || result.SortedOrder[3] != "D" {
		t.Errorf("unexpected order %v", result.SortedOrder)
	}
}

func TestReachable(t *testing.T) {
	links := []StageLink{
		{ID: "A", Next: []string{"B"}},
		{ID: "B"},
		{ID: "X", Next: []string{"B"}},
	}
	reach := Reachable("A", links)
	if !reach["A"] || !reach["B"] || reach["X"] {
		t.Errorf("unexpected reachability %v", reach)
	}
}

func TestValidateGraph(t *testing.T) {
	canonical := []StageLink{
		{ID: "perception", Next: []string{"analysis"}},
		{ID: "analysis", Next: []string{"intervention"}},
		{ID: "intervention", Next: []string{"feedback"}},
		{ID: "feedback"},
	}

	tests := []struct {
		name  string
		start string
		links []StageLink
		want  error
	}{
		{"valid", "perception", canonical, nil},
		{"missing start", "ingest", canonical, ErrMissingStart},
		{"unknown target", "A", []StageLink{{ID: "A", Next: []string{"B"}}}, ErrUnknownNode},
		{"unreachable", "A", []StageLink{{ID: "A"}, {ID: "B"}}, ErrUnreachable},
		{"cycle", "A", []StageLink{{ID: "A", Next: []string{"B"}}, {ID: "B", Next: []string{"A"}}}, ErrCycle},
		{"duplicate", "A", []StageLink{{ID: "A"}, {ID: "A"}}, ErrDuplicateNodes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraph(tt.start, tt.links)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}
