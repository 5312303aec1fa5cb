// Package validation checks stage graph definitions before they are served.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrCycle          = errors.New("stage graph contains a cycle")
	ErrUnknownNode    = errors.New("stage graph references an unknown node")
	ErrUnreachable    = errors.New("stage graph has unreachable nodes")
	ErrMissingStart   = errors.New("stage graph start node is not defined")
	ErrDuplicateNodes = errors.New("stage graph defines a node twice")
)

// StageLink is one node and every node it may hand over to. For a
// conditional edge, Next holds all candidates.
type StageLink struct {
	ID   string
	Next []string
}

// CycleDetectionResult contains the result of cycle detection
type CycleDetectionResult struct {
	HasCycle     bool
	CyclePath    []string // IDs involved in the cycle (if found)
	SortedOrder  []string // Topological order (if no cycle)
	ErrorMessage string
}

// DetectCycles runs Kahn's algorithm over the successor lists. Unlike a
// dependency graph, a node naming itself as a successor is a cycle: it would
// be visited twice. Links to unknown nodes are ignored here; ValidateGraph
// reports them.
func DetectCycles(links []StageLink) CycleDetectionResult {
	if len(links) == 0 {
		return CycleDetectionResult{HasCycle: false, SortedOrder: []string{}}
	}

	inDegree := make(map[string]int, len(links))
	graph := make(map[string][]string, len(links))
	for _, l := range links {
		if _, exists := inDegree[l.ID]; !exists {
			inDegree[l.ID] = 0
		}
	}
	for _, l := range links {
		for _, next := range l.Next {
			if _, known := inDegree[next]; !known {
				continue
			}
			graph[l.ID] = append(graph[l.ID], next)
			inDegree[next]++
		}
	}

	queue := []string{}
	for node, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, node)
		}
	}
	sort.Strings(queue)

	sortedOrder := []string{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sortedOrder = append(sortedOrder, current)

		for _, next := range graph[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sortedOrder) == len(inDegree) {
		return CycleDetectionResult{HasCycle: false, SortedOrder: sortedOrder}
	}

	cycleNodes := []string{}
	for node, degree := range inDegree {
		if degree > 0 {
			cycleNodes = append(cycleNodes, node)
		}
	}
	sort.Strings(cycleNodes)
	cyclePath := findCyclePath(graph, cycleNodes)

	return CycleDetectionResult{
		HasCycle:     true,
		CyclePath:    cyclePath,
		ErrorMessage: fmt.Sprintf("cycle through stages: %s", strings.Join(cyclePath, " -> ")),
	}
}

// findCyclePath walks the remaining nodes depth-first until it returns to a
// node on the current path.
func findCyclePath(graph map[string][]string, cycleNodes []string) []string {
	cycleSet := make(map[string]bool, len(cycleNodes))
	for _, n := range cycleNodes {
		cycleSet[n] = true
	}

	var dfs func(node string, onPath map[string]int, path []string) []string
	dfs = func(node string, onPath map[string]int, path []string) []string {
		if i, ok := onPath[node]; ok {
			return append(append([]string{}, path[i:]...), node)
		}
		onPath[node] = len(path)
		path = append(path, node)
		for _, next := range graph[node] {
			if !cycleSet[next] {
				continue
			}
			if found := dfs(next, onPath, path); found != nil {
				return found
			}
		}
		delete(onPath, node)
		return nil
	}

	for _, start := range cycleNodes {
		if found := dfs(start, map[string]int{}, nil); len(found) > 1 {
			return found
		}
	}
	return cycleNodes
}

// Reachable returns every node reachable from start, start included.
func Reachable(start string, links []StageLink) map[string]bool {
	next := make(map[string][]string, len(links))
	for _, l := range links {
		next[l.ID] = l.Next
	}
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		if _, ok := next[n]; !ok {
			continue
		}
		seen[n] = true
		stack = append(stack, next[n]...)
	}
	return seen
}

// ValidateGraph checks that start exists, every link target is defined,
// every node is reachable from start, and no path can revisit a node. Since
// every path then ends at a node with no successors, each run terminates
// within len(links) hops.
func ValidateGraph(start string, links []StageLink) error {
	defined := make(map[string]bool, len(links))
	for _, l := range links {
		if defined[l.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNodes, l.ID)
		}
		defined[l.ID] = true
	}
	if !defined[start] {
		return fmt.Errorf("%w: %q", ErrMissingStart, start)
	}
	for _, l := range links {
		for _, n := range l.Next {
			if !defined[n] {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownNode, l.ID, n)
			}
		}
	}

	reach := Reachable(start, links)
	var orphans []string
	for _, l := range links {
		if !reach[l.ID] {
			orphans = append(orphans, l.ID)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return fmt.Errorf("%w: %s", ErrUnreachable, strings.Join(orphans, ", "))
	}

	if res := DetectCycles(links); res.HasCycle {
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(res.CyclePath, " -> "))
	}
	return nil
}
