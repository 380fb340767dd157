package validation

import (
	"fmt"
	"sort"

	"github.com/dagflow/engine/pkg/schema"
)

// subGraph is the minimal (nodes, edges) shape graph checks operate over —
// either the top-level workflow or a loop/fork-path/path body.
type subGraph struct {
	nodes []schema.NodeDefinition
	edges []schema.Edge
}

// validateGraphShape checks acyclicity and end-reachability for one
// graph/sub-graph, reporting errors at path (e.g. "nodes" or
// "nodes[2].config.nodes"). requireStartEnd is true only for the top-level
// workflow graph, where exactly one start node and at least one reachable
// end node are required (§3's invariants); sub-graphs bounded inside a
// fork/path/loop body have their own entry/exit nodes but no start/end type
// requirement.
func validateGraphShape(g subGraph, path string, requireStartEnd bool, result *schema.ValidationResult) {
	ids := make(map[string]bool, len(g.nodes))
	nodeType := make(map[string]schema.NodeType, len(g.nodes))
	var order []string
	for _, n := range g.nodes {
		if n.ID == "" {
			continue // structural stage already flags this
		}
		if ids[n.ID] {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = true
		nodeType[n.ID] = n.Type
		order = append(order, n.ID)
	}

	edges := make(map[string][]string, len(order)) // id -> successor ids
	reverse := make(map[string][]string, len(order))
	for i, e := range g.edges {
		epath := fmt.Sprintf("%s.edges[%d]", path, i)
		if !ids[e.From] {
			result.AddError(epath+".from", schema.ErrCodeValidation, fmt.Sprintf("edge references non-existent node %q", e.From))
			continue
		}
		if !ids[e.To] {
			result.AddError(epath+".to", schema.ErrCodeValidation, fmt.Sprintf("edge references non-existent node %q", e.To))
			continue
		}
		edges[e.From] = append(edges[e.From], e.To)
		reverse[e.To] = append(reverse[e.To], e.From)
	}

	if cyclePath, ok := findCycle(order, edges); ok {
		result.AddError(path, schema.ErrCodeCycleDetected,
			fmt.Sprintf("graph contains a cycle: %v", cyclePath))
		return // reachability analysis is meaningless once a cycle exists
	}

	if requireStartEnd {
		validateStartEnd(g.nodes, path, result)
	}

	roots := rootsOf(order, reverse)
	if requireStartEnd {
		// The top-level graph's only sanctioned entry point is its start
		// node — a node with no predecessors is otherwise just a floating,
		// disconnected node, not an extra legitimate root.
		roots = startRootsOnly(roots, nodeType)
	}
	reachable := reachableFrom(roots, edges)
	hasEnd, endReachable := false, false
	for _, id := range order {
		if nodeType[id] == schema.NodeTypeEnd {
			hasEnd = true
			endReachable = endReachable || reachable[id]
		}
		if !reachable[id] {
			result.AddWarning(fmt.Sprintf("%s[%s]", path, id), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any root node", id))
		}
	}
	if requireStartEnd && hasEnd && !endReachable {
		result.AddError(path, schema.ErrCodeValidation, "no end node is reachable from the start node")
	}
}

// validateStartEnd enforces the top-level "exactly one start, at least one
// end" counts; validateGraphShape checks that an end is reachable.
func validateStartEnd(nodes []schema.NodeDefinition, path string, result *schema.ValidationResult) {
	starts := 0
	ends := 0
	for _, n := range nodes {
		switch n.Type {
		case schema.NodeTypeStart:
			starts++
		case schema.NodeTypeEnd:
			ends++
		}
	}
	if starts == 0 {
		result.AddError(path, schema.ErrCodeValidation, "workflow has no start node")
	} else if starts > 1 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("workflow has %d start nodes, exactly one is required", starts))
	}
	if ends == 0 {
		result.AddError(path, schema.ErrCodeValidation, "workflow has no end node")
	}
}

// findCycle runs Kahn's algorithm over the from->to adjacency and, if a
// cycle exists, returns the ids that never reached in-degree zero.
func findCycle(order []string, edges map[string][]string) ([]string, bool) {
	inDegree := make(map[string]int, len(order))
	for _, id := range order {
		inDegree[id] = 0
	}
	for _, tos := range edges {
		for _, to := range tos {
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(order))
	for _, id := range order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range edges[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited == len(order) {
		return nil, false
	}

	var remaining []string
	for _, id := range order {
		if inDegree[id] > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining, true
}

// startRootsOnly narrows a candidate root list down to nodes of type start,
// so reachability analysis on the top-level graph treats a disconnected
// non-start node as unreachable rather than as a second legitimate entry.
func startRootsOnly(roots []string, nodeType map[string]schema.NodeType) []string {
	var out []string
	for _, id := range roots {
		if nodeType[id] == schema.NodeTypeStart {
			out = append(out, id)
		}
	}
	return out
}

func rootsOf(order []string, reverse map[string][]string) []string {
	var roots []string
	for _, id := range order {
		if len(reverse[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

func reachableFrom(roots []string, edges map[string][]string) map[string]bool {
	reachable := make(map[string]bool, len(roots))
	queue := make([]string, len(roots))
	copy(queue, roots)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range edges[id] {
			if !reachable[to] {
				reachable[to] = true
				queue = append(queue, to)
			}
		}
	}
	return reachable
}
