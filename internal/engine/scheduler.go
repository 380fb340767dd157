package engine

import (
	"context"
	"time"

	"github.com/dagflow/engine/pkg/schema"
)

// graph is the adjacency-indexed form of a node/edge list, built once per
// runGraph call (top-level workflow, or a fork path / loop body sub-graph).
type graph struct {
	nodes    map[string]schema.NodeDefinition
	order    []string // declaration order, used for deterministic root-level dispatch
	outEdges map[string][]schema.Edge
	preds    map[string][]string // distinct predecessor ids, declaration order
}

func buildGraph(nodes []schema.NodeDefinition, edges []schema.Edge) *graph {
	g := &graph{
		nodes:    make(map[string]schema.NodeDefinition, len(nodes)),
		order:    make([]string, 0, len(nodes)),
		outEdges: make(map[string][]schema.Edge),
		preds:    make(map[string][]string),
	}
	for _, n := range nodes {
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	seenPred := make(map[string]map[string]bool)
	for _, e := range edges {
		g.outEdges[e.From] = append(g.outEdges[e.From], e)
		if seenPred[e.To] == nil {
			seenPred[e.To] = make(map[string]bool)
		}
		if !seenPred[e.To][e.From] {
			seenPred[e.To][e.From] = true
			g.preds[e.To] = append(g.preds[e.To], e.From)
		}
	}
	return g
}

// traversalKinds reports which edge kinds a terminated node satisfies.
// Default-kind edges are always traversable once their source produces a
// terminal success/failure/condition result — a workflow uses a "default"
// edge when the next node should run regardless of which branch fired.
// Skipped and cancelled nodes satisfy no edge kind at all, so their
// successors never become reachable through them.
func traversalKinds(nodeType schema.NodeType, status schema.NodeStatus, outputs map[string]any) map[schema.EdgeKind]bool {
	if status == schema.NodeStatusSkipped || status == schema.NodeStatusCancelled {
		return nil
	}

	if nodeType == schema.NodeTypeCondition {
		result, _ := outputs["result"].(bool)
		if result {
			return map[schema.EdgeKind]bool{schema.EdgeTrue: true, schema.EdgeDefault: true}
		}
		return map[schema.EdgeKind]bool{schema.EdgeFalse: true, schema.EdgeDefault: true}
	}

	if status == schema.NodeStatusSuccess {
		return map[schema.EdgeKind]bool{schema.EdgeSuccess: true, schema.EdgeDefault: true}
	}
	return map[schema.EdgeKind]bool{schema.EdgeFailure: true, schema.EdgeDefault: true}
}

// runState tracks scheduling progress for one runGraph invocation.
type runState struct {
	decided  map[string]int          // # of distinct predecessors that have terminated
	enabled  map[string]bool         // true once any predecessor produced a traversable edge into this node
	terminal map[string]*schema.StepResult
	started  map[string]bool
}

func newRunState() *runState {
	return &runState{
		decided:  make(map[string]int),
		enabled:  make(map[string]bool),
		terminal: make(map[string]*schema.StepResult),
		started:  make(map[string]bool),
	}
}

// runGraph executes one node/edge graph to completion: the top-level
// workflow, or a fork path / loop iteration sub-graph. It returns the
// per-node results (keyed by plain node id — the caller composites loop
// keys) and the aggregate status: timeout if a level timed out, otherwise
// failed if any non-continue-on-error node failed, completed otherwise.
func runGraph(ctx context.Context, def graphDef, l *lineage, opts *RunOptions) (map[string]*schema.StepResult, schema.RunStatus, error) {
	g := buildGraph(def.nodes, def.edges)
	st := newRunState()

	levelTimeout := def.levelTimeout
	if levelTimeout <= 0 {
		levelTimeout = opts.DefaultLevelTimeout
	}

	overallStatus := schema.RunStatusCompleted

	ready := initialReady(g, st)
	for len(ready) > 0 {
		levelCtx, cancel := context.WithTimeout(ctx, levelTimeout)

		type outcome struct {
			id     string
			result *schema.StepResult
		}
		outcomes := make(chan outcome, len(ready))
		pool := NewWorkerPool(len(ready))

		for _, id := range ready {
			id := id
			node := g.nodes[id]
			st.started[id] = true
			_ = pool.Submit(levelCtx, func(nodeCtx context.Context) error {
				res := executeOne(nodeCtx, node, l, opts)
				outcomes <- outcome{id: id, result: res}
				return nil
			})
		}

		done := make(chan struct{})
		go func() {
			pool.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-levelCtx.Done():
			// Nodes that never got an outcome are cancelled in place.
		}
		cancel()
		close(outcomes)

		completedThisLevel := make(map[string]bool)
		for o := range outcomes {
			st.terminal[o.id] = o.result
			completedThisLevel[o.id] = true
		}
		for _, id := range ready {
			if !completedThisLevel[id] {
				st.terminal[id] = &schema.StepResult{
					Status: schema.NodeStatusCancelled,
					Error:  schema.NewErrorf(schema.ErrCodeLevelTimeout, "node %q did not complete before level timeout", id).WithNode(id),
				}
			}
		}

		for _, id := range ready {
			res := st.terminal[id]
			node := g.nodes[id]
			if res.Status == schema.NodeStatusFailed && !node.ErrorHandling.ContinueOnError {
				overallStatus = schema.RunStatusFailed
			}
			if res.Error != nil && res.Error.Code == schema.ErrCodeLevelTimeout {
				overallStatus = schema.RunStatusTimeout
			}
			l.publish(id, res)
			propagate(g, st, id, node.Type, res, l)
		}

		ready = nextReady(g, st)
	}

	return st.terminal, overallStatus, nil
}

// graphDef is the subset of a workflow/sub-graph definition runGraph needs.
type graphDef struct {
	nodes        []schema.NodeDefinition
	edges        []schema.Edge
	levelTimeout time.Duration
}

func initialReady(g *graph, st *runState) []string {
	var ready []string
	for _, id := range g.order {
		if len(g.preds[id]) == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// propagate updates decided/enabled bookkeeping for id's successors after id
// has terminated, then recursively skips any successor that becomes fully
// decided but was never enabled by a traversable edge (the "required
// decisions" join rule: a node runs once every distinct predecessor has
// terminated, and is skipped outright if none of its incoming edges ever
// fired).
func propagate(g *graph, st *runState, id string, nodeType schema.NodeType, res *schema.StepResult, l *lineage) {
	kinds := traversalKinds(nodeType, res.Status, res.Outputs)

	// id may have more than one outgoing edge into the same target (e.g. a
	// condition's mutually-exclusive true/false edges both landing on the
	// same join, or a success/failure pair) — decided must count id once per
	// target, not once per edge, or a join with a second real predecessor
	// could be marked fully decided before that predecessor ever terminates.
	var targets []string
	seen := make(map[string]bool)
	for _, e := range g.outEdges[id] {
		if !seen[e.To] {
			seen[e.To] = true
			targets = append(targets, e.To)
			st.decided[e.To]++
		}
		if kinds[e.Kind] {
			st.enabled[e.To] = true
		}
	}

	// Cascade-skip any successor that is now fully decided but disabled.
	for _, target := range targets {
		if st.terminal[target] != nil || st.started[target] {
			continue
		}
		if st.decided[target] == len(g.preds[target]) && !st.enabled[target] {
			skipped := &schema.StepResult{Status: schema.NodeStatusSkipped, Outputs: map[string]any{}}
			st.terminal[target] = skipped
			st.started[target] = true
			l.publish(target, skipped)
			propagate(g, st, target, g.nodes[target].Type, skipped, l)
		}
	}
}

func nextReady(g *graph, st *runState) []string {
	var ready []string
	for _, id := range g.order {
		if st.terminal[id] != nil || st.started[id] {
			continue
		}
		preds := g.preds[id]
		if st.decided[id] == len(preds) && (st.enabled[id] || len(preds) == 0) {
			ready = append(ready, id)
		}
	}
	return ready
}
