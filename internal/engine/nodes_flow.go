package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dagflow/engine/internal/expressions"
	"github.com/dagflow/engine/pkg/schema"
)

// executeLoop resolves a loop node's items expression against the current
// scope and runs its body sub-graph once per item, sequentially or in
// parallel per config.parallel. Each iteration gets an isolated lineage
// (SPEC_FULL.md §5) but stays attached to the shared run-wide result store,
// so its nodes' results flatten into the top-level result keyed
// "<node_id>[<index>]" (SPEC_FULL.md §3).
//
// An empty resolved items list is not an error (SPEC_FULL.md §4.5,
// overriding the loop executor's historical raise-on-empty behavior): the
// node succeeds immediately with zero iterations.
//
// The executor never returns a *schema.FlowError for a failed iteration —
// that is folded into outputs.status instead, per harness.go's doc comment.
func executeLoop(ctx context.Context, node schema.NodeDefinition, l *lineage, opts *RunOptions) (map[string]any, error) {
	var cfg schema.LoopConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: invalid loop config: %s", node.ID, err.Error())
	}

	resolvedItems, err := expressions.Resolve(cfg.Items, l.buildScope())
	if err != nil {
		return nil, err
	}
	items, ok := resolvedItems.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateResolve, "node %q: loop items did not resolve to a list (got %T)", node.ID, resolvedItems)
	}

	if len(items) == 0 {
		return map[string]any{"status": "success", "iterations": []any{}, "total_iterations": 0}, nil
	}

	levelTimeout := secsToDuration(cfg.LevelTimeoutSecs)
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = opts.DefaultNodeWorkers
	}

	iterations := make([]any, len(items))
	var mu sync.Mutex
	anyFailed := false

	runIteration := func(idx int, item any) {
		frame := &expressions.LoopFrame{
			Item: item, Index: idx, Length: len(items),
			IsFirst: idx == 0, IsLast: idx == len(items)-1,
			Alias: cfg.ItemAlias,
		}
		child := l.forkIteration(frame)
		def := graphDef{nodes: cfg.Nodes, edges: cfg.Edges, levelTimeout: levelTimeout}
		results, status, runErr := runGraph(ctx, def, child, opts)

		iterStatus := string(status)
		if runErr != nil {
			iterStatus = string(schema.RunStatusFailed)
		}
		steps := make(map[string]any, len(results))
		for id, r := range results {
			steps[id] = map[string]any{"status": string(r.Status), "outputs": r.Outputs}
		}

		mu.Lock()
		iterations[idx] = map[string]any{"index": idx, "status": iterStatus, "steps": steps}
		if iterStatus != string(schema.RunStatusCompleted) {
			anyFailed = true
		}
		mu.Unlock()
	}

	if cfg.Parallel {
		pool := NewWorkerPool(maxWorkers)
		var wg sync.WaitGroup
		for idx, item := range items {
			idx, item := idx, item
			wg.Add(1)
			_ = pool.Submit(ctx, func(ictx context.Context) error {
				defer wg.Done()
				runIteration(idx, item)
				return nil
			})
		}
		wg.Wait()
	} else {
		for idx, item := range items {
			runIteration(idx, item)
		}
	}

	status := "success"
	if anyFailed {
		status = "failed"
	}
	return map[string]any{
		"status":           status,
		"iterations":       iterations,
		"total_iterations": len(items),
	}, nil
}

// defaultForkMaxWorkers, defaultForkTimeoutSecs, defaultMaxNodesPerPath, and
// defaultMaxTotalNodes are the fork-specific fallbacks SPEC_FULL.md §4.6
// mandates when a fork's config omits them — distinct from the engine-wide
// DefaultNodeWorkers/DefaultLevelTimeout collaborator defaults, which back
// loop and the top-level scheduler instead.
const (
	defaultForkMaxWorkers  = 5
	defaultForkTimeoutSecs = 600
	defaultMaxNodesPerPath = 50
	defaultMaxTotalNodes   = 200
)

// executeFork statically validates the path node budgets (SPEC_FULL.md
// §4.6), then runs every path's sub-graph concurrently under a shared
// deadline. Each path gets an isolated lineage detached from the shared
// result store: a path's children are reported nested inside the fork
// node's own outputs rather than flattened into the top-level result. A path
// that fails after the fork deadline has expired, or that never started
// before it, is reported as "cancelled". paths_executed counts the paths
// that started and were not skipped by their condition.
func executeFork(ctx context.Context, node schema.NodeDefinition, l *lineage, opts *RunOptions) (map[string]any, error) {
	var cfg schema.ForkConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: invalid fork config: %s", node.ID, err.Error())
	}

	if err := validateForkBudget(node.ID, cfg); err != nil {
		return nil, err
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultForkMaxWorkers
	}
	timeout := secsToDuration(cfg.TimeoutSecs)
	if timeout <= 0 {
		timeout = defaultForkTimeoutSecs * time.Second
	}

	forkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]map[string]any, len(cfg.Paths))
	pool := NewWorkerPool(maxWorkers)
	var wg sync.WaitGroup
	for i, p := range cfg.Paths {
		i, p := i, p
		wg.Add(1)
		err := pool.Submit(forkCtx, func(pctx context.Context) error {
			defer wg.Done()
			r := executeSinglePath(pctx, p, l, opts)
			if pctx.Err() != nil && r["status"] == "failed" {
				r["status"] = "cancelled"
			}
			results[i] = r
			return nil
		})
		if err != nil {
			wg.Done()
		}
	}
	wg.Wait()

	pathsOut := make(map[string]any, len(cfg.Paths))
	allOK := true
	executed := 0
	for i, p := range cfg.Paths {
		r := results[i]
		if r == nil {
			r = map[string]any{"status": "cancelled", "error": "path did not start before fork timeout"}
		} else if s, _ := r["status"].(string); s != "skipped" {
			executed++
		}
		pathsOut[p.ID] = r
		if s, _ := r["status"].(string); s != "success" && s != "skipped" {
			allOK = false
		}
	}

	status := "success"
	if !allOK {
		status = "failed"
	}
	return map[string]any{"status": status, "total_paths": len(cfg.Paths), "paths_executed": executed, "paths": pathsOut}, nil
}

// executePath runs a standalone path node: an optionally-conditional
// sub-graph container, reusing the same per-path semantics a fork applies
// to each of its entries.
func executePath(ctx context.Context, node schema.NodeDefinition, l *lineage, opts *RunOptions) (map[string]any, error) {
	var cfg schema.PathConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: invalid path config: %s", node.ID, err.Error())
	}
	return executeSinglePath(ctx, schema.PathDescriptor{ID: node.ID, Config: cfg}, l, opts), nil
}

// executeSinglePath evaluates p's optional condition in the caller's scope,
// then — if satisfied — runs its sub-graph in an isolated branch lineage.
// It never returns an error itself: every outcome (skipped by condition,
// failed sub-graph, successful sub-graph) is encoded in the returned map so
// executeFork/executePath can fold it into their own outputs.status.
func executeSinglePath(ctx context.Context, p schema.PathDescriptor, l *lineage, opts *RunOptions) map[string]any {
	if p.Config.Condition != "" {
		resolved, err := expressions.Resolve(p.Config.Condition, l.buildScope())
		if err != nil {
			return map[string]any{"status": "failed", "error": err.Error()}
		}
		exprText, ok := resolved.(string)
		if !ok {
			exprText = stringifyAny(resolved)
		}
		satisfied, err := expressions.EvaluateBoolean(exprText)
		if err != nil {
			return map[string]any{"status": "failed", "error": err.Error()}
		}
		if !satisfied {
			return map[string]any{"status": "skipped", "steps": map[string]any{}}
		}
	}

	branch := l.forkBranch()
	def := graphDef{nodes: p.Config.Nodes, edges: p.Config.Edges, levelTimeout: secsToDuration(p.Config.LevelTimeoutSecs)}
	results, runStatus, err := runGraph(ctx, def, branch, opts)
	if err != nil {
		return map[string]any{"status": "failed", "error": err.Error()}
	}
	l.merge(branch)

	steps := make(map[string]any, len(results))
	for id, r := range results {
		entry := map[string]any{
			"status":      string(r.Status),
			"outputs":     r.Outputs,
			"attempts":    r.Attempts,
			"duration_ms": r.DurationMs,
		}
		if r.Error != nil {
			entry["error"] = r.Error.Message
		}
		steps[id] = entry
	}

	status := "success"
	if runStatus != schema.RunStatusCompleted {
		status = "failed"
	}
	return map[string]any{"status": status, "steps": steps}
}

// validateForkBudget enforces the pre-execution node-count ceilings a fork's
// paths must respect before any path is submitted: each path's own sub-graph
// (including nested fork/loop/path bodies) must not exceed max_nodes_per_path
// (default 50), and the sum across all paths must not exceed max_total_nodes
// (default 200) — SPEC_FULL.md §4.6. An omitted field falls back to its
// default budget rather than "unbounded"; the ceiling exists precisely to
// catch the fork whose author never thought to set one.
func validateForkBudget(forkID string, cfg schema.ForkConfig) error {
	maxPerPath := cfg.MaxNodesPerPath
	if maxPerPath <= 0 {
		maxPerPath = defaultMaxNodesPerPath
	}
	maxTotal := cfg.MaxTotalNodes
	if maxTotal <= 0 {
		maxTotal = defaultMaxTotalNodes
	}

	total := 0
	for _, p := range cfg.Paths {
		n := countNodes(p.Config.Nodes)
		if n > maxPerPath {
			return schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"fork %q: path %q has %d nodes, exceeding max_nodes_per_path %d", forkID, p.ID, n, maxPerPath)
		}
		total += n
	}
	if total > maxTotal {
		return schema.NewErrorf(schema.ErrCodeBudgetExceeded,
			"fork %q: paths contain %d nodes total, exceeding max_total_nodes %d", forkID, total, maxTotal)
	}
	return nil
}

// countNodes counts nodes in a sub-graph, recursing into nested fork/loop/
// path bodies so a fork's budget check accounts for the full downstream
// node count rather than just the immediate list.
func countNodes(nodes []schema.NodeDefinition) int {
	count := 0
	for _, n := range nodes {
		count++
		switch n.Type {
		case schema.NodeTypeLoop:
			var cfg schema.LoopConfig
			if json.Unmarshal(n.Config, &cfg) == nil {
				count += countNodes(cfg.Nodes)
			}
		case schema.NodeTypeFork:
			var cfg schema.ForkConfig
			if json.Unmarshal(n.Config, &cfg) == nil {
				for _, p := range cfg.Paths {
					count += countNodes(p.Config.Nodes)
				}
			}
		case schema.NodeTypePath:
			var cfg schema.PathConfig
			if json.Unmarshal(n.Config, &cfg) == nil {
				count += countNodes(cfg.Nodes)
			}
		}
	}
	return count
}

func secsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func stringifyAny(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
