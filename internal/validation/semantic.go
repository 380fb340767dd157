package validation

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/dagflow/engine/pkg/schema"
)

// validateSemantic walks the workflow's node tree — the top-level graph plus
// every loop/fork-path/path body nested inside it — checking per-node-type
// config shape, edge kind usage, that fork node budgets are not negative,
// and the optional schedule hint's cron syntax. The budgets themselves are
// enforced when the fork runs.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateGraphShape(subGraph{nodes: def.Nodes, edges: def.Edges}, "nodes", true, result)
	validateNodes(def.Nodes, "nodes", result)
	validateConditionEdges(def.Nodes, def.Edges, "edges", result)

	if def.Config.Schedule != "" {
		if _, err := cron.ParseStandard(def.Config.Schedule); err != nil {
			result.AddError("config.schedule", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", def.Config.Schedule, err.Error()))
		}
	}

	return result
}

// validateNodes checks each node's config against its declared type and
// recurses into loop/fork/path bodies as their own bounded sub-graphs.
func validateNodes(nodes []schema.NodeDefinition, path string, result *schema.ValidationResult) {
	for i, n := range nodes {
		npath := fmt.Sprintf("%s[%d]", path, i)
		switch n.Type {
		case schema.NodeTypeHTTPRequest:
			validateHTTPRequestConfig(n, npath, result)
		case schema.NodeTypeCondition:
			validateConditionConfig(n, npath, result)
		case schema.NodeTypeLoop:
			validateLoopConfig(n, npath, result)
		case schema.NodeTypeFork:
			validateForkConfig(n, npath, result)
		case schema.NodeTypePath:
			validatePathConfig(n, npath, result)
		case schema.NodeTypeStart, schema.NodeTypeEnd, schema.NodeTypeNoop:
			// no config of their own
		}

		if n.Retry.MaxRetries > 10 {
			result.AddWarning(npath+".retry.max_retries", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", n.Retry.MaxRetries))
		}
	}
}

func validateHTTPRequestConfig(n schema.NodeDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.HTTPRequestConfig
	if !decodeNodeConfig(n, path, result, &cfg) {
		return
	}
	if cfg.URL == "" {
		result.AddError(path+".config.url", schema.ErrCodeValidation, "http_request requires a non-empty url")
	}
	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.FailureThreshold < 0 {
		result.AddError(path+".config.circuit_breaker.failure_threshold", schema.ErrCodeValidation,
			"failure_threshold must be >= 0")
	}
}

func validateConditionConfig(n schema.NodeDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.ConditionConfig
	if !decodeNodeConfig(n, path, result, &cfg) {
		return
	}
	if cfg.Expression == "" {
		result.AddError(path+".config.expression", schema.ErrCodeValidation, "condition requires a non-empty expression")
	}
}

func validateLoopConfig(n schema.NodeDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.LoopConfig
	if !decodeNodeConfig(n, path, result, &cfg) {
		return
	}
	if cfg.Items == "" {
		result.AddError(path+".config.items", schema.ErrCodeValidation, "loop requires a non-empty items expression")
	}
	if len(cfg.Nodes) == 0 {
		result.AddError(path+".config.nodes", schema.ErrCodeValidation, "loop body must declare at least one node")
		return
	}
	bodyPath := path + ".config.nodes"
	validateGraphShape(subGraph{nodes: cfg.Nodes, edges: cfg.Edges}, bodyPath, false, result)
	validateNodes(cfg.Nodes, bodyPath, result)
	validateConditionEdges(cfg.Nodes, cfg.Edges, path+".config.edges", result)
	validateLevelTimeoutHierarchy(cfg.LevelTimeoutSecs, path, result)
}

func validateForkConfig(n schema.NodeDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.ForkConfig
	if !decodeNodeConfig(n, path, result, &cfg) {
		return
	}
	seen := make(map[string]bool, len(cfg.Paths))
	for i, p := range cfg.Paths {
		ppath := fmt.Sprintf("%s.config.paths[%d]", path, i)
		if p.ID == "" {
			result.AddError(ppath+".id", schema.ErrCodeValidation, "path requires a non-empty id")
		} else if seen[p.ID] {
			result.AddError(ppath+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate path id %q", p.ID))
		}
		seen[p.ID] = true
		validatePathBody(p.Config, ppath, result)
	}
	if cfg.MaxNodesPerPath < 0 || cfg.MaxTotalNodes < 0 {
		result.AddError(path+".config", schema.ErrCodeValidation, "fork node budgets must be >= 0")
	}
}

func validatePathConfig(n schema.NodeDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.PathConfig
	if !decodeNodeConfig(n, path, result, &cfg) {
		return
	}
	validatePathBody(cfg, path, result)
}

func validatePathBody(cfg schema.PathConfig, path string, result *schema.ValidationResult) {
	if len(cfg.Nodes) == 0 {
		result.AddError(path+".config.nodes", schema.ErrCodeValidation, "path body must declare at least one node")
		return
	}
	bodyPath := path + ".config.nodes"
	validateGraphShape(subGraph{nodes: cfg.Nodes, edges: cfg.Edges}, bodyPath, false, result)
	validateNodes(cfg.Nodes, bodyPath, result)
	validateConditionEdges(cfg.Nodes, cfg.Edges, path+".config.edges", result)
	validateLevelTimeoutHierarchy(cfg.LevelTimeoutSecs, path, result)
}

// validateConditionEdges checks that every condition node has at most one
// true and at most one false outgoing edge, and warns about
// success/failure edges leaving a condition node, which traversalKinds never
// satisfies.
func validateConditionEdges(nodes []schema.NodeDefinition, edges []schema.Edge, path string, result *schema.ValidationResult) {
	conditionNodes := make(map[string]bool)
	for _, n := range nodes {
		if n.Type == schema.NodeTypeCondition {
			conditionNodes[n.ID] = true
		}
	}
	if len(conditionNodes) == 0 {
		return
	}

	counts := make(map[string]map[schema.EdgeKind]int)
	for _, e := range edges {
		if !conditionNodes[e.From] {
			continue
		}
		if counts[e.From] == nil {
			counts[e.From] = make(map[schema.EdgeKind]int)
		}
		counts[e.From][e.Kind]++
		if e.Kind == schema.EdgeSuccess || e.Kind == schema.EdgeFailure {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q has a %q edge, which is never traversed (use true/false/default)", e.From, e.Kind))
		}
	}

	// A condition node needs at most one true edge and at most one false
	// edge — "exactly one of true/false is traversed, if both exist"
	// (SPEC_FULL.md §8 invariant #2) permits a condition that only branches
	// on one side, relying on the scheduler's cascade-skip to drop the
	// other. More than one edge of the same kind is ambiguous, not a
	// legitimate shape, and is rejected.
	for id := range conditionNodes {
		c := counts[id]
		if c[schema.EdgeTrue] > 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q must have at most one true edge, has %d", id, c[schema.EdgeTrue]))
		}
		if c[schema.EdgeFalse] > 1 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q must have at most one false edge, has %d", id, c[schema.EdgeFalse]))
		}
	}
}

// validateLevelTimeoutHierarchy rejects a negative level_timeout on a nested
// sub-graph. It does not compare the value against any enclosing timeout, so
// an inner timeout longer than its parent's produces no warning.
func validateLevelTimeoutHierarchy(innerSecs float64, path string, result *schema.ValidationResult) {
	if innerSecs < 0 {
		result.AddError(path+".config.level_timeout", schema.ErrCodeValidation, "level_timeout must be >= 0")
	}
}

// decodeNodeConfig round-trips a node's raw config JSON into a typed struct,
// recording a validation error (rather than returning a Go error) on
// failure so sibling nodes still get checked.
func decodeNodeConfig(n schema.NodeDefinition, path string, result *schema.ValidationResult, out any) bool {
	if len(n.Config) == 0 {
		return true
	}
	if err := json.Unmarshal(n.Config, out); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("invalid config for %s node %q: %s", n.Type, n.ID, err.Error()))
		return false
	}
	return true
}
