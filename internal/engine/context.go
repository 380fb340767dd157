package engine

import (
	"fmt"
	"sync"

	"github.com/dagflow/engine/internal/expressions"
	"github.com/dagflow/engine/pkg/schema"
)

// runContext is the single authoritative, composite-keyed result store for
// one top-level Execute call. Every node at the top level, and every loop
// iteration at any nesting depth, publishes its StepResult here — this is
// what ultimately becomes RunResult.Steps. Fork/path sub-graphs deliberately
// do NOT publish here (see lineage.fork): their children's results stay
// nested inside the fork/path node's own outputs instead.
type runContext struct {
	mu    sync.Mutex
	steps map[string]*schema.StepResult
}

func newRunContext() *runContext {
	return &runContext{steps: make(map[string]*schema.StepResult)}
}

func (rc *runContext) set(key string, result *schema.StepResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.steps[key] = result
}

func (rc *runContext) snapshot() map[string]*schema.StepResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]*schema.StepResult, len(rc.steps))
	for k, v := range rc.steps {
		out[k] = v
	}
	return out
}

// lineage is the per-branch execution context threaded through one call to
// runGraph: a ScopeBuilder for template resolution, the active loop frame
// (if any), a pointer to the shared runContext (nil inside a fork/path
// branch), and a keyFn that maps a node's plain id to the key it is
// published under in the shared runContext — identity at the top level,
// and a composed "<id>[<index>]" wrapper inside (possibly nested) loop
// iterations (SPEC_FULL.md §3).
type lineage struct {
	scope  *expressions.ScopeBuilder
	loop   *expressions.LoopFrame
	global *runContext
	keyFn  func(string) string
}

// newLineage creates the root lineage for a run, seeded with the workflow's
// variables and backed by a fresh shared runContext.
func newLineage(variables map[string]any) *lineage {
	return &lineage{
		scope:  expressions.NewScopeBuilder(variables),
		global: newRunContext(),
		keyFn:  identityKey,
	}
}

func identityKey(id string) string { return id }

// buildScope snapshots this lineage's accumulated step outputs and active
// loop frame into an immutable expressions.Scope for one node's template
// resolution.
func (l *lineage) buildScope() *expressions.Scope {
	return l.scope.Build(l.loop)
}

// publish records a node's terminal result: its outputs are frozen into the
// local scope overlay under the node's plain id (so same-iteration/
// same-branch siblings can resolve `steps.<id>.outputs`), and — if this
// lineage is backed by the shared runContext — the full result is also
// recorded there under keyFn(id).
func (l *lineage) publish(id string, result *schema.StepResult) {
	l.scope.AddStepOutput(id, result.Outputs)
	if l.global != nil {
		l.global.set(l.keyFn(id), result)
	}
}

// forkBranch returns an isolated child lineage for a fork/path sub-graph.
// The child starts from a snapshot of everything committed so far but
// accumulates independently, and is detached from the shared runContext —
// its children's results stay nested inside the fork/path node's own
// outputs rather than flattening into the top-level result.
func (l *lineage) forkBranch() *lineage {
	return &lineage{scope: l.scope.ForBranch(), loop: l.loop}
}

// forkIteration returns an isolated child lineage for one loop iteration
// (sequential or parallel), with frame pushed as the active loop frame. It
// stays attached to the shared runContext: the iteration's nodes still
// flatten into the top-level result, keyed by compositeKey(id, frame.Index)
// composed with any enclosing loop's own key wrapping.
func (l *lineage) forkIteration(frame *expressions.LoopFrame) *lineage {
	outer := l.keyFn
	return &lineage{
		scope:  l.scope.ForBranch(),
		loop:   frame,
		global: l.global,
		keyFn:  func(id string) string { return outer(compositeKey(id, frame.Index)) },
	}
}

// merge folds a completed branch's accumulated outputs back into l, so a
// later sibling node can resolve the branch's results by plain id.
func (l *lineage) merge(branch *lineage) {
	l.scope.MergeFrom(branch.scope)
}

// compositeKey builds the "<node_id>[<index>]" key a loop iteration commits
// its nodes' outputs under (SPEC_FULL.md §3).
func compositeKey(nodeID string, index int) string {
	return fmt.Sprintf("%s[%d]", nodeID, index)
}
