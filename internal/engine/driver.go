// Package engine implements the workflow run driver: graph scheduling,
// the per-node execution harness, and the http_request/condition/loop/
// fork/path/start/end/noop node executors.
package engine

import (
	"context"
	"log/slog"

	"github.com/dagflow/engine/internal/logging"
	"github.com/dagflow/engine/internal/validation"
	"github.com/dagflow/engine/pkg/schema"
)

// Execute validates def and runs it to completion, returning the assembled
// RunResult. opts may be nil to use every collaborator default
// (NewRunOptions). The returned error is non-nil only for a definition that
// fails validation; a workflow that runs but fails at the node level is
// reported through RunResult.Status/Error, not a returned error.
func Execute(ctx context.Context, def *schema.WorkflowDefinition, opts *RunOptions) (*schema.RunResult, error) {
	opts = withDefaults(opts)

	if result := validation.ValidateDefinition(def); !result.Valid() {
		return nil, result.ToError()
	}

	runID := opts.RunIDGenerator.NewID()
	ctx = logging.WithRunID(ctx, runID)
	logger := logging.LogWith(ctx, opts.Logger)
	logger.InfoContext(ctx, "run starting", slog.String("workflow_id", def.ID))

	start := opts.Clock.Now()
	l := newLineage(def.Config.Variables)

	topDef := graphDef{
		nodes:        def.Nodes,
		edges:        def.Edges,
		levelTimeout: secsToDuration(def.Config.LevelTimeoutSeconds),
	}

	_, status, err := runGraph(ctx, topDef, l, opts)
	durationMs := opts.Clock.Now().Sub(start).Milliseconds()

	steps := l.global.snapshot()
	result := &schema.RunResult{
		RunID:      runID,
		Status:     status,
		DurationMs: durationMs,
		Steps:      steps,
	}

	switch {
	case err != nil:
		result.Status = schema.RunStatusFailed
		result.Error = schema.NewErrorf(schema.ErrCodeNodeFailure, "run failed: %s", err.Error()).WithCause(err)
	case status != schema.RunStatusCompleted:
		result.Error = firstUnrecoveredError(def.Nodes, steps)
	}

	logger.InfoContext(ctx, "run finished", slog.String("status", string(result.Status)), slog.Int64("duration_ms", durationMs))
	return result, nil
}

// firstUnrecoveredError returns the declaration-order-first step error that
// actually contributed to a non-completed run status: a node that failed
// without continue_on_error, or any node cancelled/failed by a level
// timeout. A node whose failure was absorbed by continue_on_error keeps its
// own Error on its StepResult but never becomes the run's top-level error.
func firstUnrecoveredError(nodes []schema.NodeDefinition, steps map[string]*schema.StepResult) *schema.FlowError {
	for _, n := range nodes {
		res := steps[n.ID]
		if res == nil || res.Error == nil {
			continue
		}
		if res.Status == schema.NodeStatusFailed && n.ErrorHandling.ContinueOnError {
			continue
		}
		return res.Error
	}
	return nil
}
