package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dagflow/engine/pkg/schema"
)

// executeOne runs a single node through the retry/timeout harness: it
// derives a per-attempt deadline, dispatches to the node-type-specific
// executor, retries on a retryable failure up to node.Retry.MaxRetries with
// a constant inter-attempt delay, and assembles the final StepResult.
//
// fork/path/loop executors never return a *schema.FlowError purely because
// one of their children failed — a child failure is folded into their
// returned outputs under the "status" key instead, so a fork whose path
// failed does not itself get retried by the harness (only a genuine
// execution-level error, like a malformed sub-graph, triggers a retry).
func executeOne(ctx context.Context, node schema.NodeDefinition, l *lineage, opts *RunOptions) *schema.StepResult {
	start := opts.Clock.Now()
	timeout, hasTimeout := peekTimeout(node.Config)

	attempts := 0
	maxAttempts := node.Retry.MaxRetries + 1
	var outputs map[string]any
	var lastErr *schema.FlowError

	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++

		attemptCtx := ctx
		var cancel context.CancelFunc
		if hasTimeout {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		out, err := dispatchNode(attemptCtx, node, l, opts)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			outputs = out
			lastErr = nil
			break
		}

		lastErr = toFlowError(err, node)
		if attempt == maxAttempts-1 || !IsRetryableError(err) {
			break
		}

		delay := ComputeDelay(node.Retry, attempt)
		if werr := WaitForDelay(ctx, delay); werr != nil {
			lastErr = schema.NewErrorf(schema.ErrCodeCancelled, "node %q cancelled while waiting to retry", node.ID).
				WithNode(node.ID).WithCause(werr)
			break
		}
	}

	durationMs := opts.Clock.Now().Sub(start).Milliseconds()

	if lastErr != nil {
		return &schema.StepResult{
			Status:     schema.NodeStatusFailed,
			Outputs:    map[string]any{},
			Error:      lastErr,
			Attempts:   attempts,
			DurationMs: durationMs,
		}
	}

	status := statusFromOutputs(node.Type, outputs)
	return &schema.StepResult{
		Status:     status,
		Outputs:    outputs,
		Attempts:   attempts,
		DurationMs: durationMs,
	}
}

// statusFromOutputs lets fork/path/loop executors report a terminal status
// other than "success" (e.g. a fork whose path failed) without routing
// through the error path — see executeOne's doc comment.
func statusFromOutputs(nodeType schema.NodeType, outputs map[string]any) schema.NodeStatus {
	switch nodeType {
	case schema.NodeTypeFork, schema.NodeTypePath, schema.NodeTypeLoop:
		if s, ok := outputs["status"].(string); ok {
			switch schema.NodeStatus(s) {
			case schema.NodeStatusFailed, schema.NodeStatusSkipped, schema.NodeStatusCancelled:
				return schema.NodeStatus(s)
			}
		}
	}
	return schema.NodeStatusSuccess
}

// dispatchNode routes a single attempt to the executor for node.Type.
func dispatchNode(ctx context.Context, node schema.NodeDefinition, l *lineage, opts *RunOptions) (map[string]any, error) {
	switch node.Type {
	case schema.NodeTypeStart, schema.NodeTypeEnd, schema.NodeTypeNoop:
		return map[string]any{}, nil
	case schema.NodeTypeHTTPRequest:
		return executeHTTPRequest(ctx, node, l, opts)
	case schema.NodeTypeCondition:
		return executeCondition(node, l)
	case schema.NodeTypeLoop:
		return executeLoop(ctx, node, l, opts)
	case schema.NodeTypeFork:
		return executeFork(ctx, node, l, opts)
	case schema.NodeTypePath:
		return executePath(ctx, node, l, opts)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: unknown type %q", node.ID, node.Type)
	}
}

// peekTimeout reads the node's raw, unresolved config.timeout field (a
// literal number of seconds — timeouts are never templated) before the
// retry loop starts, so it can bound even the first attempt's input
// preparation. http_request and fork configs carry this field; for a fork
// it bounds each attempt of the fork node as well as the fork's own
// deadline. An explicit 0 is an already-expired deadline; an absent or
// negative value means no per-attempt timeout.
func peekTimeout(raw json.RawMessage) (time.Duration, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var probe struct {
		Timeout *float64 `json:"timeout"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Timeout == nil || *probe.Timeout < 0 {
		return 0, false
	}
	return time.Duration(*probe.Timeout * float64(time.Second)), true
}

func toFlowError(err error, node schema.NodeDefinition) *schema.FlowError {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.NodeID == "" {
			flowErr = flowErr.WithNode(node.ID)
		}
		return flowErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeNodeTimeout, "node %q exceeded its timeout", node.ID).WithNode(node.ID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewErrorf(schema.ErrCodeCancelled, "node %q cancelled", node.ID).WithNode(node.ID).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeNodeFailure, "%s", err.Error()).WithNode(node.ID).WithCause(err)
}
