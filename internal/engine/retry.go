package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/dagflow/engine/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, typed FlowErrors whose
// code is marked retryable. Non-retryable: context cancellation (the run is
// shutting down, not the node failing) and validation-shaped errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return true
}

// ComputeDelay returns the constant delay before the next retry attempt.
// The policy only supports a fixed per-attempt delay (no backoff variants);
// attempt is unused beyond documenting intent, kept for call-site symmetry
// with the node's attempt loop.
func ComputeDelay(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(policy.DelaySeconds * float64(time.Second))
}

// WaitForDelay sleeps for delay or returns early with ctx.Err() if ctx is
// cancelled first.
func WaitForDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
