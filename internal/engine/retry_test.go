package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dagflow/engine/pkg/schema"
)

func TestIsRetryableError_NilIsNotRetryable(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_ContextCancelledIsNotRetryable(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
}

func TestIsRetryableError_DeadlineExceededIsRetryable(t *testing.T) {
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_FlowErrorDefersToItsOwnCode(t *testing.T) {
	retryable := schema.NewError(schema.ErrCodeTransport, "boom")
	assert.True(t, IsRetryableError(retryable))

	nonRetryable := schema.NewError(schema.ErrCodeValidation, "bad config")
	assert.False(t, IsRetryableError(nonRetryable))
}

type fakeNetError struct{ msg string }

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return true }
func (e *fakeNetError) Temporary() bool { return true }

func TestIsRetryableError_NetErrorIsRetryable(t *testing.T) {
	var netErr net.Error = &fakeNetError{msg: "dial tcp: timeout"}
	assert.True(t, IsRetryableError(netErr))
}

func TestIsRetryableError_TransientMessagePatternIsRetryable(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
}

func TestComputeDelay_ZeroWhenNoDelayConfigured(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeDelay(schema.RetryPolicy{}, 0))
}

func TestComputeDelay_ConstantAcrossAttempts(t *testing.T) {
	policy := schema.RetryPolicy{DelaySeconds: 2}
	assert.Equal(t, 2*time.Second, ComputeDelay(policy, 0))
	assert.Equal(t, 2*time.Second, ComputeDelay(policy, 5))
}

func TestWaitForDelay_ReturnsImmediatelyForZeroDelay(t *testing.T) {
	err := WaitForDelay(context.Background(), 0)
	assert.NoError(t, err)
}

func TestWaitForDelay_CancelledContextReturnsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForDelay(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
