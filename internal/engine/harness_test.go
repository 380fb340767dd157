package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagflow/engine/pkg/schema"
)

func TestExecuteOne_SuccessOnFirstAttempt(t *testing.T) {
	client := newFakeHTTPClient()
	client.enqueue("https://api.example.com/ok", fakeHTTPResult{resp: jsonResponse(200, `{}`)})
	node := schema.NodeDefinition{ID: "req", Type: schema.NodeTypeHTTPRequest, Config: rawJSON(t, schema.HTTPRequestConfig{URL: "https://api.example.com/ok"})}
	l := newLineage(nil)

	res := executeOne(context.Background(), node, l, flowOpts(client))
	assert.Equal(t, schema.NodeStatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteOne_RetriesRetryableFailureThenSucceeds(t *testing.T) {
	client := newFakeHTTPClient()
	client.enqueue("https://api.example.com/flaky", fakeHTTPResult{err: errConnRefused})
	client.enqueue("https://api.example.com/flaky", fakeHTTPResult{resp: jsonResponse(200, `{}`)})
	node := schema.NodeDefinition{
		ID:     "req",
		Type:   schema.NodeTypeHTTPRequest,
		Config: rawJSON(t, schema.HTTPRequestConfig{URL: "https://api.example.com/flaky"}),
		Retry:  schema.RetryPolicy{MaxRetries: 1},
	}
	l := newLineage(nil)

	res := executeOne(context.Background(), node, l, flowOpts(client))
	assert.Equal(t, schema.NodeStatusSuccess, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteOne_NonRetryableFailureStopsImmediately(t *testing.T) {
	node := schema.NodeDefinition{
		ID:     "req",
		Type:   schema.NodeTypeHTTPRequest,
		Config: rawJSON(t, schema.HTTPRequestConfig{}), // missing url -> validation error, not retryable
		Retry:  schema.RetryPolicy{MaxRetries: 5},
	}
	l := newLineage(nil)

	res := executeOne(context.Background(), node, l, flowOpts(newFakeHTTPClient()))
	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteOne_ExhaustsMaxRetriesAndFails(t *testing.T) {
	client := newFakeHTTPClient()
	client.enqueue("https://api.example.com/down", fakeHTTPResult{err: errConnRefused})
	node := schema.NodeDefinition{
		ID:     "req",
		Type:   schema.NodeTypeHTTPRequest,
		Config: rawJSON(t, schema.HTTPRequestConfig{URL: "https://api.example.com/down"}),
		Retry:  schema.RetryPolicy{MaxRetries: 2},
	}
	l := newLineage(nil)

	res := executeOne(context.Background(), node, l, flowOpts(client))
	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestExecuteOne_NodeTimeoutIsEnforced(t *testing.T) {
	client := newFakeHTTPClient()
	client.blockUntilCancelled("https://api.example.com/slow")
	node := schema.NodeDefinition{
		ID:     "req",
		Type:   schema.NodeTypeHTTPRequest,
		Config: rawJSON(t, map[string]any{"url": "https://api.example.com/slow", "timeout": 0.02}),
	}
	l := newLineage(nil)

	res := executeOne(context.Background(), node, l, flowOpts(client))
	assert.Equal(t, schema.NodeStatusFailed, res.Status)
	require.NotNil(t, res.Error)
}

func TestStatusFromOutputs_LeafNodeAlwaysSuccess(t *testing.T) {
	assert.Equal(t, schema.NodeStatusSuccess, statusFromOutputs(schema.NodeTypeHTTPRequest, map[string]any{}))
}

func TestStatusFromOutputs_ForkFailedStatusPassesThrough(t *testing.T) {
	assert.Equal(t, schema.NodeStatusFailed, statusFromOutputs(schema.NodeTypeFork, map[string]any{"status": "failed"}))
}

func TestStatusFromOutputs_ForkSuccessStatusYieldsSuccess(t *testing.T) {
	assert.Equal(t, schema.NodeStatusSuccess, statusFromOutputs(schema.NodeTypeFork, map[string]any{"status": "success"}))
}

func TestDispatchNode_StartEndNoopAreNoOps(t *testing.T) {
	l := newLineage(nil)
	for _, typ := range []schema.NodeType{schema.NodeTypeStart, schema.NodeTypeEnd, schema.NodeTypeNoop} {
		out, err := dispatchNode(context.Background(), schema.NodeDefinition{ID: "n", Type: typ}, l, flowOpts(newFakeHTTPClient()))
		require.NoError(t, err)
		assert.Empty(t, out)
	}
}

func TestDispatchNode_UnknownTypeErrors(t *testing.T) {
	l := newLineage(nil)
	_, err := dispatchNode(context.Background(), schema.NodeDefinition{ID: "n", Type: "bogus"}, l, flowOpts(newFakeHTTPClient()))
	require.Error(t, err)
}

func TestPeekTimeout_MissingFieldReturnsFalse(t *testing.T) {
	_, ok := peekTimeout(json.RawMessage(`{}`))
	assert.False(t, ok)
}

func TestPeekTimeout_ZeroIsImmediateNegativeReturnsFalse(t *testing.T) {
	d, ok := peekTimeout(json.RawMessage(`{"timeout":0}`))
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)
	_, ok = peekTimeout(json.RawMessage(`{"timeout":-1}`))
	assert.False(t, ok)
}

func TestPeekTimeout_PositiveValueConvertsToDuration(t *testing.T) {
	d, ok := peekTimeout(json.RawMessage(`{"timeout":1.5}`))
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)
}

func TestPeekTimeout_EmptyRawReturnsFalse(t *testing.T) {
	_, ok := peekTimeout(nil)
	assert.False(t, ok)
}

func TestToFlowError_WrapsPlainErrorAsNodeFailure(t *testing.T) {
	node := schema.NodeDefinition{ID: "n"}
	fe := toFlowError(errors.New("boom"), node)
	assert.Equal(t, schema.ErrCodeNodeFailure, fe.Code)
	assert.Equal(t, "n", fe.NodeID)
}

func TestToFlowError_PreservesExistingFlowErrorNodeID(t *testing.T) {
	node := schema.NodeDefinition{ID: "n"}
	original := schema.NewError(schema.ErrCodeTransport, "boom").WithNode("other")
	fe := toFlowError(original, node)
	assert.Equal(t, "other", fe.NodeID)
}

func TestToFlowError_DeadlineExceededBecomesNodeTimeout(t *testing.T) {
	node := schema.NodeDefinition{ID: "n"}
	fe := toFlowError(context.DeadlineExceeded, node)
	assert.Equal(t, schema.ErrCodeNodeTimeout, fe.Code)
}

func TestToFlowError_CanceledBecomesCancelled(t *testing.T) {
	node := schema.NodeDefinition{ID: "n"}
	fe := toFlowError(context.Canceled, node)
	assert.Equal(t, schema.ErrCodeCancelled, fe.Code)
}
