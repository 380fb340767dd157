package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagflow/engine/pkg/schema"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	assert.Equal(t, CircuitClosed, reg.GetState("host-a"))
	assert.NoError(t, reg.AllowRequest("host-a", DefaultCircuitBreakerConfig()))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	cfg := CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1}

	reg.RecordFailure("host-a", cfg)
	reg.RecordFailure("host-a", cfg)
	assert.Equal(t, CircuitClosed, reg.GetState("host-a"))

	state := reg.RecordFailure("host-a", cfg)
	assert.Equal(t, CircuitOpen, state)

	err := reg.AllowRequest("host-a", cfg)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, flowErr.Code)
}

func TestCircuitBreaker_TransitionsToHalfOpenAfterCooldown(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	cfg := CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond, HalfOpenMax: 1}

	reg.RecordFailure("host-a", cfg)
	assert.Equal(t, CircuitOpen, reg.GetState("host-a"))

	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, reg.AllowRequest("host-a", cfg))
	assert.Equal(t, CircuitHalfOpen, reg.GetState("host-a"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	cfg := CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond, HalfOpenMax: 1}

	reg.RecordFailure("host-a", cfg)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reg.AllowRequest("host-a", cfg))

	state := reg.RecordFailure("host-a", cfg)
	assert.Equal(t, CircuitOpen, state)
}

func TestCircuitBreaker_SuccessClosesCircuit(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	cfg := CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond, HalfOpenMax: 1}

	reg.RecordFailure("host-a", cfg)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reg.AllowRequest("host-a", cfg))

	reg.RecordSuccess("host-a")
	assert.Equal(t, CircuitClosed, reg.GetState("host-a"))
	assert.NoError(t, reg.AllowRequest("host-a", cfg))
}

func TestCircuitBreaker_KeysAreIndependent(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	cfg := CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1}

	reg.RecordFailure("host-a", cfg)
	assert.Equal(t, CircuitOpen, reg.GetState("host-a"))
	assert.Equal(t, CircuitClosed, reg.GetState("host-b"))
}
