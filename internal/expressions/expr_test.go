package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBoolean_NumericEquality(t *testing.T) {
	ok, err := EvaluateBoolean("200 == 200")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBoolean_NumericInequality(t *testing.T) {
	ok, err := EvaluateBoolean("404 == 200")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBoolean_StringNumericCoercion(t *testing.T) {
	ok, err := EvaluateBoolean(`"200" == 200`)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBoolean_StringComparison(t *testing.T) {
	ok, err := EvaluateBoolean(`"abc" < "abd"`)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBoolean_AndOr(t *testing.T) {
	ok, err := EvaluateBoolean("true && false || true")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBoolean_Parentheses(t *testing.T) {
	ok, err := EvaluateBoolean("(1 == 1) && (2 == 3)")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBoolean_NullLiteral(t *testing.T) {
	ok, err := EvaluateBoolean("null == null")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBoolean_BareIdentifierFails(t *testing.T) {
	_, err := EvaluateBoolean("status_code == 200")
	require.Error(t, err)
}

func TestEvaluateBoolean_TrailingTokenFails(t *testing.T) {
	_, err := EvaluateBoolean("true true")
	require.Error(t, err)
}

func TestEvaluateBoolean_UnclosedParenFails(t *testing.T) {
	_, err := EvaluateBoolean("(1 == 1")
	require.Error(t, err)
}

func TestEvaluateBoolean_LessEqualGreaterEqual(t *testing.T) {
	ok, err := EvaluateBoolean("5 <= 5")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBoolean("5 >= 6")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBoolean_NotEqual(t *testing.T) {
	ok, err := EvaluateBoolean(`"a" != "b"`)
	require.NoError(t, err)
	assert.True(t, ok)
}
