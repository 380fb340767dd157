package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/dagflow/engine/pkg/schema"
)

// JQTransformer applies a jq filter to a JSON value. Used only by the
// http_request executor's optional `config.result_query` (SPEC_FULL.md's
// domain-stack addition to §4.3) to let a workflow trim a large JSON
// response before it is published to outputs.result.
//
// Thread-safe: compiled *gojq.Code is cached per query string so a fork
// with many concurrent paths sharing the same http_request config does
// not recompile it per attempt.
type JQTransformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQTransformer creates an empty, ready-to-use transformer.
func NewJQTransformer() *JQTransformer {
	return &JQTransformer{cache: make(map[string]*gojq.Code)}
}

// Apply compiles (or reuses) query and runs it against value, returning the
// first emitted result. jq filters that emit zero or multiple values are
// unusual for a single-document result transform; this returns the first
// output and ignores the rest, which is the common case for "pick a field"
// or "map an array" queries.
func (t *JQTransformer) Apply(ctx context.Context, query string, value any) (any, error) {
	if query == "" {
		return value, nil
	}

	code, err := t.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(value))
	out, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if jqErr, isErr := out.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailure,
			"result_query %q failed: %s", query, jqErr.Error()).WithCause(jqErr)
	}
	return out, nil
}

func (t *JQTransformer) getOrCompile(query string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[query]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if code, ok := t.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid result_query %q: %s", query, err.Error()).WithCause(err)
	}

	// Sandbox: block $ENV/env access from a jq filter embedded in a
	// workflow definition.
	code, err := gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot compile result_query %q: %s", query, err.Error()).WithCause(err)
	}

	t.cache[query] = code
	return code, nil
}

// normalizeForJQ converts Go's json.Unmarshal output (and any int/int32/
// float32 a caller might pass) into jq's native float64-for-all-numbers
// representation.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeForJQ(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeForJQ(vv)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
