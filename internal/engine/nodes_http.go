package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dagflow/engine/internal/expressions"
	"github.com/dagflow/engine/pkg/schema"
)

var sharedCircuitBreakers = NewCircuitBreakerRegistry()

var sharedJQTransformer = expressions.NewJQTransformer()

// executeHTTPRequest resolves an http_request node's config against the
// current scope, issues the request through opts.HTTPClient, and publishes
// status_code/headers/body/result/duration_ms. An optional config.
// circuit_breaker wraps the call in a per-host breaker (SPEC_FULL.md §4.3);
// an optional config.result_query runs the response body through a jq
// filter before it is published as outputs.result.
func executeHTTPRequest(ctx context.Context, node schema.NodeDefinition, l *lineage, opts *RunOptions) (map[string]any, error) {
	resolved, err := resolveConfig(node.Config, l)
	if err != nil {
		return nil, err
	}

	var cfg schema.HTTPRequestConfig
	if err := decodeConfig(resolved, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: invalid http_request config: %s", node.ID, err.Error())
	}
	if cfg.URL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: http_request requires a url", node.ID)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: invalid url %q", node.ID, cfg.URL)
	}

	var bodyReader *bytes.Reader
	contentType := ""
	if cfg.Body != nil {
		b, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNodeFailure, "node %q: cannot marshal body: %s", node.ID, err.Error())
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailure, "node %q: cannot build request: %s", node.ID, err.Error()).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	client := opts.HTTPClient
	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		client = NewDefaultHTTPClient(true)
	}

	breakerKey := ""
	var breakerCfg CircuitBreakerConfig
	if cfg.CircuitBreaker != nil {
		breakerKey = u.Host
		breakerCfg = CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         time.Duration(cfg.CircuitBreaker.ResetTimeoutSecs * float64(time.Second)),
		}
		if breakerCfg.FailureThreshold <= 0 {
			breakerCfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
		}
		if breakerCfg.Cooldown <= 0 {
			breakerCfg.Cooldown = DefaultCircuitBreakerConfig().Cooldown
		}
		breakerCfg.HalfOpenMax = 1
		if err := sharedCircuitBreakers.AllowRequest(breakerKey, breakerCfg); err != nil {
			return nil, err
		}
	}

	reqStart := opts.Clock.Now()
	resp, err := client.Do(req)
	durationMs := opts.Clock.Now().Sub(reqStart).Milliseconds()
	if err != nil {
		if breakerKey != "" {
			sharedCircuitBreakers.RecordFailure(breakerKey, breakerCfg)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "node %q: request failed: %s", node.ID, err.Error()).WithCause(err)
	}
	if breakerKey != "" {
		if resp.StatusCode >= 500 {
			sharedCircuitBreakers.RecordFailure(breakerKey, breakerCfg)
		} else {
			sharedCircuitBreakers.RecordSuccess(breakerKey)
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var parsedBody any
	if len(resp.Body) > 0 {
		var jsonBody any
		if json.Unmarshal(resp.Body, &jsonBody) == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(resp.Body)
		}
	}

	result := parsedBody
	if cfg.ResultQuery != "" {
		result, err = sharedJQTransformer.Apply(ctx, cfg.ResultQuery, parsedBody)
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        parsedBody,
		"result":      result,
		"duration_ms": durationMs,
	}, nil
}

// executeCondition evaluates a condition node's boolean expression and
// publishes the result under outputs.result (bool) and outputs.branch
// ("true"/"false"), which the scheduler's traversalKinds reads to choose the
// "true" or "false" successor edge.
func executeCondition(node schema.NodeDefinition, l *lineage) (map[string]any, error) {
	resolved, err := resolveConfig(node.Config, l)
	if err != nil {
		return nil, err
	}

	var cfg schema.ConditionConfig
	if err := decodeConfig(resolved, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q: invalid condition config: %s", node.ID, err.Error())
	}

	result, err := expressions.EvaluateBoolean(cfg.Expression)
	if err != nil {
		return nil, err
	}

	branch := "false"
	if result {
		branch = "true"
	}

	return map[string]any{"result": result, "branch": branch}, nil
}

// resolveConfig template-resolves a leaf node's entire raw config block
// against the lineage's current scope. The loop/fork/path executors in
// nodes_flow.go do not use it: their configs hold child node configs, which
// are resolved only when each child runs.
func resolveConfig(raw json.RawMessage, l *lineage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid node config JSON: %s", err.Error())
	}
	return expressions.Resolve(parsed, l.buildScope())
}

// decodeConfig round-trips a resolved config value (map[string]any/etc, the
// output of expressions.Resolve) into a typed config struct via JSON.
func decodeConfig(resolved any, out any) error {
	b, err := json.Marshal(resolved)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
