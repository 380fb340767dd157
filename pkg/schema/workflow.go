package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format accepted by the
// run driver. It is immutable after load.
type WorkflowDefinition struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Version string          `json:"version,omitempty"`
	Config  WorkflowConfig  `json:"config,omitempty"`
	Nodes   []NodeDefinition `json:"nodes"`
	Edges   []Edge          `json:"edges"`
}

// WorkflowConfig holds workflow-scoped options.
type WorkflowConfig struct {
	// LevelTimeoutSeconds bounds each top-level scheduler level. Default 300.
	LevelTimeoutSeconds float64 `json:"level_timeout,omitempty"`
	// Variables seeds the execution context's read-only variable snapshot.
	Variables map[string]any `json:"variables,omitempty"`
	// Schedule is an optional cron expression hint, validated but never acted
	// on by the engine itself (triggering is an external-process concern).
	Schedule string `json:"schedule,omitempty"`
}

// NodeType enumerates the closed set of node types the engine understands.
type NodeType string

const (
	NodeTypeStart       NodeType = "start"
	NodeTypeEnd         NodeType = "end"
	NodeTypeHTTPRequest NodeType = "http_request"
	NodeTypeCondition   NodeType = "condition"
	NodeTypeLoop        NodeType = "loop"
	NodeTypeFork        NodeType = "fork"
	NodeTypePath        NodeType = "path"
	NodeTypeNoop        NodeType = "noop"
)

// EdgeKind determines when an edge is traversable; see routing rules in §3.
type EdgeKind string

const (
	EdgeSuccess EdgeKind = "success"
	EdgeFailure EdgeKind = "failure"
	EdgeTrue    EdgeKind = "true"
	EdgeFalse   EdgeKind = "false"
	EdgeDefault EdgeKind = "default"
)

// Edge is a directed, typed connection between two node ids.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// NodeDefinition describes a single node in a workflow or sub-graph.
type NodeDefinition struct {
	ID            string          `json:"id"`
	Type          NodeType        `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	ErrorHandling ErrorHandling   `json:"error_handling,omitempty"`
	Retry         RetryPolicy     `json:"retry,omitempty"`
}

// ErrorHandling configures continue-on-error routing for a node.
type ErrorHandling struct {
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// RetryPolicy configures per-node retry behavior. Zero value is "no retries".
type RetryPolicy struct {
	MaxRetries    int     `json:"max_retries,omitempty"`
	DelaySeconds  float64 `json:"delay_seconds,omitempty"`
}

// HTTPRequestConfig is the config block for http_request nodes.
type HTTPRequestConfig struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
	TimeoutSecs float64           `json:"timeout,omitempty"`
	VerifySSL   *bool             `json:"verify_ssl,omitempty"`
	ResultQuery string            `json:"result_query,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig is the optional resilience wrapper for http_request.
type CircuitBreakerConfig struct {
	FailureThreshold int     `json:"failure_threshold,omitempty"`
	ResetTimeoutSecs float64 `json:"reset_timeout,omitempty"`
}

// ConditionConfig is the config block for condition nodes.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// LoopConfig is the config block for loop nodes.
type LoopConfig struct {
	Items            string           `json:"items"`
	Nodes            []NodeDefinition `json:"nodes"`
	Edges            []Edge           `json:"edges"`
	LevelTimeoutSecs float64          `json:"level_timeout,omitempty"`
	Parallel         bool             `json:"parallel,omitempty"`
	MaxWorkers       int              `json:"max_workers,omitempty"`
	ItemAlias        string           `json:"item_alias,omitempty"`
}

// ForkConfig is the config block for fork nodes.
type ForkConfig struct {
	Paths           []PathDescriptor `json:"paths"`
	MaxWorkers      int              `json:"max_workers,omitempty"`
	TimeoutSecs     float64          `json:"timeout,omitempty"`
	MaxNodesPerPath int              `json:"max_nodes_per_path,omitempty"`
	MaxTotalNodes   int              `json:"max_total_nodes,omitempty"`
}

// PathDescriptor is one entry of a fork's ordered path list.
type PathDescriptor struct {
	ID     string   `json:"id"`
	Config PathConfig `json:"config"`
}

// PathConfig is the config block for path nodes (and fork path entries).
type PathConfig struct {
	Condition        string           `json:"condition,omitempty"`
	Nodes            []NodeDefinition `json:"nodes"`
	Edges            []Edge           `json:"edges"`
	LevelTimeoutSecs float64          `json:"level_timeout,omitempty"`
}
