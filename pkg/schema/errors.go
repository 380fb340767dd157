package schema

import "fmt"

// Error codes for structured error reporting, drawn from the error-kind
// taxonomy: ValidationError, TemplateResolveError, ExpressionParseError,
// NodeFailure, TransportError, TimeoutExceeded (node/path/fork/level variants),
// BudgetExceeded, Cancelled.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeTemplateResolve  = "TEMPLATE_RESOLVE_ERROR"
	ErrCodeExpressionParse  = "EXPRESSION_PARSE_ERROR"
	ErrCodeNodeFailure      = "NODE_FAILURE"
	ErrCodeTransport        = "TRANSPORT_ERROR"
	ErrCodeNodeTimeout      = "NODE_TIMEOUT_EXCEEDED"
	ErrCodePathTimeout      = "PATH_TIMEOUT_EXCEEDED"
	ErrCodeForkTimeout      = "FORK_TIMEOUT_EXCEEDED"
	ErrCodeLevelTimeout     = "LEVEL_TIMEOUT_EXCEEDED"
	ErrCodeBudgetExceeded   = "BUDGET_EXCEEDED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
)

// retryable marks which codes the harness should treat as retryable by
// default when the failure came back as a FlowError rather than a generic
// transport/stdlib error (see engine.IsRetryableError).
var retryable = map[string]bool{
	ErrCodeTransport:    true,
	ErrCodeNodeTimeout:  true,
	ErrCodeNodeFailure:  true,
}

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the harness should retry a node that failed
// with this error, subject to the node's own retry budget.
func (e *FlowError) IsRetryable() bool {
	return retryable[e.Code]
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
