package engine

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so tests can control duration measurement
// and deadline computation without real sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the time.Now-backed default Clock.
var SystemClock Clock = systemClock{}

// RunIDGenerator produces the run_id stamped on a RunResult.
type RunIDGenerator interface {
	NewID() string
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// UUIDGenerator is the google/uuid-backed default RunIDGenerator.
var UUIDGenerator RunIDGenerator = uuidGenerator{}

// HTTPResponse is the transport-agnostic shape an HTTPClient returns.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPClient abstracts the transport used by http_request nodes so tests can
// substitute a stub without starting a real listener.
type HTTPClient interface {
	Do(req *http.Request) (*HTTPResponse, error)
}

// defaultHTTPClientMaxBody caps how much of a response body is read into
// memory before it is handed to template resolution / result_query.
const defaultHTTPClientMaxBody = 10 * 1024 * 1024 // 10MB

// netHTTPClient is the net/http-backed default HTTPClient. Each instance
// clones http.DefaultTransport rather than mutating shared process-wide
// state.
type netHTTPClient struct {
	insecureSkipVerify bool
	maxBody            int64
}

// NewDefaultHTTPClient returns the net/http-backed HTTPClient used when a
// RunOptions does not supply one. insecureSkipVerify disables TLS
// certificate verification for every request this client issues; it exists
// for http_request nodes whose config.verify_ssl is explicitly false.
func NewDefaultHTTPClient(insecureSkipVerify bool) HTTPClient {
	return &netHTTPClient{insecureSkipVerify: insecureSkipVerify, maxBody: defaultHTTPClientMaxBody}
}

func (c *netHTTPClient) Do(req *http.Request) (*HTTPResponse, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := c.maxBody
	if limit <= 0 {
		limit = defaultHTTPClientMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}

	return &HTTPResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// RunOptions bundles every collaborator the run driver needs. A zero value
// used through NewRunOptions wires all stdlib/ecosystem defaults; tests
// substitute fakes for Clock/RunIDGenerator/HTTPClient to get deterministic,
// instant-running scenarios.
type RunOptions struct {
	Clock          Clock
	RunIDGenerator RunIDGenerator
	HTTPClient     HTTPClient
	Logger         *slog.Logger

	// DefaultLevelTimeout bounds a scheduler level when a workflow's
	// config.level_timeout is unset.
	DefaultLevelTimeout time.Duration
	// DefaultNodeWorkers bounds parallel-loop iteration concurrency when a
	// loop node's config.max_workers is unset. Fork uses its own
	// spec-mandated default (see defaultForkMaxWorkers) instead of this
	// field.
	DefaultNodeWorkers int
}

// NewRunOptions returns a RunOptions with every collaborator defaulted.
func NewRunOptions() *RunOptions {
	return &RunOptions{
		Clock:               SystemClock,
		RunIDGenerator:      UUIDGenerator,
		HTTPClient:          NewDefaultHTTPClient(false),
		Logger:              slog.Default(),
		DefaultLevelTimeout: 300 * time.Second,
		DefaultNodeWorkers:  4,
	}
}

// withDefaults fills any zero-valued field of opts with the package default,
// so a caller-supplied RunOptions can override just the fields it cares
// about.
func withDefaults(opts *RunOptions) *RunOptions {
	if opts == nil {
		return NewRunOptions()
	}
	out := *opts
	if out.Clock == nil {
		out.Clock = SystemClock
	}
	if out.RunIDGenerator == nil {
		out.RunIDGenerator = UUIDGenerator
	}
	if out.HTTPClient == nil {
		out.HTTPClient = NewDefaultHTTPClient(false)
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.DefaultLevelTimeout <= 0 {
		out.DefaultLevelTimeout = 300 * time.Second
	}
	if out.DefaultNodeWorkers <= 0 {
		out.DefaultNodeWorkers = 4
	}
	return &out
}
