package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagflow/engine/pkg/schema"
)

var errConnRefused = errors.New("connection refused")

func TestBuildGraph_TracksDistinctPredecessorsOnce(t *testing.T) {
	nodes := []schema.NodeDefinition{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	edges := []schema.Edge{
		{From: "a", To: "c", Kind: schema.EdgeSuccess},
		{From: "a", To: "c", Kind: schema.EdgeFailure}, // same pair, different kind
		{From: "b", To: "c", Kind: schema.EdgeDefault},
	}
	g := buildGraph(nodes, edges)
	assert.ElementsMatch(t, []string{"a", "b"}, g.preds["c"])
	assert.Len(t, g.outEdges["a"], 2)
}

func TestTraversalKinds_SkippedOrCancelledSatisfyNothing(t *testing.T) {
	assert.Nil(t, traversalKinds(schema.NodeTypeNoop, schema.NodeStatusSkipped, nil))
	assert.Nil(t, traversalKinds(schema.NodeTypeNoop, schema.NodeStatusCancelled, nil))
}

func TestTraversalKinds_ConditionTrueSatisfiesTrueAndDefault(t *testing.T) {
	kinds := traversalKinds(schema.NodeTypeCondition, schema.NodeStatusSuccess, map[string]any{"result": true})
	assert.True(t, kinds[schema.EdgeTrue])
	assert.True(t, kinds[schema.EdgeDefault])
	assert.False(t, kinds[schema.EdgeFalse])
}

func TestTraversalKinds_ConditionFalseSatisfiesFalseAndDefault(t *testing.T) {
	kinds := traversalKinds(schema.NodeTypeCondition, schema.NodeStatusSuccess, map[string]any{"result": false})
	assert.True(t, kinds[schema.EdgeFalse])
	assert.False(t, kinds[schema.EdgeTrue])
}

func TestTraversalKinds_SuccessSatisfiesSuccessAndDefault(t *testing.T) {
	kinds := traversalKinds(schema.NodeTypeHTTPRequest, schema.NodeStatusSuccess, nil)
	assert.True(t, kinds[schema.EdgeSuccess])
	assert.True(t, kinds[schema.EdgeDefault])
	assert.False(t, kinds[schema.EdgeFailure])
}

func TestTraversalKinds_FailedSatisfiesFailureAndDefault(t *testing.T) {
	kinds := traversalKinds(schema.NodeTypeHTTPRequest, schema.NodeStatusFailed, nil)
	assert.True(t, kinds[schema.EdgeFailure])
	assert.True(t, kinds[schema.EdgeDefault])
	assert.False(t, kinds[schema.EdgeSuccess])
}

func TestInitialReady_OnlyRootsHaveNoPredecessors(t *testing.T) {
	nodes := []schema.NodeDefinition{{ID: "start"}, {ID: "mid"}, {ID: "end"}}
	edges := []schema.Edge{
		{From: "start", To: "mid", Kind: schema.EdgeDefault},
		{From: "mid", To: "end", Kind: schema.EdgeDefault},
	}
	g := buildGraph(nodes, edges)
	st := newRunState()
	ready := initialReady(g, st)
	assert.Equal(t, []string{"start"}, ready)
}

func TestPropagate_CascadeSkipsDisabledJoin(t *testing.T) {
	// cond --true--> a, cond --false--> b; join requires both a and b.
	nodes := []schema.NodeDefinition{
		{ID: "cond", Type: schema.NodeTypeCondition},
		{ID: "a", Type: schema.NodeTypeNoop},
		{ID: "b", Type: schema.NodeTypeNoop},
		{ID: "join", Type: schema.NodeTypeNoop},
	}
	edges := []schema.Edge{
		{From: "cond", To: "a", Kind: schema.EdgeTrue},
		{From: "cond", To: "b", Kind: schema.EdgeFalse},
		{From: "a", To: "join", Kind: schema.EdgeDefault},
		{From: "b", To: "join", Kind: schema.EdgeDefault},
	}
	g := buildGraph(nodes, edges)
	st := newRunState()
	l := newLineage(nil)

	condResult := &schema.StepResult{Status: schema.NodeStatusSuccess, Outputs: map[string]any{"result": true}}
	st.terminal["cond"] = condResult
	st.started["cond"] = true
	propagate(g, st, "cond", schema.NodeTypeCondition, condResult, l)

	// "b" should have been cascade-skipped since cond only satisfied "true".
	require.NotNil(t, st.terminal["b"])
	assert.Equal(t, schema.NodeStatusSkipped, st.terminal["b"].Status)

	// "a" is enabled but not yet started/terminal: it should appear in nextReady.
	ready := nextReady(g, st)
	assert.Contains(t, ready, "a")
	assert.NotContains(t, ready, "join") // join still waiting on "a"
}

func TestPropagate_JoinRunsOnceAllPredecessorsDecided(t *testing.T) {
	nodes := []schema.NodeDefinition{
		{ID: "a", Type: schema.NodeTypeNoop},
		{ID: "b", Type: schema.NodeTypeNoop},
		{ID: "join", Type: schema.NodeTypeNoop},
	}
	edges := []schema.Edge{
		{From: "a", To: "join", Kind: schema.EdgeDefault},
		{From: "b", To: "join", Kind: schema.EdgeDefault},
	}
	g := buildGraph(nodes, edges)
	st := newRunState()
	l := newLineage(nil)

	aResult := &schema.StepResult{Status: schema.NodeStatusSuccess}
	st.terminal["a"] = aResult
	st.started["a"] = true
	propagate(g, st, "a", schema.NodeTypeNoop, aResult, l)
	assert.NotContains(t, nextReady(g, st), "join")

	bResult := &schema.StepResult{Status: schema.NodeStatusSuccess}
	st.terminal["b"] = bResult
	st.started["b"] = true
	propagate(g, st, "b", schema.NodeTypeNoop, bResult, l)
	assert.Contains(t, nextReady(g, st), "join")
}

func TestPropagate_DoublyEdgedSourceCountsAsOneDistinctPredecessor(t *testing.T) {
	// "src" has both a success and a failure edge into "join" — the
	// "mutually exclusive, counted as one" shape buildGraph's preds already
	// dedups into a single distinct predecessor. "other" is join's second,
	// still-running predecessor. One termination of "src" must not, by
	// itself, fully decide "join": decided must count distinct sources, not
	// edges.
	nodes := []schema.NodeDefinition{
		{ID: "src", Type: schema.NodeTypeNoop},
		{ID: "other", Type: schema.NodeTypeNoop},
		{ID: "join", Type: schema.NodeTypeNoop},
	}
	edges := []schema.Edge{
		{From: "src", To: "join", Kind: schema.EdgeSuccess},
		{From: "src", To: "join", Kind: schema.EdgeFailure},
		{From: "other", To: "join", Kind: schema.EdgeDefault},
	}
	g := buildGraph(nodes, edges)
	require.Len(t, g.preds["join"], 2)
	st := newRunState()
	l := newLineage(nil)

	srcResult := &schema.StepResult{Status: schema.NodeStatusSuccess}
	st.terminal["src"] = srcResult
	st.started["src"] = true
	propagate(g, st, "src", schema.NodeTypeNoop, srcResult, l)

	assert.Equal(t, 1, st.decided["join"])
	assert.Nil(t, st.terminal["join"])
	assert.NotContains(t, nextReady(g, st), "join")

	otherResult := &schema.StepResult{Status: schema.NodeStatusSuccess}
	st.terminal["other"] = otherResult
	st.started["other"] = true
	propagate(g, st, "other", schema.NodeTypeNoop, otherResult, l)

	assert.Equal(t, 2, st.decided["join"])
	assert.Contains(t, nextReady(g, st), "join")
}

func TestRunGraph_LinearSuccessMarksCompleted(t *testing.T) {
	nodes := []schema.NodeDefinition{
		{ID: "start", Type: schema.NodeTypeStart},
		{ID: "mid", Type: schema.NodeTypeNoop},
		{ID: "end", Type: schema.NodeTypeEnd},
	}
	edges := []schema.Edge{
		{From: "start", To: "mid", Kind: schema.EdgeDefault},
		{From: "mid", To: "end", Kind: schema.EdgeDefault},
	}
	def := graphDef{nodes: nodes, edges: edges, levelTimeout: time.Second}
	l := newLineage(nil)
	opts := &RunOptions{Clock: newFakeClock(1), RunIDGenerator: fakeIDGen{id: "r1"}, HTTPClient: newFakeHTTPClient(), DefaultLevelTimeout: time.Second, DefaultNodeWorkers: 4}

	results, status, err := runGraph(context.Background(), def, l, opts)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, status)
	assert.Equal(t, schema.NodeStatusSuccess, results["end"].Status)
}

func TestRunGraph_FailedNonContinueMarksRunFailed(t *testing.T) {
	nodes := []schema.NodeDefinition{
		{ID: "start", Type: schema.NodeTypeStart},
		{ID: "req", Type: schema.NodeTypeHTTPRequest, Config: rawJSON(t, schema.HTTPRequestConfig{URL: "https://api.example.com/down"})},
		{ID: "end", Type: schema.NodeTypeEnd},
	}
	edges := []schema.Edge{
		{From: "start", To: "req", Kind: schema.EdgeDefault},
		{From: "req", To: "end", Kind: schema.EdgeSuccess},
	}
	def := graphDef{nodes: nodes, edges: edges, levelTimeout: time.Second}
	l := newLineage(nil)
	client := newFakeHTTPClient()
	client.enqueue("https://api.example.com/down", fakeHTTPResult{err: errConnRefused})
	opts := &RunOptions{Clock: newFakeClock(1), RunIDGenerator: fakeIDGen{id: "r1"}, HTTPClient: client, DefaultLevelTimeout: time.Second, DefaultNodeWorkers: 4}

	_, status, err := runGraph(context.Background(), def, l, opts)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, status)
}
