package impact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

type assetMap map[string]*core.Asset

func (m assetMap) GetAsset(_ context.Context, id string) (*core.Asset, error) {
	if a, ok := m[id]; ok {
		return a, nil
	}
	return nil, core.ErrNotFound("asset not found: %s", id)
}

func edge(src, dst string, confidence float64) core.GraphEdge {
	return core.GraphEdge{SourceAssetID: src, TargetAssetID: dst, Confidence: confidence}
}

// raw -> stg -> mart -> dash, stg -> finance (low confidence)
func chain(t *testing.T, assets AssetLookup, opts Options) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(Snapshot{Edges: []core.GraphEdge{
		edge("raw", "stg", 0.95),
		edge("stg", "mart", 0.9),
		edge("mart", "dash", 0.9),
		edge("stg", "finance", 0.5),
	}}, assets, opts)
	require.NoError(t, err)
	return a
}

func TestDownstream(t *testing.T) {
	a := chain(t, nil, Options{})
	ctx := context.Background()

	got, err := a.Downstream(ctx, "raw", 0)
	require.NoError(t, err)
	assert.Equal(t, []Reached{
		{AssetID: "stg", Depth: 1},
		{AssetID: "finance", Depth: 2},
		{AssetID: "mart", Depth: 2},
		{AssetID: "dash", Depth: 3},
	}, got)

	got, err = a.Downstream(ctx, "raw", 2)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = a.Downstream(ctx, "dash", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = a.Downstream(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpstream(t *testing.T) {
	a := chain(t, nil, Options{})

	got, err := a.Upstream(context.Background(), "dash", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mart", "stg", "raw"}, ids(got))

	got, err = a.Upstream(context.Background(), "dash", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"mart"}, ids(got))
}

func TestTraversalTerminatesOnCycles(t *testing.T) {
	a, err := NewAnalyzer(Snapshot{Edges: []core.GraphEdge{
		edge("orders", "staging", 1),
		edge("staging", "orders", 1),
		edge("staging", "report", 1),
		edge("report", "report", 1),
	}}, nil, Options{})
	require.NoError(t, err)

	down, err := a.Downstream(context.Background(), "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"staging", "report"}, ids(down), "start node is never part of the result")

	up, err := a.Upstream(context.Background(), "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"staging"}, ids(up))
}

func TestTraversalCancelled(t *testing.T) {
	a := chain(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := a.Downstream(ctx, "raw", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)

	report, err := a.BlastRadius(ctx, "raw")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
}

func TestBlastRadius(t *testing.T) {
	assets := assetMap{
		"dash":    {ID: "dash", Metadata: core.AssetMetadata{Tags: []string{"Critical"}}},
		"finance": {ID: "finance", Metadata: core.AssetMetadata{Tags: []string{"pii"}}},
	}
	a := chain(t, assets, Options{CriticalTags: []string{"critical", "sla"}})

	report, err := a.BlastRadius(context.Background(), "stg")
	require.NoError(t, err)

	assert.Equal(t, "stg", report.AssetID)
	require.Len(t, report.Downstream, 3)
	byID := map[string]Impacted{}
	for _, d := range report.Downstream {
		byID[d.AssetID] = d
	}
	assert.True(t, byID["finance"].Uncertain)
	assert.False(t, byID["mart"].Uncertain)
	assert.True(t, byID["dash"].Critical)
	assert.Equal(t, 2, byID["dash"].Depth)

	assert.Len(t, report.Edges, 3)
	require.Len(t, report.UncertainImpact, 1)
	assert.Equal(t, "finance", report.UncertainImpact[0].TargetAssetID)
	assert.Equal(t, []string{"dash"}, report.CriticalAssets)
	assert.Equal(t, 3*5+1*3, report.RiskScore)

	s := report.Summary("staging.stg")
	assert.Equal(t, core.BlastRadiusSummary{
		AssetID: "stg", QualifiedName: "staging.stg", RiskScore: 18, DownstreamCount: 3, UncertainCount: 1,
	}, s)
}

func TestBlastRadius_ThresholdOption(t *testing.T) {
	a := chain(t, nil, Options{UncertaintyThreshold: 0.92})

	report, err := a.BlastRadius(context.Background(), "raw")
	require.NoError(t, err)
	assert.Len(t, report.UncertainImpact, 3)
	for _, d := range report.Downstream {
		assert.Equal(t, d.AssetID != "stg", d.Uncertain, d.AssetID)
	}
	assert.Empty(t, report.CriticalAssets)
}

func TestBlastRadius_LowConfidenceEdgeIsUncertain(t *testing.T) {
	heuristic := edge("stg", "mart", 0.8)
	heuristic.LowConfidence = true
	a, err := NewAnalyzer(Snapshot{Edges: []core.GraphEdge{edge("raw", "stg", 0.95), heuristic}}, nil, Options{})
	require.NoError(t, err)

	report, err := a.BlastRadius(context.Background(), "raw")
	require.NoError(t, err)
	assert.Equal(t, []core.GraphEdge{heuristic}, report.UncertainImpact)
	assert.Equal(t, []Impacted{{AssetID: "stg", Depth: 1}, {AssetID: "mart", Depth: 2, Uncertain: true}}, report.Downstream)
	assert.Equal(t, RiskScore(2, 1), report.RiskScore)
}

type failingLookup struct{}

func (failingLookup) GetAsset(context.Context, string) (*core.Asset, error) {
	return nil, errors.New("store unavailable")
}

func TestBlastRadius_LookupFailure(t *testing.T) {
	a := chain(t, failingLookup{}, Options{CriticalTags: []string{"critical"}})

	_, err := a.BlastRadius(context.Background(), "mart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestRiskScore(t *testing.T) {
	assert.Equal(t, 0, RiskScore(0, 0))
	assert.Equal(t, 13, RiskScore(2, 1))
	assert.Equal(t, 100, RiskScore(30, 0))
}
