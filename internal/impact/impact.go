// Package impact answers upstream, downstream and blast-radius questions
// over a point-in-time dependency edge snapshot.
package impact

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/leapgraph/internal/dag"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// DefaultUncertaintyThreshold is the edge confidence below which impact is uncertain.
const DefaultUncertaintyThreshold = 0.7

// AssetLookup loads assets to check their tags.
type AssetLookup interface {
	GetAsset(ctx context.Context, id string) (*core.Asset, error)
}

// Options configures blast-radius analysis.
type Options struct {
	UncertaintyThreshold float64
	CriticalTags         []string
}

// Snapshot is the edge set to analyze. Names maps asset ids to qualified
// names and orders results; ids without a name sort by id.
type Snapshot struct {
	Edges []core.GraphEdge
	Names map[string]string
}

// Reached is an asset found by a traversal.
type Reached struct {
	AssetID string `json:"asset_id"`
	Depth   int    `json:"depth"`
}

// Impacted is a downstream asset in a blast-radius report.
type Impacted struct {
	AssetID   string `json:"asset_id"`
	Depth     int    `json:"depth"`
	Uncertain bool   `json:"uncertain"`
	Critical  bool   `json:"critical"`
}

// Report is the blast radius of one asset.
type Report struct {
	AssetID    string           `json:"asset_id"`
	Downstream []Impacted       `json:"downstream"`
	Edges      []core.GraphEdge `json:"edges"`
	// UncertainImpact lists contributing edges that are low confidence or
	// below the threshold.
	UncertainImpact []core.GraphEdge `json:"uncertain_impact"`
	CriticalAssets  []string         `json:"critical_assets"`
	RiskScore       int              `json:"risk_score"`
}

// Summary condenses the report for an analysis report.
func (r *Report) Summary(qualifiedName string) core.BlastRadiusSummary {
	uncertain := 0
	for _, d := range r.Downstream {
		if d.Uncertain {
			uncertain++
		}
	}
	return core.BlastRadiusSummary{
		AssetID:         r.AssetID,
		QualifiedName:   qualifiedName,
		RiskScore:       float64(r.RiskScore),
		DownstreamCount: len(r.Downstream),
		UncertainCount:  uncertain,
	}
}

// Analyzer traverses a snapshot. It is safe for concurrent use.
type Analyzer struct {
	graph  *dag.Graph
	edges  map[[2]string]core.GraphEdge
	assets AssetLookup
	opts   Options
}

// NewAnalyzer indexes the snapshot. assets may be nil, in which case no
// asset is reported as critical.
func NewAnalyzer(s Snapshot, assets AssetLookup, opts Options) (*Analyzer, error) {
	if opts.UncertaintyThreshold <= 0 {
		opts.UncertaintyThreshold = DefaultUncertaintyThreshold
	}

	seen := make(map[string]struct{})
	var nodes []dag.Node
	edges := make([]dag.Edge, 0, len(s.Edges))
	index := make(map[[2]string]core.GraphEdge, len(s.Edges))
	addNode := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		nodes = append(nodes, dag.Node{ID: id, Name: s.Names[id]})
	}
	for _, e := range s.Edges {
		addNode(e.SourceAssetID)
		addNode(e.TargetAssetID)
		edges = append(edges, dag.Edge{Source: e.SourceAssetID, Target: e.TargetAssetID})
		key := [2]string{e.SourceAssetID, e.TargetAssetID}
		if prev, ok := index[key]; !ok || e.Confidence > prev.Confidence {
			index[key] = e
		}
	}

	g, err := dag.Build(nodes, edges)
	if err != nil {
		return nil, fmt.Errorf("failed to index edges: %w", err)
	}
	return &Analyzer{graph: g, edges: index, assets: assets, opts: opts}, nil
}

// Graph returns the underlying dependency graph.
func (a *Analyzer) Graph() *dag.Graph { return a.graph }

// Upstream returns the assets assetID depends on, nearest first.
// maxDepth <= 0 means unbounded. The start asset is never included.
func (a *Analyzer) Upstream(ctx context.Context, assetID string, maxDepth int) ([]Reached, error) {
	return a.bfs(ctx, assetID, maxDepth, a.graph.Parents, nil)
}

// Downstream returns the assets depending on assetID, nearest first.
func (a *Analyzer) Downstream(ctx context.Context, assetID string, maxDepth int) ([]Reached, error) {
	return a.bfs(ctx, assetID, maxDepth, a.graph.Children, nil)
}

// bfs walks next from start. follow, when set, filters the edges taken
// (from, to). A cancelled context discards the partial result.
func (a *Analyzer) bfs(ctx context.Context, start string, maxDepth int, next func(string) []string, follow func(from, to string) bool) ([]Reached, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !a.graph.Has(start) {
		return []Reached{}, nil
	}
	visited := map[string]bool{start: true}
	out := []Reached{}
	frontier := []string{start}
	for depth := 1; len(frontier) > 0 && (maxDepth <= 0 || depth <= maxDepth); depth++ {
		var level []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, n := range next(id) {
				if visited[n] || (follow != nil && !follow(id, n)) {
					continue
				}
				visited[n] = true
				level = append(level, n)
				out = append(out, Reached{AssetID: n, Depth: depth})
			}
		}
		frontier = level
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// BlastRadius reports every downstream asset of assetID with the edges that
// carry the impact. Assets reachable only through uncertain edges are
// marked uncertain.
func (a *Analyzer) BlastRadius(ctx context.Context, assetID string) (*Report, error) {
	reached, err := a.Downstream(ctx, assetID, 0)
	if err != nil {
		return nil, err
	}
	certain, err := a.bfs(ctx, assetID, 0, a.graph.Children, func(from, to string) bool {
		return !a.uncertain(a.edges[[2]string{from, to}])
	})
	if err != nil {
		return nil, err
	}
	certainSet := make(map[string]bool, len(certain))
	for _, r := range certain {
		certainSet[r.AssetID] = true
	}

	report := &Report{
		AssetID:         assetID,
		Downstream:      make([]Impacted, 0, len(reached)),
		Edges:           []core.GraphEdge{},
		UncertainImpact: []core.GraphEdge{},
		CriticalAssets:  []string{},
	}

	affected := map[string]bool{assetID: true}
	for _, r := range reached {
		affected[r.AssetID] = true
	}
	for _, id := range append([]string{assetID}, ids(reached)...) {
		for _, child := range a.graph.Children(id) {
			if !affected[child] {
				continue
			}
			e := a.edges[[2]string{id, child}]
			report.Edges = append(report.Edges, e)
			if a.uncertain(e) {
				report.UncertainImpact = append(report.UncertainImpact, e)
			}
		}
	}

	for _, r := range reached {
		critical, err := a.isCritical(ctx, r.AssetID)
		if err != nil {
			return nil, err
		}
		if critical {
			report.CriticalAssets = append(report.CriticalAssets, r.AssetID)
		}
		report.Downstream = append(report.Downstream, Impacted{
			AssetID:   r.AssetID,
			Depth:     r.Depth,
			Uncertain: !certainSet[r.AssetID],
			Critical:  critical,
		})
	}

	report.RiskScore = RiskScore(len(report.Downstream), len(report.UncertainImpact))
	return report, nil
}

// uncertain reports whether impact through e is in doubt: the edge carries
// heuristic column matches or falls below the threshold.
func (a *Analyzer) uncertain(e core.GraphEdge) bool {
	return e.LowConfidence || e.Confidence < a.opts.UncertaintyThreshold
}

func (a *Analyzer) isCritical(ctx context.Context, id string) (bool, error) {
	if a.assets == nil || len(a.opts.CriticalTags) == 0 {
		return false, nil
	}
	asset, err := a.assets.GetAsset(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load asset %s: %w", id, err)
	}
	return IsCritical(asset, a.opts.CriticalTags), nil
}

// IsCritical reports whether the asset carries any of the tags.
func IsCritical(asset *core.Asset, tags []string) bool {
	for _, t := range tags {
		if asset.Metadata.HasTag(t) {
			return true
		}
	}
	return false
}

// RiskScore is min(100, downstream*5 + lowConfidenceEdges*3).
func RiskScore(downstream, lowConfidenceEdges int) int {
	return min(100, downstream*5+lowConfidenceEdges*3)
}

func ids(rs []Reached) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.AssetID
	}
	return out
}
