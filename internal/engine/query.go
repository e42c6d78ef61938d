package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapgraph/internal/dag"
	"github.com/leapstack-labs/leapgraph/internal/impact"
	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ColumnEdge is a stored column lineage row with its names resolved.
type ColumnEdge struct {
	SourceAsset    string                  `json:"source_asset"`
	SourceColumn   string                  `json:"source_column"`
	TargetColumn   string                  `json:"target_column"`
	Transformation core.TransformationType `json:"transformation"`
	Confidence     float64                 `json:"confidence"`
	Tier           core.Tier               `json:"tier"`
	MatchKind      core.MatchKind          `json:"match_kind"`
	LowConfidence  bool                    `json:"low_confidence"`
}

// GetAsset returns an asset by id.
func (e *Engine) GetAsset(ctx context.Context, id string) (*core.Asset, error) {
	return e.registry.GetAsset(ctx, id)
}

// FindAsset resolves "schema.name", or a bare name that is unique within
// the connection, to an asset. A "db.schema.name" ref must name the
// connection itself.
func (e *Engine) FindAsset(ctx context.Context, connectionID, ref string) (*core.Asset, error) {
	r := lineage.ParseAssetRef(ref)
	if strings.TrimSpace(r.Name) == "" {
		return nil, core.ErrValidation("asset reference is required")
	}
	if !r.InConnection(connectionID) {
		return nil, core.ErrValidation("asset %s is outside connection %s", ref, connectionID)
	}
	if r.Qualified() {
		return e.registry.FindAsset(ctx, connectionID, r.Schema, r.Name)
	}
	candidates, err := e.registry.FindAssetsByName(ctx, connectionID, r.Name)
	if err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, core.ErrNotFound("asset not found: %s", r.Name)
	case 1:
		return candidates[0], nil
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.QualifiedName()
	}
	sort.Strings(names)
	return nil, &core.AmbiguousReferenceWarning{Reference: r.Name, Candidates: names}
}

// GetColumnsForAsset returns the asset's columns.
func (e *Engine) GetColumnsForAsset(ctx context.Context, assetID string, includeInvalidated bool) ([]*core.Column, error) {
	return e.registry.GetColumnsForAsset(ctx, assetID, includeInvalidated)
}

// analyzer indexes the graph of every repository bound to the asset's connection.
func (e *Engine) analyzer(ctx context.Context, assetID string) (*impact.Analyzer, error) {
	asset, err := e.registry.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	snap, err := e.store.LoadConnectionGraph(ctx, asset.ConnectionID)
	if err != nil {
		return nil, err
	}
	names, err := e.names(ctx, asset.ConnectionID)
	if err != nil {
		return nil, err
	}
	return impact.NewAnalyzer(impact.Snapshot{Edges: snap.Edges, Names: names}, e.registry, e.impact)
}

// GetUpstream returns the assets assetID depends on, nearest first.
// maxDepth <= 0 is unbounded.
func (e *Engine) GetUpstream(ctx context.Context, assetID string, maxDepth int) ([]impact.Reached, error) {
	a, err := e.analyzer(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return a.Upstream(ctx, assetID, maxDepth)
}

// GetDownstream returns the assets depending on assetID, nearest first.
func (e *Engine) GetDownstream(ctx context.Context, assetID string, maxDepth int) ([]impact.Reached, error) {
	a, err := e.analyzer(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return a.Downstream(ctx, assetID, maxDepth)
}

// GetBlastRadius computes the impact report of changing assetID.
func (e *Engine) GetBlastRadius(ctx context.Context, assetID string) (*impact.Report, error) {
	a, err := e.analyzer(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return a.BlastRadius(ctx, assetID)
}

// repositoryGraph indexes the repository's stored graph plus every asset
// defined by one of its files.
func (e *Engine) repositoryGraph(ctx context.Context, repoID string) (*dag.Graph, *core.GraphSnapshot, error) {
	repo, err := e.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := e.store.LoadGraph(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}
	files, err := e.store.ListSourceFiles(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}
	owned := make(map[string]struct{}, len(files))
	for _, f := range files {
		owned[f.ID] = struct{}{}
	}
	assets, err := e.store.ListAssets(ctx, repo.ConnectionID)
	if err != nil {
		return nil, nil, err
	}

	names := make(map[string]string, len(assets))
	var extra []string
	for _, a := range assets {
		names[a.ID] = a.QualifiedName()
		if a.FileID == nil || a.Stale {
			continue
		}
		if _, ok := owned[*a.FileID]; ok {
			extra = append(extra, a.ID)
		}
	}
	g, err := buildDAG(snap.Edges, extra, names)
	if err != nil {
		return nil, nil, err
	}
	return g, snap, nil
}

// GetExecutionOrder returns the repository's assets with every dependency
// before its dependents. Edges on a cycle are left out of the ordering.
func (e *Engine) GetExecutionOrder(ctx context.Context, repoID string) ([]string, error) {
	g, _, err := e.repositoryGraph(ctx, repoID)
	if err != nil {
		return nil, err
	}
	order, _ := g.TopologicalOrder()
	return order, nil
}

// GetExecutionLevels groups the repository's assets into levels that can
// run in parallel.
func (e *Engine) GetExecutionLevels(ctx context.Context, repoID string) ([][]string, error) {
	g, _, err := e.repositoryGraph(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return g.ExecutionLevels(), nil
}

// GetCircularDependencies returns the cycles recorded by the last graph build.
func (e *Engine) GetCircularDependencies(ctx context.Context, repoID string) ([]core.CircularDependency, error) {
	snap, err := e.store.LoadGraph(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return snap.Cycles, nil
}

// GetAnalysisReport returns the latest analysis report of a repository.
func (e *Engine) GetAnalysisReport(ctx context.Context, repoID string) (*core.AnalysisReport, error) {
	return e.store.GetAnalysisReport(ctx, repoID)
}

// GetColumnLineage returns the column lineage flowing into assetID,
// ordered by target column.
func (e *Engine) GetColumnLineage(ctx context.Context, assetID string) ([]ColumnEdge, error) {
	asset, err := e.registry.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListAssetLineage(ctx, asset.ConnectionID)
	if err != nil {
		return nil, err
	}
	targetCols, err := e.columnNames(ctx, assetID)
	if err != nil {
		return nil, err
	}

	var out []ColumnEdge
	for _, l := range rows {
		if l.TargetAssetID != assetID {
			continue
		}
		src, err := e.registry.GetAsset(ctx, l.SourceAssetID)
		if err != nil {
			return nil, err
		}
		srcCols, err := e.columnNames(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		cols, err := e.store.ListColumnLineage(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			out = append(out, ColumnEdge{
				SourceAsset:    src.QualifiedName(),
				SourceColumn:   srcCols[c.SourceColumnID],
				TargetColumn:   targetCols[c.TargetColumnID],
				Transformation: c.TransformationType,
				Confidence:     c.Confidence,
				Tier:           c.Tier,
				MatchKind:      c.MatchKind,
				LowConfidence:  c.LowConfidence,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TargetColumn != out[j].TargetColumn {
			return out[i].TargetColumn < out[j].TargetColumn
		}
		return out[i].SourceAsset < out[j].SourceAsset
	})
	return out, nil
}

func (e *Engine) columnNames(ctx context.Context, assetID string) (map[string]string, error) {
	cols, err := e.registry.GetColumnsForAsset(ctx, assetID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns of %s: %w", assetID, err)
	}
	out := make(map[string]string, len(cols))
	for _, c := range cols {
		out[c.ID] = c.Name
	}
	return out, nil
}

// QualifiedNames maps asset ids to "schema.name". Unknown ids map to themselves.
func (e *Engine) QualifiedNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		a, err := e.registry.GetAsset(ctx, id)
		if core.IsNotFound(err) {
			out[id] = id
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = a.QualifiedName()
	}
	return out, nil
}
