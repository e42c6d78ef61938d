package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/leapstack-labs/leapgraph/internal/dag"
	"github.com/leapstack-labs/leapgraph/internal/impact"
	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/internal/orchestrator"
	"github.com/leapstack-labs/leapgraph/internal/resolver"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// BuildGraph resolves every file of the repository, stores the extracted
// table and column lineage and replaces the repository's graph snapshot.
// Store write failures are wrapped with orchestrator.Abort.
func (e *Engine) BuildGraph(ctx context.Context, repo *core.Repository) (*core.GraphSnapshot, error) {
	log := e.logger.With("repository", repo.Name)

	files, err := e.store.ListSourceFiles(ctx, repo.ID)
	if err != nil {
		return nil, orchestrator.Abort(err)
	}
	in := resolver.Input{ConnectionID: repo.ConnectionID, Pass: repo.CurrentPass}
	for _, f := range files {
		facts, err := lineage.DecodeFacts(f.Payload)
		if err != nil {
			log.Warn("skipping undecodable file", "file", f.Path, "error", err)
			continue
		}
		in.Files = append(in.Files, resolver.FileFacts{
			FileID:        f.ID,
			DefaultSchema: f.EffectiveSchema(repo),
			Facts:         facts,
		})
	}

	resolved, err := e.resolver.Resolve(ctx, in)
	if err != nil {
		return nil, permanentIfInvalid(err)
	}
	for _, w := range resolved.Warnings {
		log.Warn("reference not bound", "warning", w)
	}

	var rows []*core.AssetLineage
	low := make(map[[2]string]bool)
	for _, rf := range resolved.Facts {
		res, err := e.extractor.Extract(rf)
		if err != nil {
			log.Warn("fact skipped", "file_id", rf.FileID, "error", err)
			continue
		}
		for _, w := range res.Warnings {
			log.Warn("extraction warning", "file_id", rf.FileID, "warning", w)
		}
		for _, edge := range res.Edges {
			stored, err := e.storeEdge(ctx, edge)
			if err != nil {
				return nil, err
			}
			rows = append(rows, stored)
			if edge.LowConfidence {
				low[[2]string{stored.SourceAssetID, stored.TargetAssetID}] = true
			}
		}
	}

	names, err := e.names(ctx, repo.ConnectionID)
	if err != nil {
		return nil, orchestrator.Abort(err)
	}
	snap, err := snapshot(rows, resolved.Edges, low, names)
	if err != nil {
		return nil, err
	}
	snap.BuiltAt = e.now()
	for _, c := range snap.Cycles {
		log.Warn("circular dependency", "warning", &core.CircularDependencyDetected{Path: qualify(c.Path, names)})
	}

	if err := e.store.ReplaceGraph(ctx, repo.ID, snap); err != nil {
		return nil, orchestrator.Abort(err)
	}
	log.Info("dependency graph built", "edges", len(snap.Edges), "cycles", len(snap.Cycles))
	return snap, nil
}

func (e *Engine) storeEdge(ctx context.Context, edge lineage.Edge) (*core.AssetLineage, error) {
	stored, err := e.store.UpsertAssetLineage(ctx, &edge.Lineage)
	if err != nil {
		return nil, orchestrator.Abort(err)
	}
	for _, c := range edge.Columns {
		c.AssetLineageID = stored.ID
		if _, err := e.store.UpsertColumnLineage(ctx, &c); err != nil {
			return nil, orchestrator.Abort(err)
		}
	}
	return stored, nil
}

// snapshot merges lineage rows into one graph edge per ordered pair and
// flags the edges lying on a cycle. FileIDs come from the resolver edges
// of the current run; low lists the pairs extracted with heuristic column
// matches.
func snapshot(rows []*core.AssetLineage, edges []resolver.Edge, low map[[2]string]bool, names map[string]string) (*core.GraphSnapshot, error) {
	files := make(map[[2]string][]string, len(edges))
	for _, e := range edges {
		files[[2]string{e.SourceAssetID, e.TargetAssetID}] = e.FileIDs
	}

	index := make(map[[2]string]int)
	var out []core.GraphEdge
	for _, l := range rows {
		key := [2]string{l.SourceAssetID, l.TargetAssetID}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, core.GraphEdge{
				SourceAssetID:  l.SourceAssetID,
				TargetAssetID:  l.TargetAssetID,
				DependencyType: l.RelationshipType,
				Confidence:     l.ConfidenceScore,
				LowConfidence:  low[key],
				FileIDs:        files[key],
			})
		}
		ge := &out[i]
		if l.ConfidenceScore > ge.Confidence {
			ge.Confidence = l.ConfidenceScore
			ge.DependencyType = l.RelationshipType
		}
		ge.Reasons = addReason(ge.Reasons, string(l.RelationshipType))
		ge.Reasons = addReason(ge.Reasons, string(l.OperationType))
		if len(ge.FileIDs) == 0 {
			ge.FileIDs = l.FileIDs()
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if names[a.SourceAssetID] != names[b.SourceAssetID] {
			return names[a.SourceAssetID] < names[b.SourceAssetID]
		}
		return names[a.TargetAssetID] < names[b.TargetAssetID]
	})

	g, err := buildDAG(out, nil, names)
	if err != nil {
		return nil, err
	}
	_, cycles := g.TopologicalOrder()
	onCycle := dag.CycleEdges(cycles)
	for i := range out {
		out[i].InCycle = onCycle[[2]string{out[i].SourceAssetID, out[i].TargetAssetID}]
	}
	return &core.GraphSnapshot{Edges: out, Cycles: cycles}, nil
}

func addReason(reasons []string, r string) []string {
	if r == "" {
		return reasons
	}
	i := sort.SearchStrings(reasons, r)
	if i < len(reasons) && reasons[i] == r {
		return reasons
	}
	reasons = append(reasons, "")
	copy(reasons[i+1:], reasons[i:])
	reasons[i] = r
	return reasons
}

// buildDAG indexes the edges plus any extra isolated assets.
func buildDAG(edges []core.GraphEdge, extra []string, names map[string]string) (*dag.Graph, error) {
	seen := make(map[string]struct{})
	var nodes []dag.Node
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		nodes = append(nodes, dag.Node{ID: id, Name: names[id]})
	}
	links := make([]dag.Edge, len(edges))
	for i, e := range edges {
		add(e.SourceAssetID)
		add(e.TargetAssetID)
		links[i] = dag.Edge{Source: e.SourceAssetID, Target: e.TargetAssetID}
	}
	for _, id := range extra {
		add(id)
	}
	g, err := dag.Build(nodes, links)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}
	return g, nil
}

// Analyze scores the repository from its stored graph, computes the blast
// radius of every critical asset and reconciles assets not seen in the
// current pass as stale.
func (e *Engine) Analyze(ctx context.Context, repo *core.Repository) (*core.AnalysisReport, error) {
	snap, err := e.store.LoadGraph(ctx, repo.ID)
	if err != nil {
		return nil, orchestrator.Abort(err)
	}
	files, err := e.store.ListSourceFiles(ctx, repo.ID)
	if err != nil {
		return nil, orchestrator.Abort(err)
	}
	assets, err := e.store.ListAssets(ctx, repo.ConnectionID)
	if err != nil {
		return nil, orchestrator.Abort(err)
	}
	byID := make(map[string]*core.Asset, len(assets))
	names := make(map[string]string, len(assets))
	for _, a := range assets {
		byID[a.ID] = a
		names[a.ID] = a.QualifiedName()
	}

	analyzer, err := impact.NewAnalyzer(impact.Snapshot{Edges: snap.Edges, Names: names}, e.registry, e.impact)
	if err != nil {
		return nil, err
	}

	report := &core.AnalysisReport{
		RepositoryID:    repo.ID,
		ComplexityScore: dag.ComplexityScore(len(files), len(snap.Edges), len(snap.Cycles)),
		FileCount:       len(files),
		EdgeCount:       len(snap.Edges),
		CycleCount:      len(snap.Cycles),
	}
	for _, id := range analyzer.Graph().Nodes() {
		a, ok := byID[id]
		if !ok || !impact.IsCritical(a, e.impact.CriticalTags) {
			continue
		}
		br, err := analyzer.BlastRadius(ctx, id)
		if err != nil {
			return nil, err
		}
		report.BlastRadius = append(report.BlastRadius, br.Summary(names[id]))
	}

	stale, err := e.registry.Reconcile(ctx, repo.ConnectionID, repo.CurrentPass)
	if err != nil {
		return nil, orchestrator.Abort(err)
	}
	report.StaleCount = int(stale)
	if repo.CurrentPass == 0 {
		report.AssetCount = len(assets)
	} else {
		seen, err := e.store.CountAssetsSeen(ctx, repo.ConnectionID, repo.CurrentPass)
		if err != nil {
			return nil, orchestrator.Abort(err)
		}
		report.AssetCount = int(seen)
	}
	report.GeneratedAt = e.now()

	e.logger.Info("repository analyzed",
		"repository", repo.Name,
		"complexity", report.ComplexityScore,
		"critical_assets", len(report.BlastRadius),
		"stale", report.StaleCount)
	return report, nil
}

// names maps the connection's asset ids to qualified names.
func (e *Engine) names(ctx context.Context, connectionID string) (map[string]string, error) {
	assets, err := e.store.ListAssets(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(assets))
	for _, a := range assets {
		out[a.ID] = a.QualifiedName()
	}
	return out, nil
}

func qualify(ids []string, names map[string]string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if n, ok := names[id]; ok {
			out[i] = n
			continue
		}
		out[i] = id
	}
	return out
}

func permanentIfInvalid(err error) error {
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		return orchestrator.Permanent(err)
	}
	return err
}
