package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/internal/impact"
	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/internal/orchestrator"
	"github.com/leapstack-labs/leapgraph/internal/testutil"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.StatePath = ":memory:"
	cfg.Logger = testutil.NewTestLogger(t)
	cfg.Pool = orchestrator.PoolConfig{
		Workers:        2,
		PollInterval:   time.Millisecond,
		PollBurst:      10,
		MaxFileRetries: 1,
		RetryBaseDelay: time.Millisecond,
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func addRepo(t *testing.T, e *Engine) *core.Repository {
	t.Helper()
	repo, err := e.AddRepository(context.Background(), core.Repository{
		Name:          "analytics",
		ConnectionID:  "warehouse",
		DefaultSchema: "staging",
	})
	require.NoError(t, err)
	return repo
}

func addFile(t *testing.T, e *Engine, repo *core.Repository, path string, facts ...lineage.Fact) *core.SourceFile {
	t.Helper()
	payload, err := lineage.EncodeFacts(facts)
	require.NoError(t, err)
	f, err := e.Store().UpsertSourceFile(context.Background(), &core.SourceFile{
		RepositoryID: repo.ID,
		Path:         path,
		Payload:      payload,
	})
	require.NoError(t, err)
	return f
}

func process(t *testing.T, e *Engine, repo *core.Repository) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.Enqueue(ctx, repo.ID)
	require.NoError(t, err)
	require.NoError(t, e.Drain(ctx))
}

func compiled(target lineage.AssetRef, sql string, sources ...lineage.AssetRef) *lineage.CompiledFact {
	return &lineage.CompiledFact{
		FactBase:    lineage.FactBase{Target: target, Sources: sources},
		CompiledSQL: sql,
	}
}

func cols(names ...string) []core.ColumnDef {
	out := make([]core.ColumnDef, len(names))
	for i, n := range names {
		out[i] = core.ColumnDef{Name: n}
	}
	return out
}

func qualified(t *testing.T, e *Engine, ids []string) []string {
	t.Helper()
	names, err := e.QualifiedNames(context.Background(), ids)
	require.NoError(t, err)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = names[id]
	}
	return out
}

func find(t *testing.T, e *Engine, ref string) *core.Asset {
	t.Helper()
	a, err := e.FindAsset(context.Background(), "warehouse", ref)
	require.NoError(t, err)
	return a
}

// ordersProject is raw.orders -> staging.stg_orders -> staging.fct_revenue.
func ordersProject(t *testing.T, e *Engine, repo *core.Repository) {
	t.Helper()
	addFile(t, e, repo, "models/stg_orders.sql", compiled(
		lineage.AssetRef{Name: "stg_orders", Tags: []string{"critical"}},
		"select id, customer_id, amount as total from raw.orders",
		lineage.AssetRef{Schema: "raw", Name: "orders", Columns: cols("id", "customer_id", "amount")},
	))
	addFile(t, e, repo, "models/fct_revenue.sql", compiled(
		lineage.AssetRef{Name: "fct_revenue"},
		"select customer_id, sum(total) as revenue from stg_orders group by customer_id",
		lineage.AssetRef{Name: "stg_orders"},
	))
}

func TestNew_InvalidStatePath(t *testing.T) {
	_, err := New(Config{StatePath: "/nonexistent/dir/state.db"})
	assert.Error(t, err)
}

func TestAddRepository_Validation(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.AddRepository(ctx, core.Repository{ConnectionID: "warehouse"})
	assert.ErrorAs(t, err, new(*core.ValidationError))
	_, err = e.AddRepository(ctx, core.Repository{Name: "analytics"})
	assert.ErrorAs(t, err, new(*core.ValidationError))

	repo := addRepo(t, e)
	byName, err := e.Repository(ctx, "analytics")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, byName.ID)
	byID, err := e.Repository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "analytics", byID.Name)
}

func TestPipeline_EndToEnd(t *testing.T) {
	e := newTestEngine(t, Config{Impact: impact.Options{CriticalTags: []string{"critical"}}})
	ctx := context.Background()
	repo := addRepo(t, e)
	ordersProject(t, e, repo)
	process(t, e, repo)

	states, err := e.Jobs().Status(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, states, len(core.Phases))
	for _, s := range states {
		assert.Equal(t, core.JobCompleted, s.Status, "%s: %s", s.Phase, s.ErrorDetail)
	}

	raw := find(t, e, "raw.orders")
	stg := find(t, e, "staging.stg_orders")
	fct := find(t, e, "fct_revenue")
	assert.Equal(t, core.AssetTypeSource, raw.Type)
	assert.Equal(t, core.AssetTypeModel, stg.Type)
	require.NotNil(t, stg.FileID)

	columns, err := e.GetColumnsForAsset(ctx, stg.ID, false)
	require.NoError(t, err)
	assert.Len(t, columns, 3)

	up, err := e.GetUpstream(ctx, fct.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []impact.Reached{{AssetID: stg.ID, Depth: 1}, {AssetID: raw.ID, Depth: 2}}, up)

	down, err := e.GetDownstream(ctx, raw.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []impact.Reached{{AssetID: stg.ID, Depth: 1}}, down)

	order, err := e.GetExecutionOrder(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw.orders", "staging.stg_orders", "staging.fct_revenue"}, qualified(t, e, order))

	levels, err := e.GetExecutionLevels(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, levels, 3)

	lin, err := e.GetColumnLineage(ctx, fct.ID)
	require.NoError(t, err)
	require.Len(t, lin, 2)
	assert.Equal(t, "customer_id", lin[0].TargetColumn)
	assert.Equal(t, core.TransformDirect, lin[0].Transformation)
	assert.Equal(t, core.MatchExact, lin[0].MatchKind)
	assert.Equal(t, "revenue", lin[1].TargetColumn)
	assert.Equal(t, "total", lin[1].SourceColumn)
	assert.Equal(t, "staging.stg_orders", lin[1].SourceAsset)
	assert.Equal(t, core.TransformAggregated, lin[1].Transformation)
	assert.Equal(t, core.MatchAlias, lin[1].MatchKind)
	assert.LessOrEqual(t, lin[1].Confidence, 0.90)

	report, err := e.GetAnalysisReport(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.FileCount)
	assert.Equal(t, 2, report.EdgeCount)
	assert.Equal(t, 3, report.AssetCount)
	assert.Zero(t, report.CycleCount)
	assert.InDelta(t, 0.006, report.ComplexityScore, 1e-9)
	require.Len(t, report.BlastRadius, 1)
	assert.Equal(t, "staging.stg_orders", report.BlastRadius[0].QualifiedName)
	assert.Equal(t, 1, report.BlastRadius[0].DownstreamCount)
	assert.InDelta(t, 5.0, report.BlastRadius[0].RiskScore, 1e-9)

	br, err := e.GetBlastRadius(ctx, raw.ID)
	require.NoError(t, err)
	assert.Len(t, br.Downstream, 2)
	assert.Equal(t, []string{stg.ID}, br.CriticalAssets)
}

func TestPipeline_CircularDependencyIsStored(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	repo := addRepo(t, e)
	addFile(t, e, repo, "models/orders.sql", compiled(
		lineage.AssetRef{Schema: "mart", Name: "orders"}, "select * from mart.staging",
		lineage.AssetRef{Schema: "mart", Name: "staging"}))
	addFile(t, e, repo, "models/staging.sql", compiled(
		lineage.AssetRef{Schema: "mart", Name: "staging"}, "select * from mart.orders",
		lineage.AssetRef{Schema: "mart", Name: "orders"}))
	process(t, e, repo)

	cycles, err := e.GetCircularDependencies(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"mart.orders", "mart.staging", "mart.orders"}, qualified(t, e, cycles[0].Path))

	snap, err := e.Store().LoadGraph(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, snap.Edges, 2)
	for _, edge := range snap.Edges {
		assert.True(t, edge.InCycle)
	}

	order, err := e.GetExecutionOrder(ctx, repo.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mart.orders", "mart.staging"}, qualified(t, e, order))

	report, err := e.GetAnalysisReport(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CycleCount)
}

func TestPipeline_ReprocessMarksStaleAssets(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	repo := addRepo(t, e)
	addFile(t, e, repo, "a.sql", compiled(lineage.AssetRef{Schema: "mart", Name: "a"}, "select id from raw.src",
		lineage.AssetRef{Schema: "raw", Name: "src"}))
	addFile(t, e, repo, "b.sql", compiled(lineage.AssetRef{Schema: "mart", Name: "b"}, "select id from mart.a",
		lineage.AssetRef{Schema: "mart", Name: "a"}))
	process(t, e, repo)

	addFile(t, e, repo, "b.sql", compiled(lineage.AssetRef{Schema: "mart", Name: "c"}, "select id from mart.a",
		lineage.AssetRef{Schema: "mart", Name: "a"}))
	require.NoError(t, e.Reprocess(ctx, repo.ID))
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(dctx))

	assert.True(t, find(t, e, "mart.b").Stale, "b is no longer defined")
	assert.False(t, find(t, e, "mart.a").Stale)
	assert.False(t, find(t, e, "mart.c").Stale)

	report, err := e.GetAnalysisReport(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleCount)

	order, err := e.GetExecutionOrder(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw.src", "mart.a", "mart.c"}, qualified(t, e, order))
}

func TestPipeline_RepositoriesSharingConnectionKeepEachOthersAssets(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	shop := addRepo(t, e)
	finance, err := e.AddRepository(ctx, core.Repository{Name: "finance", ConnectionID: "warehouse", DefaultSchema: "fin"})
	require.NoError(t, err)

	addFile(t, e, finance, "b_model.sql", compiled(lineage.AssetRef{Name: "b_model"}, "select id from raw.src",
		lineage.AssetRef{Schema: "raw", Name: "src"}))
	process(t, e, finance)

	addFile(t, e, shop, "a.sql", compiled(lineage.AssetRef{Schema: "mart", Name: "a"}, "select id from raw.src",
		lineage.AssetRef{Schema: "raw", Name: "src"}))
	addFile(t, e, shop, "old.sql", compiled(lineage.AssetRef{Schema: "mart", Name: "old"}, "select id from mart.a",
		lineage.AssetRef{Schema: "mart", Name: "a"}))
	process(t, e, shop)

	addFile(t, e, shop, "old.sql", compiled(lineage.AssetRef{Schema: "mart", Name: "renamed"}, "select id from mart.a",
		lineage.AssetRef{Schema: "mart", Name: "a"}))
	require.NoError(t, e.Reprocess(ctx, shop.ID))
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(dctx))

	assert.False(t, find(t, e, "fin.b_model").Stale, "finance's latest pass still defines b_model")
	assert.False(t, find(t, e, "raw.src").Stale)
	assert.False(t, find(t, e, "mart.a").Stale)
	assert.True(t, find(t, e, "mart.old").Stale)

	report, err := e.GetAnalysisReport(ctx, shop.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleCount)
	assert.Equal(t, 3, report.AssetCount, "raw.src, mart.a and mart.renamed")

	order, err := e.GetExecutionOrder(ctx, finance.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw.src", "fin.b_model"}, qualified(t, e, order))

	shopRepo, err := e.Repository(ctx, shop.ID)
	require.NoError(t, err)
	finRepo, err := e.Repository(ctx, finance.ID)
	require.NoError(t, err)
	assert.NotEqual(t, finRepo.CurrentPass, shopRepo.CurrentPass)
}

func TestBlastRadius_HeuristicEdgesAreUncertain(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	repo := addRepo(t, e)
	addFile(t, e, repo, "models/events.sql", &lineage.HeuristicFact{
		FactBase: lineage.FactBase{
			Target:  lineage.AssetRef{Schema: "mart", Name: "events", Columns: cols("payload")},
			Sources: []lineage.AssetRef{{Schema: "raw", Name: "clicks", Columns: cols("id")}},
		},
		RawSQL: "select {{ parse(body) }} as payload from raw.clicks",
	})
	addFile(t, e, repo, "models/sessions.sql", &lineage.HeuristicFact{
		FactBase: lineage.FactBase{
			Target:  lineage.AssetRef{Schema: "mart", Name: "sessions", Columns: cols("id")},
			Sources: []lineage.AssetRef{{Schema: "raw", Name: "clicks"}},
		},
		RawSQL: "select id from raw.clicks",
	})
	process(t, e, repo)

	snap, err := e.Store().LoadGraph(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, snap.Edges, 2)
	byTarget := map[string]core.GraphEdge{}
	for _, edge := range snap.Edges {
		byTarget[qualified(t, e, []string{edge.TargetAssetID})[0]] = edge
	}
	assert.InDelta(t, 0.50, byTarget["mart.events"].Confidence, 1e-9, "no column matched")
	assert.False(t, byTarget["mart.events"].LowConfidence)
	assert.True(t, byTarget["mart.sessions"].LowConfidence)

	br, err := e.GetBlastRadius(ctx, find(t, e, "raw.clicks").ID)
	require.NoError(t, err)
	assert.Len(t, br.Downstream, 2)
	assert.Len(t, br.UncertainImpact, 2)
	for _, d := range br.Downstream {
		assert.True(t, d.Uncertain)
	}
	assert.Equal(t, impact.RiskScore(2, 2), br.RiskScore)
}

func TestPipeline_CollaboratorFailureHaltsLaterPhases(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	docs := CollaboratorFunc(func(_ context.Context, repo *core.Repository, f *core.SourceFile) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, repo.Name+":"+f.Path)
		return nil
	})
	vectors := CollaboratorFunc(func(_ context.Context, _ *core.Repository, f *core.SourceFile) error {
		if f.Path == "models/fct_revenue.sql" {
			return orchestrator.Permanent(errors.New("embedding service rejected file"))
		}
		return nil
	})

	e := newTestEngine(t, Config{Documentation: docs, Vectors: vectors})
	ctx := context.Background()
	repo := addRepo(t, e)
	ordersProject(t, e, repo)
	process(t, e, repo)

	assert.ElementsMatch(t, []string{"analytics:models/stg_orders.sql", "analytics:models/fct_revenue.sql"}, seen)

	states, err := e.Jobs().Status(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, states[0].Status)
	assert.Equal(t, core.JobFailed, states[1].Status)
	assert.Contains(t, states[1].ErrorDetail, "embedding service rejected file")
	assert.Equal(t, core.JobPending, states[2].Status)

	_, err = e.FindAsset(ctx, "warehouse", "staging.stg_orders")
	assert.True(t, core.IsNotFound(err), "lineage must not run after a failed phase")
}

func TestPipeline_UndecodableFileFails(t *testing.T) {
	e := newTestEngine(t, Config{FailureTolerance: 0.5})
	ctx := context.Background()
	repo := addRepo(t, e)
	ordersProject(t, e, repo)
	_, err := e.Store().UpsertSourceFile(ctx, &core.SourceFile{
		RepositoryID: repo.ID, Path: "broken.json", Payload: []byte(`[{"tier":"platinum","target":{"name":"x"}}]`),
	})
	require.NoError(t, err)
	process(t, e, repo)

	states, err := e.Jobs().Status(ctx, repo.ID)
	require.NoError(t, err)
	lineageStatus := states[core.PhaseLineage.Index()]
	assert.Equal(t, 1, lineageStatus.FailedFiles)
	assert.Equal(t, 3, lineageStatus.TotalFiles)
	assert.Equal(t, core.JobCompleted, lineageStatus.Status, "one of three within tolerance")
	assert.Equal(t, core.JobCompleted, states[len(states)-1].Status)
}

func TestFindAsset(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	for _, schema := range []string{"raw", "staging"} {
		_, err := e.Registry().UpsertAsset(ctx, core.AssetInput{ConnectionID: "warehouse", Schema: schema, Name: "orders"})
		require.NoError(t, err)
	}

	_, err := e.FindAsset(ctx, "warehouse", "orders")
	var amb *core.AmbiguousReferenceWarning
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, []string{"raw.orders", "staging.orders"}, amb.Candidates)

	a, err := e.FindAsset(ctx, "warehouse", "RAW.Orders")
	require.NoError(t, err)
	assert.Equal(t, "raw", a.Schema)

	a, err = e.FindAsset(ctx, "warehouse", "warehouse.raw.orders")
	require.NoError(t, err)
	assert.Equal(t, "raw", a.Schema)
	_, err = e.FindAsset(ctx, "warehouse", "db2.raw.orders")
	assert.ErrorAs(t, err, new(*core.ValidationError))

	_, err = e.FindAsset(ctx, "warehouse", "missing")
	assert.True(t, core.IsNotFound(err))
	_, err = e.FindAsset(ctx, "warehouse", " ")
	assert.ErrorAs(t, err, new(*core.ValidationError))
}

func TestSnapshot_MergesRowsPerPair(t *testing.T) {
	rows := []*core.AssetLineage{
		{SourceAssetID: "s", TargetAssetID: "t", RelationshipType: core.RelationshipReadsFrom,
			OperationType: core.OperationSelect, ConfidenceScore: 0.7,
			Discoveries: []core.Discovery{{FileID: "f1"}}},
		{SourceAssetID: "s", TargetAssetID: "t", RelationshipType: core.RelationshipTransforms,
			OperationType: core.OperationInsert, ConfidenceScore: 0.95,
			Discoveries: []core.Discovery{{FileID: "f2"}}},
	}
	snap, err := snapshot(rows, nil, nil, map[string]string{"s": "raw.s", "t": "mart.t"})
	require.NoError(t, err)
	require.Len(t, snap.Edges, 1)
	edge := snap.Edges[0]
	assert.Equal(t, core.RelationshipTransforms, edge.DependencyType)
	assert.InDelta(t, 0.95, edge.Confidence, 1e-9)
	assert.Equal(t, []string{"insert", "reads_from", "select", "transforms"}, edge.Reasons)
	assert.Equal(t, []string{"f1"}, edge.FileIDs)
	assert.False(t, edge.InCycle)
	assert.Empty(t, snap.Cycles)
}
