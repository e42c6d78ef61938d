package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/internal/state"
	"github.com/leapstack-labs/leapgraph/internal/testutil"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

func setupLoader(t *testing.T) (*Loader, *state.SQLiteStore, *core.Repository) {
	t.Helper()
	store := state.NewSQLiteStore()
	require.NoError(t, store.Open(":memory:"))
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { _ = store.Close() })

	repo, err := store.UpsertRepository(context.Background(), &core.Repository{
		Name: "shop", ConnectionID: "warehouse", DefaultSchema: "mart",
	})
	require.NoError(t, err)
	return New(store, testutil.NewTestLogger(t)), store, repo
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func storedPaths(t *testing.T, store *state.SQLiteStore, repo *core.Repository) map[string]*core.SourceFile {
	t.Helper()
	files, err := store.ListSourceFiles(context.Background(), repo.ID)
	require.NoError(t, err)
	out := make(map[string]*core.SourceFile, len(files))
	for _, f := range files {
		out[f.Path] = f
	}
	return out
}

func TestLoader_Load(t *testing.T) {
	l, store, repo := setupLoader(t)
	ctx := context.Background()
	root := t.TempDir()

	writeFile(t, root, "facts/raw.yaml", "default_schema: raw\nfacts:\n  - tier: bronze\n    target: {name: orders}\n    raw_sql: select 1 as id\n")
	writeFile(t, root, "models/stg_orders.sql", "select id from raw.orders")
	writeFile(t, root, "models/schema.yml", "version: 2\nmodels:\n  - name: stg_orders\n")
	writeFile(t, root, "README.md", "# shop")
	writeFile(t, root, ".git/config.json", `[{"tier": "bronze", "target": {"name": "hidden"}}]`)
	writeFile(t, root, "node_modules/pkg/facts.json", `[{"tier": "bronze", "target": {"name": "vendored"}}]`)

	res, err := l.Load(ctx, repo, root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.ElementsMatch(t, []string{"facts/raw.yaml", "models/stg_orders.sql"}, res.Changed)
	assert.Empty(t, res.Skipped)
	assert.True(t, res.Dirty())

	files := storedPaths(t, store, repo)
	require.Len(t, files, 2)
	assert.Equal(t, "raw", files["facts/raw.yaml"].DefaultSchema)
	assert.NotEmpty(t, files["models/stg_orders.sql"].ContentHash)

	facts, err := lineage.DecodeFacts(files["models/stg_orders.sql"].Payload)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "stg_orders", facts[0].Base().Target.Name)
	assert.Equal(t, []lineage.AssetRef{{Schema: "raw", Name: "orders"}}, facts[0].Base().Sources)

	t.Run("unchanged files are not rewritten", func(t *testing.T) {
		res, err := l.Load(ctx, repo, root)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Files)
		assert.Empty(t, res.Changed)
		assert.False(t, res.Dirty())
	})

	t.Run("edited and removed files", func(t *testing.T) {
		writeFile(t, root, "models/stg_orders.sql", "select id, amount from raw.orders")
		require.NoError(t, os.Remove(filepath.Join(root, "facts", "raw.yaml")))

		res, err := l.Load(ctx, repo, root)
		require.NoError(t, err)
		assert.Equal(t, []string{"models/stg_orders.sql"}, res.Changed)
		assert.Equal(t, []string{"facts/raw.yaml"}, res.Removed)
		assert.Equal(t, 1, res.Files)
		assert.Len(t, storedPaths(t, store, repo), 1)
	})
}

func TestLoader_BrokenFileKeepsPreviousFacts(t *testing.T) {
	l, store, repo := setupLoader(t)
	ctx := context.Background()
	root := t.TempDir()

	writeFile(t, root, "models/a.sql", "select 1 as x")
	_, err := l.Load(ctx, repo, root)
	require.NoError(t, err)
	before := storedPaths(t, store, repo)["models/a.sql"]
	require.NotNil(t, before)

	writeFile(t, root, "models/a.sql", "/*---\nunknown_key: 1\n---*/\nselect 1 as x")
	res, err := l.Load(ctx, repo, root)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "models/a.sql", res.Skipped[0].Path)
	var uerr *UnknownFieldError
	assert.True(t, errors.As(res.Skipped[0], &uerr))
	assert.Empty(t, res.Removed)
	assert.Equal(t, 1, res.Files)

	after := storedPaths(t, store, repo)["models/a.sql"]
	require.NotNil(t, after)
	assert.Equal(t, before.ContentHash, after.ContentHash)
}

func TestLoader_ManifestCoversModelFiles(t *testing.T) {
	l, store, repo := setupLoader(t)
	ctx := context.Background()
	root := t.TempDir()

	writeFile(t, root, "shop/target/manifest.json", testManifest)
	writeFile(t, root, "shop/target/compiled/shop/models/staging/stg_orders.sql", "select id from raw.orders")
	writeFile(t, root, "shop/models/staging/stg_orders.sql", "select * from {{ source('raw', 'orders') }}")
	writeFile(t, root, "shop/models/extra.sql", "select 1 as one")

	res, err := l.Load(ctx, repo, root)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	files := storedPaths(t, store, repo)
	assert.Len(t, files, 4)
	for _, p := range []string{
		"shop/models/staging/stg_orders.sql",
		"shop/models/marts/fct_revenue.sql",
		"shop/seeds/countries.csv",
		"shop/models/extra.sql",
	} {
		assert.Contains(t, files, p)
	}

	facts, err := lineage.DecodeFacts(files["shop/models/staging/stg_orders.sql"].Payload)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, core.TierGold, facts[0].Tier(), "the manifest wins over the model file")
}

func TestLoader_InvalidRoot(t *testing.T) {
	l, _, repo := setupLoader(t)
	ctx := context.Background()

	_, err := l.Load(ctx, repo, filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "failed to read repository root")

	file := filepath.Join(t.TempDir(), "file.sql")
	require.NoError(t, os.WriteFile(file, []byte("select 1"), 0o644))
	_, err = l.Load(ctx, repo, file)
	var verr *core.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestContentHash(t *testing.T) {
	a := contentHash("", []byte(`[]`))
	assert.Len(t, a, 16)
	assert.Equal(t, a, contentHash("", []byte(`[]`)))
	assert.NotEqual(t, a, contentHash("mart", []byte(`[]`)))
}

func TestCandidate(t *testing.T) {
	tests := map[string]bool{
		"models/a.sql":              true,
		"models/A.SQL":              true,
		"facts/x.yml":               true,
		"target/manifest.json":      true,
		"target/run_results.json":   false,
		"p/target/compiled/a.sql":   false,
		"README.md":                 false,
		"models/.hidden.sql":        false,
		"seeds/countries.csv":       false,
		"dbt_project/manifest.json": true,
	}
	for rel, want := range tests {
		assert.Equal(t, want, candidate(rel), rel)
	}
}
