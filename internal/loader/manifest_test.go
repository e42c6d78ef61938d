package loader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

const testManifest = `{
  "metadata": {"dbt_schema_version": "https://schemas.getdbt.com/dbt/manifest/v12.json"},
  "nodes": {
    "model.shop.stg_orders": {
      "unique_id": "model.shop.stg_orders",
      "resource_type": "model",
      "name": "stg_orders",
      "schema": "staging",
      "original_file_path": "models/staging/stg_orders.sql",
      "raw_code": "select * from {{ source('raw', 'orders') }}",
      "compiled_code": "select id, amount from raw.orders",
      "tags": ["critical"],
      "config": {"materialized": "view"},
      "depends_on": {"nodes": ["source.shop.raw.orders", "macro.dbt.run_query"]},
      "columns": {
        "id": {"name": "id", "data_type": "bigint", "meta": {"source_column": "raw.orders.id"}},
        "amount": {"name": "amount", "meta": {}}
      }
    },
    "model.shop.fct_revenue": {
      "unique_id": "model.shop.fct_revenue",
      "resource_type": "model",
      "name": "fct_revenue",
      "alias": "revenue",
      "schema": "mart",
      "original_file_path": "models/marts/fct_revenue.sql",
      "raw_code": "select sum(amount) as total from {{ ref('stg_orders') }}",
      "config": {"materialized": "incremental"},
      "depends_on": {"nodes": ["model.shop.stg_orders"]}
    },
    "seed.shop.countries": {
      "unique_id": "seed.shop.countries",
      "resource_type": "seed",
      "name": "countries",
      "schema": "staging",
      "original_file_path": "seeds/countries.csv"
    },
    "test.shop.not_null_id": {
      "unique_id": "test.shop.not_null_id",
      "resource_type": "test",
      "name": "not_null_id"
    }
  },
  "sources": {
    "source.shop.raw.orders": {
      "unique_id": "source.shop.raw.orders",
      "name": "orders",
      "identifier": "orders_v2",
      "schema": "raw",
      "columns": {"id": {"name": "id"}, "amount": {"name": "amount", "data_type": "numeric"}}
    }
  }
}`

func TestParseManifest(t *testing.T) {
	entries, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	assert.Equal(t, []string{
		"models/marts/fct_revenue.sql",
		"models/staging/stg_orders.sql",
		"seeds/countries.csv",
	}, paths)

	t.Run("column meta makes a gold fact", func(t *testing.T) {
		m, ok := entries[1].Fact.(*lineage.ManifestFact)
		require.True(t, ok)
		assert.Equal(t, lineage.AssetRef{
			Schema:  "staging",
			Name:    "stg_orders",
			Type:    core.AssetTypeView,
			Columns: []core.ColumnDef{{Name: "amount"}, {Name: "id", DataType: "bigint"}},
			Tags:    []string{"critical"},
		}, m.Target)
		assert.Equal(t, []lineage.ColumnPair{{Source: "raw.orders", SourceColumn: "id", TargetColumn: "id"}}, m.ColumnMap)
		assert.Equal(t, "select id, amount from raw.orders", m.CompiledSQL)

		require.Len(t, m.Sources, 1, "macro dependencies are skipped")
		src := m.Sources[0]
		assert.Equal(t, "raw", src.Schema)
		assert.Equal(t, "orders_v2", src.Name)
		assert.Equal(t, core.AssetTypeSource, src.Type)
		assert.Equal(t, []core.ColumnDef{{Name: "amount", DataType: "numeric"}, {Name: "id"}}, src.Columns)
	})

	t.Run("raw code only makes a bronze fact", func(t *testing.T) {
		h, ok := entries[0].Fact.(*lineage.HeuristicFact)
		require.True(t, ok)
		assert.Equal(t, "revenue", h.Target.Name)
		assert.True(t, h.PassThrough)
		assert.Equal(t, []lineage.AssetRef{{Schema: "staging", Name: "stg_orders", Type: core.AssetTypeView}}, h.Sources)
	})

	t.Run("seed", func(t *testing.T) {
		assert.Equal(t, core.AssetTypeSeed, entries[2].Fact.Base().Target.Type)
	})
}

func TestParseManifest_Invalid(t *testing.T) {
	_, err := ParseManifest([]byte(`{"nodes": [`))
	assert.ErrorContains(t, err, "invalid manifest")
}

func TestParseFactFile(t *testing.T) {
	t.Run("document", func(t *testing.T) {
		data := []byte(`
default_schema: mart
facts:
  - tier: gold
    target: {name: customers}
    sources: [{schema: raw, name: users}]
    column_map:
      - {source_column: id, target_column: customer_id}
  - tier: bronze
    target: {name: orders}
    raw_sql: select * from raw.orders
`)
		ff, facts, err := ParseFactFile(data)
		require.NoError(t, err)
		assert.Equal(t, "mart", ff.DefaultSchema)
		require.Len(t, facts, 2)
		assert.Equal(t, core.TierGold, facts[0].Tier())
		assert.Equal(t, core.TierBronze, facts[1].Tier())
		assert.Equal(t, "select * from raw.orders", facts[1].SQL())
	})

	t.Run("json list", func(t *testing.T) {
		data := []byte(`[{"tier": "silver", "target": {"schema": "mart", "name": "x"}, "compiled_sql": "select 1 as a"}]`)
		ff, facts, err := ParseFactFile(data)
		require.NoError(t, err)
		assert.Empty(t, ff.DefaultSchema)
		require.Len(t, facts, 1)
		assert.Equal(t, core.TierSilver, facts[0].Tier())
	})

	t.Run("property file is not a fact file", func(t *testing.T) {
		_, _, err := ParseFactFile([]byte("version: 2\nmodels:\n  - name: orders\n"))
		assert.True(t, errors.Is(err, ErrNotFactFile))
		_, _, err = ParseFactFile([]byte(""))
		assert.True(t, errors.Is(err, ErrNotFactFile))
	})

	t.Run("invalid fact", func(t *testing.T) {
		_, _, err := ParseFactFile([]byte("facts:\n  - tier: platinum\n    target: {name: x}\n"))
		var verr *core.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.ErrorContains(t, err, "fact 0")
	})

	t.Run("scalar document", func(t *testing.T) {
		_, _, err := ParseFactFile([]byte("just text"))
		assert.ErrorContains(t, err, "mapping or a list")
	})
}
