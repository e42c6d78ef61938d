package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

type fixedStrategy struct{ m Match }

func (fixedStrategy) Name() string                       { return "fixed" }
func (s fixedStrategy) Resolve(MatchInput) (Match, bool) { return s.m, true }

func TestAliasTable_BothDirections(t *testing.T) {
	table := NewAliasTable(map[string]string{" CUST_ID ": "Customer_ID", "client_id": "customer_id"})
	assert.Equal(t, "customer_id", table["cust_id"])

	canonical := []ResolvedAsset{resolved("raw", "a", "customer_id")}
	m, ok := table.Resolve(MatchInput{Target: "cust_id", Sources: canonical})
	require.True(t, ok)
	assert.Equal(t, core.MatchAlias, m.Kind)
	assert.Equal(t, "customer_id", m.Column.Name)

	aliased := []ResolvedAsset{resolved("raw", "b", "client_id", "cust_id")}
	m, ok = table.Resolve(MatchInput{Target: "customer_id", Sources: aliased})
	require.True(t, ok)
	assert.Equal(t, "client_id", m.Column.Name, "aliases are tried in sorted order")

	_, ok = table.Resolve(MatchInput{Target: "order_id", Sources: aliased})
	assert.False(t, ok)
}

func TestAliasChain_FirstHitWins(t *testing.T) {
	col := &core.Column{Name: "picked"}
	chain := AliasChain{AliasTable{}, fixedStrategy{m: Match{Column: col, Kind: core.MatchAlias}}}

	m, ok := chain.Resolve(MatchInput{Target: "x"})
	require.True(t, ok)
	assert.Same(t, col, m.Column)

	_, ok = AliasChain{}.Resolve(MatchInput{Target: "x"})
	assert.False(t, ok)
}

func TestDefaultAliasChain(t *testing.T) {
	assert.Len(t, DefaultAliasChain(nil), 1)
	chain := DefaultAliasChain(NewAliasTable(map[string]string{"a": "b"}))
	require.Len(t, chain, 2)
	assert.Equal(t, "select_alias", chain[0].Name())
	assert.Equal(t, "alias_table", chain[1].Name())
}

func TestSelectAlias_PrefersQualifiedSource(t *testing.T) {
	orders := resolved("raw", "orders", "id")
	payments := resolved("raw", "payments", "id")
	shape := ScanQuery("select p.id as payment_key from raw.orders o join raw.payments p on o.id = p.order_id")

	m, ok := SelectAlias{}.Resolve(MatchInput{
		Target:  "payment_key",
		Shape:   shape,
		Sources: []ResolvedAsset{orders, payments},
	})
	require.True(t, ok)
	assert.Equal(t, 1, m.Source)
	assert.Equal(t, "raw.payments.id", m.Column.ID)
}

func TestExactMatch_DerivedItemReadsOtherColumns(t *testing.T) {
	orders := []ResolvedAsset{resolved("raw", "orders", "amount", "total")}
	in := MatchInput{
		Target:  "total",
		Shape:   ScanQuery("select o.amount * 2 as total from raw.orders o"),
		Sources: orders,
	}

	_, ok := exactMatch(in)
	assert.False(t, ok, "namesake column is not what the item reads")

	m, ok := DefaultAliasChain(nil).Resolve(in)
	require.True(t, ok)
	assert.Equal(t, core.MatchAlias, m.Kind)
	assert.Equal(t, "raw.orders.amount", m.Column.ID)
}

func TestExactMatch_ItemReadingNamesake(t *testing.T) {
	orders := resolved("raw", "orders", "total")
	refunds := resolved("raw", "refunds", "total")
	cases := map[string]string{
		"select coalesce(r.total, 0) as total from raw.orders o join raw.refunds r on o.id = r.id": "raw.refunds.total",
		"select o.total from raw.orders o": "raw.orders.total",
		"select 0 as total from raw.orders": "raw.orders.total",
	}
	for sql, want := range cases {
		m, ok := exactMatch(MatchInput{Target: "total", Shape: ScanQuery(sql), Sources: []ResolvedAsset{orders, refunds}})
		require.True(t, ok, sql)
		assert.Equal(t, core.MatchExact, m.Kind, sql)
		assert.Equal(t, want, m.Column.ID, sql)
	}
}
