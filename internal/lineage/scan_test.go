package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

func TestTokenize(t *testing.T) {
	toks := Tokenize("SELECT \"Order Id\", `x` FROM s.t -- trailing\n/* block */ WHERE a >= 1.5e3")
	var types []TokenType
	for _, tok := range toks {
		types = append(types, tok.Type)
	}
	assert.Equal(t, []TokenType{
		TokenKeyword, TokenIdent, TokenComma, TokenIdent, TokenKeyword,
		TokenIdent, TokenDot, TokenIdent, TokenKeyword, TokenIdent, TokenOperator, TokenNumber,
	}, types)
	assert.Equal(t, "Order Id", toks[1].Literal)
	assert.Equal(t, ">=", toks[10].Literal)
	assert.Equal(t, "1.5e3", toks[11].Literal)
	assert.Equal(t, 2, toks[8].Line)
	assert.True(t, toks[0].Is("select"))
}

func TestScanQuery_SelectList(t *testing.T) {
	tests := []struct {
		name  string
		sql   string
		want  []string
		alias []string
	}{
		{
			name:  "bare and qualified columns",
			sql:   "select id, o.amount from orders o",
			want:  []string{"id", "amount"},
			alias: []string{"", ""},
		},
		{
			name:  "explicit and implicit aliases",
			sql:   "select sum(amount) as total, cast(x as int) y, case when a then 1 end flag from t",
			want:  []string{"total", "y", "flag"},
			alias: []string{"total", "y", "flag"},
		},
		{
			name:  "nested commas stay in one item",
			sql:   "select coalesce(a, b, c) as v from t",
			want:  []string{"v"},
			alias: []string{"v"},
		},
		{
			name:  "outer select after cte",
			sql:   "with x as (select a from t) select a as b from x",
			want:  []string{"b"},
			alias: []string{"b"},
		},
		{
			name:  "distinct is skipped",
			sql:   "select distinct id from t",
			want:  []string{"id"},
			alias: []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := ScanQuery(tt.sql)
			require.Len(t, q.Items, len(tt.want))
			for i, item := range q.Items {
				assert.Equal(t, tt.want[i], item.OutputName())
				assert.Equal(t, tt.alias[i], item.Alias)
			}
		})
	}
}

func TestScanQuery_Relations(t *testing.T) {
	q := ScanQuery(`
		select o.id, c.name
		from raw.orders as o
		left join customers c on o.customer_id = c.id and c.active
		join (select 1) sub on true
		where o.amount > 0`)

	require.Len(t, q.Relations, 3)
	assert.Equal(t, Relation{Schema: "raw", Name: "orders", Alias: "o"}, q.Relations[0])
	assert.Equal(t, Relation{Name: "customers", Alias: "c", Joined: true}, q.Relations[1])
	assert.True(t, q.Relations[2].Subquery)
	assert.True(t, q.Relations[2].Joined)

	assert.True(t, q.IsJoined("c"))
	assert.True(t, q.IsJoined("customers"))
	assert.False(t, q.IsJoined("o"))
	assert.False(t, q.IsJoined(""))
}

func TestScanQuery_ThreePartRelation(t *testing.T) {
	q := ScanQuery(`select id from db2.raw.orders`)
	require.Len(t, q.Relations, 1)
	assert.Equal(t, Relation{Database: "db2", Schema: "raw", Name: "orders"}, q.Relations[0])
}

func TestScanQuery_TemplateRefs(t *testing.T) {
	q := ScanQuery("select * from {{ ref('stg_orders') }} o, {{ source('raw', 'payments') }}")
	require.Len(t, q.Relations, 2)
	assert.Equal(t, "stg_orders", q.Relations[0].Name)
	assert.Equal(t, "o", q.Relations[0].Alias)
	assert.Equal(t, "raw", q.Relations[1].Schema)
	assert.Equal(t, "payments", q.Relations[1].Name)
}

func TestScanQuery_NoSelect(t *testing.T) {
	q := ScanQuery("not sql at all")
	assert.Empty(t, q.Items)
	assert.Empty(t, q.Relations)
	assert.True(t, q.HasIdentifier("sql"))
}

func TestExpression_ColumnRefs(t *testing.T) {
	refs := ParseExpression("round(o.amount * fx.rate, 2) + cast(tax as numeric) + t.*").ColumnRefs()
	assert.Equal(t, []ColumnRef{
		{Qualifier: "o", Name: "amount"},
		{Qualifier: "fx", Name: "rate"},
		{Name: "tax"},
	}, refs)

	ref, ok := ParseExpression("s.t.col").BareColumn()
	require.True(t, ok)
	assert.Equal(t, ColumnRef{Qualifier: "s.t", Name: "col"}, ref)

	_, ok = ParseExpression("a + b").BareColumn()
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	q := ScanQuery(`
		select
			o.id,
			c.name,
			sum(c.lifetime_value) as ltv,
			case when o.amount > 0 then o.amount end as paid,
			o.amount * 2 as doubled
		from orders o join customers c on o.customer_id = c.id`)

	tests := []struct {
		column string
		source string
		want   core.TransformationType
	}{
		{"id", "orders", core.TransformDirect},
		{"name", "customers", core.TransformJoined},
		{"ltv", "customers", core.TransformAggregated},
		{"paid", "orders", core.TransformFiltered},
		{"doubled", "orders", core.TransformCalculated},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			item, ok := q.ItemFor(tt.column)
			require.True(t, ok)
			assert.Equal(t, tt.want, Classify(item.Expr, q, tt.source))
		})
	}

	t.Run("empty expression", func(t *testing.T) {
		assert.Equal(t, core.TransformDirect, Classify(Expression{}, q, "orders"))
		assert.Equal(t, core.TransformJoined, Classify(Expression{}, q, "customers"))
	})
}

func TestIdentifiers(t *testing.T) {
	ids := Identifiers("SELECT Amount FROM Orders WHERE status = 'Amount'")
	assert.Contains(t, ids, "amount")
	assert.Contains(t, ids, "orders")
	assert.Contains(t, ids, "status")
	assert.Len(t, ids, 3)
}
