package lineage

import (
	"sort"
	"strings"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ResolvedAsset is a registry asset with its live columns.
type ResolvedAsset struct {
	Asset   *core.Asset
	Columns []*core.Column
}

// Column returns the column with the given name (case-insensitive).
func (r ResolvedAsset) Column(name string) (*core.Column, bool) {
	for _, c := range r.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return nil, false
}

// Match is a source column chosen for a target column.
type Match struct {
	// Source indexes MatchInput.Sources.
	Source int
	Column *core.Column
	Kind   core.MatchKind
}

// MatchInput is what a strategy sees when resolving one target column.
type MatchInput struct {
	Target  string
	Shape   QueryShape
	Sources []ResolvedAsset
}

// AliasStrategy resolves a target column that has no exact namesake in any source.
type AliasStrategy interface {
	Name() string
	Resolve(in MatchInput) (Match, bool)
}

// AliasChain tries strategies in order; the first hit wins.
type AliasChain []AliasStrategy

// Resolve runs the chain.
func (c AliasChain) Resolve(in MatchInput) (Match, bool) {
	for _, s := range c {
		if m, ok := s.Resolve(in); ok {
			return m, true
		}
	}
	return Match{}, false
}

// DefaultAliasChain resolves select-list aliases first, then the alias table.
func DefaultAliasChain(table AliasTable) AliasChain {
	chain := AliasChain{SelectAlias{}}
	if len(table) > 0 {
		chain = append(chain, table)
	}
	return chain
}

// SelectAlias follows "expr AS target" in the select list to the columns expr reads.
type SelectAlias struct{}

// Name implements AliasStrategy.
func (SelectAlias) Name() string { return "select_alias" }

// Resolve implements AliasStrategy.
func (SelectAlias) Resolve(in MatchInput) (Match, bool) {
	item, ok := in.Shape.ItemFor(in.Target)
	if !ok || item.Alias == "" {
		return Match{}, false
	}
	for _, ref := range item.Expr.ColumnRefs() {
		preferred := -1
		if ref.Qualifier != "" {
			if rel, ok := in.Shape.Relation(ref.Qualifier); ok {
				preferred = sourceIndex(rel, in.Sources)
			}
		}
		if m, ok := findColumn(ref.Name, in.Sources, preferred); ok {
			m.Kind = core.MatchAlias
			return m, true
		}
	}
	return Match{}, false
}

// AliasTable maps alternative column names to a canonical name, e.g.
// "cust_id" -> "customer_id". Lookups work in both directions.
type AliasTable map[string]string

// NewAliasTable builds a table with case-insensitive keys and values.
func NewAliasTable(m map[string]string) AliasTable {
	t := make(AliasTable, len(m))
	for k, v := range m {
		t[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	return t
}

// Name implements AliasStrategy.
func (AliasTable) Name() string { return "alias_table" }

// Resolve implements AliasStrategy.
func (t AliasTable) Resolve(in MatchInput) (Match, bool) {
	target := strings.ToLower(in.Target)
	if canonical, ok := t[target]; ok {
		if m, ok := findColumn(canonical, in.Sources, -1); ok {
			m.Kind = core.MatchAlias
			return m, true
		}
	}
	var aliases []string
	for alias, canonical := range t {
		if canonical == target {
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		if m, ok := findColumn(alias, in.Sources, -1); ok {
			m.Kind = core.MatchAlias
			return m, true
		}
	}
	return Match{}, false
}

// exactMatch finds a source column named exactly like the target column,
// preferring the source the select list reads it from. A select item that
// reads columns but none of that name is left to the alias chain.
func exactMatch(in MatchInput) (Match, bool) {
	preferred := -1
	if item, ok := in.Shape.ItemFor(in.Target); ok {
		refs := item.Expr.ColumnRefs()
		if len(refs) > 0 && !readsColumn(refs, in.Target) {
			return Match{}, false
		}
		for _, ref := range refs {
			if ref.Qualifier == "" || !strings.EqualFold(ref.Name, in.Target) {
				continue
			}
			if rel, ok := in.Shape.Relation(ref.Qualifier); ok {
				preferred = sourceIndex(rel, in.Sources)
				break
			}
		}
	}
	m, ok := findColumn(in.Target, in.Sources, preferred)
	if ok {
		m.Kind = core.MatchExact
	}
	return m, ok
}

func readsColumn(refs []ColumnRef, name string) bool {
	for _, ref := range refs {
		if strings.EqualFold(ref.Name, name) {
			return true
		}
	}
	return false
}

// findColumn looks name up in the preferred source first, then in source order.
func findColumn(name string, sources []ResolvedAsset, preferred int) (Match, bool) {
	if preferred >= 0 && preferred < len(sources) {
		if c, ok := sources[preferred].Column(name); ok {
			return Match{Source: preferred, Column: c}, true
		}
	}
	for i, s := range sources {
		if c, ok := s.Column(name); ok {
			return Match{Source: i, Column: c}, true
		}
	}
	return Match{}, false
}

// sourceIndex returns the source a relation refers to, or -1.
func sourceIndex(rel Relation, sources []ResolvedAsset) int {
	if rel.Subquery {
		return -1
	}
	for i, s := range sources {
		if s.Asset == nil || !strings.EqualFold(s.Asset.Name, rel.Name) {
			continue
		}
		if rel.Schema == "" || strings.EqualFold(s.Asset.Schema, rel.Schema) {
			return i
		}
	}
	return -1
}
