package lineage

import (
	"errors"
	"strings"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ResolvedFact is a fact whose target and sources are registry assets.
// Sources keeps the order of the fact's source refs; unresolved refs are omitted.
type ResolvedFact struct {
	Fact    Fact
	FileID  string
	Target  ResolvedAsset
	Sources []ResolvedAsset
}

// Edge is one table-level lineage row with the column rows it encloses.
// Ids and AssetLineageID are assigned when the edge is stored.
type Edge struct {
	Lineage core.AssetLineage
	Columns []core.ColumnLineage
	// LowConfidence is set when any column row is a heuristic match.
	LowConfidence bool
}

// Result is the output of extracting one fact.
type Result struct {
	Edges []Edge
	// Warnings holds non-fatal findings such as *core.LowConfidenceMatch.
	Warnings []error
}

// Extractor converts resolved facts into lineage rows.
type Extractor struct {
	aliases AliasChain
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithAliasChain replaces the alias strategies used after exact matching fails.
func WithAliasChain(chain AliasChain) Option {
	return func(e *Extractor) { e.aliases = chain }
}

// WithAliasTable installs the default chain over the given alias table.
func WithAliasTable(table map[string]string) Option {
	return func(e *Extractor) { e.aliases = DefaultAliasChain(NewAliasTable(table)) }
}

// NewExtractor creates an extractor. By default only select-list aliases are followed.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{aliases: DefaultAliasChain(nil)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var errNoTarget = errors.New("fact target is not resolved")

// Extract returns one edge per distinct source and the column rows derived
// for the fact's tier. A target column without a resolvable source yields no row.
func (e *Extractor) Extract(in ResolvedFact) (Result, error) {
	if in.Fact == nil {
		return Result{}, errors.New("fact is nil")
	}
	if in.Target.Asset == nil {
		return Result{}, errNoTarget
	}

	var res Result
	base := in.Fact.Base()
	tier := in.Fact.Tier()
	sql := in.Fact.SQL()

	rel := base.RelationshipType
	if rel == "" {
		rel = core.RelationshipReadsFrom
		if strings.TrimSpace(sql) != "" {
			rel = core.RelationshipTransforms
		}
	}
	op := base.OperationType
	if op == "" {
		op = core.OperationSelect
	}

	// edgeOf maps a source index to its edge, or -1 when the edge was rejected.
	edgeOf := make([]int, len(in.Sources))
	seen := make(map[string]int)
	for i, src := range in.Sources {
		edgeOf[i] = -1
		if src.Asset == nil {
			continue
		}
		if j, ok := seen[src.Asset.ID]; ok {
			edgeOf[i] = j
			continue
		}
		if src.Asset.ID == in.Target.Asset.ID && !base.PassThrough {
			res.Warnings = append(res.Warnings, core.ErrValidation(
				"self-loop on %s rejected: not a pass-through", in.Target.Asset.QualifiedName()))
			continue
		}
		edgeOf[i] = len(res.Edges)
		seen[src.Asset.ID] = edgeOf[i]
		res.Edges = append(res.Edges, Edge{Lineage: core.AssetLineage{
			SourceAssetID:       src.Asset.ID,
			TargetAssetID:       in.Target.Asset.ID,
			RelationshipType:    rel,
			OperationType:       op,
			TransformationLogic: sql,
			ConfidenceScore:     UnmatchedConfidence(tier),
			Tier:                tier,
			PassThrough:         base.PassThrough,
			Discoveries:         discoveries(in.FileID, base.Line),
		}})
	}

	var rows []columnRow
	switch f := in.Fact.(type) {
	case *ManifestFact:
		rows = e.explicitRows(f, in)
	case *CompiledFact:
		rows = e.matchedRows(in, ScanQuery(f.CompiledSQL), core.TierSilver)
	case *HeuristicFact:
		rows = e.matchedRows(in, ScanQuery(f.RawSQL), core.TierBronze)
	}

	for _, r := range rows {
		idx := edgeOf[r.source]
		if idx < 0 {
			continue
		}
		res.Edges[idx].Columns = append(res.Edges[idx].Columns, r.row)
		if r.row.LowConfidence {
			res.Edges[idx].LowConfidence = true
			res.Warnings = append(res.Warnings, &core.LowConfidenceMatch{
				TargetColumn: in.Target.Asset.QualifiedName() + "." + r.target,
				SourceColumn: in.Sources[r.source].Asset.QualifiedName() + "." + r.sourceName,
				Confidence:   r.row.Confidence,
			})
		}
	}
	for i := range res.Edges {
		res.Edges[i].Lineage.ConfidenceScore = EdgeConfidence(tier, res.Edges[i].Columns)
	}
	return res, nil
}

type columnRow struct {
	source     int
	target     string
	sourceName string
	row        core.ColumnLineage
}

func discoveries(fileID string, line *int) []core.Discovery {
	if fileID == "" {
		return nil
	}
	return []core.Discovery{{FileID: fileID, Line: line}}
}

// explicitRows uses manifest column pairs directly.
func (e *Extractor) explicitRows(f *ManifestFact, in ResolvedFact) []columnRow {
	shape := ScanQuery(f.CompiledSQL)
	var rows []columnRow
	for _, p := range f.ColumnMap {
		tcol, ok := in.Target.Column(p.TargetColumn)
		if !ok {
			continue
		}

		si := -1
		if p.Source != "" {
			si = sourceByRef(ParseAssetRef(p.Source), in.Sources)
		}
		var m Match
		if si >= 0 {
			c, ok := in.Sources[si].Column(p.SourceColumn)
			if !ok {
				continue
			}
			m = Match{Source: si, Column: c}
		} else if p.Source == "" {
			if m, ok = findColumn(p.SourceColumn, in.Sources, -1); !ok {
				continue
			}
		} else {
			continue
		}

		expr := ParseExpression(p.Expression)
		if expr.Empty() {
			if item, ok := shape.ItemFor(tcol.Name); ok {
				expr = item.Expr
			}
		}
		rows = append(rows, columnRow{
			source:     m.Source,
			target:     tcol.Name,
			sourceName: m.Column.Name,
			row: core.ColumnLineage{
				SourceColumnID:     m.Column.ID,
				TargetColumnID:     tcol.ID,
				TransformationType: Classify(expr, shape, in.Sources[m.Source].Asset.Name),
				Confidence:         ColumnConfidence(core.TierGold, core.MatchExplicit),
				Tier:               core.TierGold,
				MatchKind:          core.MatchExplicit,
			},
		})
	}
	return rows
}

// matchedRows matches every declared target column by name. SILVER matches
// against the compiled select list; BRONZE requires the name to occur as an
// identifier in the raw SQL and flags every row as low confidence.
func (e *Extractor) matchedRows(in ResolvedFact, shape QueryShape, tier core.Tier) []columnRow {
	var rows []columnRow
	for _, tcol := range in.Target.Columns {
		mi := MatchInput{Target: tcol.Name, Shape: shape, Sources: in.Sources}

		var (
			m  Match
			ok bool
		)
		if tier == core.TierSilver || shape.HasIdentifier(tcol.Name) {
			m, ok = exactMatch(mi)
		}
		if ok && tier == core.TierBronze {
			m.Kind = core.MatchToken
		}
		if !ok {
			m, ok = e.aliases.Resolve(mi)
		}
		if !ok {
			continue
		}

		var expr Expression
		if item, found := shape.ItemFor(tcol.Name); found {
			expr = item.Expr
		}
		rows = append(rows, columnRow{
			source:     m.Source,
			target:     tcol.Name,
			sourceName: m.Column.Name,
			row: core.ColumnLineage{
				SourceColumnID:     m.Column.ID,
				TargetColumnID:     tcol.ID,
				TransformationType: Classify(expr, shape, in.Sources[m.Source].Asset.Name),
				Confidence:         ColumnConfidence(tier, m.Kind),
				Tier:               tier,
				MatchKind:          m.Kind,
				LowConfidence:      tier == core.TierBronze,
			},
		})
	}
	return rows
}

// sourceByRef returns the index of the source a column pair names, or -1.
func sourceByRef(ref AssetRef, sources []ResolvedAsset) int {
	for i, s := range sources {
		if s.Asset == nil || !strings.EqualFold(s.Asset.Name, ref.Name) {
			continue
		}
		if !ref.Qualified() || strings.EqualFold(s.Asset.Schema, ref.Schema) {
			return i
		}
	}
	return -1
}

// InferredColumns returns the target columns a fact declares, falling back
// to the output names of the SQL select list.
func InferredColumns(f Fact) []core.ColumnDef {
	if cols := f.Base().Target.Columns; len(cols) > 0 {
		return cols
	}
	sql := f.SQL()
	if strings.TrimSpace(sql) == "" {
		return nil
	}
	var out []core.ColumnDef
	seen := make(map[string]bool)
	for _, item := range ScanQuery(sql).Items {
		name := item.OutputName()
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, core.ColumnDef{Name: name})
	}
	return out
}
