package lineage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// AssetRef names an asset as the upstream parser saw it. Schema is optional;
// an unqualified ref is resolved across schemas. Database, when set, names the
// connection the asset lives in.
type AssetRef struct {
	Database    string           `json:"database,omitempty" yaml:"database,omitempty"`
	Schema      string           `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name        string           `json:"name" yaml:"name"`
	Type        core.AssetType   `json:"type,omitempty" yaml:"type,omitempty"`
	Columns     []core.ColumnDef `json:"columns,omitempty" yaml:"columns,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Qualified reports whether the ref carries a schema.
func (r AssetRef) Qualified() bool { return strings.TrimSpace(r.Schema) != "" }

// String returns the ref as written: "db.schema.name", "schema.name" or "name".
func (r AssetRef) String() string {
	if r.Database != "" {
		return r.Database + "." + core.QualifiedName(r.Schema, r.Name)
	}
	return core.QualifiedName(r.Schema, r.Name)
}

// InConnection reports whether the ref can name an asset of connectionID.
// Refs without a database part always can.
func (r AssetRef) InConnection(connectionID string) bool {
	db := strings.TrimSpace(r.Database)
	return db == "" || strings.EqualFold(db, strings.TrimSpace(connectionID))
}

// ParseAssetRef splits "name", "schema.name" or "db.schema.name" into a ref.
// Anything before the schema is kept as the database part.
func ParseAssetRef(s string) AssetRef {
	parts := strings.Split(strings.TrimSpace(s), ".")
	switch n := len(parts); n {
	case 1:
		return AssetRef{Name: parts[0]}
	case 2:
		return AssetRef{Schema: parts[0], Name: parts[1]}
	default:
		return AssetRef{
			Database: strings.Join(parts[:n-2], "."),
			Schema:   parts[n-2],
			Name:     parts[n-1],
		}
	}
}

// FactBase is carried by every fact variant.
type FactBase struct {
	Target           AssetRef
	Sources          []AssetRef
	RelationshipType core.RelationshipType
	OperationType    core.OperationType
	Line             *int
	// PassThrough allows a self-loop, e.g. an incremental materialization.
	PassThrough bool
}

// ColumnPair is an explicit column mapping. Source optionally names the
// source asset; when empty, the first source declaring SourceColumn is used.
type ColumnPair struct {
	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
	SourceColumn string `json:"source_column" yaml:"source_column"`
	TargetColumn string `json:"target_column" yaml:"target_column"`
	Expression   string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Fact is a closed set of tier-specific parse facts.
type Fact interface {
	Base() *FactBase
	Tier() core.Tier
	// SQL returns the fact's SQL text, if any.
	SQL() string
	isFact()
}

// ManifestFact carries explicit column mappings from a manifest.
type ManifestFact struct {
	FactBase
	ColumnMap   []ColumnPair
	CompiledSQL string
}

// CompiledFact carries the compiled SELECT of a model.
type CompiledFact struct {
	FactBase
	CompiledSQL string
}

// HeuristicFact carries raw, possibly templated, SQL.
type HeuristicFact struct {
	FactBase
	RawSQL string
}

func (f *ManifestFact) Base() *FactBase  { return &f.FactBase }
func (f *CompiledFact) Base() *FactBase  { return &f.FactBase }
func (f *HeuristicFact) Base() *FactBase { return &f.FactBase }

func (*ManifestFact) Tier() core.Tier  { return core.TierGold }
func (*CompiledFact) Tier() core.Tier  { return core.TierSilver }
func (*HeuristicFact) Tier() core.Tier { return core.TierBronze }

func (f *ManifestFact) SQL() string  { return f.CompiledSQL }
func (f *CompiledFact) SQL() string  { return f.CompiledSQL }
func (f *HeuristicFact) SQL() string { return f.RawSQL }

func (*ManifestFact) isFact()  {}
func (*CompiledFact) isFact()  {}
func (*HeuristicFact) isFact() {}

// Record is the serialized form of a fact, tagged by tier.
type Record struct {
	Tier             core.Tier             `json:"tier" yaml:"tier"`
	Target           AssetRef              `json:"target" yaml:"target"`
	Sources          []AssetRef            `json:"sources,omitempty" yaml:"sources,omitempty"`
	RelationshipType core.RelationshipType `json:"relationship_type,omitempty" yaml:"relationship_type,omitempty"`
	OperationType    core.OperationType    `json:"operation_type,omitempty" yaml:"operation_type,omitempty"`
	Line             *int                  `json:"line,omitempty" yaml:"line,omitempty"`
	PassThrough      bool                  `json:"pass_through,omitempty" yaml:"pass_through,omitempty"`
	ColumnMap        []ColumnPair          `json:"column_map,omitempty" yaml:"column_map,omitempty"`
	CompiledSQL      string                `json:"compiled_sql,omitempty" yaml:"compiled_sql,omitempty"`
	RawSQL           string                `json:"raw_sql,omitempty" yaml:"raw_sql,omitempty"`
}

// Fact converts the record into its tier variant.
func (r Record) Fact() (Fact, error) {
	if strings.TrimSpace(r.Target.Name) == "" {
		return nil, core.ErrValidation("fact has no target")
	}
	if r.RelationshipType != "" && !r.RelationshipType.Valid() {
		return nil, core.ErrValidation("unknown relationship type %q", r.RelationshipType)
	}
	base := FactBase{
		Target:           r.Target,
		Sources:          r.Sources,
		RelationshipType: r.RelationshipType,
		OperationType:    core.OperationType(strings.ToLower(string(r.OperationType))),
		Line:             r.Line,
		PassThrough:      r.PassThrough,
	}
	switch core.Tier(strings.ToLower(string(r.Tier))) {
	case core.TierGold:
		return &ManifestFact{FactBase: base, ColumnMap: r.ColumnMap, CompiledSQL: r.CompiledSQL}, nil
	case core.TierSilver:
		return &CompiledFact{FactBase: base, CompiledSQL: r.CompiledSQL}, nil
	case core.TierBronze:
		return &HeuristicFact{FactBase: base, RawSQL: r.RawSQL}, nil
	default:
		return nil, core.ErrValidation("unknown fact tier %q", r.Tier)
	}
}

// RecordOf converts a fact into its serialized form.
func RecordOf(f Fact) Record {
	b := f.Base()
	r := Record{
		Tier:             f.Tier(),
		Target:           b.Target,
		Sources:          b.Sources,
		RelationshipType: b.RelationshipType,
		OperationType:    b.OperationType,
		Line:             b.Line,
		PassThrough:      b.PassThrough,
	}
	switch v := f.(type) {
	case *ManifestFact:
		r.ColumnMap = v.ColumnMap
		r.CompiledSQL = v.CompiledSQL
	case *CompiledFact:
		r.CompiledSQL = v.CompiledSQL
	case *HeuristicFact:
		r.RawSQL = v.RawSQL
	}
	return r
}

// EncodeFacts serializes facts into a file payload.
func EncodeFacts(facts []Fact) ([]byte, error) {
	records := make([]Record, len(facts))
	for i, f := range facts {
		records[i] = RecordOf(f)
	}
	return json.Marshal(records)
}

// DecodeFacts parses a file payload produced by EncodeFacts.
func DecodeFacts(data []byte) ([]Fact, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode facts: %w", err)
	}
	facts := make([]Fact, 0, len(records))
	for i, r := range records {
		f, err := r.Fact()
		if err != nil {
			return nil, fmt.Errorf("fact %d: %w", i, err)
		}
		facts = append(facts, f)
	}
	return facts, nil
}
