package core

import "time"

// Tier is the extraction confidence class of a lineage fact.
type Tier string

// Tier constants, from most to least trusted.
const (
	// TierGold is lineage read from explicit manifest column mappings.
	TierGold Tier = "gold"
	// TierSilver is lineage matched against compiled SQL.
	TierSilver Tier = "silver"
	// TierBronze is lineage matched heuristically against raw SQL tokens.
	TierBronze Tier = "bronze"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierGold || t == TierSilver || t == TierBronze
}

// RelationshipType classifies a table-level lineage edge.
type RelationshipType string

// Relationship type constants.
const (
	RelationshipReadsFrom  RelationshipType = "reads_from"
	RelationshipTransforms RelationshipType = "transforms"
	RelationshipWritesTo   RelationshipType = "writes_to"
)

// Valid reports whether r is a known relationship type.
func (r RelationshipType) Valid() bool {
	return r == RelationshipReadsFrom || r == RelationshipTransforms || r == RelationshipWritesTo
}

// OperationType is the SQL operation that produced an edge.
type OperationType string

// Operation type constants.
const (
	OperationSelect OperationType = "select"
	OperationInsert OperationType = "insert"
	OperationMerge  OperationType = "merge"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationCreate OperationType = "create"
)

// TransformationType describes how a source column becomes a target column.
type TransformationType string

// Transformation type constants.
const (
	TransformDirect     TransformationType = "direct"
	TransformCalculated TransformationType = "calculated"
	TransformAggregated TransformationType = "aggregated"
	TransformJoined     TransformationType = "joined"
	TransformFiltered   TransformationType = "filtered"
)

// MatchKind records how a column lineage row was matched.
type MatchKind string

// Match kind constants.
const (
	MatchExplicit MatchKind = "explicit"
	MatchExact    MatchKind = "exact"
	MatchAlias    MatchKind = "alias"
	MatchToken    MatchKind = "token"
)

// Discovery records where an edge was found.
type Discovery struct {
	FileID string `json:"file_id"`
	Line   *int   `json:"line,omitempty"`
}

// AssetLineage is a table-level edge from SourceAssetID to TargetAssetID.
// Rows are unique by (source, target, relationship type); rediscovery merges Discoveries.
type AssetLineage struct {
	ID                  string
	SourceAssetID       string
	TargetAssetID       string
	RelationshipType    RelationshipType
	OperationType       OperationType
	TransformationLogic string
	ConfidenceScore     float64
	Tier                Tier
	PassThrough         bool
	Discoveries         []Discovery
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FileIDs returns the distinct files that discovered the edge, in discovery order.
func (l *AssetLineage) FileIDs() []string {
	seen := make(map[string]struct{}, len(l.Discoveries))
	out := make([]string, 0, len(l.Discoveries))
	for _, d := range l.Discoveries {
		if _, ok := seen[d.FileID]; ok {
			continue
		}
		seen[d.FileID] = struct{}{}
		out = append(out, d.FileID)
	}
	return out
}

// ColumnLineage is a column-level edge scoped to an enclosing AssetLineage.
type ColumnLineage struct {
	ID                 string
	AssetLineageID     string
	SourceColumnID     string
	TargetColumnID     string
	TransformationType TransformationType
	Confidence         float64
	Tier               Tier
	MatchKind          MatchKind
	// LowConfidence flags heuristic matches for downstream filtering.
	LowConfidence bool
}

// GraphEdge is a derived dependency edge, one per ordered asset pair.
type GraphEdge struct {
	SourceAssetID  string
	TargetAssetID  string
	DependencyType RelationshipType
	// Reasons merges the relationship and operation types of every contributing row.
	Reasons    []string
	FileIDs    []string
	Confidence float64
	// LowConfidence is set when a contributing row carries heuristic column matches.
	LowConfidence bool
	InCycle       bool
}

// CircularDependency is a cycle in the dependency graph.
// Path repeats its first asset at the end, e.g. [a, b, a].
type CircularDependency struct {
	Path []string
}
