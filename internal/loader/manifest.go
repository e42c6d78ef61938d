package loader

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ManifestFileName is the file name dbt writes its manifest to.
const ManifestFileName = "manifest.json"

// SourceColumnKey is the column meta key declaring the column's upstream,
// as "relation.column" or "schema.relation.column".
const SourceColumnKey = "source_column"

type manifest struct {
	Nodes   map[string]manifestNode   `json:"nodes"`
	Sources map[string]manifestSource `json:"sources"`
}

type manifestNode struct {
	UniqueID         string                    `json:"unique_id"`
	ResourceType     string                    `json:"resource_type"`
	Name             string                    `json:"name"`
	Alias            string                    `json:"alias"`
	Schema           string                    `json:"schema"`
	Description      string                    `json:"description"`
	OriginalFilePath string                    `json:"original_file_path"`
	RawCode          string                    `json:"raw_code"`
	RawSQL           string                    `json:"raw_sql"`
	CompiledCode     string                    `json:"compiled_code"`
	CompiledSQL      string                    `json:"compiled_sql"`
	Tags             []string                  `json:"tags"`
	Columns          map[string]manifestColumn `json:"columns"`
	DependsOn        struct {
		Nodes []string `json:"nodes"`
	} `json:"depends_on"`
	Config struct {
		Materialized string `json:"materialized"`
	} `json:"config"`
}

type manifestSource struct {
	UniqueID    string                    `json:"unique_id"`
	Name        string                    `json:"name"`
	Identifier  string                    `json:"identifier"`
	Schema      string                    `json:"schema"`
	Description string                    `json:"description"`
	Tags        []string                  `json:"tags"`
	Columns     map[string]manifestColumn `json:"columns"`
}

type manifestColumn struct {
	Name     string         `json:"name"`
	DataType string         `json:"data_type"`
	Meta     map[string]any `json:"meta"`
}

// ManifestEntry is the fact of one manifest node, keyed by the node's
// original file path.
type ManifestEntry struct {
	Path string
	Fact lineage.Fact
}

// ParseManifest reads the model, seed and snapshot nodes of a dbt manifest.
// Nodes whose columns declare their upstream become GOLD facts, nodes with
// compiled code SILVER and the rest BRONZE. Entries are ordered by path.
func ParseManifest(data []byte) ([]ManifestEntry, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var out []ManifestEntry
	for id, n := range m.Nodes {
		if !isManifestAsset(n.ResourceType) {
			continue
		}
		p := n.OriginalFilePath
		if p == "" {
			p = id
		}
		out = append(out, ManifestEntry{Path: path.Clean(p), Fact: m.fact(n)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func isManifestAsset(resourceType string) bool {
	switch resourceType {
	case "model", "seed", "snapshot":
		return true
	}
	return false
}

func (m *manifest) fact(n manifestNode) lineage.Fact {
	base := lineage.FactBase{
		Target: lineage.AssetRef{
			Schema:      n.Schema,
			Name:        n.relation(),
			Type:        nodeType(n),
			Columns:     columnDefs(n.Columns),
			Description: n.Description,
			Tags:        n.Tags,
		},
		OperationType: core.OperationSelect,
		PassThrough:   n.Config.Materialized == "incremental",
	}
	for _, dep := range n.DependsOn.Nodes {
		if ref, ok := m.ref(dep); ok {
			base.Sources = appendRef(base.Sources, ref)
		}
	}

	compiled := firstNonEmpty(n.CompiledCode, n.CompiledSQL)
	if pairs := columnPairs(n.Columns); len(pairs) > 0 {
		return &lineage.ManifestFact{FactBase: base, ColumnMap: pairs, CompiledSQL: compiled}
	}
	if compiled != "" {
		return &lineage.CompiledFact{FactBase: base, CompiledSQL: compiled}
	}
	return &lineage.HeuristicFact{FactBase: base, RawSQL: firstNonEmpty(n.RawCode, n.RawSQL)}
}

// ref maps a depends_on id to an asset reference. Macros and tests are skipped.
func (m *manifest) ref(id string) (lineage.AssetRef, bool) {
	if n, ok := m.Nodes[id]; ok && isManifestAsset(n.ResourceType) {
		return lineage.AssetRef{Schema: n.Schema, Name: n.relation(), Type: nodeType(n)}, true
	}
	if s, ok := m.Sources[id]; ok {
		return lineage.AssetRef{
			Schema:      s.Schema,
			Name:        firstNonEmpty(s.Identifier, s.Name),
			Type:        core.AssetTypeSource,
			Columns:     columnDefs(s.Columns),
			Description: s.Description,
			Tags:        s.Tags,
		}, true
	}
	return lineage.AssetRef{}, false
}

func (n manifestNode) relation() string { return firstNonEmpty(n.Alias, n.Name) }

func nodeType(n manifestNode) core.AssetType {
	switch {
	case n.ResourceType == "seed":
		return core.AssetTypeSeed
	case n.ResourceType == "snapshot":
		return core.AssetTypeTable
	case n.Config.Materialized == "view":
		return core.AssetTypeView
	}
	return core.AssetTypeModel
}

// columnDefs lists manifest columns by name; the manifest keeps them in a map.
func columnDefs(cols map[string]manifestColumn) []core.ColumnDef {
	out := make([]core.ColumnDef, 0, len(cols))
	for key, c := range cols {
		out = append(out, core.ColumnDef{Name: firstNonEmpty(c.Name, key), DataType: c.DataType})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func columnPairs(cols map[string]manifestColumn) []lineage.ColumnPair {
	var out []lineage.ColumnPair
	for key, c := range cols {
		upstream, _ := c.Meta[SourceColumnKey].(string)
		upstream = strings.TrimSpace(upstream)
		if upstream == "" {
			continue
		}
		pair := lineage.ColumnPair{TargetColumn: firstNonEmpty(c.Name, key), SourceColumn: upstream}
		if i := strings.LastIndex(upstream, "."); i >= 0 {
			pair.Source, pair.SourceColumn = upstream[:i], upstream[i+1:]
		}
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetColumn < out[j].TargetColumn })
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
