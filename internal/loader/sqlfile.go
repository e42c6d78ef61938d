package loader

import (
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ParseSQLFile turns a SQL model file into one fact. The target is named by
// the frontmatter or the file name; sources are the query's relations
// unless the frontmatter lists them.
func ParseSQLFile(path string, content []byte) (lineage.Fact, error) {
	fm, err := ExtractFrontmatter(string(content))
	if err != nil {
		return nil, withFile(err, path)
	}
	cfg := fm.Config
	cfg.ApplyDefaults(filepath.Base(path))

	if fm.SQL == "" {
		return nil, &FrontmatterParseError{File: path, Message: "file has no query"}
	}

	line := fm.SQLLine
	base := lineage.FactBase{
		Target: lineage.AssetRef{
			Schema:      cfg.Schema,
			Name:        cfg.Name,
			Type:        cfg.AssetType(),
			Columns:     cfg.Columns,
			Description: cfg.Description,
			Tags:        cfg.Tags,
		},
		Sources:       sqlSources(cfg, fm.SQL),
		OperationType: core.OperationSelect,
		Line:          &line,
		PassThrough:   cfg.Materialized == "incremental",
	}
	if cfg.Tier == core.TierSilver {
		return &lineage.CompiledFact{FactBase: base, CompiledSQL: fm.SQL}, nil
	}
	return &lineage.HeuristicFact{FactBase: base, RawSQL: fm.SQL}, nil
}

func sqlSources(cfg *FrontmatterConfig, sql string) []lineage.AssetRef {
	if len(cfg.Sources) > 0 {
		refs := make([]lineage.AssetRef, 0, len(cfg.Sources))
		for _, s := range cfg.Sources {
			refs = appendRef(refs, lineage.ParseAssetRef(s))
		}
		return refs
	}
	var refs []lineage.AssetRef
	for _, r := range lineage.ScanQuery(sql).Relations {
		if r.Subquery || r.Name == "" {
			continue
		}
		refs = appendRef(refs, lineage.AssetRef{Database: r.Database, Schema: r.Schema, Name: r.Name})
	}
	return refs
}

// appendRef adds ref unless an equal one, ignoring case, is already present.
func appendRef(refs []lineage.AssetRef, ref lineage.AssetRef) []lineage.AssetRef {
	if strings.TrimSpace(ref.Name) == "" {
		return refs
	}
	for _, r := range refs {
		if strings.EqualFold(r.String(), ref.String()) {
			return refs
		}
	}
	return append(refs, ref)
}

func withFile(err error, path string) error {
	switch e := err.(type) {
	case *FrontmatterParseError:
		e.File = path
	case *UnknownFieldError:
		e.File = path
	}
	return err
}
