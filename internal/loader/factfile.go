package loader

import (
	"errors"
	"fmt"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"gopkg.in/yaml.v3"
)

// FactFile is a YAML or JSON document of serialized facts. A bare list of
// facts is accepted as well.
type FactFile struct {
	DefaultSchema string           `yaml:"default_schema"`
	Facts         []lineage.Record `yaml:"facts"`
}

// ErrNotFactFile is returned for empty documents and for mappings without
// a facts key, such as dbt property files.
var ErrNotFactFile = errors.New("not a fact file")

// ParseFactFile decodes a fact file. JSON documents parse as YAML.
func ParseFactFile(data []byte) (*FactFile, []lineage.Fact, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("invalid fact file: %w", err)
	}
	ff := &FactFile{}
	if len(doc.Content) == 0 {
		return nil, nil, ErrNotFactFile
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&ff.Facts); err != nil {
			return nil, nil, fmt.Errorf("invalid fact list: %w", err)
		}
	case yaml.MappingNode:
		if !hasKey(root, "facts") {
			return nil, nil, ErrNotFactFile
		}
		if err := root.Decode(ff); err != nil {
			return nil, nil, fmt.Errorf("invalid fact file: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("fact file must be a mapping or a list, line %d", root.Line)
	}

	facts := make([]lineage.Fact, 0, len(ff.Facts))
	for i, r := range ff.Facts {
		f, err := r.Fact()
		if err != nil {
			return nil, nil, fmt.Errorf("fact %d: %w", i, err)
		}
		facts = append(facts, f)
	}
	return ff, facts, nil
}

func hasKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}
