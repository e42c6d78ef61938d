package core

import (
	"strings"
	"time"
)

// AssetType is the kind of data object an asset represents.
type AssetType string

// Asset type constants.
const (
	AssetTypeTable  AssetType = "table"
	AssetTypeView   AssetType = "view"
	AssetTypeModel  AssetType = "model"
	AssetTypeSeed   AssetType = "seed"
	AssetTypeSource AssetType = "source"
)

// AssetTypes lists every recognised asset type.
var AssetTypes = []AssetType{
	AssetTypeTable,
	AssetTypeView,
	AssetTypeModel,
	AssetTypeSeed,
	AssetTypeSource,
}

// Valid reports whether t is a recognised asset type.
func (t AssetType) Valid() bool {
	for _, v := range AssetTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseAssetType normalises s into an AssetType.
// An empty string maps to AssetTypeModel.
func ParseAssetType(s string) (AssetType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return AssetTypeModel, nil
	}
	t := AssetType(s)
	if !t.Valid() {
		return "", ErrValidation("unrecognized asset type %q", s)
	}
	return t, nil
}

// AssetMetadata is free-form descriptive information about an asset.
type AssetMetadata struct {
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Meta        map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// HasTag reports whether the metadata carries the tag (case-insensitive).
func (m AssetMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Asset is a table, view, model, seed or source.
// It is unique by (ConnectionID, Schema, Name).
type Asset struct {
	ID           string
	Name         string
	Type         AssetType
	Schema       string
	ConnectionID string
	FileID       *string
	Metadata     AssetMetadata
	// Stale is set by reconciliation when the asset was not seen in the latest pass.
	Stale        bool
	LastSeenPass int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QualifiedName returns "schema.name".
func (a *Asset) QualifiedName() string {
	return QualifiedName(a.Schema, a.Name)
}

// QualifiedName joins a schema and a bare name.
func QualifiedName(schema, name string) string {
	if schema == "" {
		return name
	}
	return schema + "." + name
}

// AssetInput carries the identity and metadata for an asset upsert.
type AssetInput struct {
	ConnectionID string
	Schema       string
	Name         string
	Type         AssetType
	Metadata     AssetMetadata
	FileID       *string
}

// Column belongs to exactly one asset. It is unique by (AssetID, Name).
type Column struct {
	ID       string
	AssetID  string
	Name     string
	DataType *string
	// InvalidatedAt is set when a re-extraction no longer declares the column.
	InvalidatedAt *time.Time
}

// ColumnDef is a declared column as supplied by the upstream parser.
type ColumnDef struct {
	Name     string `json:"name" yaml:"name"`
	DataType string `json:"data_type,omitempty" yaml:"data_type,omitempty"`
}
