package loader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/leapstack-labs/leapgraph/pkg/core"
	"gopkg.in/yaml.v3"
)

// FrontmatterConfig represents parsed YAML frontmatter of a SQL file.
// Unknown fields cause parse errors (use Meta for extensions).
type FrontmatterConfig struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description"`
	Materialized string           `yaml:"materialized"` // table, view, incremental
	Schema       string           `yaml:"schema"`
	Tags         []string         `yaml:"tags"`
	Columns      []core.ColumnDef `yaml:"columns"`
	// Sources replaces the relations scanned from the query when set.
	Sources []string       `yaml:"sources"`
	Tier    core.Tier      `yaml:"tier"` // bronze (raw SQL) or silver (compiled)
	Meta    map[string]any `yaml:"meta"`
}

// FrontmatterResult holds the result of frontmatter extraction.
type FrontmatterResult struct {
	Config  *FrontmatterConfig
	SQL     string // SQL content after frontmatter
	HasYAML bool   // Whether frontmatter was found
	// SQLLine is the 1-based line on which the SQL starts.
	SQLLine int
}

// frontmatterPattern matches /*--- ... ---*/ blocks
var frontmatterPattern = regexp.MustCompile(`(?s)^\s*/\*---\s*\n(.*?)\s*---\*/`)

var knownFields = map[string]bool{
	"name":         true,
	"description":  true,
	"materialized": true,
	"schema":       true,
	"tags":         true,
	"columns":      true,
	"sources":      true,
	"tier":         true,
	"meta":         true,
}

// ExtractFrontmatter extracts YAML frontmatter from SQL content.
// Returns the parsed config, remaining SQL, and any error.
func ExtractFrontmatter(content string) (*FrontmatterResult, error) {
	result := &FrontmatterResult{
		Config:  &FrontmatterConfig{},
		SQL:     strings.TrimSpace(content),
		SQLLine: leadingLines(content) + 1,
	}

	loc := frontmatterPattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return result, nil
	}

	result.HasYAML = true
	rest := content[loc[1]:]
	result.SQL = strings.TrimSpace(rest)
	result.SQLLine = strings.Count(content[:loc[1]], "\n") + leadingLines(rest) + 1

	config, err := parseFrontmatterYAML(content[loc[2]:loc[3]])
	if err != nil {
		return nil, err
	}
	result.Config = config
	return result, nil
}

// leadingLines counts the newlines before the first non-blank character.
func leadingLines(s string) int {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	return strings.Count(s[:len(s)-len(trimmed)], "\n")
}

// parseFrontmatterYAML parses YAML content with strict field validation.
func parseFrontmatterYAML(yamlContent string) (*FrontmatterConfig, error) {
	// First, decode into a map to check for unknown fields
	var rawMap map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &rawMap); err != nil {
		return nil, &FrontmatterParseError{
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}
	for field := range rawMap {
		if !knownFields[field] {
			return nil, &UnknownFieldError{Field: field}
		}
	}

	var config FrontmatterConfig
	if err := yaml.Unmarshal([]byte(yamlContent), &config); err != nil {
		return nil, &FrontmatterParseError{
			Message: fmt.Sprintf("failed to parse frontmatter: %v", err),
		}
	}

	switch config.Materialized {
	case "", "table", "view", "incremental":
	default:
		return nil, &FrontmatterParseError{
			Message: fmt.Sprintf("invalid materialized value: %q, must be one of: table, view, incremental", config.Materialized),
		}
	}

	config.Tier = core.Tier(strings.ToLower(string(config.Tier)))
	switch config.Tier {
	case "", core.TierBronze, core.TierSilver:
	default:
		return nil, &FrontmatterParseError{
			Message: fmt.Sprintf("invalid tier value: %q, must be one of: bronze, silver", config.Tier),
		}
	}
	return &config, nil
}

// ApplyDefaults applies default values to a FrontmatterConfig based on file context.
func (c *FrontmatterConfig) ApplyDefaults(filename string) {
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filename, ".sql")
	}
	if c.Materialized == "" {
		c.Materialized = "table"
	}
	if c.Tier == "" {
		c.Tier = core.TierBronze
	}
}

// AssetType maps the materialization to the registered asset type.
func (c *FrontmatterConfig) AssetType() core.AssetType {
	if c.Materialized == "view" {
		return core.AssetTypeView
	}
	return core.AssetTypeModel
}

// FrontmatterParseError represents a frontmatter parsing error.
type FrontmatterParseError struct {
	File    string
	Line    int
	Message string
}

func (e *FrontmatterParseError) Error() string {
	if e.File != "" {
		if e.Line > 0 {
			return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
		}
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

// UnknownFieldError represents an error for unknown frontmatter fields.
type UnknownFieldError struct {
	File  string
	Field string
}

func (e *UnknownFieldError) Error() string {
	msg := fmt.Sprintf("unknown field %q in frontmatter, use \"meta\" field for custom fields", e.Field)
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, msg)
	}
	return msg
}
