// Package config provides the configuration types of leapgraph and loads
// them from defaults, leapgraph.yaml, LEAPGRAPH_ environment variables and
// command-line flags.
package config

import "time"

// Config holds all leapgraph configuration options.
type Config struct {
	StatePath string `koanf:"state_path"`
	Verbose   bool   `koanf:"verbose"`
	// Output is text, markdown, json or auto (text on a TTY, markdown otherwise).
	Output    string `koanf:"output"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"` // text or json

	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Impact       ImpactConfig       `koanf:"impact"`
	Lineage      LineageConfig      `koanf:"lineage"`
	Repositories []RepositoryConfig `koanf:"repositories"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`
}

// OrchestratorConfig tunes job leasing and the worker pool.
type OrchestratorConfig struct {
	Workers          int           `koanf:"workers"`
	LeaseDuration    time.Duration `koanf:"lease_duration"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	PollBurst        int           `koanf:"poll_burst"`
	MaxFileRetries   int           `koanf:"max_file_retries"`
	RetryBaseDelay   time.Duration `koanf:"retry_base_delay"`
	FailureTolerance float64       `koanf:"failure_tolerance"`
}

// ImpactConfig tunes blast radius analysis.
type ImpactConfig struct {
	UncertaintyThreshold float64  `koanf:"uncertainty_threshold"`
	CriticalTags         []string `koanf:"critical_tags"`
}

// LineageConfig tunes column matching.
type LineageConfig struct {
	// Aliases maps a column alias to its canonical name.
	Aliases map[string]string `koanf:"aliases"`
}

// RepositoryConfig declares a repository for ingest.
type RepositoryConfig struct {
	Name          string `koanf:"name"`
	Connection    string `koanf:"connection"`
	DefaultSchema string `koanf:"default_schema"`
	Path          string `koanf:"path"`
}

// Repository returns the declared repository with the given name.
func (c *Config) Repository(name string) (RepositoryConfig, bool) {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}
