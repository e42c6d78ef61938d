package config

import "time"

// Default configuration values.
const (
	DefaultStateFile        = ".leapgraph/state.db"
	DefaultOutput           = "auto"
	DefaultLogLevel         = "warn"
	DefaultLogFormat        = "text"
	DefaultWorkers          = 4
	DefaultLeaseDuration    = 2 * time.Minute
	DefaultPollInterval     = time.Second
	DefaultPollBurst        = 1
	DefaultMaxFileRetries   = 3
	DefaultRetryBaseDelay   = 200 * time.Millisecond
	DefaultFailureTolerance = 0.0
	DefaultUncertainty      = 0.7
	DefaultCriticalTag      = "critical"
)

// Defaults returns the default values keyed by their koanf path.
func Defaults() map[string]any {
	return map[string]any{
		"state_path":                     DefaultStateFile,
		"verbose":                        false,
		"output":                         DefaultOutput,
		"log_level":                      DefaultLogLevel,
		"log_format":                     DefaultLogFormat,
		"orchestrator.workers":           DefaultWorkers,
		"orchestrator.lease_duration":    DefaultLeaseDuration.String(),
		"orchestrator.poll_interval":     DefaultPollInterval.String(),
		"orchestrator.poll_burst":        DefaultPollBurst,
		"orchestrator.max_file_retries":  DefaultMaxFileRetries,
		"orchestrator.retry_base_delay":  DefaultRetryBaseDelay.String(),
		"orchestrator.failure_tolerance": DefaultFailureTolerance,
		"impact.uncertainty_threshold":   DefaultUncertainty,
		"impact.critical_tags":           []string{DefaultCriticalTag},
	}
}
