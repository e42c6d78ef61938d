package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("state_path is required")
	}
	switch c.Output {
	case "auto", "text", "markdown", "json":
	default:
		return fmt.Errorf("invalid output %q, must be one of: auto, text, markdown, json", c.Output)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, must be text or json", c.LogFormat)
	}

	o := c.Orchestrator
	if o.Workers < 1 {
		return fmt.Errorf("orchestrator.workers must be at least 1, got %d", o.Workers)
	}
	if o.LeaseDuration <= 0 {
		return fmt.Errorf("orchestrator.lease_duration must be positive")
	}
	if o.MaxFileRetries < 0 {
		return fmt.Errorf("orchestrator.max_file_retries must not be negative")
	}
	if o.FailureTolerance < 0 || o.FailureTolerance > 1 {
		return fmt.Errorf("orchestrator.failure_tolerance must be within [0, 1], got %g", o.FailureTolerance)
	}
	if t := c.Impact.UncertaintyThreshold; t < 0 || t > 1 {
		return fmt.Errorf("impact.uncertainty_threshold must be within [0, 1], got %g", t)
	}

	seen := make(map[string]bool, len(c.Repositories))
	for i, r := range c.Repositories {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("repositories[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("repositories[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if strings.TrimSpace(r.Connection) == "" {
			return fmt.Errorf("repository %q: connection is required", r.Name)
		}
	}
	return nil
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}
