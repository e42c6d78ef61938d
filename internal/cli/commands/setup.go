// Package commands implements the leapgraph subcommands.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/cli/output"
	"github.com/leapstack-labs/leapgraph/internal/config"
	"github.com/leapstack-labs/leapgraph/internal/engine"
	"github.com/leapstack-labs/leapgraph/internal/impact"
	"github.com/leapstack-labs/leapgraph/internal/orchestrator"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

type (
	configKey struct{}
	loggerKey struct{}
)

// WithConfig stores the loaded configuration in ctx.
func WithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// WithLogger stores the command logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetConfig retrieves the config from the command context, or the defaults.
func GetConfig(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	cfg, _, err := config.Load("", nil)
	if err != nil {
		return &config.Config{StatePath: config.DefaultStateFile, Output: config.DefaultOutput}
	}
	return cfg
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Engine   *engine.Engine
	Renderer *output.Renderer
}

// NewCommandContext creates a CommandContext with engine and renderer.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cctx := NewCommandContextWithoutEngine(cmd)
	eng, err := createEngine(cctx.Cfg, cctx.Logger)
	if err != nil {
		return nil, nil, err
	}
	cctx.Engine = eng
	return cctx, func() { _ = eng.Close() }, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without an engine.
func NewCommandContextWithoutEngine(cmd *cobra.Command) *CommandContext {
	cfg := GetConfig(cmd.Context())
	return &CommandContext{
		Cfg:      cfg,
		Logger:   GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.Output)),
	}
}

// EngineConfig translates the configuration into an engine configuration.
func EngineConfig(cfg *config.Config, logger *slog.Logger) engine.Config {
	o := cfg.Orchestrator
	return engine.Config{
		StatePath:        cfg.StatePath,
		Logger:           logger,
		LeaseDuration:    o.LeaseDuration,
		FailureTolerance: o.FailureTolerance,
		Pool: orchestrator.PoolConfig{
			Workers:        o.Workers,
			PollInterval:   o.PollInterval,
			PollBurst:      o.PollBurst,
			MaxFileRetries: o.MaxFileRetries,
			RetryBaseDelay: o.RetryBaseDelay,
		},
		Aliases: cfg.Lineage.Aliases,
		Impact: impact.Options{
			UncertaintyThreshold: cfg.Impact.UncertaintyThreshold,
			CriticalTags:         cfg.Impact.CriticalTags,
		},
	}
}

func createEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	// Ensure state directory exists
	if cfg.StatePath != ":memory:" {
		stateDir := filepath.Dir(cfg.StatePath)
		if stateDir != "." && stateDir != "" {
			if err := os.MkdirAll(stateDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
	}
	return engine.New(EngineConfig(cfg, logger))
}

// repositoryFlag registers --repo on a command.
func repositoryFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "repo", "r", "", "Repository name (default: the only configured or ingested repository)")
}

// resolveRepository finds the repository named by --repo. Without a name, the
// only stored repository is used.
func resolveRepository(ctx context.Context, eng *engine.Engine, name string) (*core.Repository, error) {
	if name != "" {
		return eng.Repository(ctx, name)
	}
	repos, err := eng.Store().ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	switch len(repos) {
	case 0:
		return nil, core.ErrNotFound("no repository has been ingested, run leapgraph ingest first")
	case 1:
		return repos[0], nil
	}
	return nil, core.ErrValidation("%d repositories are ingested, choose one with --repo", len(repos))
}

// resolveAsset finds an asset of the repository's connection by
// "schema.name" or unique bare name.
func resolveAsset(ctx context.Context, eng *engine.Engine, repo *core.Repository, ref string) (*core.Asset, error) {
	a, err := eng.FindAsset(ctx, repo.ConnectionID, ref)
	if err != nil {
		return nil, fmt.Errorf("asset %q: %w", ref, err)
	}
	return a, nil
}
