// Package engine wires the registry, resolver, extractor, graph builder and
// orchestrator into one lineage engine. It registers the phase handlers of
// the processing pipeline and exposes the read-only graph query surface.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/leapgraph/internal/impact"
	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/internal/orchestrator"
	"github.com/leapstack-labs/leapgraph/internal/registry"
	"github.com/leapstack-labs/leapgraph/internal/resolver"
	"github.com/leapstack-labs/leapgraph/internal/state"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// Engine is the lineage and dependency graph engine.
type Engine struct {
	store     core.Store
	ownsStore bool
	logger    *slog.Logger
	now       func() time.Time

	registry  *registry.Registry
	resolver  *resolver.Resolver
	extractor *lineage.Extractor
	jobs      *orchestrator.Service
	pool      *orchestrator.Pool
	impact    impact.Options
}

// Config holds engine configuration.
type Config struct {
	// StatePath is the path to the SQLite state database. ":memory:" keeps it in memory.
	StatePath string
	// Store is used instead of opening StatePath when set. The engine does not close it.
	Store core.Store
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger

	LeaseDuration    time.Duration
	FailureTolerance float64
	Pool             orchestrator.PoolConfig

	// Aliases maps column aliases to canonical column names for SILVER matching.
	Aliases map[string]string
	Impact  impact.Options

	// Documentation and Vectors handle the collaborator phases. Nil
	// acknowledges every file without doing anything.
	Documentation Collaborator
	Vectors       Collaborator

	// Clock replaces time.Now for job leases and reports.
	Clock func() time.Time
}

// New creates an engine and registers its phase handlers.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store := cfg.Store
	owns := false
	if store == nil {
		s := state.NewSQLiteStore()
		if err := s.Open(cfg.StatePath); err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		if err := s.InitSchema(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize state schema: %w", err)
		}
		store, owns = s, true
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	reg := registry.New(store, logger.With("component", "registry"))
	jobs := orchestrator.NewService(store, logger.With("component", "jobs"),
		orchestrator.WithLeaseDuration(cfg.LeaseDuration),
		orchestrator.WithFailureTolerance(cfg.FailureTolerance),
		orchestrator.WithClock(now),
	)

	e := &Engine{
		store:     store,
		ownsStore: owns,
		logger:    logger,
		now:       now,
		registry:  reg,
		resolver:  resolver.New(reg, logger.With("component", "resolver")),
		extractor: lineage.NewExtractor(lineage.WithAliasTable(cfg.Aliases)),
		jobs:      jobs,
		pool:      orchestrator.NewPool(jobs, cfg.Pool, logger.With("component", "pool")),
		impact:    cfg.Impact,
	}

	e.pool.Register(core.PhaseDocumentation, e.collaboratorPhase(core.PhaseDocumentation, cfg.Documentation))
	e.pool.Register(core.PhaseVectors, e.collaboratorPhase(core.PhaseVectors, cfg.Vectors))
	e.pool.Register(core.PhaseLineage, &lineagePhase{e: e})
	e.pool.Register(core.PhaseDependencies, &dependenciesPhase{e: e})
	e.pool.Register(core.PhaseAnalysis, &analysisPhase{e: e})

	logger.Debug("engine initialized", "state_path", cfg.StatePath)
	return e, nil
}

// Close releases the state store if the engine opened it.
func (e *Engine) Close() error {
	if e.ownsStore {
		return e.store.Close()
	}
	return nil
}

// Store returns the underlying state store.
func (e *Engine) Store() core.Store { return e.store }

// Registry returns the asset registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Jobs returns the job lifecycle service.
func (e *Engine) Jobs() *orchestrator.Service { return e.jobs }

// Pool returns the worker pool.
func (e *Engine) Pool() *orchestrator.Pool { return e.pool }

// AddRepository registers or updates a repository by name.
func (e *Engine) AddRepository(ctx context.Context, repo core.Repository) (*core.Repository, error) {
	repo.Name = strings.TrimSpace(repo.Name)
	repo.ConnectionID = strings.TrimSpace(repo.ConnectionID)
	repo.DefaultSchema = strings.TrimSpace(repo.DefaultSchema)
	if repo.Name == "" {
		return nil, core.ErrValidation("repository name is required")
	}
	if repo.ConnectionID == "" {
		return nil, core.ErrValidation("repository %q needs a connection", repo.Name)
	}
	return e.store.UpsertRepository(ctx, &repo)
}

// Repository looks a repository up by name, then by id.
func (e *Engine) Repository(ctx context.Context, nameOrID string) (*core.Repository, error) {
	repo, err := e.store.GetRepositoryByName(ctx, nameOrID)
	if err == nil || !core.IsNotFound(err) {
		return repo, err
	}
	return e.store.GetRepository(ctx, nameOrID)
}

// Enqueue creates the pipeline jobs of a repository.
func (e *Engine) Enqueue(ctx context.Context, repoID string) ([]*core.Job, error) {
	return e.jobs.EnqueueRepository(ctx, repoID)
}

// Reprocess requeues every phase from the lineage phase on, so changed
// files are re-extracted without rerunning the collaborator phases.
// A repository without jobs is enqueued instead.
func (e *Engine) Reprocess(ctx context.Context, repoID string) error {
	jobs, err := e.jobs.EnqueueRepository(ctx, repoID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Phase == core.PhaseLineage && j.Status == core.JobPending {
			return nil
		}
	}
	_, err = e.jobs.ResetPipeline(ctx, repoID, core.PhaseLineage)
	return err
}

// Drain works jobs until none is runnable.
func (e *Engine) Drain(ctx context.Context) error { return e.pool.Drain(ctx) }

// Run works jobs until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error { return e.pool.Run(ctx) }
