package engine

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/internal/orchestrator"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// Collaborator processes one file for an external phase such as
// documentation generation or vector indexing.
type Collaborator interface {
	ProcessFile(ctx context.Context, repo *core.Repository, file *core.SourceFile) error
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, repo *core.Repository, file *core.SourceFile) error

// ProcessFile calls f.
func (f CollaboratorFunc) ProcessFile(ctx context.Context, repo *core.Repository, file *core.SourceFile) error {
	return f(ctx, repo, file)
}

const (
	graphUnit  = "dependency-graph"
	reportUnit = "analysis-report"
)

// fileUnits lists one unit per repository file.
func (e *Engine) fileUnits(ctx context.Context, repoID string) ([]orchestrator.Unit, error) {
	files, err := e.store.ListSourceFiles(ctx, repoID)
	if err != nil {
		return nil, err
	}
	units := make([]orchestrator.Unit, len(files))
	for i, f := range files {
		units[i] = orchestrator.Unit{ID: f.ID, Name: f.Path}
	}
	return units, nil
}

// fileOf loads the repository and file of a unit. A file removed since the
// units were listed is a permanent failure.
func (e *Engine) fileOf(ctx context.Context, job *core.Job, unit orchestrator.Unit) (*core.Repository, *core.SourceFile, error) {
	repo, err := e.store.GetRepository(ctx, job.RepositoryID)
	if err != nil {
		return nil, nil, orchestrator.Abort(err)
	}
	file, err := e.store.GetSourceFile(ctx, unit.ID)
	if core.IsNotFound(err) {
		return nil, nil, orchestrator.Permanent(err)
	}
	if err != nil {
		return nil, nil, err
	}
	return repo, file, nil
}

type collaboratorPhase struct {
	e     *Engine
	phase core.Phase
	c     Collaborator
}

func (e *Engine) collaboratorPhase(phase core.Phase, c Collaborator) *collaboratorPhase {
	return &collaboratorPhase{e: e, phase: phase, c: c}
}

func (p *collaboratorPhase) Units(ctx context.Context, job *core.Job) ([]orchestrator.Unit, error) {
	return p.e.fileUnits(ctx, job.RepositoryID)
}

func (p *collaboratorPhase) Process(ctx context.Context, job *core.Job, unit orchestrator.Unit) error {
	if p.c == nil {
		return nil
	}
	repo, file, err := p.e.fileOf(ctx, job, unit)
	if err != nil {
		return err
	}
	return p.c.ProcessFile(ctx, repo, file)
}

// lineagePhase registers the assets and declared columns of every file.
type lineagePhase struct{ e *Engine }

// Units starts a new extraction pass unless the job resumes one that
// already recorded file results.
func (p *lineagePhase) Units(ctx context.Context, job *core.Job) ([]orchestrator.Unit, error) {
	results, err := p.e.jobs.FileResults(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		pass, err := p.e.registry.BeginPass(ctx, job.RepositoryID)
		if err != nil {
			return nil, err
		}
		p.e.logger.Info("extraction pass started", "repository_id", job.RepositoryID, "pass", pass)
	}
	return p.e.fileUnits(ctx, job.RepositoryID)
}

func (p *lineagePhase) Process(ctx context.Context, job *core.Job, unit orchestrator.Unit) error {
	repo, file, err := p.e.fileOf(ctx, job, unit)
	if err != nil {
		return err
	}
	facts, err := lineage.DecodeFacts(file.Payload)
	if err != nil {
		return orchestrator.Permanent(err)
	}
	return permanentIfInvalid(p.e.registerFacts(ctx, repo, file, facts))
}

// registerFacts registers each fact's target with its declared or inferred
// columns, and its schema-qualified sources. Unqualified sources are left
// to the resolver, which sees every file of the repository.
func (e *Engine) registerFacts(ctx context.Context, repo *core.Repository, file *core.SourceFile, facts []lineage.Fact) error {
	schema := file.EffectiveSchema(repo)
	fileID := file.ID
	for _, f := range facts {
		b := f.Base()
		target := b.Target
		if !target.Qualified() {
			target.Schema = schema
		}
		a, err := e.registry.Register(ctx, assetInput(repo, target, &fileID), repo.CurrentPass)
		if err != nil {
			return err
		}
		if cols := lineage.InferredColumns(f); len(cols) > 0 {
			if _, err := e.registry.SyncColumns(ctx, a.ID, cols); err != nil {
				return err
			}
		}

		for _, src := range b.Sources {
			if !src.Qualified() {
				continue
			}
			if src.Type == "" {
				src.Type = core.AssetTypeSource
			}
			sa, err := e.registry.Register(ctx, assetInput(repo, src, nil), repo.CurrentPass)
			if err != nil {
				return err
			}
			if len(src.Columns) > 0 {
				if _, err := e.registry.SyncColumns(ctx, sa.ID, src.Columns); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func assetInput(repo *core.Repository, ref lineage.AssetRef, fileID *string) core.AssetInput {
	return core.AssetInput{
		ConnectionID: repo.ConnectionID,
		Schema:       ref.Schema,
		Name:         ref.Name,
		Type:         ref.Type,
		Metadata:     core.AssetMetadata{Description: ref.Description, Tags: ref.Tags},
		FileID:       fileID,
	}
}

// dependenciesPhase resolves, extracts and persists the repository graph as one unit.
type dependenciesPhase struct{ e *Engine }

func (p *dependenciesPhase) Units(context.Context, *core.Job) ([]orchestrator.Unit, error) {
	return []orchestrator.Unit{{ID: graphUnit, Name: "dependency graph"}}, nil
}

func (p *dependenciesPhase) Process(ctx context.Context, job *core.Job, _ orchestrator.Unit) error {
	repo, err := p.e.store.GetRepository(ctx, job.RepositoryID)
	if err != nil {
		return orchestrator.Abort(err)
	}
	_, err = p.e.BuildGraph(ctx, repo)
	return err
}

// analysisPhase scores the repository and reconciles stale assets as one unit.
type analysisPhase struct{ e *Engine }

func (p *analysisPhase) Units(context.Context, *core.Job) ([]orchestrator.Unit, error) {
	return []orchestrator.Unit{{ID: reportUnit, Name: "analysis report"}}, nil
}

func (p *analysisPhase) Process(ctx context.Context, job *core.Job, _ orchestrator.Unit) error {
	repo, err := p.e.store.GetRepository(ctx, job.RepositoryID)
	if err != nil {
		return orchestrator.Abort(err)
	}
	report, err := p.e.Analyze(ctx, repo)
	if err != nil {
		return err
	}
	if err := p.e.store.SaveAnalysisReport(ctx, report); err != nil {
		return orchestrator.Abort(fmt.Errorf("repository %s: %w", repo.Name, err))
	}
	return nil
}
