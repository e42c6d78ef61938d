package core

import (
	"context"
	"time"
)

// Store defines the interface for state management operations.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	RepositoryStore
	AssetStore
	LineageStore
	GraphStore
	JobStore
}

// RepositoryStore persists repositories, their files and analysis reports.
type RepositoryStore interface {
	UpsertRepository(ctx context.Context, repo *Repository) (*Repository, error)
	GetRepository(ctx context.Context, id string) (*Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*Repository, error)
	ListRepositories(ctx context.Context) ([]*Repository, error)

	// BeginPass allocates the repository's next extraction pass. Pass numbers
	// are unique per connection.
	BeginPass(ctx context.Context, repoID string) (int64, error)

	UpsertSourceFile(ctx context.Context, f *SourceFile) (*SourceFile, error)
	GetSourceFile(ctx context.Context, id string) (*SourceFile, error)
	ListSourceFiles(ctx context.Context, repoID string) ([]*SourceFile, error)
	// DeleteSourceFile removes a file the repository no longer contains.
	DeleteSourceFile(ctx context.Context, id string) error

	SaveAnalysisReport(ctx context.Context, r *AnalysisReport) error
	GetAnalysisReport(ctx context.Context, repoID string) (*AnalysisReport, error)
}

// AssetStore persists assets and columns. Writes are append-or-update only.
type AssetStore interface {
	// UpsertAsset inserts or updates the asset keyed by (connection, schema, name).
	// A positive pass stamps the asset as seen and clears its stale flag.
	UpsertAsset(ctx context.Context, in AssetInput, pass int64) (*Asset, error)
	GetAsset(ctx context.Context, id string) (*Asset, error)
	FindAsset(ctx context.Context, connectionID, schema, name string) (*Asset, error)
	FindAssetsByName(ctx context.Context, connectionID, name string) ([]*Asset, error)
	ListAssets(ctx context.Context, connectionID string) ([]*Asset, error)
	// MarkStale flags assets of the connection that the current pass of no
	// repository on the connection has seen.
	MarkStale(ctx context.Context, connectionID string, pass int64) (int64, error)
	CountAssetsSeen(ctx context.Context, connectionID string, pass int64) (int64, error)

	UpsertColumn(ctx context.Context, assetID, name string, dataType *string) (*Column, error)
	// InvalidateColumns soft-invalidates the asset's columns whose names are not in keep.
	InvalidateColumns(ctx context.Context, assetID string, keep []string, at time.Time) (int64, error)
	GetColumnsForAsset(ctx context.Context, assetID string, includeInvalidated bool) ([]*Column, error)
}

// LineageStore persists table-level and column-level lineage.
type LineageStore interface {
	// UpsertAssetLineage stores the edge keyed by (source, target, relationship type),
	// merging its discoveries into an existing row.
	UpsertAssetLineage(ctx context.Context, l *AssetLineage) (*AssetLineage, error)
	GetAssetLineage(ctx context.Context, id string) (*AssetLineage, error)
	ListAssetLineage(ctx context.Context, connectionID string) ([]*AssetLineage, error)

	UpsertColumnLineage(ctx context.Context, c *ColumnLineage) (*ColumnLineage, error)
	ListColumnLineage(ctx context.Context, assetLineageID string) ([]*ColumnLineage, error)
}

// GraphSnapshot is a point-in-time copy of a repository's dependency graph.
type GraphSnapshot struct {
	Edges   []GraphEdge
	Cycles  []CircularDependency
	BuiltAt time.Time
}

// GraphStore persists derived dependency graph snapshots.
type GraphStore interface {
	// ReplaceGraph swaps the repository's edges and cycles in one transaction.
	ReplaceGraph(ctx context.Context, repoID string, snap *GraphSnapshot) error
	// LoadGraph reads the repository's snapshot inside one read transaction.
	LoadGraph(ctx context.Context, repoID string) (*GraphSnapshot, error)
	// LoadConnectionGraph reads the edges of every repository bound to the connection.
	LoadConnectionGraph(ctx context.Context, connectionID string) (*GraphSnapshot, error)
}

// LeaseRequest identifies the worker and lease window of a lease attempt.
type LeaseRequest struct {
	WorkerID string
	Now      time.Time
	TTL      time.Duration
}

// JobStore persists processing jobs. Lease operations are compare-and-swap.
type JobStore interface {
	CreateJobs(ctx context.Context, repoID string, phases []Phase, now time.Time) ([]*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobByPhase(ctx context.Context, repoID string, phase Phase) (*Job, error)
	ListJobs(ctx context.Context, repoID string) ([]*Job, error)

	// LeaseNextJob claims the oldest runnable job. It returns nil, nil when none is available.
	LeaseNextJob(ctx context.Context, req LeaseRequest) (*Job, error)
	// LeasePhase claims one specific job. It returns nil, nil when the job is not runnable.
	LeasePhase(ctx context.Context, repoID string, phase Phase, req LeaseRequest) (*Job, error)
	RenewLease(ctx context.Context, jobID string, req LeaseRequest) error

	UpdateProgress(ctx context.Context, jobID, workerID string, p Progress, now time.Time) error
	FinishJob(ctx context.Context, jobID, workerID string, status JobStatus, p Progress, detail string, now time.Time) error
	ResetJob(ctx context.Context, repoID string, phase Phase, now time.Time) (*Job, error)

	// RecordFileResult stores a unit outcome if workerID holds the job's lease.
	RecordFileResult(ctx context.Context, workerID string, r *FileResult) error
	ListFileResults(ctx context.Context, jobID string) ([]*FileResult, error)
}
