// Package orchestrator runs the per-repository phase pipeline over the
// persisted job table. Jobs are claimed by lease; the store's compare-and-swap
// update is the only coordination point between workers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// Defaults for Service options.
const (
	DefaultLeaseDuration    = 2 * time.Minute
	DefaultFailureTolerance = 0.0
	maxDetailErrors         = 10
)

// Service is the job lifecycle API.
type Service struct {
	store     core.JobStore
	logger    *slog.Logger
	now       func() time.Time
	leaseTTL  time.Duration
	tolerance float64
}

// Option configures a Service.
type Option func(*Service)

// WithLeaseDuration sets how long a lease lasts without renewal.
func WithLeaseDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// WithFailureTolerance sets the fraction of failed files a job may have and still complete.
func WithFailureTolerance(f float64) Option {
	return func(s *Service) {
		if f >= 0 && f <= 1 {
			s.tolerance = f
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a job service over store.
func NewService(store core.JobStore, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     store,
		logger:    logger,
		now:       time.Now,
		leaseTTL:  DefaultLeaseDuration,
		tolerance: DefaultFailureTolerance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeaseDuration returns the configured lease length.
func (s *Service) LeaseDuration() time.Duration { return s.leaseTTL }

func (s *Service) lease(workerID string) core.LeaseRequest {
	return core.LeaseRequest{WorkerID: workerID, Now: s.now(), TTL: s.leaseTTL}
}

// EnqueueRepository creates the pipeline's jobs for a repository. Existing
// jobs are left as they are.
func (s *Service) EnqueueRepository(ctx context.Context, repoID string) ([]*core.Job, error) {
	jobs, err := s.store.CreateJobs(ctx, repoID, core.Phases, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue repository %s: %w", repoID, err)
	}
	s.logger.Info("repository enqueued", "repository_id", repoID, "jobs", len(jobs))
	return jobs, nil
}

// LeaseJob claims the oldest runnable job for workerID. It returns nil, nil
// when no job is available, including when another worker won the race.
func (s *Service) LeaseJob(ctx context.Context, workerID string) (*core.Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, core.ErrValidation("worker id is required")
	}
	job, err := s.store.LeaseNextJob(ctx, s.lease(workerID))
	if core.IsLeaseConflict(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job != nil {
		s.logger.Info("job leased",
			"job_id", job.ID,
			"repository_id", job.RepositoryID,
			"phase", job.Phase,
			"worker", workerID,
			"attempt", job.Attempt)
	}
	return job, nil
}

// StartPhase leases one specific phase. It returns a PhaseBlockedError when
// the predecessor phase has not completed.
func (s *Service) StartPhase(ctx context.Context, repoID string, phase core.Phase, workerID string) (*core.Job, error) {
	if !phase.Valid() {
		return nil, core.ErrValidation("unknown phase %q", phase)
	}
	if strings.TrimSpace(workerID) == "" {
		return nil, core.ErrValidation("worker id is required")
	}
	if pred, ok := phase.Predecessor(); ok {
		pj, err := s.store.GetJobByPhase(ctx, repoID, pred)
		if err != nil {
			return nil, err
		}
		if pj.Status != core.JobCompleted {
			return nil, &core.PhaseBlockedError{
				RepositoryID:      repoID,
				Phase:             phase,
				Predecessor:       pred,
				PredecessorStatus: pj.Status,
			}
		}
	}

	job, err := s.store.LeasePhase(ctx, repoID, phase, s.lease(workerID))
	if err != nil {
		return nil, err
	}
	if job != nil {
		s.logger.Info("phase started", "job_id", job.ID, "repository_id", repoID, "phase", phase, "worker", workerID)
		return job, nil
	}

	current, err := s.store.GetJobByPhase(ctx, repoID, phase)
	if err != nil {
		return nil, err
	}
	if current.Status == core.JobProcessing {
		return nil, &core.LeaseConflictError{JobID: current.ID, WorkerID: workerID}
	}
	return nil, core.ErrValidation("%s job of repository %s is %s", phase, repoID, current.Status)
}

// RenewLease extends the caller's lease.
func (s *Service) RenewLease(ctx context.Context, jobID, workerID string) error {
	return s.store.RenewLease(ctx, jobID, s.lease(workerID))
}

// ReportProgress records processed-unit counters.
func (s *Service) ReportProgress(ctx context.Context, jobID, workerID string, p core.Progress) error {
	return s.store.UpdateProgress(ctx, jobID, workerID, p, s.now())
}

// RecordFileResult stores the outcome of one unit of the caller's job.
func (s *Service) RecordFileResult(ctx context.Context, workerID string, r *core.FileResult) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	return s.store.RecordFileResult(ctx, workerID, r)
}

// FileResults lists the recorded unit outcomes of a job.
func (s *Service) FileResults(ctx context.Context, jobID string) ([]*core.FileResult, error) {
	return s.store.ListFileResults(ctx, jobID)
}

// CompleteJob finishes a job. It completes only when every unit is
// accounted for and the failed share is within tolerance; otherwise the
// job fails with the per-file errors as detail. The final status is returned.
func (s *Service) CompleteJob(ctx context.Context, jobID, workerID string, p core.Progress, fileErrors []error) (core.JobStatus, error) {
	status := core.JobCompleted
	var detail string
	switch {
	case !p.Done():
		status = core.JobFailed
		detail = fmt.Sprintf("%d of %d files were not processed", p.Pending(), p.TotalFiles)
	case p.TotalFiles > 0 && float64(p.FailedFiles)/float64(p.TotalFiles) > s.tolerance:
		status = core.JobFailed
		detail = fmt.Sprintf("%d of %d files failed: %s", p.FailedFiles, p.TotalFiles, joinErrors(fileErrors))
	case p.FailedFiles > 0:
		detail = fmt.Sprintf("%d of %d files failed within tolerance: %s", p.FailedFiles, p.TotalFiles, joinErrors(fileErrors))
	}

	if err := s.store.FinishJob(ctx, jobID, workerID, status, p, detail, s.now()); err != nil {
		return "", err
	}
	level := slog.LevelInfo
	if status == core.JobFailed {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "job finished",
		"job_id", jobID,
		"status", status,
		"completed", p.CompletedFiles,
		"failed", p.FailedFiles,
		"total", p.TotalFiles)
	return status, nil
}

// FailJob marks a job failed with cause as its detail.
func (s *Service) FailJob(ctx context.Context, jobID, workerID string, p core.Progress, cause error) error {
	detail := "job failed"
	if cause != nil {
		detail = cause.Error()
	}
	if err := s.store.FinishJob(ctx, jobID, workerID, core.JobFailed, p, detail, s.now()); err != nil {
		return err
	}
	s.logger.Warn("job failed", "job_id", jobID, "worker", workerID, "error", detail)
	return nil
}

// ResetJob requeues one phase as pending. Earlier phases are untouched.
func (s *Service) ResetJob(ctx context.Context, repoID string, phase core.Phase) (*core.Job, error) {
	if !phase.Valid() {
		return nil, core.ErrValidation("unknown phase %q", phase)
	}
	job, err := s.store.ResetJob(ctx, repoID, phase, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("job reset", "repository_id", repoID, "phase", phase)
	return job, nil
}

// ResetPipeline requeues phase and every later phase.
func (s *Service) ResetPipeline(ctx context.Context, repoID string, from core.Phase) ([]*core.Job, error) {
	if !from.Valid() {
		return nil, core.ErrValidation("unknown phase %q", from)
	}
	var jobs []*core.Job
	for _, phase := range core.Phases[from.Index():] {
		job, err := s.ResetJob(ctx, repoID, phase)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Status returns the status of every phase of a repository in pipeline order.
func (s *Service) Status(ctx context.Context, repoID string) ([]core.PhaseStatus, error) {
	jobs, err := s.store.ListJobs(ctx, repoID)
	if err != nil {
		return nil, err
	}
	out := make([]core.PhaseStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, core.StatusOf(j))
	}
	return out, nil
}

func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return "no error detail"
	}
	parts := make([]string, 0, min(len(errs), maxDetailErrors)+1)
	for i, err := range errs {
		if i == maxDetailErrors {
			parts = append(parts, fmt.Sprintf("and %d more", len(errs)-maxDetailErrors))
			break
		}
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

// abortError marks a handler error that fails the whole job.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort wraps err so the pool fails the job instead of recording a file failure.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

func isAbort(err error) bool {
	var a *abortError
	return errors.As(err, &a)
}
