package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

const jobColumns = `id, repository_id, phase, status, completed_files, failed_files, total_files, error_detail,
	lease_owner, lease_expires_at, attempt, created_at, started_at, last_updated_at, completed_at`

// runnableJob matches a pending job whose predecessor phase has completed,
// or a processing job whose lease has expired. The alias j and the @now
// parameter must be in scope.
const runnableJob = `(
	(j.status = 'pending' AND (j.phase_order = 0 OR EXISTS (
		SELECT 1 FROM processing_jobs p
		WHERE p.repository_id = j.repository_id
			AND p.phase_order = j.phase_order - 1
			AND p.status = 'completed')))
	OR (j.status = 'processing' AND j.lease_expires_at <= @now)
)`

// leaseUpdate is the compare-and-swap half of a lease: the row is only taken
// when it is still pending or its lease is still expired.
const leaseUpdate = `
	UPDATE processing_jobs SET
		status = 'processing',
		lease_owner = @worker,
		lease_expires_at = @expires,
		started_at = COALESCE(started_at, @now),
		last_updated_at = @now,
		attempt = attempt + 1
	WHERE id = (%s)
		AND (status = 'pending' OR (status = 'processing' AND lease_expires_at <= @now))
	RETURNING ` + jobColumns

func scanJob(row scanner) (*core.Job, error) {
	j := &core.Job{}
	var (
		owner                       sql.NullString
		expires, started, completed sql.NullInt64
		createdAt, lastUpdatedAt    int64
	)
	err := row.Scan(&j.ID, &j.RepositoryID, &j.Phase, &j.Status,
		&j.Progress.CompletedFiles, &j.Progress.FailedFiles, &j.Progress.TotalFiles, &j.ErrorDetail,
		&owner, &expires, &j.Attempt, &createdAt, &started, &lastUpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	j.LeaseOwner = owner.String
	j.LeaseExpiresAt = timePtr(expires)
	j.CreatedAt = fromMillis(createdAt)
	j.StartedAt = timePtr(started)
	j.LastUpdatedAt = fromMillis(lastUpdatedAt)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

func leaseArgs(req core.LeaseRequest) []any {
	return []any{
		sql.Named("worker", req.WorkerID),
		sql.Named("now", toMillis(req.Now)),
		sql.Named("expires", toMillis(req.Now.Add(req.TTL))),
	}
}

// CreateJobs creates a pending job for every phase the repository lacks and
// returns all of the repository's jobs.
func (s *SQLiteStore) CreateJobs(ctx context.Context, repoID string, phases []core.Phase, now time.Time) ([]*core.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, phase := range phases {
			if !phase.Valid() {
				return core.ErrValidation("unknown phase %q", phase)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO processing_jobs (id, repository_id, phase, phase_order, status, created_at, last_updated_at)
				VALUES (?, ?, ?, ?, 'pending', ?, ?)
				ON CONFLICT (repository_id, phase) DO NOTHING`,
				generateID(), repoID, string(phase), phase.Index(), toMillis(now), toMillis(now),
			)
			if err != nil {
				return fmt.Errorf("failed to create %s job: %w", phase, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ListJobs(ctx, repoID)
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*core.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, core.ErrNotFound("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// GetJobByPhase retrieves the repository's job for a phase.
func (s *SQLiteStore) GetJobByPhase(ctx context.Context, repoID string, phase core.Phase) (*core.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE repository_id = ? AND phase = ?`, repoID, string(phase)))
	if isNoRows(err) {
		return nil, core.ErrNotFound("no %s job for repository %s", phase, repoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns the repository's jobs in phase order.
func (s *SQLiteStore) ListJobs(ctx context.Context, repoID string) ([]*core.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE repository_id = ? ORDER BY phase_order`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// LeaseNextJob claims the oldest runnable job in a single compare-and-swap
// statement. It returns nil, nil when nothing is available, including when
// another worker won the race.
func (s *SQLiteStore) LeaseNextJob(ctx context.Context, req core.LeaseRequest) (*core.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(leaseUpdate, `
		SELECT j.id FROM processing_jobs j
		WHERE `+runnableJob+`
		ORDER BY j.created_at, j.phase_order, j.id
		LIMIT 1`)

	j, err := scanJob(s.db.QueryRowContext(ctx, query, leaseArgs(req)...))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	return j, nil
}

// LeasePhase claims one specific job. It returns nil, nil when the job is not runnable.
func (s *SQLiteStore) LeasePhase(ctx context.Context, repoID string, phase core.Phase, req core.LeaseRequest) (*core.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(leaseUpdate, `
		SELECT j.id FROM processing_jobs j
		WHERE j.repository_id = @repo AND j.phase = @phase AND `+runnableJob)

	args := append(leaseArgs(req), sql.Named("repo", repoID), sql.Named("phase", string(phase)))
	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease %s job: %w", phase, err)
	}
	return j, nil
}

// ownedExec runs an update guarded by lease ownership and reports a
// LeaseConflictError when the guard matched nothing.
func (s *SQLiteStore) ownedExec(ctx context.Context, jobID, workerID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if n == 0 {
		return &core.LeaseConflictError{JobID: jobID, WorkerID: workerID}
	}
	return nil
}

// RenewLease extends the caller's lease.
func (s *SQLiteStore) RenewLease(ctx context.Context, jobID string, req core.LeaseRequest) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.ownedExec(ctx, jobID, req.WorkerID, `
		UPDATE processing_jobs SET lease_expires_at = ?, last_updated_at = ?
		WHERE id = ? AND status = 'processing' AND lease_owner = ?`,
		toMillis(req.Now.Add(req.TTL)), toMillis(req.Now), jobID, req.WorkerID,
	)
}

// UpdateProgress records the caller's progress counters.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, jobID, workerID string, p core.Progress, now time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.ownedExec(ctx, jobID, workerID, `
		UPDATE processing_jobs SET completed_files = ?, failed_files = ?, total_files = ?, last_updated_at = ?
		WHERE id = ? AND status = 'processing' AND lease_owner = ?`,
		p.CompletedFiles, p.FailedFiles, p.TotalFiles, toMillis(now), jobID, workerID,
	)
}

// FinishJob moves the caller's job to a terminal status and releases the lease.
func (s *SQLiteStore) FinishJob(ctx context.Context, jobID, workerID string, status core.JobStatus, p core.Progress, detail string, now time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	if status != core.JobCompleted && status != core.JobFailed {
		return core.ErrValidation("job cannot finish as %s", status)
	}
	return s.ownedExec(ctx, jobID, workerID, `
		UPDATE processing_jobs SET
			status = ?, completed_files = ?, failed_files = ?, total_files = ?, error_detail = ?,
			lease_owner = NULL, lease_expires_at = NULL, last_updated_at = ?, completed_at = ?
		WHERE id = ? AND status = 'processing' AND lease_owner = ?`,
		string(status), p.CompletedFiles, p.FailedFiles, p.TotalFiles, detail,
		toMillis(now), toMillis(now), jobID, workerID,
	)
}

// ResetJob requeues a job to pending, clearing its counters, lease and file results.
// A job held under a live lease cannot be reset.
func (s *SQLiteStore) ResetJob(ctx context.Context, repoID string, phase core.Phase, now time.Time) (*core.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var out *core.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM processing_jobs WHERE repository_id = ? AND phase = ?`, repoID, string(phase)))
		if isNoRows(err) {
			return core.ErrNotFound("no %s job for repository %s", phase, repoID)
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		if current.Status == core.JobProcessing && current.LeaseExpiresAt != nil && current.LeaseExpiresAt.After(now) {
			return &core.LeaseConflictError{JobID: current.ID, WorkerID: current.LeaseOwner}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM job_file_results WHERE job_id = ?`, current.ID); err != nil {
			return fmt.Errorf("failed to clear file results: %w", err)
		}
		out, err = scanJob(tx.QueryRowContext(ctx, `
			UPDATE processing_jobs SET
				status = 'pending', completed_files = 0, failed_files = 0, total_files = 0, error_detail = '',
				lease_owner = NULL, lease_expires_at = NULL, started_at = NULL, completed_at = NULL,
				last_updated_at = ?
			WHERE id = ?
			RETURNING `+jobColumns,
			toMillis(now), current.ID))
		if err != nil {
			return fmt.Errorf("failed to reset job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordFileResult stores the outcome of one unit of the caller's job.
// It fails with a lease conflict unless workerID holds the job.
func (s *SQLiteStore) RecordFileResult(ctx context.Context, workerID string, r *core.FileResult) error {
	if err := s.ready(); err != nil {
		return err
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	err := s.ownedExec(ctx, r.JobID, workerID, `
		INSERT INTO job_file_results (job_id, file_id, status, attempts, error, updated_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM processing_jobs WHERE id = ? AND status = 'processing' AND lease_owner = ?
		)
		ON CONFLICT (job_id, file_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		r.JobID, r.FileID, string(r.Status), r.Attempts, r.Error, toMillis(updatedAt), r.JobID, workerID,
	)
	if err != nil && !core.IsLeaseConflict(err) {
		return fmt.Errorf("failed to record result for file %s: %w", r.FileID, err)
	}
	return err
}

// ListFileResults returns the unit outcomes of a job ordered by file.
func (s *SQLiteStore) ListFileResults(ctx context.Context, jobID string) ([]*core.FileResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, file_id, status, attempts, error, updated_at
		FROM job_file_results WHERE job_id = ? ORDER BY file_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list file results: %w", err)
	}
	defer rows.Close()

	var out []*core.FileResult
	for rows.Next() {
		r := &core.FileResult{}
		var updatedAt int64
		if err := rows.Scan(&r.JobID, &r.FileID, &r.Status, &r.Attempts, &r.Error, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file result: %w", err)
		}
		r.UpdatedAt = fromMillis(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
