package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

func lease(worker string, now time.Time) core.LeaseRequest {
	return core.LeaseRequest{WorkerID: worker, Now: now, TTL: time.Minute}
}

func setupJobs(t *testing.T, store *SQLiteStore) (*core.Repository, []*core.Job) {
	t.Helper()
	repo := setupRepo(t, store)
	jobs, err := store.CreateJobs(context.Background(), repo.ID, core.Phases, time.Now())
	require.NoError(t, err)
	return repo, jobs
}

// completePhase leases the next job, checks its phase and completes it.
func completePhase(t *testing.T, store *SQLiteStore, phase core.Phase, now time.Time) {
	t.Helper()
	ctx := context.Background()
	job, err := store.LeaseNextJob(ctx, lease("w", now))
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, phase, job.Phase)
	require.NoError(t, store.FinishJob(ctx, job.ID, "w", core.JobCompleted, core.Progress{}, "", now))
}

func TestSQLiteStore_CreateJobsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	repo, jobs := setupJobs(t, store)
	require.Len(t, jobs, len(core.Phases))
	for i, j := range jobs {
		assert.Equal(t, core.Phases[i], j.Phase)
		assert.Equal(t, core.JobPending, j.Status)
	}

	again, err := store.CreateJobs(context.Background(), repo.ID, core.Phases, time.Now())
	require.NoError(t, err)
	assert.Len(t, again, len(core.Phases))
	assert.Equal(t, jobs[0].ID, again[0].ID)
	assert.Equal(t, len(core.Phases), countRows(t, store, "processing_jobs"))
}

func TestSQLiteStore_LeaseFollowsPhaseOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	repo, _ := setupJobs(t, store)
	now := time.Now()

	job, err := store.LeaseNextJob(ctx, lease("w1", now))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.PhaseDocumentation, job.Phase)
	assert.Equal(t, core.JobProcessing, job.Status)
	assert.Equal(t, "w1", job.LeaseOwner)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.StartedAt)

	// vectors waits for documentation
	next, err := store.LeaseNextJob(ctx, lease("w2", now))
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, store.FinishJob(ctx, job.ID, "w1", core.JobCompleted, core.Progress{TotalFiles: 1, CompletedFiles: 1}, "", now))

	// lineage cannot be leased directly while vectors is not completed
	blocked, err := store.LeasePhase(ctx, repo.ID, core.PhaseLineage, lease("w2", now))
	require.NoError(t, err)
	assert.Nil(t, blocked)

	completePhase(t, store, core.PhaseVectors, now)

	lineage, err := store.LeasePhase(ctx, repo.ID, core.PhaseLineage, lease("w2", now))
	require.NoError(t, err)
	require.NotNil(t, lineage)
	assert.Equal(t, core.PhaseLineage, lineage.Phase)
}

func TestSQLiteStore_FailedPhaseHaltsPipeline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	repo, _ := setupJobs(t, store)
	now := time.Now()

	completePhase(t, store, core.PhaseDocumentation, now)
	job, err := store.LeaseNextJob(ctx, lease("w", now))
	require.NoError(t, err)
	require.NoError(t, store.FinishJob(ctx, job.ID, "w", core.JobFailed, core.Progress{TotalFiles: 2, FailedFiles: 2}, "boom", now))

	next, err := store.LeaseNextJob(ctx, lease("w", now))
	require.NoError(t, err)
	assert.Nil(t, next)

	// reset retries only the failed phase
	reset, err := store.ResetJob(ctx, repo.ID, core.PhaseVectors, now)
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, reset.Status)
	assert.Empty(t, reset.ErrorDetail)
	assert.Zero(t, reset.Progress.TotalFiles)

	doc, err := store.GetJobByPhase(ctx, repo.ID, core.PhaseDocumentation)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, doc.Status)

	completePhase(t, store, core.PhaseVectors, now)
}

func TestSQLiteStore_LeaseExclusivity(t *testing.T) {
	store := setupTestStore(t)
	setupJobs(t, store)
	now := time.Now()

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased []*core.Job
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := store.LeaseNextJob(context.Background(), lease(fmt.Sprintf("w%d", i), now))
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				leased = append(leased, job)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, leased, 1, "exactly one worker receives the only runnable job")
	assert.Equal(t, core.PhaseDocumentation, leased[0].Phase)
}

func TestSQLiteStore_ExpiredLeaseIsReleased(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	setupJobs(t, store)
	now := time.Now()

	crashed, err := store.LeaseNextJob(ctx, lease("crashed", now))
	require.NoError(t, err)
	require.NotNil(t, crashed)

	none, err := store.LeaseNextJob(ctx, lease("w2", now.Add(30*time.Second)))
	require.NoError(t, err)
	assert.Nil(t, none, "live lease is not taken over")

	recovered, err := store.LeaseNextJob(ctx, lease("w2", now.Add(2*time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, crashed.ID, recovered.ID)
	assert.Equal(t, "w2", recovered.LeaseOwner)
	assert.Equal(t, 2, recovered.Attempt)

	// the original owner has lost the job
	err = store.FinishJob(ctx, crashed.ID, "crashed", core.JobCompleted, core.Progress{}, "", now)
	assert.True(t, core.IsLeaseConflict(err))
	err = store.RenewLease(ctx, crashed.ID, lease("crashed", now))
	assert.True(t, core.IsLeaseConflict(err))
}

func TestSQLiteStore_ProgressRequiresOwnership(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	setupJobs(t, store)
	now := time.Now()

	job, err := store.LeaseNextJob(ctx, lease("w1", now))
	require.NoError(t, err)

	p := core.Progress{TotalFiles: 4, CompletedFiles: 1}
	require.NoError(t, store.UpdateProgress(ctx, job.ID, "w1", p, now))
	err = store.UpdateProgress(ctx, job.ID, "intruder", p, now)
	assert.True(t, core.IsLeaseConflict(err))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got.Progress)

	require.NoError(t, store.RenewLease(ctx, job.ID, lease("w1", now.Add(time.Minute))))
	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.After(now.Add(time.Minute+30*time.Second)))

	err = store.FinishJob(ctx, job.ID, "w1", core.JobPending, p, "", now)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSQLiteStore_ResetRefusesLiveLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	repo, _ := setupJobs(t, store)
	now := time.Now()

	_, err := store.LeaseNextJob(ctx, lease("w1", now))
	require.NoError(t, err)

	_, err = store.ResetJob(ctx, repo.ID, core.PhaseDocumentation, now)
	assert.True(t, core.IsLeaseConflict(err))

	reset, err := store.ResetJob(ctx, repo.ID, core.PhaseDocumentation, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, reset.Status)
	assert.Empty(t, reset.LeaseOwner)
	assert.Nil(t, reset.StartedAt)

	_, err = store.ResetJob(ctx, "missing", core.PhaseDocumentation, now)
	assert.True(t, core.IsNotFound(err))
}

func TestSQLiteStore_FileResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	repo, jobs := setupJobs(t, store)
	now := time.Now()
	job, err := store.LeaseNextJob(ctx, lease("w", now))
	require.NoError(t, err)
	require.Equal(t, jobs[0].ID, job.ID)

	require.NoError(t, store.RecordFileResult(ctx, "w", &core.FileResult{JobID: job.ID, FileID: "b", Status: core.FileFailed, Attempts: 3, Error: "bad"}))
	require.NoError(t, store.RecordFileResult(ctx, "w", &core.FileResult{JobID: job.ID, FileID: "a", Status: core.FileCompleted, Attempts: 1}))
	require.NoError(t, store.RecordFileResult(ctx, "w", &core.FileResult{JobID: job.ID, FileID: "b", Status: core.FileCompleted, Attempts: 4}))

	results, err := store.ListFileResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].FileID)
	assert.Equal(t, core.FileCompleted, results[1].Status)
	assert.Equal(t, 4, results[1].Attempts)

	_, err = store.ResetJob(ctx, repo.ID, core.PhaseDocumentation, now.Add(2*time.Minute))
	require.NoError(t, err)
	results, err = store.ListFileResults(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLiteStore_FileResultsRequireLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_, jobs := setupJobs(t, store)
	now := time.Now()

	err := store.RecordFileResult(ctx, "w", &core.FileResult{JobID: jobs[0].ID, FileID: "a", Status: core.FileCompleted})
	assert.True(t, core.IsLeaseConflict(err), "pending job has no owner")

	_, err = store.LeaseNextJob(ctx, lease("old", now.Add(-2*time.Minute)))
	require.NoError(t, err)
	require.NoError(t, store.RecordFileResult(ctx, "old", &core.FileResult{JobID: jobs[0].ID, FileID: "a", Status: core.FileFailed, Attempts: 1}))

	// the expired lease is taken over
	job, err := store.LeaseNextJob(ctx, lease("new", now))
	require.NoError(t, err)
	require.Equal(t, jobs[0].ID, job.ID)
	require.NoError(t, store.RecordFileResult(ctx, "new", &core.FileResult{JobID: job.ID, FileID: "a", Status: core.FileCompleted, Attempts: 2}))

	err = store.RecordFileResult(ctx, "old", &core.FileResult{JobID: job.ID, FileID: "a", Status: core.FileFailed, Attempts: 9})
	var lc *core.LeaseConflictError
	require.ErrorAs(t, err, &lc)
	assert.Equal(t, "old", lc.WorkerID)

	results, err := store.ListFileResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.FileCompleted, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestSQLiteStore_LeaseOldestRepositoryFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	older, err := store.UpsertRepository(ctx, &core.Repository{Name: "older", ConnectionID: "c"})
	require.NoError(t, err)
	newer, err := store.UpsertRepository(ctx, &core.Repository{Name: "newer", ConnectionID: "c"})
	require.NoError(t, err)

	_, err = store.CreateJobs(ctx, newer.ID, core.Phases, now)
	require.NoError(t, err)
	_, err = store.CreateJobs(ctx, older.ID, core.Phases, now.Add(-time.Hour))
	require.NoError(t, err)

	job, err := store.LeaseNextJob(ctx, lease("w", now))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, older.ID, job.RepositoryID)
}
