package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// Unit is one retryable piece of work inside a job, usually a source file.
type Unit struct {
	ID   string
	Name string
}

// PhaseHandler executes the units of one phase.
type PhaseHandler interface {
	// Units lists the work of the job. It runs once per lease.
	Units(ctx context.Context, job *core.Job) ([]Unit, error)
	// Process handles a single unit. Errors are retried unless wrapped
	// with Permanent; an error wrapped with Abort fails the job.
	Process(ctx context.Context, job *core.Job, unit Unit) error
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Workers        int
	WorkerPrefix   string
	PollInterval   time.Duration
	PollBurst      int
	MaxFileRetries int
	RetryBaseDelay time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.WorkerPrefix == "" {
		c.WorkerPrefix = "worker"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollBurst < 1 {
		c.PollBurst = 1
	}
	if c.MaxFileRetries < 0 {
		c.MaxFileRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
}

// Pool runs N workers, each holding at most one lease at a time.
type Pool struct {
	svc      *Service
	cfg      PoolConfig
	logger   *slog.Logger
	limiter  *rate.Limiter
	mu       sync.RWMutex
	handlers map[core.Phase]PhaseHandler
	busy     atomic.Int64
}

// NewPool creates a pool. Lease polls across all workers are limited to one
// per PollInterval with PollBurst burst.
func NewPool(svc *Service, cfg PoolConfig, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		svc:      svc,
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(cfg.PollInterval), cfg.PollBurst),
		handlers: make(map[core.Phase]PhaseHandler),
	}
}

// Register installs the handler for a phase, replacing any previous one.
func (p *Pool) Register(phase core.Phase, h PhaseHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[phase] = h
}

func (p *Pool) handler(phase core.Phase) (PhaseHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[phase]
	return h, ok
}

// Run works jobs until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	return p.run(ctx, false)
}

// Drain works jobs until no job is runnable and no worker is busy.
func (p *Pool) Drain(ctx context.Context) error {
	return p.run(ctx, true)
}

func (p *Pool) run(ctx context.Context, untilIdle bool) error {
	p.logger.Info("starting worker pool", "workers", p.cfg.Workers, "drain", untilIdle)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerPrefix, i+1)
		g.Go(func() error {
			p.loop(gctx, workerID, untilIdle)
			return nil
		})
	}
	err := g.Wait()
	if err == nil && untilIdle {
		err = ctx.Err()
	}
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string, untilIdle bool) {
	log := p.logger.With("worker", workerID)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			log.Debug("worker loop stopped")
			return
		}

		p.busy.Add(1)
		job, err := p.svc.LeaseJob(ctx, workerID)
		if err != nil {
			p.busy.Add(-1)
			if ctx.Err() != nil {
				return
			}
			log.Warn("lease failed", "error", err)
			continue
		}
		if job == nil {
			if p.busy.Add(-1) == 0 && untilIdle {
				return
			}
			continue
		}

		p.runJob(ctx, workerID, job)
		p.busy.Add(-1)
	}
}

// runJob processes a leased job to completion or failure. A lost lease or a
// cancelled context stops it without finishing; the lease then expires.
func (p *Pool) runJob(ctx context.Context, workerID string, job *core.Job) {
	log := p.logger.With("worker", workerID, "job_id", job.ID, "phase", job.Phase)

	jctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRenew := p.renew(jctx, cancel, workerID, job)
	defer stopRenew()

	var progress core.Progress
	fail := func(cause error) {
		if err := p.svc.FailJob(ctx, job.ID, workerID, progress, cause); err != nil {
			log.Error("failed to record job failure", "error", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("phase handler panic", "panic", r)
			fail(fmt.Errorf("phase handler panic: %v", r))
		}
	}()

	h, ok := p.handler(job.Phase)
	if !ok {
		fail(fmt.Errorf("no handler registered for phase %s", job.Phase))
		return
	}

	units, err := h.Units(jctx, job)
	if err != nil {
		if stopped(jctx) {
			log.Warn("job interrupted", "cause", context.Cause(jctx))
			return
		}
		fail(err)
		return
	}

	done, err := p.completedUnits(jctx, job)
	if err != nil {
		fail(err)
		return
	}

	progress.TotalFiles = len(units)
	var fileErrors []error
	for _, u := range units {
		if done[u.ID] {
			progress.CompletedFiles++
			continue
		}
		attempts, err := p.process(jctx, h, job, u)
		if stopped(jctx) {
			log.Warn("job interrupted", "cause", context.Cause(jctx))
			return
		}
		if err != nil && isAbort(err) {
			fail(err)
			return
		}

		result := &core.FileResult{JobID: job.ID, FileID: u.ID, Status: core.FileCompleted, Attempts: attempts}
		if err != nil {
			failure := &core.ExtractionFailure{FileID: u.ID, Attempts: attempts, Err: err}
			fileErrors = append(fileErrors, failure)
			result.Status = core.FileFailed
			result.Error = err.Error()
			progress.FailedFiles++
			log.Warn("unit failed", "unit", u.Name, "attempts", attempts, "error", err)
		} else {
			progress.CompletedFiles++
		}
		if err := p.svc.RecordFileResult(jctx, workerID, result); err != nil {
			if core.IsLeaseConflict(err) {
				log.Warn("lease lost", "error", err)
				return
			}
			fail(err)
			return
		}
		if err := p.svc.ReportProgress(jctx, job.ID, workerID, progress); err != nil {
			if core.IsLeaseConflict(err) {
				log.Warn("lease lost", "error", err)
				return
			}
			fail(err)
			return
		}
	}

	if _, err := p.svc.CompleteJob(ctx, job.ID, workerID, progress, fileErrors); err != nil {
		log.Error("failed to complete job", "error", err)
	}
}

// process runs one unit with exponential backoff and returns the number of attempts.
func (p *Pool) process(ctx context.Context, h PhaseHandler, job *core.Job, u Unit) (int, error) {
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(p.cfg.MaxFileRetries), retry.NewExponential(p.cfg.RetryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := h.Process(ctx, job, u)
		if err == nil || isAbort(err) || isPermanent(err) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	return attempts, err
}

func (p *Pool) completedUnits(ctx context.Context, job *core.Job) (map[string]bool, error) {
	results, err := p.svc.FileResults(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Status == core.FileCompleted {
			done[r.FileID] = true
		}
	}
	return done, nil
}

var errLeaseLost = errors.New("lease lost")

// renew extends the lease every third of its duration until stopped. A
// lost lease cancels the job context.
func (p *Pool) renew(ctx context.Context, cancel context.CancelCauseFunc, workerID string, job *core.Job) func() {
	interval := p.svc.LeaseDuration() / 3
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				err := p.svc.RenewLease(ctx, job.ID, workerID)
				if core.IsLeaseConflict(err) {
					cancel(errLeaseLost)
					return
				}
				if err != nil {
					p.logger.Warn("lease renewal failed", "job_id", job.ID, "worker", workerID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func stopped(ctx context.Context) bool { return ctx.Err() != nil }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the unit is recorded as failed without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
