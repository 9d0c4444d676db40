package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler executes jobs from one queue.
//
// A nil return marks the job completed. This includes benign skips: when the
// project was deleted, edited, or superseded between scheduling and
// execution, the processor logs and returns nil rather than erroring. An
// error return consumes one retry attempt.
type Handler interface {
	Execute(ctx context.Context, job *Job) error
}

// ExhaustionHandler is implemented by handlers that need to react when a
// job's retry budget runs out (e.g., surface lastError on the project).
type ExhaustionHandler interface {
	OnExhausted(ctx context.Context, job *Job, jobErr error)
}

// WorkerPoolConfig contains configuration for one queue's worker pool
type WorkerPoolConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchLimit   int // max due jobs fetched per poll (default: 100)
}

// WorkerPool polls one queue for due jobs and dispatches them to a handler.
// Jobs for different projects execute concurrently across workers; the
// deterministic id scheme means no two live jobs target the same project on
// the same queue outside the intentional collision path.
type WorkerPool struct {
	queue   Name
	store   *Store
	handler Handler
	cfg     WorkerPoolConfig
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	due    chan *Job
}

// NewWorkerPool creates a worker pool for a queue
func NewWorkerPool(ctx context.Context, queue Name, store *Store, handler Handler, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	poolCtx, cancel := context.WithCancel(ctx)

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}

	return &WorkerPool{
		queue:   queue,
		store:   store,
		handler: handler,
		cfg:     cfg,
		logger:  logger.Named(string(queue)),
		timeNow: time.Now,
		ctx:     poolCtx,
		cancel:  cancel,
		due:     make(chan *Job),
	}
}

// Start recovers orphaned jobs and begins the poll loop and workers
func (wp *WorkerPool) Start() {
	// Jobs stuck in active state belong to a previous process that died
	// mid-execution; make them eligible again. At-least-once delivery is
	// the contract, and the processors' staleness checks absorb replays.
	released, err := wp.store.ReleaseActive(wp.ctx, wp.queue)
	if err != nil {
		wp.logger.Warnw("Failed to release orphaned jobs", "error", err)
	} else if released > 0 {
		wp.logger.Infow("Released orphaned jobs from previous run", "count", released)
	}

	wp.wg.Add(1)
	go wp.pollLoop()

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}

	wp.logger.Infow("Worker pool started",
		"workers", wp.cfg.Workers,
		"poll_interval", wp.cfg.PollInterval)
}

// Stop cancels the pool and waits for in-flight jobs to finish
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Infow("Worker pool stopped")
}

func (wp *WorkerPool) pollLoop() {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			close(wp.due)
			return
		case <-ticker.C:
			if err := wp.dispatchDue(); err != nil {
				wp.logger.Warnw("Poll error", "error", err)
			}
		}
	}
}

// dispatchDue claims due jobs and hands them to workers. Claiming happens in
// the poll loop so a job is handed to exactly one worker even when several
// pools share the database.
func (wp *WorkerPool) dispatchDue() error {
	jobs, err := wp.store.DueJobs(wp.ctx, wp.queue, wp.timeNow(), wp.cfg.BatchLimit)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		claimed, err := wp.store.Claim(wp.ctx, wp.queue, job.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue // another worker got there first
		}
		job.State = StateActive

		select {
		case wp.due <- job:
		case <-wp.ctx.Done():
			return wp.ctx.Err()
		}
	}

	return nil
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for job := range wp.due {
		wp.process(job)
	}
}

func (wp *WorkerPool) process(job *Job) {
	start := wp.timeNow()

	err := wp.handler.Execute(wp.ctx, job)
	now := wp.timeNow()

	if err == nil {
		job.State = StateCompleted
		job.Error = ""
		job.CompletedAt = &now
		if updateErr := wp.store.Update(wp.ctx, job); updateErr != nil {
			wp.logger.Errorw("Failed to mark job completed", "job_id", job.ID, "error", updateErr)
		}
		wp.logger.Debugw("Job completed",
			"job_id", job.ID,
			"duration", now.Sub(start))
		return
	}

	job.Attempts++
	job.Error = err.Error()

	if job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		job.CompletedAt = &now
		if updateErr := wp.store.Update(wp.ctx, job); updateErr != nil {
			wp.logger.Errorw("Failed to mark job failed", "job_id", job.ID, "error", updateErr)
		}
		wp.logger.Errorw("Job failed, attempts exhausted",
			"job_id", job.ID,
			"attempts", job.Attempts,
			"error", err)

		if eh, ok := wp.handler.(ExhaustionHandler); ok {
			eh.OnExhausted(wp.ctx, job, err)
		}
		return
	}

	// Retry with exponential backoff from the job's initial backoff
	backoff := job.NextBackoff()
	job.State = StateDelayed
	job.RunAt = now.Add(backoff)
	if updateErr := wp.store.Update(wp.ctx, job); updateErr != nil {
		wp.logger.Errorw("Failed to reschedule job for retry", "job_id", job.ID, "error", updateErr)
		return
	}

	wp.logger.Warnw("Job failed, retrying",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"backoff", backoff,
		"error", err)
}

// RunCleanup removes completed/failed jobs past their retention windows
func (wp *WorkerPool) RunCleanup(completedRetention, failedRetention time.Duration) {
	removed, err := wp.store.Cleanup(wp.ctx, completedRetention, failedRetention)
	if err != nil {
		wp.logger.Warnw("Job cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		wp.logger.Infow("Cleaned up old jobs", "removed", removed)
	}
}
