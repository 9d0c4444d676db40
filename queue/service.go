package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/errors"
)

// Service is the single authority for creating, replacing, and cancelling
// research and delivery jobs. It enforces the at-most-one-outstanding-job
// invariant per project per queue through deterministic job naming: a
// re-schedule under the same id replaces the previous job.
//
// The one intentional exception is a schedule request arriving while the
// existing job is executing. The active job cannot be removed, so the
// replacement is enqueued under a timestamp-suffixed id and the running job
// is expected to no-op through the processors' staleness check.
type Service struct {
	store   *Store
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	mu  sync.RWMutex
	cfg config.SchedulerConfig
}

// NewService creates a queue service with a real clock
func NewService(store *Store, cfg config.SchedulerConfig, logger *zap.SugaredLogger) *Service {
	return NewServiceWithClock(store, cfg, logger, time.Now)
}

// NewServiceWithClock creates a queue service with an injectable clock (for testing)
func NewServiceWithClock(store *Store, cfg config.SchedulerConfig, logger *zap.SugaredLogger, timeNow func() time.Time) *Service {
	return &Service{
		store:   store,
		logger:  logger,
		timeNow: timeNow,
		cfg:     cfg,
	}
}

// UpdateConfig swaps the scheduler knobs at runtime (config hot-reload)
func (s *Service) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Service) schedulerConfig() config.SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Store returns the underlying job store (used by worker pools)
func (s *Service) Store() *Store {
	return s.store
}

// ScheduleResearch enqueues the project's research job, replacing any
// existing research job and cancelling any pending delivery job - a fresh
// research cycle supersedes a delivery prepared by a stale one. Research
// starts preRunOffset before the delivery deadline so the report is ready
// in time.
func (s *Service) ScheduleResearch(ctx context.Context, userID, projectID, projectTitle string, nextRunAt int64, isRunNow, isOneShot bool) (*Job, error) {
	cfg := s.schedulerConfig()
	now := s.timeNow()

	// A superseded delivery must not fire with a stale report. An active
	// delivery cannot be removed; it no-ops via the prepared-log guard.
	if _, err := s.clearRemovableJobs(ctx, QueueDelivery, userID, projectID); err != nil {
		return nil, err
	}

	activeBase, err := s.clearRemovableJobs(ctx, QueueResearch, userID, projectID)
	if err != nil {
		return nil, err
	}

	id := JobID(QueueResearch, userID, projectID)
	if activeBase {
		// The running job will detect it is stale and skip; the new job
		// takes a collision-safe identity instead of failing.
		id = SuffixedJobID(QueueResearch, userID, projectID, now)
		s.logger.Infow("Research job active, scheduling replacement under suffixed id",
			"user_id", userID,
			"project_id", projectID,
			"job_id", id)
	}

	var delay time.Duration
	if !isRunNow {
		delay = untilMs(now, nextRunAt) - cfg.PreRunOffset()
		if delay < 0 {
			delay = 0
		}
	}

	return s.enqueue(ctx, QueueResearch, id, Payload{
		UserID:       userID,
		ProjectID:    projectID,
		ProjectTitle: projectTitle,
		NextRunAt:    nextRunAt,
		IsRunNow:     isRunNow,
		IsOneShot:    isOneShot,
	}, now, delay, cfg.ResearchAttempts, cfg.ResearchBackoff())
}

// ScheduleDelivery enqueues the project's delivery job for the delivery
// deadline itself. Delivery gets a more generous retry budget than research
// because email failures are typically transient and a prepared report must
// not be dropped silently.
func (s *Service) ScheduleDelivery(ctx context.Context, userID, projectID, projectTitle string, nextRunAt int64, isRunNow, isOneShot bool) (*Job, error) {
	cfg := s.schedulerConfig()
	now := s.timeNow()

	activeBase, err := s.clearRemovableJobs(ctx, QueueDelivery, userID, projectID)
	if err != nil {
		return nil, err
	}

	id := JobID(QueueDelivery, userID, projectID)
	if activeBase {
		id = SuffixedJobID(QueueDelivery, userID, projectID, now)
		s.logger.Infow("Delivery job active, scheduling replacement under suffixed id",
			"user_id", userID,
			"project_id", projectID,
			"job_id", id)
	}

	var delay time.Duration
	if !isRunNow {
		delay = untilMs(now, nextRunAt)
		if delay < 0 {
			delay = 0
		}
	}

	return s.enqueue(ctx, QueueDelivery, id, Payload{
		UserID:       userID,
		ProjectID:    projectID,
		ProjectTitle: projectTitle,
		NextRunAt:    nextRunAt,
		IsRunNow:     isRunNow,
		IsOneShot:    isOneShot,
	}, now, delay, cfg.DeliveryAttempts, cfg.DeliveryBackoff())
}

// CancelProjectJobs removes the project's jobs from both queues, including
// timestamp-suffixed collision variants. Used on delete/pause so nothing
// orphaned fires after the project is gone. Jobs that are mid-execution
// cannot be removed; their processors skip once they observe the project's
// new state.
func (s *Service) CancelProjectJobs(ctx context.Context, userID, projectID string) error {
	for _, queue := range []Name{QueueResearch, QueueDelivery} {
		if _, err := s.clearRemovableJobs(ctx, queue, userID, projectID); err != nil {
			return err
		}
	}
	return nil
}

// HasResearchJob reports whether the project has a live research job
// (waiting, delayed, or active), including suffixed collision variants.
// Used by the recovery scan to avoid double-scheduling.
func (s *Service) HasResearchJob(ctx context.Context, userID, projectID string) (bool, error) {
	return s.hasLiveJob(ctx, QueueResearch, userID, projectID)
}

// HasDeliveryJob reports whether the project has a live delivery job
func (s *Service) HasDeliveryJob(ctx context.Context, userID, projectID string) (bool, error) {
	return s.hasLiveJob(ctx, QueueDelivery, userID, projectID)
}

func (s *Service) hasLiveJob(ctx context.Context, queue Name, userID, projectID string) (bool, error) {
	jobs, err := s.store.ListProjectJobs(ctx, queue, JobID(queue, userID, projectID))
	if err != nil {
		return false, err
	}

	for _, job := range jobs {
		for _, live := range LiveStates {
			if job.State == live {
				return true, nil
			}
		}
	}
	return false, nil
}

// clearRemovableJobs removes the project's removable jobs on a queue (base
// id and suffixed variants). Absence is success. Returns whether the
// base-named job is currently active and therefore could not be removed.
func (s *Service) clearRemovableJobs(ctx context.Context, queue Name, userID, projectID string) (activeBase bool, err error) {
	baseID := JobID(queue, userID, projectID)

	jobs, err := s.store.ListProjectJobs(ctx, queue, baseID)
	if err != nil {
		return false, err
	}

	for _, job := range jobs {
		if job.State == StateActive {
			if job.ID == baseID {
				activeBase = true
			}
			continue
		}
		if err := s.store.Remove(ctx, queue, job.ID); err != nil {
			// A worker may have claimed the job between list and remove;
			// that race resolves exactly like finding it active up front.
			if errors.IsJobActive(err) {
				if job.ID == baseID {
					activeBase = true
				}
				continue
			}
			return false, err
		}
	}

	return activeBase, nil
}

func (s *Service) enqueue(ctx context.Context, queue Name, id string, payload Payload, now time.Time, delay time.Duration, attempts int, backoff time.Duration) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job payload")
	}

	state := StateWaiting
	if delay > 0 {
		state = StateDelayed
	}

	job := &Job{
		ID:          id,
		Queue:       queue,
		Payload:     raw,
		State:       state,
		RunAt:       now.Add(delay),
		MaxAttempts: attempts,
		Backoff:     backoff,
	}

	if err := s.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Debugw("Job scheduled",
		"queue", queue,
		"job_id", id,
		"run_at", job.RunAt.Format(time.RFC3339),
		"delay", delay,
		"run_now", payload.IsRunNow)

	return job, nil
}

// untilMs returns the duration from now until an epoch-ms instant
func untilMs(now time.Time, epochMs int64) time.Duration {
	return time.UnixMilli(epochMs).Sub(now)
}
