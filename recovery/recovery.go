// Package recovery re-schedules projects whose expected job went missing,
// typically after a crash or an unclean restart.
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
)

// Scanner walks the active scheduled projects and restores any missing
// research job. It only fills gaps; projects with a live job on either queue
// are left alone so a scan can never cause a duplicate run.
type Scanner struct {
	projects *project.Store
	queues   *queue.Service
	logger   *zap.SugaredLogger
}

// NewScanner creates a recovery scanner
func NewScanner(projects *project.Store, queues *queue.Service, logger *zap.SugaredLogger) *Scanner {
	return &Scanner{
		projects: projects,
		queues:   queues,
		logger:   logger.Named("recovery"),
	}
}

// Scan runs one recovery pass and returns how many projects were re-scheduled.
// A per-project failure is logged and skipped; one broken project must not
// stall recovery of the rest.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	projects, err := s.projects.ListActiveScheduled(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, proj := range projects {
		ok, err := s.restoreProject(ctx, proj)
		if err != nil {
			s.logger.Warnw("Recovery check failed for project",
				"user_id", proj.UserID,
				"project_id", proj.ID,
				"error", err)
			continue
		}
		if ok {
			restored++
		}
	}

	if restored > 0 {
		s.logger.Infow("Recovery scan restored missing jobs",
			"scanned", len(projects),
			"restored", restored)
	}
	return restored, nil
}

func (s *Scanner) restoreProject(ctx context.Context, proj *project.Project) (bool, error) {
	hasResearch, err := s.queues.HasResearchJob(ctx, proj.UserID, proj.ID)
	if err != nil {
		return false, err
	}
	if hasResearch {
		return false, nil
	}

	// A delivery job means research already ran this cycle; the cycle is
	// still in flight and needs nothing from us.
	hasDelivery, err := s.queues.HasDeliveryJob(ctx, proj.UserID, proj.ID)
	if err != nil {
		return false, err
	}
	if hasDelivery {
		return false, nil
	}

	s.logger.Infow("Restoring missing research job",
		"user_id", proj.UserID,
		"project_id", proj.ID,
		"next_run_at", *proj.NextRunAt)

	if _, err := s.queues.ScheduleResearch(ctx, proj.UserID, proj.ID, proj.Title, *proj.NextRunAt, false, false); err != nil {
		return false, err
	}
	return true, nil
}

// Runner executes recovery scans on a fixed cadence
type Runner struct {
	scanner  *Scanner
	interval time.Duration
	logger   *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a periodic recovery runner
func NewRunner(scanner *Scanner, interval time.Duration, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		scanner:  scanner,
		interval: interval,
		logger:   logger.Named("recovery"),
	}
}

// Start runs an immediate scan, then one per interval until Stop
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if _, err := r.scanner.Scan(runCtx); err != nil {
			r.logger.Warnw("Recovery scan failed", "error", err)
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.scanner.Scan(runCtx); err != nil {
					r.logger.Warnw("Recovery scan failed", "error", err)
				}
			}
		}
	}()

	r.logger.Infow("Recovery runner started", "interval", r.interval)
}

// Stop cancels the runner and waits for an in-flight scan to finish
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
