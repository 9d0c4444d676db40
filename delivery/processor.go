// Package delivery runs the send phase of a project cycle and advances the
// project's schedule afterwards.
package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/digest/mailer"
	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
	"github.com/hexfield/digest/recurrence"
	"github.com/hexfield/digest/usage"
)

// Processor executes delivery jobs: send pending reports, then branch the
// project into its next cycle (or terminate it, for one-time projects).
//
// The skip conditions are checked in a fixed order and are silent no-ops.
// They cover the races where project state changed between scheduling and
// execution; none of them are application errors.
type Processor struct {
	projects *project.Store
	logs     *project.LogStore
	queues   *queue.Service
	sender   mailer.Sender
	tracker  *usage.Tracker
	logger   *zap.SugaredLogger
	timeNow  func() time.Time
}

// NewProcessor creates the delivery job handler
func NewProcessor(projects *project.Store, logs *project.LogStore, queues *queue.Service, sender mailer.Sender, tracker *usage.Tracker, logger *zap.SugaredLogger) *Processor {
	return &Processor{
		projects: projects,
		logs:     logs,
		queues:   queues,
		sender:   sender,
		tracker:  tracker,
		logger:   logger.Named("delivery"),
		timeNow:  time.Now,
	}
}

// NewProcessorWithClock creates a delivery handler with an injectable clock
func NewProcessorWithClock(projects *project.Store, logs *project.LogStore, queues *queue.Service, sender mailer.Sender, tracker *usage.Tracker, logger *zap.SugaredLogger, timeNow func() time.Time) *Processor {
	p := NewProcessor(projects, logs, queues, sender, tracker, logger)
	p.timeNow = timeNow
	return p
}

// Execute runs one delivery job
func (p *Processor) Execute(ctx context.Context, job *queue.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return err
	}

	proj, err := p.projects.GetProject(ctx, payload.UserID, payload.ProjectID)
	if err != nil {
		return err
	}

	if skip := p.skipReason(proj); skip != "" {
		p.logger.Infow("Skipping delivery",
			"job_id", job.ID,
			"user_id", payload.UserID,
			"project_id", payload.ProjectID,
			"reason", skip)
		return nil
	}

	pending, err := p.logs.ListPending(ctx, proj.UserID, proj.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		p.logger.Infow("Skipping delivery, no pending reports",
			"job_id", job.ID,
			"project_id", proj.ID)
		return nil
	}
	if proj.RecipientEmail == "" {
		p.logger.Infow("Skipping delivery, no recipient email",
			"job_id", job.ID,
			"project_id", proj.ID)
		return nil
	}

	// Typically exactly one pending log. A send failure returns an error so
	// the queue's retry applies; already-delivered logs are not re-sent on
	// the retry because they are no longer pending.
	for _, log := range pending {
		err := p.sender.Send(ctx, mailer.Message{
			To:      proj.RecipientEmail,
			Subject: log.Subject,
			Body:    log.Body,
		})
		if err != nil {
			return err
		}

		if err := p.logs.MarkDelivered(ctx, log.ID, p.timeNow()); err != nil {
			return err
		}

		p.logger.Infow("Report delivered",
			"project_id", proj.ID,
			"delivery_log_id", log.ID,
			"to", proj.RecipientEmail)
	}

	return p.advance(ctx, proj, payload)
}

// skipReason returns a non-empty reason when the job must no-op. Order
// matters: a missing project short-circuits before any field access, and the
// handoff token is checked before status so an edited-then-deleted project
// still skips for the most informative reason.
func (p *Processor) skipReason(proj *project.Project) string {
	switch {
	case proj == nil:
		return "project missing"
	case proj.PreparedDeliveryLogID == "":
		return "no prepared report"
	case proj.Status == project.StatusDeleted:
		return "project deleted"
	default:
		return ""
	}
}

// advance moves the project into its next cycle after a successful delivery.
// The three branches are mutually exclusive.
func (p *Processor) advance(ctx context.Context, proj *project.Project, payload *queue.Payload) error {
	now := p.timeNow()
	nowMs := project.EpochMs(now)

	// One-time project: terminal for this cycle. Stays paused until the user
	// reactivates it.
	if proj.Frequency == project.FrequencyOnce {
		if err := p.tracker.RecordOneShotRun(ctx, proj.UserID, now); err != nil {
			return err
		}
		if err := p.projects.FinishOnceRun(ctx, proj.UserID, proj.ID, nowMs); err != nil {
			return err
		}
		p.logger.Infow("One-time project completed", "project_id", proj.ID)
		return nil
	}

	oneShot := proj.ThisRunIsOneShot || proj.IsOneShot || payload.IsOneShot

	// A manual one-off run on a recurring project consumes usage but must
	// not disturb the underlying cadence: the next run is the regular
	// recurrence, computed fresh.
	if oneShot {
		if err := p.tracker.RecordOneShotRun(ctx, proj.UserID, now); err != nil {
			return err
		}
	}

	nextRunAt, err := recurrence.Next(proj.Frequency, proj.DeliveryTime, proj.Timezone, proj.DayOfWeek, proj.DayOfMonth, now)
	if err != nil {
		return err
	}

	if err := p.projects.AdvanceSchedule(ctx, proj.UserID, proj.ID, nextRunAt, nowMs, oneShot); err != nil {
		return err
	}

	// A zero next run means the calculator signalled no further occurrence;
	// the project stops advancing until explicitly reactivated.
	if nextRunAt == 0 {
		p.logger.Warnw("No further occurrence computed, project not rescheduled",
			"project_id", proj.ID,
			"frequency", proj.Frequency)
		return nil
	}

	if _, err := p.queues.ScheduleResearch(ctx, proj.UserID, proj.ID, proj.Title, nextRunAt, false, false); err != nil {
		return err
	}

	p.logger.Infow("Project advanced to next cycle",
		"project_id", proj.ID,
		"next_run_at", time.UnixMilli(nextRunAt).UTC().Format(time.RFC3339),
		"one_shot_run", oneShot)
	return nil
}

// OnExhausted marks the pending report failed and surfaces the error on the
// project. Transient send failures never reach here; only an exhausted retry
// budget makes the failure terminal.
func (p *Processor) OnExhausted(ctx context.Context, job *queue.Job, jobErr error) {
	payload, err := job.DecodePayload()
	if err != nil {
		p.logger.Errorw("Failed to decode exhausted job payload", "job_id", job.ID, "error", err)
		return
	}

	pending, err := p.logs.ListPending(ctx, payload.UserID, payload.ProjectID)
	if err != nil {
		p.logger.Errorw("Failed to list pending logs for exhausted job",
			"job_id", job.ID, "error", err)
	}
	for _, log := range pending {
		if err := p.logs.MarkFailed(ctx, log.ID, jobErr.Error()); err != nil {
			p.logger.Errorw("Failed to mark delivery log failed",
				"delivery_log_id", log.ID, "error", err)
		}
	}

	if err := p.projects.SetLastError(ctx, payload.UserID, payload.ProjectID, jobErr.Error()); err != nil {
		p.logger.Errorw("Failed to record delivery failure on project",
			"job_id", job.ID,
			"project_id", payload.ProjectID,
			"error", err)
	}
}

var (
	_ queue.Handler           = (*Processor)(nil)
	_ queue.ExhaustionHandler = (*Processor)(nil)
)
