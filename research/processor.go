package research

import (
	"context"

	"go.uber.org/zap"

	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
)

// Processor executes research jobs. It re-fetches the project at dispatch
// time and treats any mismatch with the dispatched payload as a benign skip:
// project state is the source of truth, the job is only a trigger.
type Processor struct {
	projects   *project.Store
	logs       *project.LogStore
	queues     *queue.Service
	researcher Researcher
	logger     *zap.SugaredLogger
}

// NewProcessor creates the research job handler
func NewProcessor(projects *project.Store, logs *project.LogStore, queues *queue.Service, researcher Researcher, logger *zap.SugaredLogger) *Processor {
	return &Processor{
		projects:   projects,
		logs:       logs,
		queues:     queues,
		researcher: researcher,
		logger:     logger.Named("research"),
	}
}

// Execute runs one research job: generate the report, persist it as a
// pending delivery log, record the handoff token, and schedule delivery.
func (p *Processor) Execute(ctx context.Context, job *queue.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return err
	}

	proj, err := p.projects.GetProject(ctx, payload.UserID, payload.ProjectID)
	if err != nil {
		return err
	}
	if proj == nil || proj.Status == project.StatusDeleted {
		p.logger.Infow("Skipping research, project gone",
			"job_id", job.ID,
			"user_id", payload.UserID,
			"project_id", payload.ProjectID)
		return nil
	}
	if payload.Superseded(proj.NextRunAt) {
		p.logger.Infow("Skipping research, job superseded by newer schedule",
			"job_id", job.ID,
			"project_id", proj.ID,
			"dispatched_next_run_at", payload.NextRunAt)
		return nil
	}

	report, err := p.researcher.Research(ctx, proj.Title)
	if err != nil {
		return err
	}

	logID, err := p.logs.CreatePending(ctx, proj.UserID, proj.ID, report.Subject, report.Body)
	if err != nil {
		return err
	}

	if err := p.projects.SetPreparedDeliveryLog(ctx, proj.UserID, proj.ID, logID); err != nil {
		return err
	}

	// Delivery is scheduled against the project's current deadline, not the
	// one this job was dispatched with.
	deliverAt := payload.NextRunAt
	if proj.NextRunAt != nil {
		deliverAt = *proj.NextRunAt
	}
	if _, err := p.queues.ScheduleDelivery(ctx, proj.UserID, proj.ID, proj.Title, deliverAt, payload.IsRunNow, payload.IsOneShot); err != nil {
		return err
	}

	p.logger.Infow("Research completed, delivery scheduled",
		"job_id", job.ID,
		"project_id", proj.ID,
		"delivery_log_id", logID)
	return nil
}

// OnExhausted surfaces the terminal failure on the project record. The
// project is left un-scheduled; a user action or the recovery scan restarts
// the cycle.
func (p *Processor) OnExhausted(ctx context.Context, job *queue.Job, jobErr error) {
	payload, err := job.DecodePayload()
	if err != nil {
		p.logger.Errorw("Failed to decode exhausted job payload", "job_id", job.ID, "error", err)
		return
	}

	if err := p.projects.SetLastError(ctx, payload.UserID, payload.ProjectID, jobErr.Error()); err != nil {
		p.logger.Errorw("Failed to record research failure on project",
			"job_id", job.ID,
			"project_id", payload.ProjectID,
			"error", err)
	}
}

var (
	_ queue.Handler           = (*Processor)(nil)
	_ queue.ExhaustionHandler = (*Processor)(nil)
)
