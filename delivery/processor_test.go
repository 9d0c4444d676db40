package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/errors"
	digesttest "github.com/hexfield/digest/internal/testing"
	"github.com/hexfield/digest/mailer"
	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
	"github.com/hexfield/digest/usage"
)

type stubSender struct {
	sent []mailer.Message
	err  error
}

func (s *stubSender) Send(_ context.Context, msg mailer.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type fixture struct {
	projects *project.Store
	logs     *project.LogStore
	queues   *queue.Service
	tracker  *usage.Tracker
	sender   *stubSender
	proc     *Processor
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := digesttest.CreateTestDB(t)
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := config.SchedulerConfig{
		PreRunOffsetMinutes:    10,
		ResearchAttempts:       3,
		ResearchBackoffSeconds: 60,
		DeliveryAttempts:       5,
		DeliveryBackoffSeconds: 5,
	}

	projects := project.NewStore(conn)
	logs := project.NewLogStore(conn)
	queues := queue.NewServiceWithClock(queue.NewStore(conn), cfg, zap.NewNop().Sugar(), clock)
	tracker := usage.NewTracker(conn)
	sender := &stubSender{}

	return &fixture{
		projects: projects,
		logs:     logs,
		queues:   queues,
		tracker:  tracker,
		sender:   sender,
		proc:     NewProcessorWithClock(projects, logs, queues, sender, tracker, zap.NewNop().Sugar(), clock),
		now:      now,
	}
}

// createReadyProject sets up a project that has completed its research phase:
// pending log persisted and handoff token set.
func (f *fixture) createReadyProject(t *testing.T, frequency string, mutate func(*project.Project)) string {
	t.Helper()
	ctx := context.Background()

	next := f.now.UnixMilli()
	p := &project.Project{
		UserID:         "u1",
		ID:             "p1",
		Title:          "Fusion startups",
		Frequency:      frequency,
		DeliveryTime:   "09:00",
		Timezone:       "UTC",
		Status:         project.StatusActive,
		NextRunAt:      &next,
		RecipientEmail: "user@example.com",
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.projects.CreateProject(ctx, p))

	logID, err := f.logs.CreatePending(ctx, "u1", "p1", "Report: Fusion startups", "findings")
	require.NoError(t, err)
	require.NoError(t, f.projects.SetPreparedDeliveryLog(ctx, "u1", "p1", logID))
	return logID
}

func deliveryJob(t *testing.T, nextRunAt int64, isOneShot bool) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(queue.Payload{
		UserID:    "u1",
		ProjectID: "p1",
		NextRunAt: nextRunAt,
		IsOneShot: isOneShot,
	})
	require.NoError(t, err)
	return &queue.Job{ID: "delivery:u1:p1", Queue: queue.QueueDelivery, Payload: raw}
}

func TestExecuteDeliversAndAdvancesRecurring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logID := f.createReadyProject(t, project.FrequencyDaily, nil)

	err := f.proc.Execute(ctx, deliveryJob(t, f.now.UnixMilli(), false))
	require.NoError(t, err)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "user@example.com", f.sender.sent[0].To)
	assert.Equal(t, "Report: Fusion startups", f.sender.sent[0].Subject)

	log, err := f.logs.GetLog(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, project.LogStatusSuccess, log.Status)
	require.NotNil(t, log.DeliveredAt)

	// Advanced to tomorrow 09:00 and research re-scheduled
	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, proj.NextRunAt)
	expected := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, expected, *proj.NextRunAt)
	assert.Empty(t, proj.PreparedDeliveryLogID)
	require.NotNil(t, proj.LastRunAt)
	assert.Equal(t, f.now.UnixMilli(), *proj.LastRunAt)

	job, err := f.queues.Store().GetJob(ctx, queue.QueueResearch, "research:u1:p1")
	require.NoError(t, err)
	require.NotNil(t, job)
	payload, err := job.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, expected, payload.NextRunAt)

	// No one-shot usage consumed on a regular recurring run
	runs, err := f.tracker.OneShotRuns(ctx, "u1", f.now)
	require.NoError(t, err)
	assert.Zero(t, runs)
}

func TestExecuteOnceProjectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReadyProject(t, project.FrequencyOnce, nil)

	err := f.proc.Execute(ctx, deliveryJob(t, f.now.UnixMilli(), false))
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1)

	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusPaused, proj.Status)
	assert.Nil(t, proj.NextRunAt)
	assert.Empty(t, proj.PreparedDeliveryLogID)

	// Usage consumed, no research re-scheduled
	runs, err := f.tracker.OneShotRuns(ctx, "u1", f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	job, err := f.queues.Store().GetJob(ctx, queue.QueueResearch, "research:u1:p1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestExecuteOneShotRunPreservesCadence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReadyProject(t, project.FrequencyDaily, func(p *project.Project) {
		p.ThisRunIsOneShot = true
	})

	err := f.proc.Execute(ctx, deliveryJob(t, f.now.UnixMilli(), true))
	require.NoError(t, err)

	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	// Regular recurrence continues and the one-shot flag is cleared
	require.NotNil(t, proj.NextRunAt)
	expected := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, expected, *proj.NextRunAt)
	assert.False(t, proj.ThisRunIsOneShot)

	runs, err := f.tracker.OneShotRuns(ctx, "u1", f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	job, err := f.queues.Store().GetJob(ctx, queue.QueueResearch, "research:u1:p1")
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestExecuteSkipsMissingProject(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Execute(context.Background(), deliveryJob(t, f.now.UnixMilli(), false))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)
}

func TestExecuteSkipsWithoutPreparedLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	next := f.now.UnixMilli()
	require.NoError(t, f.projects.CreateProject(ctx, &project.Project{
		UserID: "u1", ID: "p1", Title: "Topic",
		Frequency: project.FrequencyDaily, DeliveryTime: "09:00", Timezone: "UTC",
		Status: project.StatusActive, NextRunAt: &next,
		RecipientEmail: "user@example.com",
	}))

	err := f.proc.Execute(ctx, deliveryJob(t, next, false))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)

	// Skip means no advancement either
	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, next, *proj.NextRunAt)
}

func TestExecuteSkipsDeletedProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReadyProject(t, project.FrequencyDaily, nil)
	require.NoError(t, f.projects.SetStatus(ctx, "u1", "p1", project.StatusDeleted))

	err := f.proc.Execute(ctx, deliveryJob(t, f.now.UnixMilli(), false))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)
}

func TestExecuteSkipsWithoutRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReadyProject(t, project.FrequencyDaily, func(p *project.Project) {
		p.RecipientEmail = ""
	})

	err := f.proc.Execute(ctx, deliveryJob(t, f.now.UnixMilli(), false))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)
}

func TestExecuteSendFailureLeavesLogPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logID := f.createReadyProject(t, project.FrequencyDaily, nil)
	f.sender.err = errors.New("smtp unreachable")

	err := f.proc.Execute(ctx, deliveryJob(t, f.now.UnixMilli(), false))
	assert.Error(t, err)

	// Log stays pending so the retry can pick it up
	log, err := f.logs.GetLog(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, project.LogStatusPending, log.Status)

	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, proj.PreparedDeliveryLogID)
}

func TestOnExhaustedMarksLogFailedAndRecordsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logID := f.createReadyProject(t, project.FrequencyDaily, nil)

	f.proc.OnExhausted(ctx, deliveryJob(t, f.now.UnixMilli(), false), errors.New("smtp unreachable"))

	log, err := f.logs.GetLog(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, project.LogStatusFailed, log.Status)
	assert.Equal(t, "smtp unreachable", log.Error)

	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "smtp unreachable", proj.LastError)
}
