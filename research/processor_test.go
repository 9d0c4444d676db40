package research

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
	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
)

type stubResearcher struct {
	report *Report
	err    error
	calls  int
}

func (s *stubResearcher) Research(_ context.Context, projectTitle string) (*Report, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.report != nil {
		return s.report, nil
	}
	return &Report{Subject: "Report: " + projectTitle, Body: "findings"}, nil
}

type fixture struct {
	projects *project.Store
	logs     *project.LogStore
	queues   *queue.Service
	stub     *stubResearcher
	proc     *Processor
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := digesttest.CreateTestDB(t)
	now := time.Date(2026, 3, 3, 8, 50, 0, 0, time.UTC)

	cfg := config.SchedulerConfig{
		PreRunOffsetMinutes:    10,
		ResearchAttempts:       3,
		ResearchBackoffSeconds: 60,
		DeliveryAttempts:       5,
		DeliveryBackoffSeconds: 5,
	}

	projects := project.NewStore(conn)
	logs := project.NewLogStore(conn)
	queues := queue.NewServiceWithClock(queue.NewStore(conn), cfg, zap.NewNop().Sugar(), func() time.Time { return now })
	stub := &stubResearcher{}

	return &fixture{
		projects: projects,
		logs:     logs,
		queues:   queues,
		stub:     stub,
		proc:     NewProcessor(projects, logs, queues, stub, zap.NewNop().Sugar()),
		now:      now,
	}
}

func (f *fixture) createProject(t *testing.T, nextRunAt int64) {
	t.Helper()
	next := nextRunAt
	err := f.projects.CreateProject(context.Background(), &project.Project{
		UserID:         "u1",
		ID:             "p1",
		Title:          "Fusion startups",
		Frequency:      project.FrequencyDaily,
		DeliveryTime:   "09:00",
		Timezone:       "UTC",
		Status:         project.StatusActive,
		NextRunAt:      &next,
		RecipientEmail: "user@example.com",
	})
	require.NoError(t, err)
}

func researchJob(t *testing.T, nextRunAt int64, isRunNow bool) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(queue.Payload{
		UserID:    "u1",
		ProjectID: "p1",
		NextRunAt: nextRunAt,
		IsRunNow:  isRunNow,
	})
	require.NoError(t, err)
	return &queue.Job{ID: "research:u1:p1", Queue: queue.QueueResearch, Payload: raw}
}

func TestExecuteSuccessPersistsReportAndSchedulesDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := f.now.Add(10 * time.Minute).UnixMilli()
	f.createProject(t, deadline)

	err := f.proc.Execute(ctx, researchJob(t, deadline, false))
	require.NoError(t, err)
	assert.Equal(t, 1, f.stub.calls)

	// Pending log created and handoff token recorded
	pending, err := f.logs.ListPending(ctx, "u1", "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Report: Fusion startups", pending[0].Subject)

	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, pending[0].ID, proj.PreparedDeliveryLogID)

	// Delivery scheduled for the deadline
	job, err := f.queues.Store().GetJob(ctx, queue.QueueDelivery, "delivery:u1:p1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, deadline, job.RunAt.UnixMilli())
}

func TestExecuteSkipsMissingProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.proc.Execute(ctx, researchJob(t, f.now.UnixMilli(), false))
	require.NoError(t, err)
	assert.Zero(t, f.stub.calls)
}

func TestExecuteSkipsDeletedProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := f.now.Add(10 * time.Minute).UnixMilli()
	f.createProject(t, deadline)
	require.NoError(t, f.projects.SetStatus(ctx, "u1", "p1", project.StatusDeleted))

	err := f.proc.Execute(ctx, researchJob(t, deadline, false))
	require.NoError(t, err)
	assert.Zero(t, f.stub.calls)
}

func TestExecuteSkipsSupersededJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := f.now.Add(10 * time.Minute).UnixMilli()
	f.createProject(t, deadline)

	// The project was edited after this job was dispatched
	stale := researchJob(t, deadline-60_000, false)
	err := f.proc.Execute(ctx, stale)
	require.NoError(t, err)
	assert.Zero(t, f.stub.calls)

	pending, err := f.logs.ListPending(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecuteRunNowIgnoresScheduleMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := f.now.Add(10 * time.Minute).UnixMilli()
	f.createProject(t, deadline)

	err := f.proc.Execute(ctx, researchJob(t, deadline-60_000, true))
	require.NoError(t, err)
	assert.Equal(t, 1, f.stub.calls)
}

func TestExecutePropagatesResearchError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := f.now.Add(10 * time.Minute).UnixMilli()
	f.createProject(t, deadline)
	f.stub.err = errors.New("rate limited")

	err := f.proc.Execute(ctx, researchJob(t, deadline, false))
	assert.Error(t, err)

	pending, err := f.logs.ListPending(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOnExhaustedRecordsLastError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := f.now.Add(10 * time.Minute).UnixMilli()
	f.createProject(t, deadline)

	f.proc.OnExhausted(ctx, researchJob(t, deadline, false), errors.New("rate limited"))

	proj, err := f.projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "rate limited", proj.LastError)
}
