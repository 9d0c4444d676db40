package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hexfield/digest/config"
	digesttest "github.com/hexfield/digest/internal/testing"
	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
)

func newScanner(t *testing.T, now time.Time) (*Scanner, *project.Store, *queue.Service) {
	t.Helper()
	conn := digesttest.CreateTestDB(t)

	cfg := config.SchedulerConfig{
		PreRunOffsetMinutes:    10,
		ResearchAttempts:       3,
		ResearchBackoffSeconds: 60,
		DeliveryAttempts:       5,
		DeliveryBackoffSeconds: 5,
	}

	projects := project.NewStore(conn)
	queues := queue.NewServiceWithClock(queue.NewStore(conn), cfg, zap.NewNop().Sugar(), func() time.Time { return now })
	return NewScanner(projects, queues, zap.NewNop().Sugar()), projects, queues
}

func createActiveProject(t *testing.T, projects *project.Store, id string, nextRunAt int64) {
	t.Helper()
	next := nextRunAt
	require.NoError(t, projects.CreateProject(context.Background(), &project.Project{
		UserID:         "u1",
		ID:             id,
		Title:          "Topic " + id,
		Frequency:      project.FrequencyDaily,
		DeliveryTime:   "09:00",
		Timezone:       "UTC",
		Status:         project.StatusActive,
		NextRunAt:      &next,
		RecipientEmail: "user@example.com",
	}))
}

func TestScanRestoresMissingResearchJob(t *testing.T) {
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	scanner, projects, queues := newScanner(t, now)
	ctx := context.Background()

	nextRunAt := now.Add(time.Hour).UnixMilli()
	createActiveProject(t, projects, "p1", nextRunAt)

	restored, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	job, err := queues.Store().GetJob(ctx, queue.QueueResearch, "research:u1:p1")
	require.NoError(t, err)
	require.NotNil(t, job)

	payload, err := job.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, nextRunAt, payload.NextRunAt)
}

func TestScanLeavesProjectsWithLiveResearchJob(t *testing.T) {
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	scanner, projects, queues := newScanner(t, now)
	ctx := context.Background()

	nextRunAt := now.Add(time.Hour).UnixMilli()
	createActiveProject(t, projects, "p1", nextRunAt)
	_, err := queues.ScheduleResearch(ctx, "u1", "p1", "Topic p1", nextRunAt, false, false)
	require.NoError(t, err)

	restored, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)

	// Still exactly one job
	jobs, err := queues.Store().ListProjectJobs(ctx, queue.QueueResearch, queue.JobID(queue.QueueResearch, "u1", "p1"))
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestScanLeavesProjectsMidCycle(t *testing.T) {
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	scanner, projects, queues := newScanner(t, now)
	ctx := context.Background()

	// Research already completed this cycle: only a delivery job is live
	nextRunAt := now.Add(time.Hour).UnixMilli()
	createActiveProject(t, projects, "p1", nextRunAt)
	_, err := queues.ScheduleDelivery(ctx, "u1", "p1", "Topic p1", nextRunAt, false, false)
	require.NoError(t, err)

	restored, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)

	job, err := queues.Store().GetJob(ctx, queue.QueueResearch, "research:u1:p1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestScanSkipsUnscheduledAndPausedProjects(t *testing.T) {
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	scanner, projects, queues := newScanner(t, now)
	ctx := context.Background()

	require.NoError(t, projects.CreateProject(ctx, &project.Project{
		UserID: "u1", ID: "unscheduled", Title: "No schedule",
		Frequency: project.FrequencyDaily, DeliveryTime: "09:00", Timezone: "UTC",
		Status: project.StatusActive,
	}))

	next := now.Add(time.Hour).UnixMilli()
	require.NoError(t, projects.CreateProject(ctx, &project.Project{
		UserID: "u1", ID: "paused", Title: "Paused",
		Frequency: project.FrequencyDaily, DeliveryTime: "09:00", Timezone: "UTC",
		Status: project.StatusPaused, NextRunAt: &next,
	}))

	restored, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)

	for _, id := range []string{"unscheduled", "paused"} {
		job, err := queues.Store().GetJob(ctx, queue.QueueResearch, queue.JobID(queue.QueueResearch, "u1", id))
		require.NoError(t, err)
		assert.Nil(t, job, id)
	}
}
