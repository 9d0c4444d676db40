package project

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexfield/digest/errors"
	digesttest "github.com/hexfield/digest/internal/testing"
)

func intPtr(v int) *int {
	return &v
}

func int64Ptr(v int64) *int64 {
	return &v
}

func testProject(userID, id string) *Project {
	return &Project{
		UserID:         userID,
		ID:             id,
		Title:          "Quantum batteries",
		Frequency:      FrequencyDaily,
		DeliveryTime:   "09:00",
		Timezone:       "UTC",
		Status:         StatusActive,
		RecipientEmail: "user@example.com",
	}
}

func TestCreateAndGetProject(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))
	ctx := context.Background()

	p := testProject("u1", "p1")
	p.Frequency = FrequencyWeekly
	p.DayOfWeek = intPtr(5)
	p.NextRunAt = int64Ptr(1700000000000)
	require.NoError(t, store.CreateProject(ctx, p))

	got, err := store.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Quantum batteries", got.Title)
	assert.Equal(t, FrequencyWeekly, got.Frequency)
	require.NotNil(t, got.DayOfWeek)
	assert.Equal(t, 5, *got.DayOfWeek)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, int64(1700000000000), *got.NextRunAt)
	assert.Nil(t, got.DayOfMonth)
	assert.Nil(t, got.LastRunAt)
}

func TestGetProjectMissingReturnsNil(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))

	got, err := store.GetProject(context.Background(), "u1", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetNextRunAtAndClear(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.CreateProject(ctx, testProject("u1", "p1")))

	require.NoError(t, store.SetNextRunAt(ctx, "u1", "p1", int64Ptr(1700000000000)))
	got, err := store.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)

	require.NoError(t, store.SetNextRunAt(ctx, "u1", "p1", nil))
	got, err = store.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
}

func TestUpdateMissingProjectReturnsNotFound(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))

	err := store.SetStatus(context.Background(), "u1", "nope", StatusPaused)
	assert.True(t, errors.IsNotFound(err))
}

func TestSetPreparedDeliveryLogClearsLastError(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.CreateProject(ctx, testProject("u1", "p1")))

	require.NoError(t, store.SetLastError(ctx, "u1", "p1", "research blew up"))
	require.NoError(t, store.SetPreparedDeliveryLog(ctx, "u1", "p1", "log-123"))

	got, err := store.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "log-123", got.PreparedDeliveryLogID)
	assert.Empty(t, got.LastError)
}

func TestFinishOnceRunIsTerminal(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))
	ctx := context.Background()

	p := testProject("u1", "p1")
	p.Frequency = FrequencyOnce
	p.NextRunAt = int64Ptr(1700000000000)
	p.PreparedDeliveryLogID = "log-123"
	require.NoError(t, store.CreateProject(ctx, p))

	nowMs := time.Now().UnixMilli()
	require.NoError(t, store.FinishOnceRun(ctx, "u1", "p1", nowMs))

	got, err := store.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextRunAt)
	assert.Empty(t, got.PreparedDeliveryLogID)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, nowMs, *got.LastRunAt)
}

func TestAdvanceSchedule(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))
	ctx := context.Background()

	p := testProject("u1", "p1")
	p.NextRunAt = int64Ptr(1700000000000)
	p.PreparedDeliveryLogID = "log-123"
	p.ThisRunIsOneShot = true
	require.NoError(t, store.CreateProject(ctx, p))

	nowMs := time.Now().UnixMilli()
	nextMs := nowMs + 24*60*60*1000
	require.NoError(t, store.AdvanceSchedule(ctx, "u1", "p1", nextMs, nowMs, false))

	got, err := store.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, nextMs, *got.NextRunAt)
	assert.Empty(t, got.PreparedDeliveryLogID)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, nowMs, *got.LastRunAt)
	// Not cleared unless requested
	assert.True(t, got.ThisRunIsOneShot)

	require.NoError(t, store.AdvanceSchedule(ctx, "u1", "p1", 0, nowMs, true))
	got, err = store.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
	assert.False(t, got.ThisRunIsOneShot)
}

func TestListActiveScheduled(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))
	ctx := context.Background()

	scheduled := testProject("u1", "scheduled")
	scheduled.NextRunAt = int64Ptr(1700000000000)
	require.NoError(t, store.CreateProject(ctx, scheduled))

	unscheduled := testProject("u1", "unscheduled")
	require.NoError(t, store.CreateProject(ctx, unscheduled))

	paused := testProject("u1", "paused")
	paused.Status = StatusPaused
	paused.NextRunAt = int64Ptr(1700000000000)
	require.NoError(t, store.CreateProject(ctx, paused))

	got, err := store.ListActiveScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "scheduled", got[0].ID)
}
