package retryqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/model"
)

func newQueue(t *testing.T, now *time.Time) *Queue {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	q := New(gdb, config.RetryQueueConfig{
		RetryDelay:  30 * time.Minute,
		MaxDelay:    2 * time.Hour,
		MaxAttempts: 3,
	})
	q.SetClock(func() time.Time { return *now })
	return q
}

func TestScheduleAndDue(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, Entry{MessageID: "m1", Subject: "Order 12345", OrderNumber: "12345"}, "ticket not found"))

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "entry must not be due before retry delay")

	now = now.Add(30 * time.Minute)
	due, err = q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "m1", due[0].MessageID)
	assert.Equal(t, "ticket not found", due[0].LastError)
	assert.Equal(t, "12345", due[0].OrderNumber)
	assert.Zero(t, due[0].Attempts)
}

func TestScheduleIsUpsert(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, Entry{MessageID: "m1"}, "first"))
	now = now.Add(time.Minute)
	require.NoError(t, q.Schedule(ctx, Entry{MessageID: "m1", PendingExternalID: "ext-9"}, "second"))

	rows, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0].LastError)
	assert.Equal(t, "ext-9", rows[0].PendingExternalID)
	assert.True(t, rows[0].NextAttemptAt.Equal(now.Add(30*time.Minute)))
}

func TestMarkFailedBacksOffAndGivesUp(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, Entry{MessageID: "m1"}, "ticket not found"))

	gaveUp, err := q.MarkFailed(ctx, "m1", "still not found", "")
	require.NoError(t, err)
	assert.False(t, gaveUp)

	rows, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.True(t, rows[0].NextAttemptAt.Equal(now.Add(time.Hour)))

	gaveUp, err = q.MarkFailed(ctx, "m1", "still not found", "")
	require.NoError(t, err)
	assert.False(t, gaveUp)
	gaveUp, err = q.MarkFailed(ctx, "m1", "still not found", "")
	require.NoError(t, err)
	assert.True(t, gaveUp)

	now = now.Add(24 * time.Hour)
	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	rows, err = q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1, "give-ups are kept for audit")
	assert.True(t, rows[0].GaveUp)
	assert.Equal(t, ReasonMaxAttempts, rows[0].LastError)
}

func TestMarkFailedUnknownMessage(t *testing.T) {
	now := time.Now().UTC()
	q := newQueue(t, &now)

	_, err := q.MarkFailed(context.Background(), "missing", "x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveAndContains(t *testing.T) {
	now := time.Now().UTC()
	q := newQueue(t, &now)
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, Entry{MessageID: "m1"}, "x"))
	ok, err := q.Contains(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, q.Remove(ctx, "m1"))
	ok, err = q.Contains(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	var count int64
	q.db.Model(&model.UnresolvedEmail{}).Count(&count)
	assert.Zero(t, count)
}

func TestDelayIsCapped(t *testing.T) {
	now := time.Now().UTC()
	q := newQueue(t, &now)
	assert.Equal(t, 30*time.Minute, q.delay(0))
	assert.Equal(t, time.Hour, q.delay(1))
	assert.Equal(t, 2*time.Hour, q.delay(2))
	assert.Equal(t, 2*time.Hour, q.delay(10))
}
