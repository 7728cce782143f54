package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noahxzhu/med-reminder/internal/model"
)

func openTestJobs(t *testing.T) *JobStore {
	t.Helper()
	s, err := OpenJobs(":memory:")
	if err != nil {
		t.Fatalf("OpenJobs(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenJobs_MigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenJobs(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SaveJob(context.Background(), model.RemoteJob{ID: "j1", ReminderID: "r1", OccurrenceKey: "k1", ScheduledAt: time.Now()}))
	s1.Close()

	s2, err := OpenJobs(dir)
	require.NoError(t, err)
	defer s2.Close()

	job, err := s2.Job(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
}

func TestJobStore_LookupByOccurrenceAndReminder(t *testing.T) {
	ctx := context.Background()
	s := openTestJobs(t)
	at := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveJob(ctx, model.RemoteJob{ID: "j1", ReminderID: "r1", OccurrenceKey: "r1|09:00|2024-01-05", ScheduledAt: at}))
	require.NoError(t, s.SaveJob(ctx, model.RemoteJob{ID: "j2", ReminderID: "r1", OccurrenceKey: "r1|09:00|2024-01-06", ScheduledAt: at.Add(24 * time.Hour)}))
	require.NoError(t, s.SaveJob(ctx, model.RemoteJob{ID: "j3", ReminderID: "r2", OccurrenceKey: "r2|10:00|2024-01-05", ScheduledAt: at}))

	job, err := s.JobByOccurrence(ctx, "r1|09:00|2024-01-06")
	require.NoError(t, err)
	assert.Equal(t, "j2", job.ID)
	assert.True(t, job.ScheduledAt.Equal(at.Add(24*time.Hour)))

	_, err = s.JobByOccurrence(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetJobStatus(ctx, "j1", model.JobSent))
	pending, err := s.PendingJobsForReminder(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "j2", pending[0].ID)

	all, err := s.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "j3", all[0].ID)
	assert.Equal(t, "j2", all[1].ID)

	assert.ErrorIs(t, s.SetJobStatus(ctx, "missing", model.JobSent), ErrNotFound)
}

func TestJobStore_PrunePassed(t *testing.T) {
	ctx := context.Background()
	s := openTestJobs(t)
	at := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveJob(ctx, model.RemoteJob{ID: "old", ReminderID: "r1", OccurrenceKey: "k1", ScheduledAt: at}))
	require.NoError(t, s.SaveJob(ctx, model.RemoteJob{ID: "new", ReminderID: "r1", OccurrenceKey: "k2", ScheduledAt: at.Add(48 * time.Hour)}))

	n, err := s.PrunePassed(ctx, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Job(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Job(ctx, "new")
	assert.NoError(t, err)
}
