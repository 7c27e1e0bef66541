package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

func TestJobCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := coordinator.Job{
		ID:       "job-1",
		TaskID:   "task-1",
		Kind:     "search",
		Priority: 1,
		State:    coordinator.JobQueued,
		Payload:  []byte(`{"query":"fusion"}`),
		QueuedAt: now,
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(job.ID, job.TaskID, job.Kind, job.Priority, job.Slot,
			job.State, job.Payload, "", "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobTransitionGuard(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	tr := coordinator.JobTransition{
		From: []coordinator.JobState{coordinator.JobQueued},
		To:   coordinator.JobRunning,
		At:   now,
	}

	mock.ExpectExec("UPDATE jobs").
		WithArgs(tr.To, "", false, "", now, "job-1", []string{"queued"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	applied, err := store.Transition(context.Background(), "job-1", tr)
	require.NoError(t, err)
	require.True(t, applied)

	// Guard mismatch: zero rows, no error.
	mock.ExpectExec("UPDATE jobs").
		WithArgs(tr.To, "", false, "", now, "job-1", []string{"queued"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	applied, err = store.Transition(context.Background(), "job-1", tr)
	require.NoError(t, err)
	require.False(t, applied)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, coordinator.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobListByTask(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "task_id", "kind", "priority", "slot", "state", "payload",
		"error_text", "intervention_id", "queued_at", "started_at", "finished_at",
	}).
		AddRow("job-1", "task-1", "search", 1, 0, coordinator.JobQueued,
			[]byte(nil), "", "", now, (*time.Time)(nil), (*time.Time)(nil)).
		AddRow("job-2", "task-1", "search", 1, 1, coordinator.JobAwaitingAuth,
			[]byte(nil), "", "item-9", now, &now, (*time.Time)(nil))
	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("task-1").
		WillReturnRows(rows)

	jobs, err := store.ListByTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "item-9", jobs[1].InterventionID)
	require.NoError(t, mock.ExpectationsWereMet())
}
