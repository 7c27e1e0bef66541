package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

func TestClaimInsertIgnoreSwallowsConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewClaimStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	claim := coordinator.ResourceClaim{
		Type:      coordinator.IdentifierDOI,
		Value:     "10.1000/xyz",
		TaskID:    "task-1",
		WorkerID:  "worker-1",
		Status:    coordinator.ClaimProcessing,
		ClaimedAt: now,
	}

	// Zero affected rows is the conflict-ignored case and must not error.
	mock.ExpectExec("INSERT INTO resource_claims").
		WithArgs(claim.Type, claim.Value, claim.TaskID, claim.WorkerID, claim.Status, "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.InsertIgnore(context.Background(), claim))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimGetReturnsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewClaimStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"identifier_type", "identifier_value", "task_id", "worker_id",
		"status", "result_ref", "claimed_at", "completed_at",
	}).AddRow(
		coordinator.IdentifierDOI, "10.1000/xyz", "task-1", "worker-1",
		coordinator.ClaimCompleted, "gs://results/1", now, &now,
	)
	mock.ExpectQuery("SELECT (.+) FROM resource_claims").
		WithArgs(coordinator.IdentifierDOI, "10.1000/xyz").
		WillReturnRows(rows)

	claim, err := store.Get(context.Background(), coordinator.IdentifierDOI, "10.1000/xyz")
	require.NoError(t, err)
	require.Equal(t, coordinator.ClaimCompleted, claim.Status)
	require.Equal(t, "gs://results/1", claim.ResultRef)
	require.Equal(t, "worker-1", claim.WorkerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewClaimStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM resource_claims").
		WithArgs(coordinator.IdentifierURL, "https://example.com").
		WillReturnRows(pgxmock.NewRows([]string{"identifier_type"}))

	_, err = store.Get(context.Background(), coordinator.IdentifierURL, "https://example.com")
	require.ErrorIs(t, err, coordinator.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSetStatusGuard(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewClaimStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE resource_claims").
		WithArgs(coordinator.ClaimCompleted, "ref-1", now,
			coordinator.IdentifierPMID, "12345", coordinator.ClaimProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	applied, err := store.SetStatus(context.Background(),
		coordinator.IdentifierPMID, "12345", coordinator.ClaimCompleted, "ref-1", now)
	require.NoError(t, err)
	require.True(t, applied)

	// A row already out of processing reports applied=false, no error.
	mock.ExpectExec("UPDATE resource_claims").
		WithArgs(coordinator.ClaimFailed, "", now,
			coordinator.IdentifierPMID, "12345", coordinator.ClaimProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	applied, err = store.SetStatus(context.Background(),
		coordinator.IdentifierPMID, "12345", coordinator.ClaimFailed, "", now)
	require.NoError(t, err)
	require.False(t, applied)

	require.NoError(t, mock.ExpectationsWereMet())
}
