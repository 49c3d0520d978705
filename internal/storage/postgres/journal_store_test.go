package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-lifecycle/internal/store"
)

func TestBeginRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	js, err := NewJournalStoreWithPool(mock)
	require.NoError(t, err)

	runID := uuid.New()
	startedAt := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO shutdown_runs").
		WithArgs(runID, "SIGTERM", startedAt, store.RunRunning, "TRIGGERED").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, js.BeginRun(context.Background(), runID, "SIGTERM", startedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunUpdatesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	js, err := NewJournalStoreWithPool(mock)
	require.NoError(t, err)

	runID := uuid.New()
	finishedAt := time.Unix(1700000100, 0).UTC()
	checkpointID := "cp-final"

	mock.ExpectExec("UPDATE shutdown_runs").
		WithArgs(finishedAt, store.RunCompleted, &checkpointID, (*string)(nil), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, js.CompleteRun(context.Background(), runID, finishedAt, store.RunCompleted, &checkpointID, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTaskResultInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	js, err := NewJournalStoreWithPool(mock)
	require.NoError(t, err)

	runID := uuid.New()
	recordedAt := time.Unix(1700000050, 0).UTC()
	rec := store.TaskRecord{
		RunID:      runID,
		ResourceID: "db.primary",
		Kind:       "DATABASE",
		Outcome:    "SUCCEEDED",
		DurationMS: 42,
		RecordedAt: recordedAt,
	}

	mock.ExpectExec("INSERT INTO shutdown_tasks").
		WithArgs(runID, "db.primary", "DATABASE", "SUCCEEDED", int64(42), (*string)(nil), recordedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, js.RecordTaskResult(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	js, err := NewJournalStoreWithPool(mock)
	require.NoError(t, err)

	runID := uuid.New()
	mock.ExpectQuery("SELECT id, trigger_signal").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)

	_, err = js.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	js, err := NewJournalStoreWithPool(mock)
	require.NoError(t, err)

	runID := uuid.New()
	startedAt := time.Unix(1700000000, 0).UTC()
	status := store.RunCompleted

	rows := pgxmock.NewRows([]string{
		"id", "trigger_signal", "started_at", "finished_at", "status", "phase", "checkpoint_id", "error_message",
	}).AddRow(runID, "SIGINT", startedAt, (*time.Time)(nil), status, "COMPLETED", (*string)(nil), (*string)(nil))

	mock.ExpectQuery("SELECT id, trigger_signal").
		WithArgs(&status, 10, 0).
		WillReturnRows(rows)

	runs, err := js.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runID, runs[0].ID)
	require.Equal(t, "SIGINT", runs[0].TriggerSignal)
	require.NoError(t, mock.ExpectationsWereMet())
}
