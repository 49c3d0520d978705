package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/progress"
	"github.com/JakeFAU/crawl-lifecycle/internal/store"
)

// TestJournalSinkPersistsEvents ensures run, phase and task events reach the repository.
func TestJournalSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeJournalRepo{}
	sink := NewJournalSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunTriggered, TS: now, Note: "SIGTERM"},
		{RunID: runID, Stage: progress.StagePhaseStart, TS: now.Add(time.Second), Phase: lifecycle.PhaseResourceCleanup},
		{
			RunID:      runID,
			Stage:      progress.StageTaskDone,
			TS:         now.Add(2 * time.Second),
			ResourceID: "db.primary",
			Kind:       lifecycle.KindDatabase,
			Outcome:    lifecycle.TaskSucceeded,
			Dur:        40 * time.Millisecond,
		},
		{
			RunID:        runID,
			Stage:        progress.StageRunDone,
			TS:           now.Add(3 * time.Second),
			OK:           true,
			CheckpointID: "cp-final",
			Dur:          3 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{runUUID}, repo.begins)
	require.Equal(t, []string{string(lifecycle.PhaseResourceCleanup)}, repo.phases)
	require.Len(t, repo.tasks, 1)
	require.Equal(t, "db.primary", repo.tasks[0].ResourceID)
	require.Equal(t, int64(40), repo.tasks[0].DurationMS)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunCompleted, repo.completes[0].status)
	require.NotNil(t, repo.completes[0].checkpointID)
	require.Equal(t, "cp-final", *repo.completes[0].checkpointID)
}

// TestJournalSinkHandlesErrors surfaces repository failures back to the caller.
func TestJournalSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeJournalRepo{fail: true}
	sink := NewJournalSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunTriggered, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeJournalRepo struct {
	fail      bool
	begins    []uuid.UUID
	phases    []string
	tasks     []store.TaskRecord
	completes []completeCall
}

type completeCall struct {
	runID        uuid.UUID
	status       store.RunStatus
	checkpointID *string
	errMsg       *string
}

func (f *fakeJournalRepo) BeginRun(_ context.Context, runID uuid.UUID, _ string, _ time.Time) error {
	if f.fail {
		return assertErr("begin")
	}
	f.begins = append(f.begins, runID)
	return nil
}

func (f *fakeJournalRepo) UpdateRunPhase(_ context.Context, _ uuid.UUID, phase string, _ time.Time) error {
	if f.fail {
		return assertErr("phase")
	}
	f.phases = append(f.phases, phase)
	return nil
}

func (f *fakeJournalRepo) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	checkpointID *string,
	errMsg *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	f.completes = append(f.completes, completeCall{
		runID:        runID,
		status:       status,
		checkpointID: checkpointID,
		errMsg:       errMsg,
	})
	return nil
}

func (f *fakeJournalRepo) RecordTaskResult(_ context.Context, rec store.TaskRecord) error {
	if f.fail {
		return assertErr("task")
	}
	f.tasks = append(f.tasks, rec)
	return nil
}

func (f *fakeJournalRepo) GetRun(context.Context, uuid.UUID) (store.ShutdownRun, error) {
	return store.ShutdownRun{}, assertErr("read")
}

func (f *fakeJournalRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.ShutdownRun, error) {
	return nil, assertErr("list")
}

func (f *fakeJournalRepo) ListRunTasks(context.Context, uuid.UUID, int, int) ([]store.TaskRecord, error) {
	return nil, assertErr("tasks")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
