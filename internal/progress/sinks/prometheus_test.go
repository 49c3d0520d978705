package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunTriggered},
		{
			RunID: runID,
			TS:    now.Add(time.Second),
			Stage: progress.StagePhaseEnd,
			Phase: lifecycle.PhaseResourceCleanup,
			OK:    true,
			Dur:   800 * time.Millisecond,
		},
		{
			RunID:      runID,
			TS:         now.Add(time.Second),
			Stage:      progress.StageTaskDone,
			ResourceID: "db.primary",
			Kind:       lifecycle.KindDatabase,
			Outcome:    lifecycle.TaskSucceeded,
			Dur:        20 * time.Millisecond,
		},
		{
			RunID:        runID,
			TS:           now.Add(2 * time.Second),
			Stage:        progress.StageCheckpoint,
			CheckpointID: "cp-final",
			OK:           true,
		},
		{RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageRunDone, OK: true, Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsTriggered))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.tasksTotal.WithLabelValues(string(lifecycle.KindDatabase), string(lifecycle.TaskSucceeded))),
		1e-9,
	)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.checkpointWrites.WithLabelValues("success")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.phaseDuration, "shutdown_phase_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskDuration, "shutdown_task_duration_seconds"))
}
