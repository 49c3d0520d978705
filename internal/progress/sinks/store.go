package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/progress"
	"github.com/JakeFAU/crawl-lifecycle/internal/store"
)

// JournalSink persists lifecycle events via a store.JournalRepository so a
// shutdown run can be reviewed after the process is gone.
type JournalSink struct {
	repo   store.JournalRepository
	logger *zap.Logger
}

// NewJournalSink constructs a JournalSink for the provided repository.
func NewJournalSink(repo store.JournalRepository, logger *zap.Logger) *JournalSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalSink{repo: repo, logger: logger}
}

// Consume forwards run, phase and task events to the repository. It respects
// ctx deadlines and returns any repository errors verbatim.
func (s *JournalSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunTriggered:
			if err := s.repo.BeginRun(ctx, runID, evt.Note, evt.TS); err != nil {
				return fmt.Errorf("begin run: %w", err)
			}
		case progress.StagePhaseStart:
			if err := s.repo.UpdateRunPhase(ctx, runID, string(evt.Phase), evt.TS); err != nil {
				return fmt.Errorf("update run phase: %w", err)
			}
		case progress.StageTaskDone:
			if err := s.recordTask(ctx, runID, evt); err != nil {
				return err
			}
		case progress.StageRunDone:
			if err := s.completeRun(ctx, runID, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *JournalSink) recordTask(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	rec := store.TaskRecord{
		RunID:      runID,
		ResourceID: evt.ResourceID,
		Kind:       string(evt.Kind),
		Outcome:    string(evt.Outcome),
		DurationMS: evt.Dur.Milliseconds(),
		RecordedAt: evt.TS,
	}
	if evt.Note != "" {
		rec.ErrorMessage = &evt.Note
	}
	if err := s.repo.RecordTaskResult(ctx, rec); err != nil {
		return fmt.Errorf("record task result: %w", err)
	}
	return nil
}

func (s *JournalSink) completeRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunCompleted
	if !evt.OK {
		status = store.RunError
	}
	var checkpointID *string
	if evt.CheckpointID != "" {
		checkpointID = &evt.CheckpointID
	}
	var errMsg *string
	if !evt.OK && evt.Note != "" {
		errMsg = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, checkpointID, errMsg); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *JournalSink) Close(context.Context) error {
	return nil
}
