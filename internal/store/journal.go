package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("journal record not found")

// RunStatus mirrors the shutdown_runs status column.
type RunStatus string

// Run statuses persisted in shutdown_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunTimedOut  RunStatus = "timed_out"
)

// ShutdownRun models the shutdown_runs table for API responses.
type ShutdownRun struct {
	// ID is the run identifier shared with the coordinator.
	ID uuid.UUID
	// TriggerSignal names the OS signal or programmatic reason.
	TriggerSignal string
	// StartedAt captures when the run was triggered.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Status is running/completed/error/timed_out.
	Status RunStatus
	// Phase is the most recently recorded shutdown phase.
	Phase string
	// CheckpointID optionally names the checkpoint written during the run.
	CheckpointID *string
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// TaskRecord captures one executed cleanup task within a run.
type TaskRecord struct {
	// RunID is the owning shutdown run.
	RunID uuid.UUID
	// ResourceID identifies the released resource.
	ResourceID string
	// Kind is the resource category (DATABASE, FILE, ...).
	Kind string
	// Outcome is the execution result (SUCCEEDED, FAILED, ...).
	Outcome string
	// DurationMS is the task wall time in milliseconds.
	DurationMS int64
	// ErrorMessage optionally stores the task failure reason.
	ErrorMessage *string
	// RecordedAt is when the result was observed.
	RecordedAt time.Time
}

// JournalRepository persists shutdown run records for post-mortem review.
type JournalRepository interface {
	// BeginRun inserts (or idempotently updates) the run's start record.
	BeginRun(ctx context.Context, runID uuid.UUID, signal string, startedAt time.Time) error
	// UpdateRunPhase records the latest phase reached by the run.
	UpdateRunPhase(ctx context.Context, runID uuid.UUID, phase string, at time.Time) error
	// CompleteRun marks the run finished with the provided status and details.
	CompleteRun(
		ctx context.Context,
		runID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		checkpointID *string,
		errMsg *string,
	) error
	// RecordTaskResult appends one cleanup task outcome to the run.
	RecordTaskResult(ctx context.Context, rec TaskRecord) error

	// GetRun loads a single shutdown run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (ShutdownRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]ShutdownRun, error)
	// ListRunTasks returns the task records for one run.
	ListRunTasks(ctx context.Context, runID uuid.UUID, limit, offset int) ([]TaskRecord, error)
}
