package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the lifecycle packages.
var (
	// ErrAlreadyTriggered is returned by Trigger when a shutdown run is
	// already in progress. It signals a benign no-op, not a failure.
	ErrAlreadyTriggered = errors.New("shutdown already in progress")
	// ErrNotTriggered is returned when phase execution is requested while
	// the machine is still idle.
	ErrNotTriggered = errors.New("shutdown not triggered")
	// ErrCheckpointNotFound is returned when a checkpoint id has no file.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// DuplicateResourceError reports a second registration of a resource id.
type DuplicateResourceError struct {
	ResourceID string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("resource %q is already registered", e.ResourceID)
}

// PhaseOrderError reports an Advance call that violates the fixed phase
// ordering. It indicates a programming error in the caller.
type PhaseOrderError struct {
	From Phase
	To   Phase
}

func (e *PhaseOrderError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}

// CleanupTimeoutError reports a cleanup attempt that exceeded its timeout.
type CleanupTimeoutError struct {
	ResourceID string
	Timeout    time.Duration
}

func (e *CleanupTimeoutError) Error() string {
	return fmt.Sprintf("cleanup of %q exceeded %s timeout", e.ResourceID, e.Timeout)
}

// CleanupExecutionError wraps a failure returned by a cleanup action.
type CleanupExecutionError struct {
	ResourceID string
	Err        error
}

func (e *CleanupExecutionError) Error() string {
	return fmt.Sprintf("cleanup of %q failed: %v", e.ResourceID, e.Err)
}

func (e *CleanupExecutionError) Unwrap() error { return e.Err }

// PhaseTimeoutError reports a phase that exceeded its own budget.
type PhaseTimeoutError struct {
	Phase   Phase
	Timeout time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("phase %s exceeded %s timeout", e.Phase, e.Timeout)
}

// CheckpointWriteError reports a failed checkpoint write. Create never
// propagates it past the manager boundary; it is carried in the result.
type CheckpointWriteError struct {
	ID  string
	Err error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("write checkpoint %q: %v", e.ID, e.Err)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Err }

// CheckpointIntegrityError reports a checkpoint whose content does not
// match its recorded hash.
type CheckpointIntegrityError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *CheckpointIntegrityError) Error() string {
	return fmt.Sprintf("checkpoint %q integrity mismatch: expected %s got %s", e.ID, e.Expected, e.Actual)
}

// ForcedTerminationError records that a task was abandoned via its Force
// hook after escalation.
type ForcedTerminationError struct {
	ResourceID string
}

func (e *ForcedTerminationError) Error() string {
	return fmt.Sprintf("resource %q was force-terminated", e.ResourceID)
}
