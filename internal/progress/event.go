package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageRunTriggered Stage = "RUN_TRIGGERED"
	StagePhaseStart   Stage = "PHASE_START"
	StagePhaseEnd     Stage = "PHASE_END"
	StageTaskDone     Stage = "TASK_DONE"
	StageCheckpoint   Stage = "CHECKPOINT"
	StageIntegrity    Stage = "INTEGRITY"
	StageRunDone      Stage = "RUN_DONE"
)

// Event captures a single milestone of a shutdown run.
type Event struct {
	// RunID uniquely identifies a shutdown run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Phase scopes phase and task events to a shutdown phase.
	Phase lifecycle.Phase
	// ResourceID names the resource for task events.
	ResourceID string
	// Kind categorizes the resource for task events.
	Kind lifecycle.TaskKind
	// Outcome carries the task result for task events.
	Outcome lifecycle.TaskOutcome
	// CheckpointID names the checkpoint for checkpoint and integrity events.
	CheckpointID string
	// OK reports success for phase, checkpoint, integrity and run events.
	OK bool
	// Dur captures execution latency for phases, tasks and checkpoint writes.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunTriggered, StageRunDone:
	case StagePhaseStart, StagePhaseEnd:
		if e.Phase == "" {
			return errors.New("phase event requires a phase")
		}
	case StageTaskDone:
		if e.ResourceID == "" {
			return errors.New("task event requires a resource id")
		}
		if e.Outcome == "" {
			return errors.New("task event requires an outcome")
		}
	case StageCheckpoint, StageIntegrity:
		if e.CheckpointID == "" {
			return errors.New("checkpoint event requires a checkpoint id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
