// Package lifecycle defines the shared types and interfaces for the
// shutdown and resource-lifecycle coordinator.
package lifecycle

import (
	"context"
	"time"
)

// Phase is one ordered stage of the shutdown sequence.
type Phase string

// Shutdown phases, in execution order, plus the two abnormal terminals.
const (
	PhaseIdle             Phase = "IDLE"
	PhaseTriggered        Phase = "TRIGGERED"
	PhaseAcknowledged     Phase = "ACKNOWLEDGED"
	PhaseCriticalOpsDrain Phase = "CRITICAL_OPS_DRAIN"
	PhaseResourceCleanup  Phase = "RESOURCE_CLEANUP"
	PhaseDataPreservation Phase = "DATA_PRESERVATION"
	PhaseFinalization     Phase = "FINALIZATION"
	PhaseCompleted        Phase = "COMPLETED"
	PhaseError            Phase = "ERROR"
	PhaseTimedOut         Phase = "TIMED_OUT"
)

// phaseOrder lists the normal forward sequence.
var phaseOrder = []Phase{
	PhaseIdle,
	PhaseTriggered,
	PhaseAcknowledged,
	PhaseCriticalOpsDrain,
	PhaseResourceCleanup,
	PhaseDataPreservation,
	PhaseFinalization,
	PhaseCompleted,
}

// PhaseIndex returns the position of p in the forward sequence, or -1 for
// the abnormal terminals and unknown values.
func PhaseIndex(p Phase) int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether p ends a shutdown run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseTimedOut
}

// TaskKind is the closed set of resource categories a cleanup task may
// belong to. The kind selects default behavior (e.g. which kinds are safe
// to release in parallel); the actual work is always the task's Cleanup
// closure chosen at registration time.
type TaskKind string

// Supported task kinds.
const (
	KindDatabase TaskKind = "DATABASE"
	KindFile     TaskKind = "FILE"
	KindNetwork  TaskKind = "NETWORK"
	KindBrowser  TaskKind = "BROWSER"
	KindCustom   TaskKind = "CUSTOM"
)

// KnownKind reports whether k is one of the supported kinds.
func KnownKind(k TaskKind) bool {
	switch k {
	case KindDatabase, KindFile, KindNetwork, KindBrowser, KindCustom:
		return true
	}
	return false
}

// CleanupFunc releases exactly one resource. Implementations should honor
// ctx cancellation where the underlying handle allows it; the executor
// bounds the call with the task timeout either way.
type CleanupFunc func(ctx context.Context) error

// ForceFunc is a best-effort forced release invoked when a task exceeds its
// timeout under the ForceTerminate or Escalate policies. It must not block.
type ForceFunc func()

// CleanupTask is one registered resource release action.
type CleanupTask struct {
	// ResourceID uniquely identifies the resource within the registry.
	ResourceID string
	// Kind categorizes the underlying resource.
	Kind TaskKind
	// Priority orders execution; higher runs earlier.
	Priority int
	// Timeout bounds a single cleanup attempt. Zero means the registry
	// default applies at registration time.
	Timeout time.Duration
	// Cleanup performs the release.
	Cleanup CleanupFunc
	// Force optionally abandons the resource after a timeout.
	Force ForceFunc
	// Required marks the task as counting toward overall shutdown success
	// under the RequiredOnly strictness mode.
	Required bool
	// Dependencies lists resource ids that should complete first. They are
	// soft: a task with unmet dependencies runs at the end of its own
	// priority band and never blocks.
	Dependencies []string
	// RegisteredAt records when the task entered the registry.
	RegisteredAt time.Time
}

// TaskOutcome classifies the result of one executed task.
type TaskOutcome string

// Task outcomes.
const (
	TaskSucceeded TaskOutcome = "SUCCEEDED"
	TaskFailed    TaskOutcome = "FAILED"
	TaskTimedOut  TaskOutcome = "TIMED_OUT"
	TaskForced    TaskOutcome = "FORCED"
)

// TaskResult captures the execution detail for one task.
type TaskResult struct {
	ResourceID string
	Kind       TaskKind
	Outcome    TaskOutcome
	Attempts   int
	Duration   time.Duration
	Err        error
}

// Failed reports whether the task ended in any non-success outcome.
func (r TaskResult) Failed() bool {
	return r.Outcome != TaskSucceeded
}

// ExecutionReport aggregates the results of one executor run.
type ExecutionReport struct {
	Succeeded int
	Failed    int
	TimedOut  int
	Results   []TaskResult
}

// FailedResourceIDs returns the ids of tasks that did not succeed, in
// execution order.
func (r ExecutionReport) FailedResourceIDs() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Failed() {
			ids = append(ids, res.ResourceID)
		}
	}
	return ids
}

// EscalationPolicy selects the behavior applied when a cleanup attempt
// exceeds its timeout.
type EscalationPolicy string

// Escalation policies.
const (
	// EscalationIgnore records the failure and moves on.
	EscalationIgnore EscalationPolicy = "IGNORE"
	// EscalationForceTerminate invokes the task's Force hook immediately.
	EscalationForceTerminate EscalationPolicy = "FORCE_TERMINATE"
	// EscalationEscalate waits one grace period, then force-terminates.
	EscalationEscalate EscalationPolicy = "ESCALATE"
)

// TriggerContext records what started a shutdown run.
type TriggerContext struct {
	// Signal is the OS signal name, or a caller-supplied reason for
	// programmatic triggers.
	Signal string
	// At is when the trigger was observed.
	At time.Time
}

// PhaseStat records timing and outcome for one executed phase.
type PhaseStat struct {
	Phase    Phase
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Statistics is the final report for one shutdown run.
type Statistics struct {
	Trigger         TriggerContext
	StartedAt       time.Time
	FinishedAt      time.Time
	Phases          []PhaseStat
	TasksSucceeded  int
	TasksFailed     int
	TasksTimedOut   int
	FailedResources []string
	CheckpointID    string
	CheckpointOK    bool
	Success         bool
}

// Duration returns the total wall time of the run.
func (s Statistics) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExitCode maps the run outcome to a process exit code.
func (s Statistics) ExitCode() int {
	if s.Success {
		return 0
	}
	return 1
}

// State is the opaque payload bundle persisted in a checkpoint.
type State struct {
	Application map[string]any `json:"application_state"`
	Scrape      map[string]any `json:"scrape_state"`
	Resource    map[string]any `json:"resource_state"`
}

// StateProvider supplies the recoverable state persisted during the
// DataPreservation phase and by the periodic checkpoint timer.
type StateProvider func() State
