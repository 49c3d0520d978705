// Package coordinator sequences the shutdown run: it owns the phase state
// machine, drains critical operations, executes registered cleanup tasks,
// preserves recoverable state, and reports final statistics.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/checkpoint"
	"github.com/JakeFAU/crawl-lifecycle/internal/executor"
	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/logging"
	"github.com/JakeFAU/crawl-lifecycle/internal/machine"
	"github.com/JakeFAU/crawl-lifecycle/internal/metrics"
	"github.com/JakeFAU/crawl-lifecycle/internal/progress"
	"github.com/JakeFAU/crawl-lifecycle/internal/registry"
	"github.com/JakeFAU/crawl-lifecycle/internal/sigtrap"
)

// Strictness selects how task failures map to overall run success.
type Strictness string

// Strictness modes.
const (
	// StrictnessAll fails the run when any cleanup task fails.
	StrictnessAll Strictness = "ALL"
	// StrictnessRequiredOnly fails the run only when a task marked Required
	// fails; optional task failures are recorded but tolerated.
	StrictnessRequiredOnly Strictness = "REQUIRED_ONLY"
)

// Default phase timeouts, applied per phase where the config leaves them zero.
const (
	defaultAckTimeout      = 2 * time.Second
	defaultDrainTimeout    = 10 * time.Second
	defaultCleanupTimeout  = 60 * time.Second
	defaultPreserveTimeout = 30 * time.Second
	defaultFinalizeTimeout = 5 * time.Second
	defaultHardKillTimeout = 2 * time.Minute
)

// Config controls a Coordinator.
type Config struct {
	// Executor configures cleanup task execution. OnResult is reserved for
	// the coordinator and must be left nil.
	Executor executor.Config
	// PhaseTimeouts overrides the per-phase time budgets.
	PhaseTimeouts map[lifecycle.Phase]time.Duration
	// HardKillTimeout bounds the entire run; past it the process is
	// terminated unconditionally.
	HardKillTimeout time.Duration
	// Strictness selects the success criterion (default StrictnessAll).
	Strictness Strictness
	// FailFast skips remaining cleanup tasks after the first failure that
	// counts against the run. State preservation still runs.
	FailFast bool
	// CheckpointMetadata is merged into the shutdown checkpoint's metadata.
	CheckpointMetadata map[string]string
	// PublishTopic names the topic for the final run notification. Empty
	// disables publishing.
	PublishTopic string
	// Exit terminates the process when the hard-kill watchdog fires.
	// Defaults to os.Exit via the caller; tests inject a recorder.
	Exit func(code int)
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Registry    *registry.Registry
	Checkpoints *checkpoint.Manager
	Trap        *sigtrap.Trap
	Emitter     progress.Emitter
	Publisher   lifecycle.Publisher
	Provider    lifecycle.StateProvider
	IDs         lifecycle.IDGenerator
	Clock       lifecycle.Clock
	Logger      *zap.Logger
}

// Coordinator runs the shutdown sequence exactly once per process. It
// implements lifecycle.Registrar for resource owners and
// lifecycle.CriticalGate for in-flight host operations.
type Coordinator struct {
	cfg     Config
	machine *machine.Machine
	exec    *executor.Executor
	deps    Deps
	logger  *zap.Logger

	critMu    sync.Mutex
	critCount int
	critNames map[string]int
	critIdle  chan struct{}

	triggeredCh chan struct{}
	runLogger   atomic.Pointer[zap.Logger]

	statsMu sync.Mutex
	runID   uuid.UUID
	stats   lifecycle.Statistics
}

// New builds a Coordinator. Deps.Registry, Deps.Checkpoints, Deps.Clock and
// Deps.IDs are required; the rest degrade to no-ops when absent.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Strictness == "" {
		cfg.Strictness = StrictnessAll
	}
	if cfg.HardKillTimeout <= 0 {
		cfg.HardKillTimeout = defaultHardKillTimeout
	}

	c := &Coordinator{
		cfg:         cfg,
		machine:     machine.New(deps.Logger),
		deps:        deps,
		logger:      deps.Logger,
		critNames:   make(map[string]int),
		triggeredCh: make(chan struct{}),
	}
	execCfg := cfg.Executor
	execCfg.OnResult = c.observeTask
	c.exec = executor.New(execCfg, deps.Clock, deps.Logger)
	return c, nil
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() lifecycle.Phase {
	return c.machine.Phase()
}

// Triggered returns a channel that is closed as soon as a shutdown run has
// started. Host workloads select on it to stop picking up new work while the
// run proceeds.
func (c *Coordinator) Triggered() <-chan struct{} {
	return c.triggeredCh
}

// log returns the run-scoped logger once a run has started, the base logger
// before that.
func (c *Coordinator) log() *zap.Logger {
	if l := c.runLogger.Load(); l != nil {
		return l
	}
	return c.logger
}

// RegisterCleanup adds a cleanup task to the registry.
func (c *Coordinator) RegisterCleanup(task lifecycle.CleanupTask) error {
	return c.deps.Registry.Register(task)
}

// UnregisterCleanup removes a cleanup task by resource id.
func (c *Coordinator) UnregisterCleanup(resourceID string) bool {
	return c.deps.Registry.Unregister(resourceID)
}

// EnterCriticalOperation marks the start of an operation that the drain phase
// waits for. Calls made once draining has begun are ignored: late work gets
// no protection.
func (c *Coordinator) EnterCriticalOperation(name string) {
	if lifecycle.PhaseIndex(c.machine.Phase()) >= lifecycle.PhaseIndex(lifecycle.PhaseCriticalOpsDrain) {
		c.log().Debug("critical operation rejected during drain", zap.String("name", name))
		return
	}
	c.critMu.Lock()
	defer c.critMu.Unlock()
	c.critCount++
	c.critNames[name]++
	metrics.SetCriticalOperations(c.critCount)
}

// ExitCriticalOperation marks the end of a critical operation. Unmatched
// exits are ignored.
func (c *Coordinator) ExitCriticalOperation(name string) {
	c.critMu.Lock()
	defer c.critMu.Unlock()
	if c.critNames[name] == 0 {
		return
	}
	c.critNames[name]--
	if c.critNames[name] == 0 {
		delete(c.critNames, name)
	}
	c.critCount--
	metrics.SetCriticalOperations(c.critCount)
	if c.critCount == 0 && c.critIdle != nil {
		close(c.critIdle)
		c.critIdle = nil
	}
}

// CriticalOperations returns the number of in-flight critical operations.
func (c *Coordinator) CriticalOperations() int {
	c.critMu.Lock()
	defer c.critMu.Unlock()
	return c.critCount
}

// Trigger starts a shutdown run programmatically. It is safe to call from
// any goroutine; only the first trigger (signal or programmatic) wins.
func (c *Coordinator) Trigger(reason string) {
	if c.deps.Trap != nil {
		c.deps.Trap.Inject(reason)
	}
}

// Run blocks until a shutdown trigger arrives (signal, Trigger call, or ctx
// cancellation), executes the full shutdown sequence, and returns the final
// statistics. The returned error reports an unsuccessful run.
func (c *Coordinator) Run(ctx context.Context) (lifecycle.Statistics, error) {
	if c.deps.Trap != nil {
		c.deps.Trap.Start()
		defer c.deps.Trap.Stop()

		select {
		case trigger := <-c.deps.Trap.Triggered():
			return c.Shutdown(context.WithoutCancel(ctx), trigger)
		case <-ctx.Done():
			trigger := lifecycle.TriggerContext{Signal: "context", At: c.deps.Clock.Now()}
			return c.Shutdown(context.WithoutCancel(ctx), trigger)
		}
	}
	<-ctx.Done()
	trigger := lifecycle.TriggerContext{Signal: "context", At: c.deps.Clock.Now()}
	return c.Shutdown(context.WithoutCancel(ctx), trigger)
}

// Shutdown executes the shutdown sequence for the given trigger. A second
// call returns lifecycle.ErrAlreadyTriggered.
func (c *Coordinator) Shutdown(ctx context.Context, trigger lifecycle.TriggerContext) (lifecycle.Statistics, error) {
	if err := c.machine.Trigger(trigger); err != nil {
		return lifecycle.Statistics{}, err
	}
	close(c.triggeredCh)

	runID := c.newRunID()
	started := c.deps.Clock.Now()
	c.statsMu.Lock()
	c.runID = runID
	c.stats = lifecycle.Statistics{Trigger: trigger, StartedAt: started}
	c.statsMu.Unlock()

	c.runLogger.Store(logging.ForRun(c.logger, runID.String()))
	watchdog := c.startWatchdog()
	defer watchdog.Stop()

	c.log().Info("shutdown triggered", zap.String("signal", trigger.Signal))
	c.emit(progress.Event{Stage: progress.StageRunTriggered, Note: trigger.Signal})

	report := c.runPhases(ctx)

	stats := c.finalize(ctx, report)
	if stats.Success {
		return stats, nil
	}
	return stats, fmt.Errorf("shutdown finished unsuccessfully: phase %s", c.machine.Phase())
}

// Statistics returns a snapshot of the current run statistics. Before a
// trigger it is zero-valued.
func (c *Coordinator) Statistics() lifecycle.Statistics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// RunID returns the identifier of the active run, or uuid.Nil before a
// trigger.
func (c *Coordinator) RunID() uuid.UUID {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.runID
}

// phaseReport accumulates outcomes across phases for the final verdict.
type phaseReport struct {
	execution    lifecycle.ExecutionReport
	requiredFail bool
	checkpointOK bool
	checkpointID string
	timedOut     bool
	err          error
}

func (c *Coordinator) runPhases(ctx context.Context) *phaseReport {
	report := &phaseReport{}

	c.runPhase(ctx, lifecycle.PhaseAcknowledged, c.phaseTimeout(lifecycle.PhaseAcknowledged, defaultAckTimeout), report,
		func(context.Context) error { return nil })

	c.runPhase(ctx, lifecycle.PhaseCriticalOpsDrain, c.phaseTimeout(lifecycle.PhaseCriticalOpsDrain, defaultDrainTimeout), report,
		c.drainCritical)

	c.runPhase(ctx, lifecycle.PhaseResourceCleanup, c.phaseTimeout(lifecycle.PhaseResourceCleanup, defaultCleanupTimeout), report,
		func(phaseCtx context.Context) error { return c.cleanupResources(phaseCtx, report) })

	c.runPhase(ctx, lifecycle.PhaseDataPreservation, c.phaseTimeout(lifecycle.PhaseDataPreservation, defaultPreserveTimeout), report,
		func(phaseCtx context.Context) error { return c.preserveData(phaseCtx, report) })

	return report
}

// runPhase advances the machine, runs fn under the phase budget, and records
// the phase stat. Failures and timeouts are recorded but never abort the
// sequence: every later phase still gets its chance to run.
func (c *Coordinator) runPhase(
	ctx context.Context,
	phase lifecycle.Phase,
	budget time.Duration,
	report *phaseReport,
	fn func(context.Context) error,
) {
	if err := c.machine.Advance(phase); err != nil {
		report.err = err
		return
	}
	start := c.deps.Clock.Now()
	c.emit(progress.Event{Stage: progress.StagePhaseStart, Phase: phase})

	phaseCtx, cancel := context.WithTimeout(ctx, budget)
	err := fn(phaseCtx)
	cancel()

	elapsed := c.deps.Clock.Now().Sub(start)
	timedOut := phaseCtx.Err() == context.DeadlineExceeded
	if timedOut {
		report.timedOut = true
		if err == nil {
			err = &lifecycle.PhaseTimeoutError{Phase: phase, Timeout: budget}
		}
	}
	if err != nil && report.err == nil {
		report.err = err
	}

	stat := lifecycle.PhaseStat{Phase: phase, Duration: elapsed, TimedOut: timedOut, Err: err}
	c.statsMu.Lock()
	c.stats.Phases = append(c.stats.Phases, stat)
	c.statsMu.Unlock()

	c.emit(progress.Event{Stage: progress.StagePhaseEnd, Phase: phase, OK: err == nil, Dur: elapsed, Note: errNote(err)})
	c.log().Info("shutdown phase finished",
		zap.String("phase", string(phase)),
		zap.Duration("elapsed", elapsed),
		zap.Bool("timed_out", timedOut),
		zap.Error(err),
	)
}

// drainCritical waits until no critical operations remain or the phase
// budget runs out. A timed-out drain abandons the stragglers; cleanup
// proceeds regardless.
func (c *Coordinator) drainCritical(ctx context.Context) error {
	c.critMu.Lock()
	if c.critCount == 0 {
		c.critMu.Unlock()
		return nil
	}
	if c.critIdle == nil {
		c.critIdle = make(chan struct{})
	}
	idle := c.critIdle
	pending := c.critCount
	c.critMu.Unlock()

	c.log().Info("draining critical operations", zap.Int("pending", pending))
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		c.critMu.Lock()
		remaining := c.critCount
		c.critMu.Unlock()
		return fmt.Errorf("drain abandoned with %d critical operations in flight: %w", remaining, ctx.Err())
	}
}

func (c *Coordinator) cleanupResources(ctx context.Context, report *phaseReport) error {
	snapshot := c.deps.Registry.ComputeOrder()
	if c.cfg.FailFast {
		report.execution = c.runFailFast(ctx, snapshot)
	} else {
		report.execution = c.exec.Run(ctx, snapshot)
	}

	required := make(map[string]bool, len(snapshot))
	for _, task := range snapshot {
		required[task.ResourceID] = task.Required
	}
	for _, res := range report.execution.Results {
		if res.Failed() && required[res.ResourceID] {
			report.requiredFail = true
		}
	}

	c.statsMu.Lock()
	c.stats.TasksSucceeded = report.execution.Succeeded
	c.stats.TasksFailed = report.execution.Failed
	c.stats.TasksTimedOut = report.execution.TimedOut
	c.stats.FailedResources = report.execution.FailedResourceIDs()
	c.statsMu.Unlock()

	if failed := report.execution.Failed + report.execution.TimedOut; failed > 0 {
		return fmt.Errorf("%d of %d cleanup tasks did not succeed", failed, len(snapshot))
	}
	return nil
}

// runFailFast executes tasks one at a time and stops scheduling new tasks
// after the first failure that counts under the strictness mode. Tasks that
// never ran are not reported as failed.
func (c *Coordinator) runFailFast(ctx context.Context, snapshot []lifecycle.CleanupTask) lifecycle.ExecutionReport {
	var combined lifecycle.ExecutionReport
	required := make(map[string]bool, len(snapshot))
	for _, task := range snapshot {
		required[task.ResourceID] = task.Required
	}
	for i := range snapshot {
		report := c.exec.Run(ctx, snapshot[i:i+1])
		combined.Succeeded += report.Succeeded
		combined.Failed += report.Failed
		combined.TimedOut += report.TimedOut
		combined.Results = append(combined.Results, report.Results...)
		for _, res := range report.Results {
			if !res.Failed() {
				continue
			}
			if c.cfg.Strictness == StrictnessAll || required[res.ResourceID] {
				c.log().Warn("fail-fast: skipping remaining cleanup tasks",
					zap.String("resource_id", res.ResourceID),
					zap.Int("skipped", len(snapshot)-i-1),
				)
				return combined
			}
		}
	}
	return combined
}

func (c *Coordinator) preserveData(ctx context.Context, report *phaseReport) error {
	if c.deps.Provider == nil {
		c.log().Info("no state provider configured, skipping checkpoint")
		report.checkpointOK = true
		return nil
	}
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate checkpoint id: %w", err)
	}
	metadata := map[string]string{
		"trigger": c.machine.TriggerContext().Signal,
		"run_id":  c.RunID().String(),
	}
	for k, v := range c.cfg.CheckpointMetadata {
		metadata[k] = v
	}

	result := c.deps.Checkpoints.Create(ctx, id, c.deps.Provider(), metadata)
	report.checkpointID = result.ID
	report.checkpointOK = result.OK()

	c.statsMu.Lock()
	c.stats.CheckpointID = result.ID
	c.stats.CheckpointOK = result.OK()
	c.statsMu.Unlock()

	c.emit(progress.Event{
		Stage:        progress.StageCheckpoint,
		CheckpointID: result.ID,
		OK:           result.OK(),
		Note:         errNote(result.Err),
	})
	if result.Err != nil {
		return fmt.Errorf("shutdown checkpoint: %w", result.Err)
	}
	return nil
}

// finalize runs the Finalization phase, moves the machine to its terminal
// phase, publishes the run notification, and returns the final statistics.
func (c *Coordinator) finalize(ctx context.Context, report *phaseReport) lifecycle.Statistics {
	c.runPhase(ctx, lifecycle.PhaseFinalization, c.phaseTimeout(lifecycle.PhaseFinalization, defaultFinalizeTimeout), report,
		func(phaseCtx context.Context) error {
			c.publishSummary(phaseCtx, report)
			return nil
		})

	success := c.verdict(report)
	switch {
	case success:
		if err := c.machine.Advance(lifecycle.PhaseCompleted); err != nil {
			c.log().Error("failed to complete state machine", zap.Error(err))
			success = false
		}
	case report.timedOut:
		_ = c.machine.Fail(lifecycle.PhaseTimedOut)
	default:
		_ = c.machine.Fail(lifecycle.PhaseError)
	}

	finished := c.deps.Clock.Now()
	c.statsMu.Lock()
	c.stats.FinishedAt = finished
	c.stats.Success = success
	stats := c.stats
	c.statsMu.Unlock()

	c.emit(progress.Event{
		Stage:        progress.StageRunDone,
		OK:           success,
		CheckpointID: stats.CheckpointID,
		Dur:          stats.Duration(),
		Note:         errNote(report.err),
	})
	c.log().Info("shutdown finished",
		zap.String("run_id", c.RunID().String()),
		zap.String("phase", string(c.machine.Phase())),
		zap.Bool("success", success),
		zap.Duration("elapsed", stats.Duration()),
		zap.Int("tasks_succeeded", stats.TasksSucceeded),
		zap.Int("tasks_failed", stats.TasksFailed),
		zap.Int("tasks_timed_out", stats.TasksTimedOut),
		zap.String("checkpoint_id", stats.CheckpointID),
	)
	return stats
}

// verdict applies the strictness mode to the accumulated report.
func (c *Coordinator) verdict(report *phaseReport) bool {
	if !report.checkpointOK {
		return false
	}
	switch c.cfg.Strictness {
	case StrictnessRequiredOnly:
		return !report.requiredFail
	default:
		return report.execution.Failed == 0 && report.execution.TimedOut == 0
	}
}

func (c *Coordinator) publishSummary(ctx context.Context, report *phaseReport) {
	if c.deps.Publisher == nil || c.cfg.PublishTopic == "" {
		return
	}
	c.statsMu.Lock()
	payload := map[string]any{
		"run_id":          c.runID.String(),
		"trigger":         c.stats.Trigger.Signal,
		"phase":           string(c.machine.Phase()),
		"tasks_succeeded": c.stats.TasksSucceeded,
		"tasks_failed":    c.stats.TasksFailed,
		"checkpoint_id":   report.checkpointID,
		"checkpoint_ok":   report.checkpointOK,
	}
	c.statsMu.Unlock()

	if _, err := c.deps.Publisher.Publish(ctx, c.cfg.PublishTopic, payload); err != nil {
		c.log().Warn("failed to publish shutdown summary", zap.Error(err))
	}
}

// startWatchdog arms the hard-kill timer. If the run is still going when it
// fires, the process is terminated immediately; a stuck cleanup must never
// keep the process alive indefinitely. The watchdog exits with code 2 so
// supervisors can tell a forced kill apart from the graceful verdict codes
// (0 success, 1 failure), which only a completed run produces.
func (c *Coordinator) startWatchdog() *time.Timer {
	exit := c.cfg.Exit
	if exit == nil {
		exit = func(int) {}
	}
	timeout := c.cfg.HardKillTimeout
	return time.AfterFunc(timeout, func() {
		c.log().Error("hard-kill watchdog fired, terminating process",
			zap.Duration("timeout", timeout),
			zap.String("phase", string(c.machine.Phase())),
		)
		exit(2)
	})
}

func (c *Coordinator) observeTask(result lifecycle.TaskResult) {
	c.emit(progress.Event{
		Stage:      progress.StageTaskDone,
		ResourceID: result.ResourceID,
		Kind:       result.Kind,
		Outcome:    result.Outcome,
		Dur:        result.Duration,
		Note:       errNote(result.Err),
	})
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.deps.Emitter == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(c.RunID())
	evt.TS = c.deps.Clock.Now()
	c.deps.Emitter.Emit(evt)
}

func (c *Coordinator) newRunID() uuid.UUID {
	if raw, err := c.deps.IDs.NewID(); err == nil {
		if id, parseErr := uuid.Parse(raw); parseErr == nil {
			return id
		}
	}
	return uuid.New()
}

func (c *Coordinator) phaseTimeout(phase lifecycle.Phase, fallback time.Duration) time.Duration {
	if d, ok := c.cfg.PhaseTimeouts[phase]; ok && d > 0 {
		return d
	}
	return fallback
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
