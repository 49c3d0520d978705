// Package executor runs ordered cleanup task sequences with per-task
// timeouts and the configured escalation policy.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/retry"
)

const defaultGracePeriod = 2 * time.Second

// Config controls Executor behavior.
type Config struct {
	// Escalation selects what happens when a task exceeds its timeout.
	Escalation lifecycle.EscalationPolicy
	// GracePeriod is the extra wait applied under the Escalate policy
	// before falling back to a forced release (default 2s).
	GracePeriod time.Duration
	// ParallelKinds lists the task kinds that may run in bounded-parallel
	// groups. Empty means fully sequential, the deterministic default.
	ParallelKinds []lifecycle.TaskKind
	// MaxParallel bounds group concurrency (default 4).
	MaxParallel int
	// Retry is the shared backoff policy applied to failed (not timed-out)
	// cleanup attempts. Nil disables retries.
	Retry *retry.Policy
	// OnResult, when set, receives each task result as it completes.
	OnResult func(lifecycle.TaskResult)
}

// Executor executes cleanup tasks from a registry snapshot. Failure in one
// task never aborts its siblings.
type Executor struct {
	cfg      Config
	parallel map[lifecycle.TaskKind]bool
	clock    lifecycle.Clock
	logger   *zap.Logger
}

// New constructs an Executor.
func New(cfg Config, clock lifecycle.Clock, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Escalation == "" {
		cfg.Escalation = lifecycle.EscalationIgnore
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	parallel := make(map[lifecycle.TaskKind]bool, len(cfg.ParallelKinds))
	for _, kind := range cfg.ParallelKinds {
		parallel[kind] = true
	}
	return &Executor{cfg: cfg, parallel: parallel, clock: clock, logger: logger}
}

// Run executes the ordered task sequence and returns the aggregate report.
// Consecutive tasks of a parallel-safe kind within the same priority band
// form a bounded-parallel group; everything else runs sequentially in the
// given order.
func (e *Executor) Run(ctx context.Context, tasks []lifecycle.CleanupTask) lifecycle.ExecutionReport {
	report := lifecycle.ExecutionReport{Results: make([]lifecycle.TaskResult, 0, len(tasks))}

	for start := 0; start < len(tasks); {
		end := e.groupEnd(tasks, start)
		group := tasks[start:end]
		var results []lifecycle.TaskResult
		if len(group) > 1 {
			results = e.runParallel(ctx, group)
		} else {
			results = []lifecycle.TaskResult{e.runOne(ctx, group[0])}
		}
		for _, res := range results {
			report.Results = append(report.Results, res)
			switch res.Outcome {
			case lifecycle.TaskSucceeded:
				report.Succeeded++
			case lifecycle.TaskTimedOut, lifecycle.TaskForced:
				report.TimedOut++
			default:
				report.Failed++
			}
			if e.cfg.OnResult != nil {
				e.cfg.OnResult(res)
			}
		}
		start = end
	}
	return report
}

// groupEnd returns the exclusive end of the run starting at start: a span
// of same-kind, same-priority, dependency-free tasks of a parallel-safe
// kind, or a single task. Tasks that declare dependencies always execute
// alone so their ordering stays observable.
func (e *Executor) groupEnd(tasks []lifecycle.CleanupTask, start int) int {
	first := tasks[start]
	if !e.parallel[first.Kind] || len(first.Dependencies) > 0 {
		return start + 1
	}
	end := start + 1
	for end < len(tasks) &&
		tasks[end].Kind == first.Kind &&
		tasks[end].Priority == first.Priority &&
		len(tasks[end].Dependencies) == 0 {
		end++
	}
	return end
}

func (e *Executor) runParallel(ctx context.Context, group []lifecycle.CleanupTask) []lifecycle.TaskResult {
	results := make([]lifecycle.TaskResult, len(group))
	sem := make(chan struct{}, e.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, task := range group {
		wg.Add(1)
		go func(i int, task lifecycle.CleanupTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.runOne(ctx, task)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runOne executes a single task, retrying failed attempts per the shared
// policy. Timeouts are not retried; they go to escalation instead.
func (e *Executor) runOne(ctx context.Context, task lifecycle.CleanupTask) lifecycle.TaskResult {
	started := e.clock.Now()
	result := lifecycle.TaskResult{ResourceID: task.ResourceID, Kind: task.Kind}

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1
		err, timedOut, done := e.attempt(ctx, task)
		if err == nil {
			result.Outcome = lifecycle.TaskSucceeded
			break
		}
		if timedOut {
			result.Outcome, result.Err = e.escalate(task, done)
			break
		}
		if e.cfg.Retry != nil && e.cfg.Retry.ShouldRetry(err, attempt) {
			e.logger.Debug("cleanup attempt failed, retrying",
				zap.String("resource_id", task.ResourceID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if waitErr := e.cfg.Retry.Wait(ctx, attempt); waitErr == nil {
				continue
			}
		}
		result.Outcome = lifecycle.TaskFailed
		result.Err = &lifecycle.CleanupExecutionError{ResourceID: task.ResourceID, Err: err}
		break
	}

	result.Duration = e.clock.Now().Sub(started)
	e.logResult(result)
	return result
}

// attempt runs the cleanup closure bounded by the task timeout. The closure
// executes on a detached goroutine reporting through a buffered channel, so
// an action that ignores its context cannot wedge the executor; the
// goroutine is abandoned on timeout.
func (e *Executor) attempt(ctx context.Context, task lifecycle.CleanupTask) (err error, timedOut bool, done chan error) {
	attemptCtx, cancel := context.WithTimeout(ctx, task.Timeout)

	done = make(chan error, 1)
	go func() {
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("cleanup panic: %v", rec)
			}
		}()
		done <- task.Cleanup(attemptCtx)
	}()

	select {
	case err := <-done:
		return err, false, done
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err(), false, done
		}
		return &lifecycle.CleanupTimeoutError{ResourceID: task.ResourceID, Timeout: task.Timeout}, true, done
	}
}

// escalate applies the configured policy to a timed-out task. Under the
// Escalate policy a late completion within the grace period still counts.
func (e *Executor) escalate(task lifecycle.CleanupTask, done <-chan error) (lifecycle.TaskOutcome, error) {
	timeoutErr := &lifecycle.CleanupTimeoutError{ResourceID: task.ResourceID, Timeout: task.Timeout}
	switch e.cfg.Escalation {
	case lifecycle.EscalationForceTerminate:
		return e.force(task)
	case lifecycle.EscalationEscalate:
		e.logger.Warn("cleanup timed out, granting grace period",
			zap.String("resource_id", task.ResourceID),
			zap.Duration("grace", e.cfg.GracePeriod),
		)
		grace := time.NewTimer(e.cfg.GracePeriod)
		defer grace.Stop()
		select {
		case err := <-done:
			if err == nil {
				return lifecycle.TaskSucceeded, nil
			}
			return lifecycle.TaskFailed, &lifecycle.CleanupExecutionError{ResourceID: task.ResourceID, Err: err}
		case <-grace.C:
			return e.force(task)
		}
	default:
		return lifecycle.TaskTimedOut, timeoutErr
	}
}

func (e *Executor) force(task lifecycle.CleanupTask) (lifecycle.TaskOutcome, error) {
	if task.Force != nil {
		task.Force()
	}
	return lifecycle.TaskForced, &lifecycle.ForcedTerminationError{ResourceID: task.ResourceID}
}

func (e *Executor) logResult(result lifecycle.TaskResult) {
	fields := []zap.Field{
		zap.String("resource_id", result.ResourceID),
		zap.String("kind", string(result.Kind)),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("attempts", result.Attempts),
		zap.Duration("dur", result.Duration),
	}
	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
		e.logger.Warn("cleanup task did not succeed", fields...)
		return
	}
	e.logger.Debug("cleanup task succeeded", fields...)
}
