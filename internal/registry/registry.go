// Package registry stores registered cleanup tasks and computes their
// execution order for the cleanup executor.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

const defaultTaskTimeout = 10 * time.Second

var errEmptyResourceID = errors.New("resource id is required")

// Registry is the single mutable shared structure of the coordinator.
// Mutation and snapshotting are mutually exclusive; the executor only ever
// sees immutable snapshots produced by ComputeOrder.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]lifecycle.CleanupTask
	clock  lifecycle.Clock
	logger *zap.Logger

	defaultTimeout time.Duration
}

// Option customizes a Registry.
type Option func(*Registry)

// WithDefaultTimeout sets the timeout applied to tasks registered without
// an explicit one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// New builds an empty Registry.
func New(clock lifecycle.Clock, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		tasks:          make(map[string]lifecycle.CleanupTask),
		clock:          clock,
		logger:         logger,
		defaultTimeout: defaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores the task. A second registration with the same resource id
// fails with a DuplicateResourceError and leaves the existing entry
// untouched. Tasks registered while a shutdown run is executing only affect
// a subsequent run: the executor works from an earlier snapshot.
func (r *Registry) Register(task lifecycle.CleanupTask) error {
	if task.ResourceID == "" {
		return errEmptyResourceID
	}
	if !lifecycle.KnownKind(task.Kind) {
		task.Kind = lifecycle.KindCustom
	}
	if task.Timeout <= 0 {
		task.Timeout = r.defaultTimeout
	}
	if task.RegisteredAt.IsZero() {
		task.RegisteredAt = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ResourceID]; exists {
		return &lifecycle.DuplicateResourceError{ResourceID: task.ResourceID}
	}
	r.tasks[task.ResourceID] = task
	r.logger.Debug("cleanup task registered",
		zap.String("resource_id", task.ResourceID),
		zap.String("kind", string(task.Kind)),
		zap.Int("priority", task.Priority),
	)
	return nil
}

// Unregister removes a task, typically because the resource closed itself
// before shutdown. It reports whether the id was present.
func (r *Registry) Unregister(resourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[resourceID]; !exists {
		return false
	}
	delete(r.tasks, resourceID)
	r.logger.Debug("cleanup task unregistered", zap.String("resource_id", resourceID))
	return true
}

// Get returns the registered task for resourceID.
func (r *Registry) Get(resourceID string) (lifecycle.CleanupTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[resourceID]
	return task, ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// ComputeOrder produces an immutable snapshot sequence for the executor.
// Ordering: priority descending; within one priority band, tasks whose
// declared dependencies have not all run earlier in the sequence are
// deferred to the end of the band (dependencies are soft and never block);
// remaining ties break on resource id ascending for determinism.
func (r *Registry) ComputeOrder() []lifecycle.CleanupTask {
	r.mu.Lock()
	snapshot := make([]lifecycle.CleanupTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		snapshot = append(snapshot, task)
	}
	r.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Priority != snapshot[j].Priority {
			return snapshot[i].Priority > snapshot[j].Priority
		}
		return snapshot[i].ResourceID < snapshot[j].ResourceID
	})

	present := make(map[string]bool, len(snapshot))
	for _, task := range snapshot {
		present[task.ResourceID] = true
	}

	ordered := make([]lifecycle.CleanupTask, 0, len(snapshot))
	placed := make(map[string]bool, len(snapshot))
	for start := 0; start < len(snapshot); {
		end := start
		for end < len(snapshot) && snapshot[end].Priority == snapshot[start].Priority {
			end++
		}
		band := snapshot[start:end]

		var ready, deferred []lifecycle.CleanupTask
		for _, task := range band {
			if depsSatisfied(task, present, placed) {
				ready = append(ready, task)
			} else {
				deferred = append(deferred, task)
			}
		}
		for _, task := range ready {
			ordered = append(ordered, task)
			placed[task.ResourceID] = true
		}
		for _, task := range deferred {
			ordered = append(ordered, task)
			placed[task.ResourceID] = true
		}
		start = end
	}
	return ordered
}

// depsSatisfied reports whether every declared dependency has already been
// placed in the sequence. Dependencies on unregistered ids are treated as
// satisfied so a stale declaration cannot defer a task forever.
func depsSatisfied(task lifecycle.CleanupTask, present, placed map[string]bool) bool {
	for _, dep := range task.Dependencies {
		if dep == task.ResourceID {
			continue
		}
		if present[dep] && !placed[dep] {
			return false
		}
	}
	return true
}
