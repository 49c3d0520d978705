package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-lifecycle/internal/progress"
)

// PrometheusSink exports shutdown lifecycle metrics via Prometheus. It owns
// all collectors for runs triggered/completed, per-phase durations, cleanup
// task outcomes, and checkpoint and integrity results.
type PrometheusSink struct {
	runsTriggered prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	phaseDuration *prometheus.HistogramVec
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	checkpointWrites *prometheus.CounterVec
	integrityChecks  *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shutdown_runs_triggered_total",
			Help: "Total shutdown runs that have been triggered.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shutdown_runs_completed_total",
			Help: "Total shutdown runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shutdown_runs_active",
			Help: "Current number of in-flight shutdown runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shutdown_run_duration_seconds",
			Help:    "Wall time per completed shutdown run.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shutdown_phase_duration_seconds",
			Help:    "Duration of each shutdown phase.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"phase"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shutdown_tasks_total",
			Help: "Cleanup task completions partitioned by kind and outcome.",
		}, []string{"kind", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shutdown_task_duration_seconds",
			Help:    "Cleanup task duration partitioned by kind.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"kind"}),
		checkpointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_writes_total",
			Help: "Checkpoint write attempts partitioned by result.",
		}, []string{"result"}),
		integrityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_checks_total",
			Help: "Integrity verifications partitioned by result.",
		}, []string{"result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsTriggered,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.phaseDuration,
		s.tasksTotal,
		s.taskDuration,
		s.checkpointWrites,
		s.integrityChecks,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunTriggered:
		s.runsTriggered.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		result := resultLabel(evt.OK)
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsActive.Dec()
		}
	case progress.StagePhaseEnd:
		if evt.Dur > 0 {
			s.phaseDuration.WithLabelValues(string(evt.Phase)).Observe(evt.Dur.Seconds())
		}
	case progress.StageTaskDone:
		s.tasksTotal.WithLabelValues(string(evt.Kind), string(evt.Outcome)).Inc()
		if evt.Dur > 0 {
			s.taskDuration.WithLabelValues(string(evt.Kind)).Observe(evt.Dur.Seconds())
		}
	case progress.StageCheckpoint:
		s.checkpointWrites.WithLabelValues(resultLabel(evt.OK)).Inc()
	case progress.StageIntegrity:
		s.integrityChecks.WithLabelValues(resultLabel(evt.OK)).Inc()
	}
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
