// Package machine implements the shutdown state machine. It is the
// authoritative phase ledger; every other component reads and advances the
// phase through it under one mutation discipline.
package machine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Machine tracks the current shutdown phase. Transitions are strictly
// forward along the fixed ordering; the two abnormal terminals are
// reachable from any non-terminal phase via Fail.
type Machine struct {
	mu      sync.Mutex
	phase   lifecycle.Phase
	trigger lifecycle.TriggerContext
	history []transition
	logger  *zap.Logger
}

type transition struct {
	from lifecycle.Phase
	to   lifecycle.Phase
	at   time.Time
}

// New returns a Machine in the Idle phase.
func New(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		phase:  lifecycle.PhaseIdle,
		logger: logger,
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() lifecycle.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Terminal reports whether the machine has reached a terminal phase.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase.Terminal()
}

// Trigger performs the Idle -> Triggered transition exactly once and
// retains the originating context for reporting. Concurrent callers after
// the first receive lifecycle.ErrAlreadyTriggered.
func (m *Machine) Trigger(trigger lifecycle.TriggerContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != lifecycle.PhaseIdle {
		return lifecycle.ErrAlreadyTriggered
	}
	m.trigger = trigger
	m.record(lifecycle.PhaseTriggered, trigger.At)
	m.logger.Info("shutdown triggered",
		zap.String("signal", trigger.Signal),
		zap.Time("at", trigger.At),
	)
	return nil
}

// Advance moves the machine to next, which must be the immediate successor
// of the current phase in the fixed ordering. Anything else is a
// programming error reported as a PhaseOrderError.
func (m *Machine) Advance(next lifecycle.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == lifecycle.PhaseIdle {
		return lifecycle.ErrNotTriggered
	}
	cur := lifecycle.PhaseIndex(m.phase)
	want := lifecycle.PhaseIndex(next)
	if cur < 0 || want != cur+1 {
		return &lifecycle.PhaseOrderError{From: m.phase, To: next}
	}
	m.record(next, time.Now().UTC())
	return nil
}

// Fail moves the machine to one of the abnormal terminals. It is a no-op
// once a terminal phase has been reached.
func (m *Machine) Fail(terminal lifecycle.Phase) error {
	if terminal != lifecycle.PhaseError && terminal != lifecycle.PhaseTimedOut {
		return &lifecycle.PhaseOrderError{From: m.Phase(), To: terminal}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase.Terminal() {
		return nil
	}
	m.record(terminal, time.Now().UTC())
	return nil
}

// TriggerContext returns the context captured by Trigger. The zero value
// is returned while the machine is idle.
func (m *Machine) TriggerContext() lifecycle.TriggerContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trigger
}

// History returns the ordered list of phases visited so far, including the
// current one.
func (m *Machine) History() []lifecycle.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lifecycle.Phase, 0, len(m.history))
	for _, t := range m.history {
		out = append(out, t.to)
	}
	return out
}

func (m *Machine) record(next lifecycle.Phase, at time.Time) {
	m.history = append(m.history, transition{from: m.phase, to: next, at: at})
	m.logger.Debug("phase transition",
		zap.String("from", string(m.phase)),
		zap.String("to", string(next)),
	)
	m.phase = next
}
