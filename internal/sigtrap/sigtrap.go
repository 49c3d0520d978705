// Package sigtrap converts OS termination signals into exactly one internal
// trigger event. The signal-delivery path does the absolute minimum: the
// runtime writes into a buffered channel and a dedicated goroutine hands the
// first signal off as a trigger. All real shutdown work happens elsewhere.
package sigtrap

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/metrics"
)

// defaultSignals are the termination requests the trap listens for:
// interrupt, termination, and quit as the platform-specific secondary.
var defaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// Trap captures termination signals and delivers a single TriggerContext on
// its channel. Additional signals after the first are counted and dropped.
type Trap struct {
	signals []os.Signal
	sigCh   chan os.Signal
	fired   atomic.Bool
	extra   atomic.Int64
	out     chan lifecycle.TriggerContext
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New builds a Trap for the given signals, defaulting to SIGINT, SIGTERM
// and SIGQUIT when none are supplied.
func New(logger *zap.Logger, signals ...os.Signal) *Trap {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(signals) == 0 {
		signals = defaultSignals
	}
	return &Trap{
		signals: signals,
		sigCh:   make(chan os.Signal, 4),
		out:     make(chan lifecycle.TriggerContext, 1),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start registers the signal handler and begins forwarding. It is safe to
// call more than once; only the first call has effect.
func (t *Trap) Start() {
	t.startOnce.Do(func() {
		signal.Notify(t.sigCh, t.signals...)
		go t.loop()
	})
}

// Triggered returns the channel that carries the single trigger event.
func (t *Trap) Triggered() <-chan lifecycle.TriggerContext {
	return t.out
}

// ExtraSignals reports how many signals arrived after the first. Useful for
// the final statistics report.
func (t *Trap) ExtraSignals() int64 {
	return t.extra.Load()
}

// Stop unregisters the signal handler and stops the forwarding goroutine.
func (t *Trap) Stop() {
	t.stopOnce.Do(func() {
		signal.Stop(t.sigCh)
		close(t.done)
	})
}

func (t *Trap) loop() {
	for {
		select {
		case sig := <-t.sigCh:
			t.handle(sig)
		case <-t.done:
			return
		}
	}
}

func (t *Trap) handle(sig os.Signal) {
	metrics.ObserveSignal(sig.String())
	if !t.fired.CompareAndSwap(false, true) {
		t.extra.Add(1)
		t.logger.Debug("ignoring extra termination signal", zap.String("signal", sig.String()))
		return
	}
	trigger := lifecycle.TriggerContext{Signal: sig.String(), At: time.Now().UTC()}
	select {
	case t.out <- trigger:
	default:
	}
}

// Inject delivers a synthetic trigger, used by programmatic shutdown and
// tests. It obeys the same single-fire rule as real signals.
func (t *Trap) Inject(reason string) {
	if !t.fired.CompareAndSwap(false, true) {
		t.extra.Add(1)
		return
	}
	trigger := lifecycle.TriggerContext{Signal: reason, At: time.Now().UTC()}
	select {
	case t.out <- trigger:
	default:
	}
}
