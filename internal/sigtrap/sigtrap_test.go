package sigtrap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrap_InjectFiresOnce(t *testing.T) {
	t.Parallel()
	trap := New(zap.NewNop())
	defer trap.Stop()

	trap.Inject("manual")
	trap.Inject("manual-again")

	select {
	case trigger := <-trap.Triggered():
		require.Equal(t, "manual", trigger.Signal)
		require.False(t, trigger.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected trigger")
	}

	select {
	case <-trap.Triggered():
		t.Fatal("second trigger should not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, int64(1), trap.ExtraSignals())
}

func TestTrap_ConcurrentInject(t *testing.T) {
	t.Parallel()
	trap := New(zap.NewNop())
	defer trap.Stop()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trap.Inject("race")
		}()
	}
	wg.Wait()

	select {
	case <-trap.Triggered():
	case <-time.After(time.Second):
		t.Fatal("expected exactly one trigger")
	}
	require.Equal(t, int64(n-1), trap.ExtraSignals())
}

func TestTrap_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	trap := New(zap.NewNop())
	trap.Start()
	trap.Stop()
	trap.Stop()
}
