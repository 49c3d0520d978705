package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func noopCleanup(context.Context) error { return nil }

func newTask(id string, kind lifecycle.TaskKind, priority int, deps ...string) lifecycle.CleanupTask {
	return lifecycle.CleanupTask{
		ResourceID:   id,
		Kind:         kind,
		Priority:     priority,
		Timeout:      time.Second,
		Cleanup:      noopCleanup,
		Dependencies: deps,
	}
}

func ids(tasks []lifecycle.CleanupTask) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ResourceID)
	}
	return out
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())

	first := newTask("db-main", lifecycle.KindDatabase, 100)
	require.NoError(t, r.Register(first))

	dup := newTask("db-main", lifecycle.KindDatabase, 5)
	err := r.Register(dup)
	var dupErr *lifecycle.DuplicateResourceError
	require.ErrorAs(t, err, &dupErr)
	require.Equal(t, "db-main", dupErr.ResourceID)

	// The existing task's fields are unchanged.
	got, ok := r.Get("db-main")
	require.True(t, ok)
	require.Equal(t, 100, got.Priority)
}

func TestRegistry_RegisterRequiresID(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.Error(t, r.Register(newTask("", lifecycle.KindCustom, 0)))
}

func TestRegistry_RegisterDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(&fakeClock{now: now}, zap.NewNop(), WithDefaultTimeout(3*time.Second))

	task := lifecycle.CleanupTask{ResourceID: "sock-1", Kind: "bogus", Cleanup: noopCleanup}
	require.NoError(t, r.Register(task))

	got, ok := r.Get("sock-1")
	require.True(t, ok)
	require.Equal(t, lifecycle.KindCustom, got.Kind)
	require.Equal(t, 3*time.Second, got.Timeout)
	require.Equal(t, now, got.RegisteredAt)
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.NoError(t, r.Register(newTask("file-log", lifecycle.KindFile, 10)))

	require.True(t, r.Unregister("file-log"))
	require.False(t, r.Unregister("file-log"))
	require.Equal(t, 0, r.Len())
}

func TestComputeOrder_PriorityDescending(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.NoError(t, r.Register(newTask("custom", lifecycle.KindCustom, 10)))
	require.NoError(t, r.Register(newTask("database", lifecycle.KindDatabase, 100)))
	require.NoError(t, r.Register(newTask("file", lifecycle.KindFile, 90)))

	require.Equal(t, []string{"database", "file", "custom"}, ids(r.ComputeOrder()))
}

func TestComputeOrder_TieBreakOnResourceID(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.NoError(t, r.Register(newTask("sock-b", lifecycle.KindNetwork, 50)))
	require.NoError(t, r.Register(newTask("sock-a", lifecycle.KindNetwork, 50)))
	require.NoError(t, r.Register(newTask("sock-c", lifecycle.KindNetwork, 50)))

	require.Equal(t, []string{"sock-a", "sock-b", "sock-c"}, ids(r.ComputeOrder()))
}

func TestComputeOrder_SoftDependenciesDeferWithinBand(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	// "aaa" depends on "zzz"; both share a band, so "aaa" moves to the end
	// of the band instead of winning on id order.
	require.NoError(t, r.Register(newTask("aaa", lifecycle.KindCustom, 50, "zzz")))
	require.NoError(t, r.Register(newTask("mmm", lifecycle.KindCustom, 50)))
	require.NoError(t, r.Register(newTask("zzz", lifecycle.KindCustom, 50)))

	require.Equal(t, []string{"mmm", "zzz", "aaa"}, ids(r.ComputeOrder()))
}

func TestComputeOrder_DependencyAcrossBandsAlreadySatisfied(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.NoError(t, r.Register(newTask("pool", lifecycle.KindDatabase, 100)))
	require.NoError(t, r.Register(newTask("cache", lifecycle.KindCustom, 50, "pool")))

	require.Equal(t, []string{"pool", "cache"}, ids(r.ComputeOrder()))
}

func TestComputeOrder_UnknownDependencyDoesNotDefer(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.NoError(t, r.Register(newTask("aaa", lifecycle.KindCustom, 50, "ghost")))
	require.NoError(t, r.Register(newTask("bbb", lifecycle.KindCustom, 50)))

	require.Equal(t, []string{"aaa", "bbb"}, ids(r.ComputeOrder()))
}

func TestComputeOrder_CyclicDependenciesNeverBlock(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.NoError(t, r.Register(newTask("left", lifecycle.KindCustom, 50, "right")))
	require.NoError(t, r.Register(newTask("right", lifecycle.KindCustom, 50, "left")))

	order := r.ComputeOrder()
	require.Len(t, order, 2)
	require.ElementsMatch(t, []string{"left", "right"}, ids(order))
}

func TestComputeOrder_SnapshotIsIsolated(t *testing.T) {
	t.Parallel()
	r := New(&fakeClock{now: time.Now()}, zap.NewNop())
	require.NoError(t, r.Register(newTask("one", lifecycle.KindCustom, 10)))

	snapshot := r.ComputeOrder()
	// Registrations after the snapshot only affect a subsequent run.
	require.NoError(t, r.Register(newTask("two", lifecycle.KindCustom, 99)))
	require.Equal(t, []string{"one"}, ids(snapshot))
	require.Equal(t, []string{"two", "one"}, ids(r.ComputeOrder()))
}
