package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

type captureRegistrar struct {
	tasks []lifecycle.CleanupTask
}

func (c *captureRegistrar) RegisterCleanup(task lifecycle.CleanupTask) error {
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *captureRegistrar) UnregisterCleanup(string) bool { return false }

func TestRegisterBuildsBrowserTask(t *testing.T) {
	t.Parallel()

	sess := New(Config{Priority: 50, Timeout: 2 * time.Second}, zap.NewNop())
	reg := &captureRegistrar{}
	require.NoError(t, sess.Register(reg))
	require.Len(t, reg.tasks, 1)

	task := reg.tasks[0]
	require.Equal(t, "browser.chromedp", task.ResourceID)
	require.Equal(t, lifecycle.KindBrowser, task.Kind)
	require.Equal(t, 50, task.Priority)
	require.False(t, task.Required)
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	sess := New(Config{}, zap.NewNop())
	require.NoError(t, sess.cleanup(context.Background()))
	require.NoError(t, sess.cleanup(context.Background()))
	sess.forceClose()
}

func TestContextAfterCloseFails(t *testing.T) {
	t.Parallel()

	sess := New(Config{ResourceID: "browser.render"}, zap.NewNop())
	sess.close()

	_, err := sess.Context()
	require.ErrorContains(t, err, "browser.render")
}
