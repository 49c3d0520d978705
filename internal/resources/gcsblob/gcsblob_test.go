package gcsblob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

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

func newTestClient(t *testing.T) *storage.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return client
}

func TestRegisterBuildsNetworkTask(t *testing.T) {
	t.Parallel()

	res, err := New(newTestClient(t), Config{ResourceID: "gcs.checkpoints", Priority: 20}, zap.NewNop())
	require.NoError(t, err)

	reg := &captureRegistrar{}
	require.NoError(t, res.Register(reg))
	require.Len(t, reg.tasks, 1)

	task := reg.tasks[0]
	require.Equal(t, "gcs.checkpoints", task.ResourceID)
	require.Equal(t, lifecycle.KindNetwork, task.Kind)
	require.Equal(t, 20, task.Priority)
}

func TestCleanupClosesClient(t *testing.T) {
	t.Parallel()

	res, err := New(newTestClient(t), Config{}, zap.NewNop())
	require.NoError(t, err)

	reg := &captureRegistrar{}
	require.NoError(t, res.Register(reg))
	require.NoError(t, reg.tasks[0].Cleanup(context.Background()))
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, zap.NewNop())
	require.Error(t, err)
}
