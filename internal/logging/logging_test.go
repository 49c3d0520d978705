package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestForRunStampsRunID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	logger := ForRun(zap.New(core), "run-42")
	logger.Info("phase start")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "run-42", entries[0].ContextMap()["run_id"])
}

func TestForRunNilLogger(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		ForRun(nil, "run-42").Info("dropped")
	})
}
