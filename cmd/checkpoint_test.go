package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-lifecycle/internal/config"
	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("checkpoint:\n  dir: %s\n", filepath.Join(dir, "checkpoints"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	return cfgPath
}

func seedCheckpoint(t *testing.T, cfgPath, id string) {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	mgr, err := openManager(cfg)
	require.NoError(t, err)
	res := mgr.Create(context.Background(), id, lifecycle.State{
		Application: map[string]any{"pages_done": "2"},
	}, nil)
	require.NoError(t, res.Err)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckpointListEmpty(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "checkpoint", "list")
	require.NoError(t, err)
	require.Contains(t, out, "no checkpoints")
}

func TestCheckpointListShowsEntries(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedCheckpoint(t, cfgPath, "cp-cli")

	out, err := execute(t, "--config", cfgPath, "checkpoint", "list")
	require.NoError(t, err)
	require.Contains(t, out, "cp-cli")
	require.Contains(t, out, "json")
}

func TestCheckpointVerifyValid(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedCheckpoint(t, cfgPath, "cp-verify")

	out, err := execute(t, "--config", cfgPath, "checkpoint", "verify", "cp-verify")
	require.NoError(t, err)
	require.Contains(t, out, "valid")
}

func TestCheckpointVerifyMissingFails(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, "--config", cfgPath, "checkpoint", "verify", "cp-gone")
	require.ErrorContains(t, err, "failed verification")
}

func TestCheckpointPruneKeepsRecent(t *testing.T) {
	cfgPath := writeTestConfig(t)
	seedCheckpoint(t, cfgPath, "cp-a")
	seedCheckpoint(t, cfgPath, "cp-b")

	out, err := execute(t, "--config", cfgPath, "checkpoint", "prune")
	require.NoError(t, err)
	// Default retention keeps far more than two files.
	require.Contains(t, out, "removed 0 checkpoint file(s)")
}
