package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chronicle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
admin:
  url: "postgres://localhost/admin"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "Daily", cfg.Queue.RollCycle)
	require.Equal(t, "queue_offsets", cfg.Queue.OffsetTable)
	require.Equal(t, "chronicle", cfg.Queue.CacheName)
	require.Equal(t, 60_000, cfg.Checkpoint.IntervalMS)
	require.Equal(t, "chronicle-applier", cfg.Consumer.ID)
	require.Equal(t, 10, cfg.Consumer.DegradeAfter)
	require.Equal(t, 100, cfg.Corruption.SkipMaxRuntime)
	require.Equal(t, 10_000, cfg.Corruption.SkipMaxStartup)
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, 60*time.Second, cfg.CheckpointInterval())
	require.Equal(t, 100*time.Millisecond, cfg.BatchBackoff())
}

func TestLoadRespectsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
queue:
  roll_cycle: Hourly
checkpoint:
  interval_ms: 5000
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "Hourly", cfg.Queue.RollCycle)
	require.Equal(t, 5000, cfg.Checkpoint.IntervalMS)
}

func TestLoadEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfig(t, `
queue:
  roll_cycle: Daily
admin:
  url: "postgres://localhost/admin"
`)
	t.Setenv("CHRONICLE_ROLL_CYCLE", "LargeHourly")
	t.Setenv("CHRONICLE_ADMIN_DSN", "postgres://override/admin")
	t.Setenv("CHRONICLE_CHECKPOINT_INTERVAL_MS", "7777")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "LargeHourly", cfg.Queue.RollCycle)
	require.Equal(t, "postgres://override/admin", cfg.Admin.URL)
	require.Equal(t, 7777, cfg.Checkpoint.IntervalMS)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
