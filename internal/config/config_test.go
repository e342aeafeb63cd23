package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Provider.PollInterval)
	assert.Equal(t, 60, cfg.Provider.MaxPollAttempts)
	assert.Equal(t, 120, cfg.Provider.MaxStreamAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.DueWindow)
	assert.Equal(t, PlanLimits{MaxTasks: 2, MaxRunsPerMonth: 15}, cfg.Plans.Free)
	assert.Equal(t, PlanLimits{MaxTasks: 10, MaxRunsPerMonth: 100}, cfg.Plans.Pro)
	assert.Equal(t, PlanLimits{MaxTasks: 50, MaxRunsPerMonth: 300}, cfg.Plans.Premium)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
scheduler:
  strategy: cron_scan
  due_window: 2m
  trigger: "*/5 * * * *"
provider:
  poll_interval: 1s
plans:
  free:
    max_tasks: 3
    max_runs_per_month: 20
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, StrategyCronScan, cfg.Scheduler.Strategy)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.DueWindow)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.Trigger)
	assert.Equal(t, time.Second, cfg.Provider.PollInterval)
	assert.Equal(t, 3, cfg.Plans.Free.MaxTasks)
	// untouched sections keep their defaults
	assert.Equal(t, 60, cfg.Provider.MaxPollAttempts)
	assert.Equal(t, 10, cfg.Plans.Pro.MaxTasks)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRON_SECRET", "s3cret")
	t.Setenv("BROWSER_USE_API_KEY", "bu_key")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Server.CronSecret)
	assert.Equal(t, "bu_key", cfg.Provider.APIKey)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@localhost/db", cfg.DatabaseDSN())
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	cfg.Scheduler.Strategy = "whenever"
	cfg.Scheduler.MaxConcurrency = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "scheduler.strategy")
	assert.Contains(t, err.Error(), "scheduler.max_concurrency")
	assert.Contains(t, err.Error(), "log.level")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
}

func TestDatabaseDSNFromDataDir(t *testing.T) {
	cfg := Default()
	cfg.Database.DataDir = "/var/lib/browser-tasks"
	assert.Equal(t, "/var/lib/browser-tasks/tasks.db", cfg.DatabaseDSN())
}
