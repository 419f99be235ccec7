package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Scheduler.ForesightRuns)
	assert.Equal(t, -1, cfg.Scheduler.MaxRuns)
	assert.Equal(t, int64(0), cfg.Scheduler.StartCycle)
	assert.False(t, cfg.Scheduler.GenerateAutomation)
	assert.Equal(t, time.Second, cfg.Scheduler.CycleInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero foresight", func(c *Config) { c.Scheduler.ForesightRuns = 0 }},
		{"zero max runs", func(c *Config) { c.Scheduler.MaxRuns = 0 }},
		{"negative start cycle", func(c *Config) { c.Scheduler.StartCycle = -3 }},
		{"no interval", func(c *Config) { c.Scheduler.CycleInterval = 0 }},
		{"bad port", func(c *Config) { c.Daemon.Port = 70000 }},
		{"empty db path", func(c *Config) { c.Database.Path = " " }},
		{"zero method burst", func(c *Config) {
			c.Daemon.RateLimits = map[string]RateLimit{"ping": {RequestsPerSecond: 5}}
		}},
		{"global rate without burst", func(c *Config) {
			c.Daemon.GlobalRateLimit = RateLimit{RequestsPerSecond: 10}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "componist.yaml")
	content := `scheduler:
  foresight_runs: 3
  max_runs: 2
  start_cycle: 8
  generate_automation: true
  cycle_interval: 250ms
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scheduler.ForesightRuns)
	assert.Equal(t, 2, cfg.Scheduler.MaxRuns)
	assert.Equal(t, int64(8), cfg.Scheduler.StartCycle)
	assert.True(t, cfg.Scheduler.GenerateAutomation)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.CycleInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 50151, cfg.Daemon.Port)
}

func TestLoad_RateLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "componist.yaml")
	content := `daemon:
  rate_limits:
    report_cycle:
      requests_per_second: 5
      burst: 10
  global_rate_limit:
    requests_per_second: 100
    burst: 200
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RateLimit{RequestsPerSecond: 5, Burst: 10}, cfg.Daemon.RateLimits["report_cycle"])
	assert.Equal(t, RateLimit{RequestsPerSecond: 100, Burst: 200}, cfg.Daemon.GlobalRateLimit)
	assert.True(t, cfg.Daemon.RateLimitEnabled)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "componist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  foresight_runs: 3\n"), 0o644))

	t.Setenv("COMPONIST_SCHEDULER_FORESIGHT_RUNS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.ForesightRuns)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "componist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_runs: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global.DataDir = "/var/lib/componist"

	assert.Equal(t, "/var/lib/componist/componist.db", cfg.DatabasePath())

	cfg.Database.Path = ":memory:"
	assert.Equal(t, ":memory:", cfg.DatabasePath())

	cfg.Database.Path = "/tmp/other.db"
	assert.Equal(t, "/tmp/other.db", cfg.DatabasePath())
}
