package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/kpid/internal/config"
	"codeberg.org/mutker/kpid/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kpid.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "debug"
database = "/path/to/kpi.db"
definitions = "/path/to/kpis.yaml"
watch_definitions = true
warmup_delay = "30s"
state_retention_hours = 48
stale_running_minutes = 90
listen = ":9310"
metrics = true
`)

	t.Setenv("KPID_CONFIG", configPath)

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/path/to/kpi.db", cfg.Database)
	assert.Equal(t, "/path/to/kpis.yaml", cfg.Definitions)
	assert.True(t, cfg.WatchDefinitions)
	assert.Equal(t, 30*time.Second, cfg.WarmupDelay)
	assert.Equal(t, 48*time.Hour, cfg.GetStateRetention())
	assert.Equal(t, 90*time.Minute, cfg.GetStaleRunningAfter())
	assert.Equal(t, ":9310", cfg.Listen)
	assert.True(t, cfg.Metrics)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KPID_CONFIG", "")

	cfg, err := config.Load(config.WithArgs(nil), config.WithEnvPrefix("KPIDTEST"))
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultDatabasePath, cfg.Database)
	assert.Equal(t, config.DefaultWarmupDelay, cfg.GetWarmupDelay())
	assert.Equal(t, 24*time.Hour, cfg.GetStateRetention())
	assert.Equal(t, time.Hour, cfg.HousekeepingInterval)
	assert.False(t, cfg.WatchDefinitions)
	assert.Empty(t, cfg.Listen)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load(config.WithArgs(nil), config.WithConfigFile(configPath))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestInvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "invalid"
`)

	_, err := config.Load(config.WithArgs(nil), config.WithConfigFile(configPath))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestFlagsOverrideFile(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "warning"
database = "/from/file.db"
`)

	cfg, err := config.Load(
		config.WithConfigFile(configPath),
		config.WithArgs([]string{"--log-level", "debug", "--database", "/from/flag.db"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
	assert.Equal(t, "/from/flag.db", cfg.Database)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	configPath := writeConfig(t, `
database = "/from/file.db"
`)
	t.Setenv("KPID_DATABASE", "/from/env.db")

	cfg, err := config.Load(config.WithArgs(nil), config.WithConfigFile(configPath))
	require.NoError(t, err)
	assert.Equal(t, "/from/env.db", cfg.Database)
}
