package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
[writer]
profile_name = "work-laptop"

[polling]
poll_rate_per_minute = 60
hit_rate_multiplier = 0.5
max_burst_per_second = 5
normal_priority_reserve = 0.1
recent_edit_window = "10m"
full_repoll_interval = "1h"
fast_path_max_delay = "30s"

[sync]
activity_poll_interval = "1s"
deletion_poll_interval = "1s"
shutdown_timeout = "15s"

[safety]
build = "dev"
tombstone_retention_days = 14
move_retention_days = 14
pre_op_backup_retention_days = 3

[logging]
log_level = "debug"
log_format = "json"

[[sd]]
name = "primary"
path = "/home/user/Notes"
`

	path := writeTestConfig(t, tomlContent)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "work-laptop", cfg.Writer.ProfileName)
	assert.Equal(t, 60, cfg.Polling.PollRatePerMinute)
	assert.Equal(t, "dev", cfg.Safety.Build)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	require.Len(t, cfg.SDs, 1)
	assert.Equal(t, "primary", cfg.SDs[0].Name)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"), testLogger(t))
	require.Error(t, err)
}

func TestLoad_InvalidatesOnBadValues(t *testing.T) {
	tomlContent := `
[safety]
build = "staging"
`

	path := writeTestConfig(t, tomlContent)

	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety.build")
}

func TestLoadOrDefault_NoFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolveConfigPath_Priority(t *testing.T) {
	logger := testLogger(t)

	def := DefaultConfigPath()
	assert.Equal(t, def, ResolveConfigPath(EnvOverrides{}, "", logger))

	env := EnvOverrides{ConfigPath: "/env/config.toml"}
	assert.Equal(t, "/env/config.toml", ResolveConfigPath(env, "", logger))

	assert.Equal(t, "/cli/config.toml", ResolveConfigPath(env, "/cli/config.toml", logger))
}

func TestEnsureInstanceID_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance-id")

	id1, err := EnsureInstanceID(path, testLogger(t))
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := EnsureInstanceID(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
