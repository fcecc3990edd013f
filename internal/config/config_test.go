package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4, cfg.Download.Workers)
	assert.Equal(t, 3, cfg.Download.MaxAttempts)
	assert.Equal(t, 300, cfg.Pipeline.StageTimeoutSecs)
	assert.Equal(t, 4, cfg.Pipeline.DocWorkers)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "local", cfg.OCR.Provider)
	assert.NotEmpty(t, cfg.Pricing.Anthropic)
	assert.False(t, cfg.Monitor.Enabled)
	assert.Equal(t, 24, cfg.Monitor.LookbackWindowHours)
	assert.InDelta(t, 0.25, cfg.Monitor.FailureRateThreshold, 1e-9)
	assert.Equal(t, 60, cfg.Monitor.AlertCooldownMins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: bid.db
log:
  level: debug
  format: console
download:
  workers: 8
pipeline:
  stage_timeouts:
    proposal_writing: 900
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "bid.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Download.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.StageTimeout("proposal_writing"))
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.StageTimeout("document_processing"))
	// Defaults still apply for unset values.
	assert.Equal(t, 3, cfg.Download.MaxAttempts)
}

func TestLoadFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "staging.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("BIDINTEL_STORE_DRIVER", "postgres")
	t.Setenv("BIDINTEL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("BIDINTEL_SERVER_PORT", "3000")
	t.Setenv("BIDINTEL_ANTHROPIC_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Anthropic.Key)
}

func TestStageTimeout_Fallback(t *testing.T) {
	var p PipelineConfig
	assert.Equal(t, 5*time.Minute, p.StageTimeout("anything"))

	p.StageTimeoutSecs = 30
	p.StageTimeouts = map[string]int{"quality_assurance": 0}
	assert.Equal(t, 30*time.Second, p.StageTimeout("quality_assurance"))
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "bid.db"
	cfg.Server.Port = 8080
	cfg.Anthropic.Key = "sk-ant"
	cfg.Download.Workers = 4
	cfg.Pipeline.DocWorkers = 4
	return cfg
}

func TestValidate_ServeOK(t *testing.T) {
	assert.NoError(t, validConfig().Validate("serve"))
}

func TestValidate_ServeMissingFields(t *testing.T) {
	cfg := validConfig()
	cfg.Anthropic.Key = ""
	cfg.Server.Port = 0
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_StoreOnly(t *testing.T) {
	cfg := validConfig()
	cfg.Anthropic.Key = ""
	assert.NoError(t, cfg.Validate("store"))

	cfg.Store.Driver = "mysql"
	assert.Error(t, cfg.Validate("store"))
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validConfig().Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown validation mode")
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}
