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

	assert.Equal(t, "all", cfg.Mode)
	assert.Equal(t, 10, cfg.Scheduler.Workers)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.True(t, cfg.Alerting.Enabled)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, int64(10<<20), cfg.Coordinator.PayloadSizeLimitBytes)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DELIVERY_MODE", "api")
	t.Setenv("DELIVERY_WORKERS", "25")
	t.Setenv("DELIVERY_REDIS_URL", "redis://example:6380")
	t.Setenv("DELIVERY_RETRY_MULTIPLIER", "3.5")
	t.Setenv("DELIVERY_ALERTING_ENABLED", "false")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "api", cfg.Mode)
	assert.Equal(t, 25, cfg.Scheduler.Workers)
	assert.Equal(t, "redis://example:6380", cfg.Redis.URL)
	assert.Equal(t, 3.5, cfg.Retry.Multiplier)
	assert.False(t, cfg.Alerting.Enabled)
}

func TestLoadFromEnv_InvalidDurationReturnsError(t *testing.T) {
	t.Setenv("DELIVERY_POLL_INTERVAL", "not-a-duration")

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"scheduler","redis":{"url":"redis://file:6379","keyPrefix":"fromfile"}}`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "scheduler", cfg.Mode)
	assert.Equal(t, "redis://file:6379", cfg.Redis.URL)
	assert.Equal(t, "fromfile", cfg.Redis.KeyPrefix)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "mode: scheduler\nredis:\n  url: redis://file:6379\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "scheduler", cfg.Mode)
}

func TestLoadFromFile_RejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"api\""), 0o600))

	cfg := DefaultConfig()
	err := cfg.LoadFromFile(path)
	require.Error(t, err)
}

func TestValidate_RejectsInvalidMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RequiresEncryptionKeyInProduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile = ProfileProduction
	cfg.Security.EncryptionKey = ""
	err := cfg.Validate()
	require.Error(t, err)

	cfg.Security.EncryptionKey = "a-key"
	require.NoError(t, cfg.Validate())
}

func TestNewConfig_OptionsOverrideEnv(t *testing.T) {
	t.Setenv("DELIVERY_WORKERS", "12")

	cfg, err := NewConfig(WithWorkers(30), WithMode("api"))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Scheduler.Workers)
	assert.Equal(t, "api", cfg.Mode)
}

func TestWithWorkers_RejectsNonPositive(t *testing.T) {
	_, err := NewConfig(WithWorkers(0))
	require.Error(t, err)
}

func TestWithMode_RejectsUnknownMode(t *testing.T) {
	_, err := NewConfig(WithMode("bogus"))
	require.Error(t, err)
}

func TestNewConfig_FileLayerBetweenDefaultsAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"workers":40}}`), 0o600))
	t.Setenv("DELIVERY_CONFIG_FILE", path)
	t.Setenv("DELIVERY_WORKERS", "7")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.Workers)

	cfgWithOpt, err := NewConfig(WithWorkers(99))
	require.NoError(t, err)
	assert.Equal(t, 99, cfgWithOpt.Scheduler.Workers)
}

func TestDetectProfile_ProductionDisablesPrettyLogging(t *testing.T) {
	t.Setenv("DELIVERY_PROFILE", "production")
	cfg := DefaultConfig()
	assert.Equal(t, ProfileProduction, cfg.Profile)
	assert.False(t, cfg.Logging.Pretty)
	assert.True(t, cfg.Telemetry.Enabled)
}

var _ = time.Second
