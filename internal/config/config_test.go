package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, 1000.0, cfg.Thresholds.SlowWarningMs)
	assert.Equal(t, 5000.0, cfg.Thresholds.SlowCriticalMs)
	assert.Equal(t, 70.0, cfg.Thresholds.UtilizationWarningPct)
	assert.Equal(t, 90.0, cfg.Thresholds.UtilizationCriticalPct)
	assert.Equal(t, 300*time.Second, cfg.Thresholds.AlertCooldown)
	assert.Equal(t, 5, cfg.Thresholds.HealingOccurrenceFloor)
	assert.Equal(t, 10, cfg.Thresholds.SlowOperationCountWarning)

	assert.Equal(t, 24*time.Hour, cfg.Retention.Metrics)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Snapshots)
	assert.Equal(t, time.Hour, cfg.Retention.Missions)

	assert.Equal(t, 60*time.Second, cfg.Sampler.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Sampler.Lookback)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 1000, cfg.Aggregator.WindowSize)
	assert.Equal(t, store.BackendMemory, cfg.Store.Backend)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(*Configuration) {},
		},
		{
			name:    "critical duration not above warning",
			mutate:  func(c *Configuration) { c.Thresholds.SlowCriticalMs = c.Thresholds.SlowWarningMs },
			wantErr: true,
			errMsg:  "slow_critical_ms must exceed slow_warning_ms",
		},
		{
			name:    "utilization thresholds inverted",
			mutate:  func(c *Configuration) { c.Thresholds.UtilizationCriticalPct = 50 },
			wantErr: true,
			errMsg:  "utilization_critical_pct",
		},
		{
			name:    "zero healing floor",
			mutate:  func(c *Configuration) { c.Thresholds.HealingOccurrenceFloor = 0 },
			wantErr: true,
			errMsg:  "healing_occurrence_floor",
		},
		{
			name:    "zero sampler interval",
			mutate:  func(c *Configuration) { c.Sampler.Interval = 0 },
			wantErr: true,
			errMsg:  "sampler.interval must be greater than 0",
		},
		{
			name:    "zero window",
			mutate:  func(c *Configuration) { c.Aggregator.WindowSize = 0 },
			wantErr: true,
			errMsg:  "aggregator.window_size",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Configuration) { c.Store.Backend = "etcd" },
			wantErr: true,
			errMsg:  "invalid store.backend",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Configuration) { c.Store.Backend = store.BackendS3 },
			wantErr: true,
			errMsg:  "store.s3.bucket",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Logging.Level = "INVALID" },
			wantErr: true,
			errMsg:  "invalid logging.level",
		},
		{
			name:   "log level is case insensitive",
			mutate: func(c *Configuration) { c.Logging.Level = "DEBUG" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  environment: production

thresholds:
  slow_warning_ms: 500
  slow_critical_ms: 2000
  alert_cooldown: 10m

sampler:
  interval: 30s

store:
  backend: redis
  redis:
    address: redis:6379
    db: 2
  circuit_breaker:
    failure_threshold: 3
`

	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(configFile))

	assert.Equal(t, "production", cfg.Global.Environment)
	assert.Equal(t, 500.0, cfg.Thresholds.SlowWarningMs)
	assert.Equal(t, 2000.0, cfg.Thresholds.SlowCriticalMs)
	assert.Equal(t, 10*time.Minute, cfg.Thresholds.AlertCooldown)
	assert.Equal(t, 30*time.Second, cfg.Sampler.Interval)
	assert.Equal(t, store.BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Address)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, uint32(3), cfg.Store.Breaker.FailureThreshold)

	// Untouched sections keep their defaults.
	assert.Equal(t, 90.0, cfg.Thresholds.UtilizationCriticalPct)
	assert.Equal(t, 5*time.Minute, cfg.Sampler.Lookback)
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigLoad))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("thresholds: [unclosed"), 0600))
	err = cfg.LoadFromFile(bad)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigLoad))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SENTINEL_ENVIRONMENT", "staging")
	t.Setenv("SENTINEL_LOG_LEVEL", "debug")
	t.Setenv("SENTINEL_SLOW_WARNING_MS", "250")
	t.Setenv("SENTINEL_ALERT_COOLDOWN", "1m")
	t.Setenv("SENTINEL_STORE_BACKEND", "s3")
	t.Setenv("SENTINEL_S3_BUCKET", "telemetry")
	t.Setenv("SENTINEL_REDIS_DB", "4")
	t.Setenv("SENTINEL_API_ENABLED", "false")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "staging", cfg.Global.Environment)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 250.0, cfg.Thresholds.SlowWarningMs)
	assert.Equal(t, time.Minute, cfg.Thresholds.AlertCooldown)
	assert.Equal(t, store.BackendS3, cfg.Store.Backend)
	assert.Equal(t, "telemetry", cfg.Store.S3.Bucket)
	assert.Equal(t, 4, cfg.Store.Redis.DB)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("SENTINEL_SLOW_WARNING_MS", "fast")
	t.Setenv("SENTINEL_SAMPLER_INTERVAL", "every minute")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "SENTINEL_SLOW_WARNING_MS") ||
		errors.HasCode(err, errors.ErrCodeInvalidConfig))
	assert.Equal(t, 1000.0, cfg.Thresholds.SlowWarningMs, "malformed override must not apply")
}

func TestLoad(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("aggregator:\n  window_size: 50\n"), 0600))
	t.Setenv("SENTINEL_SAMPLER_INTERVAL", "15s")

	cfg, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Aggregator.WindowSize)
	assert.Equal(t, 15*time.Second, cfg.Sampler.Interval)

	require.NoError(t, os.WriteFile(configFile, []byte("aggregator:\n  window_size: -1\n"), 0600))
	_, err = Load(configFile)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation))
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "subdir", "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.Environment = "production"
	cfg.Thresholds.AlertCooldown = 90 * time.Second

	require.NoError(t, cfg.SaveToFile(configFile))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(configFile))
	assert.Equal(t, "production", loaded.Global.Environment)
	assert.Equal(t, 90*time.Second, loaded.Thresholds.AlertCooldown)
	assert.Equal(t, cfg.Retention, loaded.Retention)
}
