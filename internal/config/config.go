// Package config loads the pipeline configuration from YAML and SENTINEL_*
// environment variables. A Configuration is validated once at startup and
// treated as immutable afterward.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sentinelops/sentinel/internal/circuit"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
	"github.com/sentinelops/sentinel/pkg/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SENTINEL_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Thresholds Thresholds       `yaml:"thresholds"`
	Retention  RetentionConfig  `yaml:"retention"`
	Sampler    SamplerConfig    `yaml:"sampler"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Store      store.Config     `yaml:"store"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
}

// Thresholds drive every detection decision in the pipeline.
type Thresholds struct {
	SlowWarningMs             float64       `yaml:"slow_warning_ms"`
	SlowCriticalMs            float64       `yaml:"slow_critical_ms"`
	UtilizationWarningPct     float64       `yaml:"utilization_warning_pct"`
	UtilizationCriticalPct    float64       `yaml:"utilization_critical_pct"`
	ErrorRateWarningPct       float64       `yaml:"error_rate_warning_pct"`
	ErrorRateCriticalPct      float64       `yaml:"error_rate_critical_pct"`
	SlowOperationCountWarning int           `yaml:"slow_operation_count_warning"`
	AffectedCallersWarning    int           `yaml:"affected_callers_warning"`
	AlertCooldown             time.Duration `yaml:"alert_cooldown"`
	HealingOccurrenceFloor    int           `yaml:"healing_occurrence_floor"`
	ErrorFrequencyFloor       int           `yaml:"error_frequency_floor"`
}

// RetentionConfig holds store TTLs per record family.
type RetentionConfig struct {
	Metrics       time.Duration `yaml:"metrics"`
	Snapshots     time.Duration `yaml:"snapshots"`
	Missions      time.Duration `yaml:"missions"`
	Alerts        time.Duration `yaml:"alerts"`
	SlowAlerts    time.Duration `yaml:"slow_alerts"`
	ErrorPatterns time.Duration `yaml:"error_patterns"`
}

// SamplerConfig configures the periodic health sampler.
type SamplerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SweepConfig configures the periodic error-pattern sweep.
type SweepConfig struct {
	Interval    time.Duration `yaml:"interval"`
	SpikeWindow time.Duration `yaml:"spike_window"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AggregatorConfig configures the in-memory rolling windows.
type AggregatorConfig struct {
	WindowSize   int `yaml:"window_size"`
	EventBacklog int `yaml:"event_backlog"`
}

// APIConfig configures the HTTP read API.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			ServiceName: "sentinel",
			Environment: "development",
		},
		Thresholds: DefaultThresholds(),
		Retention: RetentionConfig{
			Metrics:       24 * time.Hour,
			Snapshots:     24 * time.Hour,
			Missions:      time.Hour,
			Alerts:        7 * 24 * time.Hour,
			SlowAlerts:    24 * time.Hour,
			ErrorPatterns: 7 * 24 * time.Hour,
		},
		Sampler: SamplerConfig{
			Interval: 60 * time.Second,
			Lookback: 5 * time.Minute,
			Timeout:  30 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:    5 * time.Minute,
			SpikeWindow: 5 * time.Minute,
			Timeout:     time.Minute,
		},
		Aggregator: AggregatorConfig{
			WindowSize:   1000,
			EventBacklog: 1024,
		},
		Store: store.Config{
			Backend: store.BackendMemory,
			Redis: store.RedisConfig{
				Address:  "localhost:6379",
				PoolSize: 10,
			},
			Breaker: circuit.Config{
				MaxRequests:      1,
				Interval:         60 * time.Second,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
			Connect: retry.Config{
				MaxAttempts:  5,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2,
				Jitter:       true,
			},
			EvictInterval: time.Minute,
		},
		API: APIConfig{
			Enabled:      true,
			Address:      ":8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "sentinel",
			Path:      "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultThresholds returns the stock detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowWarningMs:             1000,
		SlowCriticalMs:            5000,
		UtilizationWarningPct:     70,
		UtilizationCriticalPct:    90,
		ErrorRateWarningPct:       5,
		ErrorRateCriticalPct:      10,
		SlowOperationCountWarning: 10,
		AffectedCallersWarning:    20,
		AlertCooldown:             300 * time.Second,
		HealingOccurrenceFloor:    5,
		ErrorFrequencyFloor:       5,
	}
}

// Load builds the default configuration, overlays the YAML file at path (if
// non-empty), then environment overrides, and validates the result.
func Load(path string) (*Configuration, error) {
	cfg := NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("path", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("path", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. Malformed values
// are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	env.str("ENVIRONMENT", &c.Global.Environment)
	env.str("SERVICE_NAME", &c.Global.ServiceName)
	env.str("LOG_LEVEL", &c.Logging.Level)
	env.str("LOG_FORMAT", &c.Logging.Format)

	env.float("SLOW_WARNING_MS", &c.Thresholds.SlowWarningMs)
	env.float("SLOW_CRITICAL_MS", &c.Thresholds.SlowCriticalMs)
	env.float("UTILIZATION_WARNING_PCT", &c.Thresholds.UtilizationWarningPct)
	env.float("UTILIZATION_CRITICAL_PCT", &c.Thresholds.UtilizationCriticalPct)
	env.float("ERROR_RATE_WARNING_PCT", &c.Thresholds.ErrorRateWarningPct)
	env.float("ERROR_RATE_CRITICAL_PCT", &c.Thresholds.ErrorRateCriticalPct)
	env.duration("ALERT_COOLDOWN", &c.Thresholds.AlertCooldown)
	env.integer("HEALING_OCCURRENCE_FLOOR", &c.Thresholds.HealingOccurrenceFloor)

	env.duration("SAMPLER_INTERVAL", &c.Sampler.Interval)
	env.duration("SWEEP_INTERVAL", &c.Sweep.Interval)

	env.str("STORE_BACKEND", &c.Store.Backend)
	env.str("REDIS_ADDRESS", &c.Store.Redis.Address)
	env.str("REDIS_PASSWORD", &c.Store.Redis.Password)
	env.integer("REDIS_DB", &c.Store.Redis.DB)
	env.str("S3_BUCKET", &c.Store.S3.Bucket)
	env.str("S3_PREFIX", &c.Store.S3.Prefix)
	env.str("S3_REGION", &c.Store.S3.Region)
	env.str("S3_ENDPOINT", &c.Store.S3.Endpoint)

	env.str("API_ADDRESS", &c.API.Address)
	env.boolean("API_ENABLED", &c.API.Enabled)
	env.boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	return env.err()
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeEncodeFailed, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to write config file")
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"retention.metrics", c.Retention.Metrics},
		{"retention.snapshots", c.Retention.Snapshots},
		{"retention.missions", c.Retention.Missions},
		{"retention.alerts", c.Retention.Alerts},
		{"retention.slow_alerts", c.Retention.SlowAlerts},
		{"retention.error_patterns", c.Retention.ErrorPatterns},
		{"sampler.interval", c.Sampler.Interval},
		{"sampler.lookback", c.Sampler.Lookback},
		{"sweep.interval", c.Sweep.Interval},
		{"sweep.spike_window", c.Sweep.SpikeWindow},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid("%s must be greater than 0", p.name)
		}
	}

	if c.Store.EvictInterval < 0 {
		return invalid("store.evict_interval cannot be negative")
	}

	if c.Aggregator.WindowSize <= 0 {
		return invalid("aggregator.window_size must be greater than 0")
	}
	if c.Aggregator.EventBacklog < 0 {
		return invalid("aggregator.event_backlog cannot be negative")
	}

	switch c.Store.Backend {
	case store.BackendMemory, store.BackendRedis:
	case store.BackendS3:
		if c.Store.S3.Bucket == "" {
			return invalid("store.s3.bucket is required for the s3 backend")
		}
	default:
		return invalid("invalid store.backend: %s (must be one of: memory, redis, s3)", c.Store.Backend)
	}

	if c.API.Enabled && c.API.Address == "" {
		return invalid("api.address is required when the API is enabled")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return invalid("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}
	if !contains([]string{"json", "console"}, c.Logging.Format) {
		return invalid("invalid logging.format: %s (must be json or console)", c.Logging.Format)
	}

	return nil
}

// Validate checks that the thresholds are ordered and positive.
func (t Thresholds) Validate() error {
	if t.SlowWarningMs <= 0 {
		return invalid("thresholds.slow_warning_ms must be greater than 0")
	}
	if t.SlowCriticalMs <= t.SlowWarningMs {
		return invalid("thresholds.slow_critical_ms must exceed slow_warning_ms")
	}
	if t.UtilizationWarningPct <= 0 || t.UtilizationCriticalPct <= t.UtilizationWarningPct {
		return invalid("thresholds.utilization_critical_pct must exceed a positive utilization_warning_pct")
	}
	if t.ErrorRateWarningPct <= 0 || t.ErrorRateCriticalPct <= t.ErrorRateWarningPct {
		return invalid("thresholds.error_rate_critical_pct must exceed a positive error_rate_warning_pct")
	}
	if t.AlertCooldown < 0 {
		return invalid("thresholds.alert_cooldown cannot be negative")
	}
	if t.HealingOccurrenceFloor <= 0 {
		return invalid("thresholds.healing_occurrence_floor must be greater than 0")
	}
	if t.SlowOperationCountWarning < 0 || t.AffectedCallersWarning < 0 || t.ErrorFrequencyFloor < 0 {
		return invalid("thresholds counts cannot be negative")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).
		WithComponent("config")
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// envReader applies SENTINEL_* overrides and collects parse failures.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(name string) (string, bool) {
	val := os.Getenv(EnvPrefix + name)
	return val, val != ""
}

func (r *envReader) fail(name, val string, err error) {
	r.errs = append(r.errs, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid environment override").
		WithDetail("variable", EnvPrefix+name).
		WithDetail("value", val))
}

func (r *envReader) str(name string, dst *string) {
	if val, ok := r.lookup(name); ok {
		*dst = val
	}
}

func (r *envReader) integer(name string, dst *int) {
	if val, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(name string, dst *float64) {
	if val, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if val, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if val, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}
