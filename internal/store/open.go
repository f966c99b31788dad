package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/circuit"
	"github.com/sentinelops/sentinel/pkg/errors"
	"github.com/sentinelops/sentinel/pkg/retry"
)

// Backends accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Config selects and configures the telemetry store backend.
type Config struct {
	Backend string         `yaml:"backend"`
	Redis   RedisConfig    `yaml:"redis"`
	S3      S3Config       `yaml:"s3"`
	Breaker circuit.Config `yaml:"circuit_breaker"`
	Connect retry.Config   `yaml:"connect_retry"`

	// EvictInterval is how often backends without native expiry drop
	// expired entries.
	EvictInterval time.Duration `yaml:"evict_interval"`
}

// Open builds the configured backend, waits for it to answer a ping, and wraps
// it in a circuit breaker.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*GuardedStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	var inner Store
	switch cfg.Backend {
	case "", BackendMemory:
		inner = NewMemoryStore(nil)
	case BackendRedis:
		inner = NewRedisStore(cfg.Redis)
	case BackendS3:
		s3Store, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		inner = s3Store
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown store backend").
			WithComponent("store").WithDetail("backend", cfg.Backend)
	}

	connect := cfg.Connect
	connect.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("telemetry store not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	if err := retry.New(connect).Do(ctx, inner.Ping); err != nil {
		_ = inner.Close()
		return nil, err
	}

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("store circuit state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	logger.Info("telemetry store ready", zap.String("backend", backendName(cfg.Backend)))
	return NewGuardedStore(inner, circuit.New("telemetry-store", breakerCfg)), nil
}

func backendName(b string) string {
	if b == "" {
		return BackendMemory
	}
	return b
}
