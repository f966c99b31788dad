// Package health samples system-wide health on a fixed interval, raises
// threshold alerts from each snapshot and derives the overall status.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/alert"
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/recorder"
	"github.com/sentinelops/sentinel/internal/store"
)

// PoolSource reports connection pool utilization of the data-access layer.
type PoolSource interface {
	PoolStats(ctx context.Context) (model.PoolStats, error)
}

// DatabaseSource optionally reports cache hit rate and index usage. A
// PoolSource that also implements it fills those snapshot fields.
type DatabaseSource interface {
	DatabaseStats(ctx context.Context) (cacheHitPct, indexUsagePct float64, err error)
}

// SampleSource reads back recorded operation samples.
type SampleSource interface {
	Since(ctx context.Context, since time.Time) ([]model.OperationMetrics, error)
}

// AlertRaiser routes alerts through cooldown.
type AlertRaiser interface {
	Raise(ctx context.Context, a alert.Alert) (*model.AlertRecord, error)
}

// SamplerConfig configures the Sampler.
type SamplerConfig struct {
	Thresholds config.Thresholds
	// Lookback is the window of samples aggregated per snapshot
	Lookback time.Duration
	// Retention is the store TTL of each snapshot
	Retention time.Duration
	Now       func() time.Time
}

// Sampler builds and evaluates HealthSnapshots. It holds no scheduling
// state; the caller runs Sample on a single-flight timer.
type Sampler struct {
	store   store.Store
	samples SampleSource
	pool    PoolSource
	alerts  AlertRaiser
	metrics *metrics.Collector
	logger  *zap.Logger
	cfg     SamplerConfig
}

// NewSampler creates a sampler. pool and alerts may be nil.
func NewSampler(s store.Store, samples SampleSource, pool PoolSource, alerts AlertRaiser, cfg SamplerConfig, collector *metrics.Collector, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sampler{
		store:   s,
		samples: samples,
		pool:    pool,
		alerts:  alerts,
		metrics: collector,
		logger:  logger.Named("sampler"),
		cfg:     cfg,
	}
}

// Sample takes one snapshot, persists it and raises the alerts it warrants.
// Failure to read samples back fails the tick; pool and database stat
// failures only leave those fields zero.
func (s *Sampler) Sample(ctx context.Context) (*model.HealthSnapshot, error) {
	now := s.cfg.Now()
	snap := model.HealthSnapshot{Timestamp: now}

	s.fillPool(ctx, &snap)

	samples, err := s.samples.Since(ctx, now.Add(-s.cfg.Lookback))
	if err != nil {
		s.metrics.RecordInstrumentationFailure(metrics.StageSampler)
		return nil, err
	}
	summary := recorder.Summarize(samples, s.cfg.Thresholds.SlowWarningMs, 0)
	snap.TransactionCount = summary.Total
	snap.AvgDurationMs = summary.AvgDurationMs
	snap.SlowOperationCount = summary.SlowCount
	snap.ErrorRatePct = summary.ErrorRatePct

	if err := store.SetJSON(ctx, s.store, store.SnapshotKey(now), snap, s.cfg.Retention); err != nil {
		s.metrics.RecordInstrumentationFailure(metrics.StagePersist)
		s.logger.Warn("snapshot persist failed", zap.Error(err))
	}
	s.metrics.ObserveSnapshot(snap)
	s.logger.Debug("health snapshot taken",
		zap.Float64("utilization_pct", snap.UtilizationPct),
		zap.Float64("error_rate_pct", snap.ErrorRatePct),
		zap.Int("slow_operations", snap.SlowOperationCount),
		zap.Int("transactions", snap.TransactionCount))

	s.evaluate(ctx, snap)
	return &snap, nil
}

func (s *Sampler) fillPool(ctx context.Context, snap *model.HealthSnapshot) {
	if s.pool == nil {
		return
	}
	stats, err := s.pool.PoolStats(ctx)
	if err != nil {
		s.metrics.RecordInstrumentationFailure(metrics.StageSampler)
		s.logger.Warn("connection pool stats unavailable", zap.Error(err))
		return
	}
	snap.ActiveConnections = stats.Active
	snap.MaxConnections = stats.Max
	snap.UtilizationPct = stats.Utilization()

	db, ok := s.pool.(DatabaseSource)
	if !ok {
		return
	}
	hit, idx, err := db.DatabaseStats(ctx)
	if err != nil {
		s.logger.Debug("database stats unavailable", zap.Error(err))
		return
	}
	snap.CacheHitRatePct = hit
	snap.IndexUsagePct = idx
}

// evaluate raises one alert per breached threshold. Warning and critical use
// distinct keys so an escalation is not swallowed by the warning's cooldown.
func (s *Sampler) evaluate(ctx context.Context, snap model.HealthSnapshot) {
	th := s.cfg.Thresholds

	switch {
	case snap.UtilizationPct > th.UtilizationCriticalPct:
		s.raise(ctx, s.utilizationAlert(snap, model.SeverityCritical, th.UtilizationCriticalPct))
	case snap.UtilizationPct > th.UtilizationWarningPct:
		s.raise(ctx, s.utilizationAlert(snap, model.SeverityWarning, th.UtilizationWarningPct))
	}

	switch {
	case snap.ErrorRatePct > th.ErrorRateCriticalPct:
		s.raise(ctx, errorRateAlert(snap, model.SeverityCritical, th.ErrorRateCriticalPct))
	case snap.ErrorRatePct > th.ErrorRateWarningPct:
		s.raise(ctx, errorRateAlert(snap, model.SeverityWarning, th.ErrorRateWarningPct))
	}

	if snap.SlowOperationCount > th.SlowOperationCountWarning {
		s.raise(ctx, alert.Alert{
			Key:      "health:slow_operations",
			Type:     alert.TypeSlowOperations,
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("High number of slow operations: %d in the last %s", snap.SlowOperationCount, s.cfg.Lookback),
			Metadata: model.Metadata{
				model.MetaSlowCount: snap.SlowOperationCount,
				model.MetaThreshold: th.SlowOperationCountWarning,
			},
		})
	}
}

func (s *Sampler) utilizationAlert(snap model.HealthSnapshot, sev model.Severity, threshold float64) alert.Alert {
	return alert.Alert{
		Key:      "health:utilization:" + string(sev),
		Type:     alert.TypeUtilization,
		Severity: sev,
		Message: fmt.Sprintf("Connection pool utilization at %.1f%% (%d/%d), threshold %.0f%%",
			snap.UtilizationPct, snap.ActiveConnections, snap.MaxConnections, threshold),
		Metadata: model.Metadata{
			model.MetaUtilizationPct:    snap.UtilizationPct,
			model.MetaActiveConnections: snap.ActiveConnections,
			model.MetaMaxConnections:    snap.MaxConnections,
			model.MetaThreshold:         threshold,
		},
	}
}

func errorRateAlert(snap model.HealthSnapshot, sev model.Severity, threshold float64) alert.Alert {
	return alert.Alert{
		Key:      "health:error_rate:" + string(sev),
		Type:     alert.TypeErrorRate,
		Severity: sev,
		Message:  fmt.Sprintf("Operation error rate at %.1f%%, threshold %.0f%%", snap.ErrorRatePct, threshold),
		Metadata: model.Metadata{
			model.MetaErrorRatePct: snap.ErrorRatePct,
			model.MetaThreshold:    threshold,
		},
	}
}

func (s *Sampler) raise(ctx context.Context, a alert.Alert) {
	if s.alerts == nil {
		return
	}
	if _, err := s.alerts.Raise(ctx, a); err != nil {
		s.metrics.RecordInstrumentationFailure(metrics.StageAlert)
		s.logger.Warn("health alert failed", zap.String("key", a.Key), zap.Error(err))
	}
}

// Snapshots returns the persisted snapshots in [since, until], oldest first.
// A zero until means now.
func (s *Sampler) Snapshots(ctx context.Context, since, until time.Time) ([]model.HealthSnapshot, error) {
	if until.IsZero() {
		until = s.cfg.Now()
	}
	keys, err := store.KeysBetween(ctx, s.store, store.PrefixSnapshot, since, until)
	if err != nil {
		return nil, err
	}
	out := make([]model.HealthSnapshot, 0, len(keys))
	for _, k := range keys {
		var snap model.HealthSnapshot
		found, err := store.GetJSON(ctx, s.store, k, &snap)
		if err != nil {
			s.logger.Debug("skipping unreadable snapshot", zap.String("key", k), zap.Error(err))
			continue
		}
		if found {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Latest returns the freshest persisted snapshot, or nil when none exists.
func (s *Sampler) Latest(ctx context.Context) (*model.HealthSnapshot, error) {
	keys, err := s.store.Keys(ctx, store.PrefixSnapshot)
	if err != nil {
		return nil, err
	}
	for i := len(keys) - 1; i >= 0; i-- {
		var snap model.HealthSnapshot
		found, err := store.GetJSON(ctx, s.store, keys[i], &snap)
		if err == nil && found {
			return &snap, nil
		}
	}
	return nil, nil
}
