// Package recorder persists every intercepted operation sample and keeps a
// bounded rolling window of samples per pattern key.
package recorder

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/pattern"
	"github.com/sentinelops/sentinel/internal/store"
)

// EventOperation is the analytics event emitted per recorded sample.
const EventOperation = "data_operation"

// Analytics receives fire-and-forget events with a flat property map.
type Analytics interface {
	Track(ctx context.Context, event string, props map[string]interface{}) error
}

// SlowObserver receives samples over the slow warning threshold.
type SlowObserver interface {
	IsSlow(m model.OperationMetrics) bool
	Observe(ctx context.Context, m model.OperationMetrics) (*model.SlowOperationAlert, error)
}

// Submitter runs best-effort background work.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// Config configures the Recorder.
type Config struct {
	// WindowSize caps the samples kept per pattern key
	WindowSize int
	// Retention is the store TTL of each sample
	Retention time.Duration
	Now       func() time.Time
}

// PatternStats summarizes the rolling window of one pattern key.
type PatternStats struct {
	PatternKey string    `json:"pattern_key"`
	Digest     string    `json:"digest"`
	Count      int       `json:"count"`
	Errors     int       `json:"errors"`
	MeanMs     float64   `json:"mean_ms"`
	P95Ms      float64   `json:"p95_ms"`
	MaxMs      float64   `json:"max_ms"`
	LastSeen   time.Time `json:"last_seen"`
}

// Recorder is the metrics recorder and pattern aggregator.
type Recorder struct {
	store     store.Store
	slow      SlowObserver
	analytics Analytics
	worker    Submitter
	metrics   *metrics.Collector
	logger    *zap.Logger
	cfg       Config

	mu      sync.RWMutex
	windows map[string][]model.OperationMetrics
	// digest -> pattern key, for addressing patterns in URLs
	digests map[string]string
}

// New creates a recorder. slow, analytics and worker may be nil. Without a
// worker, analytics events are emitted inline and their failures swallowed.
func New(s store.Store, slow SlowObserver, analytics Analytics, worker Submitter, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{
		store:     s,
		slow:      slow,
		analytics: analytics,
		worker:    worker,
		metrics:   collector,
		logger:    logger.Named("recorder"),
		cfg:       cfg,
		windows:   make(map[string][]model.OperationMetrics),
		digests:   make(map[string]string),
	}
}

// Record ingests one sample. Store and analytics failures are logged and never
// returned. The completed sample is returned.
func (r *Recorder) Record(ctx context.Context, m model.OperationMetrics) model.OperationMetrics {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.cfg.Now()
	}
	if m.PatternKey == "" {
		m.PatternKey = pattern.Normalize(m.Signature)
	}

	r.metrics.RecordOperation(m.ResourceKind, m.OperationKind, m.Duration(), m.Failed())

	if err := store.SetJSON(ctx, r.store, store.MetricsKey(m.Timestamp, m.ID), m, r.cfg.Retention); err != nil {
		r.metrics.RecordInstrumentationFailure(metrics.StagePersist)
		r.logger.Warn("sample persist failed", zap.String("pattern_key", m.PatternKey), zap.Error(err))
	}

	r.appendWindow(m)
	r.emit(ctx, m)

	if r.slow != nil && r.slow.IsSlow(m) {
		if _, err := r.slow.Observe(ctx, m); err != nil {
			r.metrics.RecordInstrumentationFailure(metrics.StageSlowop)
			r.logger.Warn("slow operation tracking failed", zap.String("pattern_key", m.PatternKey), zap.Error(err))
		}
	}
	return m
}

func (r *Recorder) appendWindow(m model.OperationMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, seen := r.windows[m.PatternKey]
	if !seen {
		r.digests[pattern.Digest(m.PatternKey)] = m.PatternKey
	}
	w := append(prev, m)
	if over := len(w) - r.cfg.WindowSize; over > 0 {
		// FIFO trim; copy so the evicted prefix can be collected
		trimmed := make([]model.OperationMetrics, r.cfg.WindowSize, r.cfg.WindowSize+1)
		copy(trimmed, w[over:])
		w = trimmed
	}
	r.windows[m.PatternKey] = w
}

func (r *Recorder) emit(ctx context.Context, m model.OperationMetrics) {
	if r.analytics == nil {
		return
	}
	props := map[string]interface{}{
		"resource_kind":  m.ResourceKind,
		"operation_kind": m.OperationKind,
		"pattern_key":    m.PatternKey,
		"duration_ms":    m.DurationMs,
		"success":        !m.Failed(),
	}
	if m.ResultCount != nil {
		props["result_count"] = *m.ResultCount
	}

	track := func(ctx context.Context) error {
		err := r.analytics.Track(ctx, EventOperation, props)
		if err != nil {
			r.metrics.RecordInstrumentationFailure(metrics.StageAnalytics)
		}
		return err
	}

	if r.worker != nil {
		r.worker.Submit("analytics", track)
		return
	}
	if err := track(ctx); err != nil {
		r.logger.Warn("analytics emit failed", zap.Error(err))
	}
}

// Window returns a copy of the rolling window for key, oldest first.
func (r *Recorder) Window(key string) []model.OperationMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w := r.windows[key]
	out := make([]model.OperationMetrics, len(w))
	copy(out, w)
	return out
}

// PatternKeys lists every pattern key with a window, sorted.
func (r *Recorder) PatternKeys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.windows))
	for k := range r.windows {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Lookup resolves a pattern digest to its pattern key.
func (r *Recorder) Lookup(digest string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.digests[digest]
	return key, ok
}

// Stats summarizes the rolling window of key.
func (r *Recorder) Stats(key string) (PatternStats, bool) {
	w := r.Window(key)
	if len(w) == 0 {
		return PatternStats{PatternKey: key, Digest: pattern.Digest(key)}, false
	}

	stats := PatternStats{PatternKey: key, Digest: pattern.Digest(key), Count: len(w)}
	durations := make([]float64, len(w))
	var sum float64
	for i, m := range w {
		durations[i] = m.DurationMs
		sum += m.DurationMs
		if m.Failed() {
			stats.Errors++
		}
		if m.DurationMs > stats.MaxMs {
			stats.MaxMs = m.DurationMs
		}
		if m.Timestamp.After(stats.LastSeen) {
			stats.LastSeen = m.Timestamp
		}
	}
	stats.MeanMs = sum / float64(len(w))
	stats.P95Ms = percentile(durations, 0.95)
	return stats, true
}

// Since reads back the persisted samples recorded at or after since, oldest first.
func (r *Recorder) Since(ctx context.Context, since time.Time) ([]model.OperationMetrics, error) {
	return ReadSamples(ctx, r.store, since, r.cfg.Now(), r.logger)
}

// ReadSamples loads the samples persisted in [since, until], oldest first.
// Unreadable entries are skipped.
func ReadSamples(ctx context.Context, s store.Store, since, until time.Time, logger *zap.Logger) ([]model.OperationMetrics, error) {
	keys, err := store.KeysBetween(ctx, s, store.PrefixMetrics, since, until)
	if err != nil {
		return nil, err
	}

	samples := make([]model.OperationMetrics, 0, len(keys))
	for _, k := range keys {
		var m model.OperationMetrics
		found, err := store.GetJSON(ctx, s, k, &m)
		if err != nil {
			if logger != nil {
				logger.Debug("skipping unreadable sample", zap.String("key", k), zap.Error(err))
			}
			continue
		}
		if found {
			samples = append(samples, m)
		}
	}
	return samples, nil
}

// percentile uses the nearest-rank method. values is sorted in place.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	rank := int(math.Ceil(p*float64(len(values)))) - 1
	if rank < 0 {
		rank = 0
	}
	return values[rank]
}
