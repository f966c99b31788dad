// Package slowop maintains one SlowOperationAlert per pattern key for samples
// over the slow warning threshold, and dispatches remediation for critical
// recurring patterns.
package slowop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/alert"
	"github.com/sentinelops/sentinel/internal/cache"
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/pattern"
	"github.com/sentinelops/sentinel/internal/store"
)

// Dispatcher queues remediation missions for slow operations.
type Dispatcher interface {
	DispatchSlowOperation(ctx context.Context, a model.SlowOperationAlert) (*model.RemediationMission, error)
}

// AlertRaiser routes alerts through cooldown.
type AlertRaiser interface {
	Raise(ctx context.Context, a alert.Alert) (*model.AlertRecord, error)
}

// Config configures the Detector.
type Config struct {
	Thresholds config.Thresholds
	// Retention is the store TTL of SlowOperationAlerts
	Retention time.Duration
	// MissionTTL gates re-dispatch for the same pattern
	MissionTTL time.Duration
	Now        func() time.Time
}

// Detector owns the SlowOperationAlert records.
type Detector struct {
	store      store.Store
	dispatcher Dispatcher
	alerts     AlertRaiser
	metrics    *metrics.Collector
	logger     *zap.Logger
	cfg        Config

	locks *pattern.KeyedMutex

	cache *cache.LRU[model.SlowOperationAlert]
}

// NewDetector creates a detector. dispatcher and alerts may be nil.
func NewDetector(s store.Store, dispatcher Dispatcher, alerts AlertRaiser, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.MissionTTL <= 0 {
		cfg.MissionTTL = time.Hour
	}
	return &Detector{
		store:      s,
		dispatcher: dispatcher,
		alerts:     alerts,
		metrics:    collector,
		logger:     logger.Named("slowop"),
		cfg:        cfg,
		locks:      pattern.NewKeyedMutex(),
		cache:      cache.NewLRU[model.SlowOperationAlert](cache.DefaultMaxEntries, 0),
	}
}

// IsSlow reports whether a sample exceeds the warning threshold.
func (d *Detector) IsSlow(m model.OperationMetrics) bool {
	return m.DurationMs > d.cfg.Thresholds.SlowWarningMs
}

// Observe folds a slow sample into its pattern's alert and returns the updated
// alert. Samples at or under the warning threshold are ignored and return nil.
func (d *Detector) Observe(ctx context.Context, m model.OperationMetrics) (*model.SlowOperationAlert, error) {
	if !d.IsSlow(m) {
		return nil, nil
	}

	key := m.PatternKey
	if key == "" {
		key = pattern.Normalize(m.Signature)
	}

	unlock := d.locks.Lock(key)
	defer unlock()

	now := d.cfg.Now()
	digest := pattern.Digest(key)
	storeKey := store.SlowKey(digest)

	current, exists, err := d.load(ctx, key, storeKey)
	if err != nil {
		d.metrics.RecordInstrumentationFailure(metrics.StageSlowop)
		d.logger.Warn("slow alert read failed, continuing from cache", zap.String("pattern_key", key), zap.Error(err))
	}

	if !exists {
		first := m.Timestamp
		if first.IsZero() {
			first = now
		}
		current = model.SlowOperationAlert{
			PatternKey:             key,
			Digest:                 digest,
			SampleSignature:        m.Signature,
			ResourceKind:           m.ResourceKind,
			OperationKind:          m.OperationKind,
			WarningThresholdMs:     d.cfg.Thresholds.SlowWarningMs,
			FirstOccurrence:        first,
			SuggestedOptimizations: SuggestOptimizations(m.OperationKind, m.ResultCount),
		}
	}

	current.OccurrenceCount++
	if m.DurationMs > current.WorstDurationMs {
		current.WorstDurationMs = m.DurationMs
		current.SampleSignature = m.Signature
	}
	current.LastOccurrence = now
	if !m.Timestamp.IsZero() {
		current.LastOccurrence = m.Timestamp
	}
	if m.Endpoint != "" {
		current.AffectedEndpoints = addSorted(current.AffectedEndpoints, m.Endpoint)
	}
	prevSeverity := current.Severity
	current.Severity = d.severity(current.WorstDurationMs)

	if d.shouldDispatch(current, now) && d.dispatcher != nil {
		if _, err := d.dispatcher.DispatchSlowOperation(ctx, current); err != nil {
			d.logger.Warn("slow operation mission dispatch failed", zap.String("pattern_key", key), zap.Error(err))
		} else {
			dispatched := now
			current.MissionDispatchedAt = &dispatched
		}
	}

	d.cache.Put(key, current)

	if err := store.SetJSON(ctx, d.store, storeKey, current, d.cfg.Retention); err != nil {
		d.metrics.RecordInstrumentationFailure(metrics.StageSlowop)
		d.logger.Warn("slow alert persist failed", zap.String("pattern_key", key), zap.Error(err))
	}

	d.metrics.RecordSlowOperation(current.Severity)
	if current.Severity == model.SeverityCritical && prevSeverity != model.SeverityCritical {
		d.raise(ctx, current)
	}

	out := current
	return &out, nil
}

// Get returns the alert for a pattern key, preferring the store.
func (d *Detector) Get(ctx context.Context, patternKey string) (*model.SlowOperationAlert, bool, error) {
	a, found, err := d.load(ctx, patternKey, store.SlowKey(pattern.Digest(patternKey)))
	if !found {
		return nil, false, err
	}
	return &a, true, err
}

// List returns every persisted alert, worst duration first.
func (d *Detector) List(ctx context.Context) ([]model.SlowOperationAlert, error) {
	keys, err := d.store.Keys(ctx, store.PrefixSlow)
	if err != nil {
		return nil, err
	}

	alerts := make([]model.SlowOperationAlert, 0, len(keys))
	for _, k := range keys {
		var a model.SlowOperationAlert
		found, err := store.GetJSON(ctx, d.store, k, &a)
		if err != nil {
			d.logger.Warn("skipping unreadable slow alert", zap.String("key", k), zap.Error(err))
			continue
		}
		if found {
			alerts = append(alerts, a)
		}
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].WorstDurationMs > alerts[j].WorstDurationMs
	})
	return alerts, nil
}

// load reads the alert from the store. A store failure falls back to the
// process cache and is returned alongside the cached value.
func (d *Detector) load(ctx context.Context, key, storeKey string) (model.SlowOperationAlert, bool, error) {
	var a model.SlowOperationAlert
	found, err := store.GetJSON(ctx, d.store, storeKey, &a)
	if err == nil {
		return a, found, nil
	}

	cached, ok := d.cache.Get(key)
	return cached, ok, err
}

func (d *Detector) severity(worstMs float64) model.Severity {
	if worstMs > d.cfg.Thresholds.SlowCriticalMs {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}

// shouldDispatch allows one mission per pattern per mission TTL.
func (d *Detector) shouldDispatch(a model.SlowOperationAlert, now time.Time) bool {
	if a.Severity != model.SeverityCritical || a.OccurrenceCount < d.cfg.Thresholds.HealingOccurrenceFloor {
		return false
	}
	return a.MissionDispatchedAt == nil || now.Sub(*a.MissionDispatchedAt) >= d.cfg.MissionTTL
}

func (d *Detector) raise(ctx context.Context, a model.SlowOperationAlert) {
	if d.alerts == nil {
		return
	}
	_, err := d.alerts.Raise(ctx, alert.Alert{
		Key:      "slow:" + pattern.Digest(a.PatternKey),
		Type:     alert.TypeSlowOperation,
		Severity: model.SeverityCritical,
		Message: fmt.Sprintf("%s operation on %s took %.0fms (critical threshold %.0fms)",
			orUnknown(a.OperationKind), orUnknown(a.ResourceKind), a.WorstDurationMs, d.cfg.Thresholds.SlowCriticalMs),
		Metadata: model.Metadata{
			model.MetaPatternKey:      a.PatternKey,
			model.MetaSignature:       a.SampleSignature,
			model.MetaWorstDurationMs: a.WorstDurationMs,
			model.MetaOccurrences:     a.OccurrenceCount,
			model.MetaThreshold:       d.cfg.Thresholds.SlowCriticalMs,
		},
	})
	if err != nil {
		d.metrics.RecordInstrumentationFailure(metrics.StageAlert)
		d.logger.Warn("slow operation alert failed", zap.String("pattern_key", a.PatternKey), zap.Error(err))
	}
}

func addSorted(set []string, v string) []string {
	i := sort.SearchStrings(set, v)
	if i < len(set) && set[i] == v {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = v
	return set
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
