// Package alert deduplicates and persists pipeline alerts. Each alert key has a
// process-local cooldown: raising the key again inside the window is a no-op.
package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// Alert types raised by the pipeline.
const (
	TypeUtilization     = "connection_utilization"
	TypeErrorRate       = "error_rate"
	TypeSlowOperations  = "slow_operations"
	TypeSlowOperation   = "slow_operation"
	TypeErrorPattern    = "error_pattern"
	TypeErrorSpike      = "error_spike"
	TypeAffectedCallers = "affected_callers"
)

// Alert is a request to raise an alert under Key.
type Alert struct {
	Key      string
	Type     string
	Severity model.Severity
	Message  string
	Metadata model.Metadata
}

// Notifier receives every alert that passes the cooldown gate.
type Notifier interface {
	Notify(ctx context.Context, record model.AlertRecord) error
}

// Config configures the Manager.
type Config struct {
	Cooldown  time.Duration
	Retention time.Duration
	Now       func() time.Time
}

// Manager applies per-key cooldown and persists AlertRecords.
type Manager struct {
	store     store.Store
	logger    *zap.Logger
	metrics   *metrics.Collector
	notifiers []Notifier
	cooldown  time.Duration
	retention time.Duration
	now       func() time.Time

	mu         sync.Mutex
	lastRaised map[string]time.Time
}

// NewManager creates an alert manager writing to s.
func NewManager(s store.Store, cfg Config, collector *metrics.Collector, logger *zap.Logger, notifiers ...Notifier) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Manager{
		store:      s,
		logger:     logger.Named("alert"),
		metrics:    collector,
		notifiers:  notifiers,
		cooldown:   cfg.Cooldown,
		retention:  cfg.Retention,
		now:        cfg.Now,
		lastRaised: make(map[string]time.Time),
	}
}

// Raise records a unless its key is cooling down. It returns the persisted
// record, or nil when the alert was suppressed.
func (m *Manager) Raise(ctx context.Context, a Alert) (*model.AlertRecord, error) {
	if a.Key == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "alert key is required").
			WithComponent("alert")
	}
	if err := a.Metadata.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidArgument, "invalid alert metadata").
			WithComponent("alert").WithDetail("key", a.Key)
	}

	now := m.now()

	m.mu.Lock()
	prev, seen := m.lastRaised[a.Key]
	if seen && now.Sub(prev) < m.cooldown {
		m.mu.Unlock()
		m.metrics.RecordAlert(a.Type, a.Severity, true)
		m.logger.Debug("alert suppressed by cooldown",
			zap.String("key", a.Key),
			zap.Duration("remaining", m.cooldown-now.Sub(prev)))
		return nil, nil
	}
	m.lastRaised[a.Key] = now
	m.mu.Unlock()

	record := model.AlertRecord{
		ID:        uuid.NewString(),
		Key:       a.Key,
		Type:      a.Type,
		Severity:  a.Severity,
		Message:   a.Message,
		Metadata:  a.Metadata,
		Timestamp: now,
	}

	if err := store.SetJSON(ctx, m.store, store.AlertKey(now, record.ID), record, m.retention); err != nil {
		// Give the key back so the next evaluation can retry once the store recovers.
		m.mu.Lock()
		if m.lastRaised[a.Key].Equal(now) {
			if seen {
				m.lastRaised[a.Key] = prev
			} else {
				delete(m.lastRaised, a.Key)
			}
		}
		m.mu.Unlock()
		return nil, err
	}

	m.metrics.RecordAlert(a.Type, a.Severity, false)
	m.logger.Info("alert raised",
		zap.String("key", a.Key),
		zap.String("type", a.Type),
		zap.String("severity", string(a.Severity)),
		zap.String("message", a.Message))

	for _, n := range m.notifiers {
		if err := n.Notify(ctx, record); err != nil {
			m.metrics.RecordInstrumentationFailure(metrics.StageAlert)
			m.logger.Warn("alert notifier failed", zap.String("key", a.Key), zap.Error(err))
		}
	}

	return &record, nil
}

// InCooldown reports whether key was raised within the cooldown window.
func (m *Manager) InCooldown(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.lastRaised[key]
	return ok && m.now().Sub(prev) < m.cooldown
}

// Recent returns up to limit persisted alerts, newest first. A limit of zero or
// less returns all of them.
func (m *Manager) Recent(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	return m.between(ctx, time.Time{}, limit)
}

// Since returns persisted alerts raised at or after t, newest first.
func (m *Manager) Since(ctx context.Context, t time.Time) ([]model.AlertRecord, error) {
	return m.between(ctx, t, 0)
}

// Cooldown returns the configured cooldown window.
func (m *Manager) Cooldown() time.Duration { return m.cooldown }

func (m *Manager) between(ctx context.Context, since time.Time, limit int) ([]model.AlertRecord, error) {
	keys, err := store.KeysBetween(ctx, m.store, store.PrefixAlert, since, time.Time{})
	if err != nil {
		return nil, err
	}

	// Keys sort by embedded timestamp; walk newest first so a limit reads only what it returns.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	records := make([]model.AlertRecord, 0, len(keys))
	for _, k := range keys {
		if limit > 0 && len(records) >= limit {
			break
		}
		var rec model.AlertRecord
		found, err := store.GetJSON(ctx, m.store, k, &rec)
		if err != nil {
			m.logger.Warn("skipping unreadable alert record", zap.String("key", k), zap.Error(err))
			continue
		}
		if found {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// LogNotifier writes raised alerts to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, r model.AlertRecord) error {
	if n.Logger == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("alert_id", r.ID),
		zap.String("key", r.Key),
		zap.String("type", r.Type),
		zap.String("severity", string(r.Severity)),
		zap.Time("timestamp", r.Timestamp),
	}
	for k, v := range r.Metadata {
		fields = append(fields, zap.Any("meta."+k, v))
	}
	n.Logger.Warn("[ALERT] "+r.Message, fields...)
	return nil
}
