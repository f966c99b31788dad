// Package remediation turns qualifying slow-operation alerts and error patterns
// into RemediationMissions and queues them in the telemetry store for an
// external healing worker.
package remediation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/store"
)

const maxHistory = 100

// Config configures the Dispatcher.
type Config struct {
	// TTL after which an unconsumed mission is forgotten
	TTL         time.Duration
	Environment string
	Now         func() time.Time
}

// Attempt records one dispatch, successful or not.
type Attempt struct {
	MissionID  string            `json:"mission_id"`
	Kind       model.MissionKind `json:"kind"`
	PatternKey string            `json:"pattern_key"`
	Timestamp  time.Time         `json:"timestamp"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
}

// Dispatcher enqueues missions. It does not track their consumption.
type Dispatcher struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Collector
	ttl     time.Duration
	env     string
	now     func() time.Time

	mu      sync.Mutex
	history []Attempt
}

// NewDispatcher creates a dispatcher writing missions to s.
func NewDispatcher(s store.Store, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:   s,
		logger:  logger.Named("remediation"),
		metrics: collector,
		ttl:     cfg.TTL,
		env:     cfg.Environment,
		now:     cfg.Now,
	}
}

// TTL returns the mission time-to-live.
func (d *Dispatcher) TTL() time.Duration { return d.ttl }

// DispatchSlowOperation queues a mission for a critical recurring slow operation.
func (d *Dispatcher) DispatchSlowOperation(ctx context.Context, alert model.SlowOperationAlert) (*model.RemediationMission, error) {
	m := BuildSlowOperationMission(alert, d.env, d.now())
	return d.enqueue(ctx, m)
}

// DispatchErrorPattern queues a mission for a critical healing-candidate error pattern.
func (d *Dispatcher) DispatchErrorPattern(ctx context.Context, p model.ErrorPattern) (*model.RemediationMission, error) {
	m := BuildErrorPatternMission(p, d.env, d.now())
	return d.enqueue(ctx, m)
}

// History returns up to limit recent dispatch attempts, newest first.
func (d *Dispatcher) History(limit int) []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Attempt, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, d.history[i])
	}
	return out
}

func (d *Dispatcher) enqueue(ctx context.Context, m model.RemediationMission) (*model.RemediationMission, error) {
	err := store.SetJSON(ctx, d.store, store.MissionKey(m.CreatedAt, m.ID), m, d.ttl)
	d.record(m, err)
	if err != nil {
		d.metrics.RecordInstrumentationFailure(metrics.StageDispatch)
		return nil, err
	}

	d.metrics.RecordMission(m.Kind)
	d.logger.Info("remediation mission dispatched",
		zap.String("mission_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("priority", string(m.Priority)),
		zap.String("pattern_key", m.Context.PatternKey))
	return &m, nil
}

func (d *Dispatcher) record(m model.RemediationMission, err error) {
	a := Attempt{
		MissionID:  m.ID,
		Kind:       m.Kind,
		PatternKey: m.Context.PatternKey,
		Timestamp:  m.CreatedAt,
		Success:    err == nil,
	}
	if err != nil {
		a.Error = err.Error()
	}

	d.mu.Lock()
	d.history = append(d.history, a)
	if len(d.history) > maxHistory {
		d.history = d.history[len(d.history)-maxHistory:]
	}
	d.mu.Unlock()
}

// BuildSlowOperationMission describes a slow-operation alert as a mission.
func BuildSlowOperationMission(alert model.SlowOperationAlert, env string, now time.Time) model.RemediationMission {
	goal := fmt.Sprintf(
		"Optimize the %s operation on %s matching %q: worst duration %.0fms (warning threshold %.0fms) over %d occurrences.",
		orUnknown(alert.OperationKind), orUnknown(alert.ResourceKind), alert.PatternKey,
		alert.WorstDurationMs, alert.WarningThresholdMs, alert.OccurrenceCount)
	if len(alert.SuggestedOptimizations) > 0 {
		goal += " Start with: " + strings.Join(alert.SuggestedOptimizations, "; ") + "."
	}

	return model.RemediationMission{
		ID:       uuid.NewString(),
		Goal:     goal,
		Kind:     model.MissionSlowOperation,
		Priority: slowPriority(alert.Severity),
		Anomaly: model.Anomaly{
			ID:                alert.PatternKey,
			Kind:              string(model.MissionSlowOperation),
			Severity:          alert.Severity,
			Description:       fmt.Sprintf("slow %s operation on %s", orUnknown(alert.OperationKind), orUnknown(alert.ResourceKind)),
			OccurrenceCount:   alert.OccurrenceCount,
			FirstOccurrence:   alert.FirstOccurrence,
			LastOccurrence:    alert.LastOccurrence,
			AffectedEndpoints: append([]string(nil), alert.AffectedEndpoints...),
			HealingCandidate:  true,
		},
		Context: model.MissionContext{
			PatternKey:             alert.PatternKey,
			SampleSignature:        alert.SampleSignature,
			SuggestedOptimizations: append([]string(nil), alert.SuggestedOptimizations...),
			WorstDurationMs:        alert.WorstDurationMs,
			Environment:            env,
		},
		CreatedAt: now,
	}
}

// BuildErrorPatternMission describes an error pattern as a mission.
func BuildErrorPatternMission(p model.ErrorPattern, env string, now time.Time) model.RemediationMission {
	goal := fmt.Sprintf(
		"Fix the recurring %s %q: seen %d times across %d callers and %d endpoints since %s.",
		p.ErrorKind, p.Message, p.Frequency, len(p.AffectedCallerIDs), len(p.AffectedEndpoints),
		p.FirstSeen.UTC().Format(time.RFC3339))

	return model.RemediationMission{
		ID:       uuid.NewString(),
		Goal:     goal,
		Kind:     model.MissionErrorPattern,
		Priority: errorPriority(p.Severity),
		Anomaly: model.Anomaly{
			ID:                p.ID,
			Kind:              p.ErrorKind,
			Severity:          p.Severity,
			Description:       p.Message,
			OccurrenceCount:   p.Frequency,
			FirstOccurrence:   p.FirstSeen,
			LastOccurrence:    p.LastSeen,
			AffectedEndpoints: append([]string(nil), p.AffectedEndpoints...),
			HealingCandidate:  p.HealingCandidate,
		},
		Context: model.MissionContext{
			PatternKey:      p.PatternKey,
			ErrorKind:       p.ErrorKind,
			StackTrace:      p.StackTrace,
			AffectedCallers: len(p.AffectedCallerIDs),
			Environment:     env,
		},
		CreatedAt: now,
	}
}

func slowPriority(s model.Severity) model.MissionPriority {
	if s == model.SeverityCritical {
		return model.PriorityHigh
	}
	return model.PriorityNormal
}

func errorPriority(s model.Severity) model.MissionPriority {
	switch s {
	case model.SeverityCritical:
		return model.PriorityCritical
	case model.SeverityHigh:
		return model.PriorityHigh
	default:
		return model.PriorityNormal
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
