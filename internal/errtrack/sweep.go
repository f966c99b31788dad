package errtrack

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/alert"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Patterns        int `json:"patterns"`
	Spikes          int `json:"spikes"`
	AffectedCallers int `json:"affected_callers"`
}

// Sweep re-evaluates every active pattern for a recent error-rate spike and
// for wide caller impact, independent of the per-event path.
func (a *Analyzer) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	patterns, err := a.List(ctx)
	if err != nil {
		a.metrics.RecordInstrumentationFailure(metrics.StageSweep)
		return result, err
	}

	now := a.cfg.Now()
	windowStart := now.Add(-a.cfg.SpikeWindow)
	total := a.operationsSince(ctx, windowStart)
	th := a.cfg.Thresholds

	for _, p := range patterns {
		if p.Status != model.StatusActive {
			continue
		}
		result.Patterns++

		if recent := p.OccurrencesSince(windowStart); total > 0 && recent > 0 {
			rate := float64(recent) / float64(total) * 100
			if rate > th.ErrorRateCriticalPct {
				result.Spikes++
				a.sweepAlert(ctx, alert.Alert{
					Key:      "spike:" + p.PatternKey,
					Type:     alert.TypeErrorSpike,
					Severity: model.SeverityCritical,
					Message: fmt.Sprintf("%s error rate spiked to %.1f%% over the last %s",
						p.ErrorKind, rate, a.cfg.SpikeWindow),
					Metadata: model.Metadata{
						model.MetaPatternKey:   p.PatternKey,
						model.MetaErrorKind:    p.ErrorKind,
						model.MetaErrorRatePct: rate,
						model.MetaOccurrences:  recent,
						model.MetaThreshold:    th.ErrorRateCriticalPct,
					},
				})
			}
		}

		callers := len(p.AffectedCallerIDs)
		if callers > th.AffectedCallersWarning && p.Frequency >= th.ErrorFrequencyFloor {
			result.AffectedCallers++
			a.sweepAlert(ctx, alert.Alert{
				Key:      "callers:" + p.PatternKey,
				Type:     alert.TypeAffectedCallers,
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("%s affects %d distinct callers", p.ErrorKind, callers),
				Metadata: model.Metadata{
					model.MetaPatternKey:      p.PatternKey,
					model.MetaErrorKind:       p.ErrorKind,
					model.MetaAffectedCallers: callers,
					model.MetaOccurrences:     p.Frequency,
					model.MetaThreshold:       th.AffectedCallersWarning,
				},
			})
		}
	}

	a.logger.Debug("error pattern sweep finished",
		zap.Int("patterns", result.Patterns),
		zap.Int("spikes", result.Spikes),
		zap.Int("affected_callers", result.AffectedCallers))
	return result, nil
}

// operationsSince counts recorded operations in the window. Zero disables
// the spike check.
func (a *Analyzer) operationsSince(ctx context.Context, since time.Time) int {
	if a.samples == nil {
		return 0
	}
	samples, err := a.samples.Since(ctx, since)
	if err != nil {
		a.metrics.RecordInstrumentationFailure(metrics.StageSweep)
		a.logger.Warn("sweep sample read-back failed", zap.Error(err))
		return 0
	}
	return len(samples)
}

func (a *Analyzer) sweepAlert(ctx context.Context, al alert.Alert) {
	if a.alerts == nil {
		return
	}
	if _, err := a.alerts.Raise(ctx, al); err != nil {
		a.metrics.RecordInstrumentationFailure(metrics.StageAlert)
		a.logger.Warn("sweep alert failed", zap.String("key", al.Key), zap.Error(err))
	}
}
