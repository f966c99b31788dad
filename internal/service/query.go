package service

import (
	"context"
	"time"

	"github.com/sentinelops/sentinel/internal/health"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/recorder"
	"github.com/sentinelops/sentinel/internal/remediation"
	"github.com/sentinelops/sentinel/internal/scheduler"
)

const (
	slowestOperations = 10
	recentDispatches  = 20
)

// StatusReport is the overall status view served to operators.
type StatusReport struct {
	Status       health.Status         `json:"status"`
	Timestamp    time.Time             `json:"timestamp"`
	Latest       *model.HealthSnapshot `json:"latest_snapshot,omitempty"`
	RecentAlerts []model.AlertRecord   `json:"recent_alerts"`
	Jobs         []scheduler.JobStats  `json:"jobs"`
	// Dispatches lists the latest mission enqueue attempts, newest first.
	Dispatches []remediation.Attempt `json:"recent_dispatches"`
}

// SlowOperations lists every tracked slow pattern, worst first.
func (s *Service) SlowOperations(ctx context.Context) ([]model.SlowOperationAlert, error) {
	return s.slow.List(ctx)
}

// Snapshots lists health snapshots in [since, until], oldest first.
func (s *Service) Snapshots(ctx context.Context, since, until time.Time) ([]model.HealthSnapshot, error) {
	return s.sampler.Snapshots(ctx, since, until)
}

// Analytics aggregates the persisted samples of the trailing window.
func (s *Service) Analytics(ctx context.Context, window time.Duration) (recorder.QueryAnalytics, error) {
	if window <= 0 {
		window = time.Hour
	}
	until := s.now()
	since := until.Add(-window)
	samples, err := recorder.ReadSamples(ctx, s.store, since, until, s.logger)
	if err != nil {
		return recorder.QueryAnalytics{}, err
	}
	out := recorder.Summarize(samples, s.cfg.Thresholds.SlowWarningMs, slowestOperations)
	out.Since, out.Until = since, until
	return out, nil
}

// ErrorPatterns lists every known error pattern, most frequent first.
func (s *Service) ErrorPatterns(ctx context.Context) ([]model.ErrorPattern, error) {
	return s.errors.List(ctx)
}

// ErrorPattern returns one pattern by key.
func (s *Service) ErrorPattern(ctx context.Context, key string) (*model.ErrorPattern, bool, error) {
	return s.errors.Get(ctx, key)
}

// ResolveErrorPattern marks a pattern resolved. It reactivates on recurrence.
func (s *Service) ResolveErrorPattern(ctx context.Context, key string) (*model.ErrorPattern, error) {
	return s.errors.Resolve(ctx, key)
}

// IgnoreErrorPattern stops alerts and missions for a pattern.
func (s *Service) IgnoreErrorPattern(ctx context.Context, key string) (*model.ErrorPattern, error) {
	return s.errors.Ignore(ctx, key)
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *Service) RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	return s.alerts.Recent(ctx, limit)
}

// PatternStats returns in-memory window statistics for the pattern with the
// given digest.
func (s *Service) PatternStats(digest string) (recorder.PatternStats, bool) {
	key, ok := s.recorder.Lookup(digest)
	if !ok {
		return recorder.PatternStats{Digest: digest}, false
	}
	return s.recorder.Stats(key)
}

// Status derives the overall status from the freshest snapshot and the
// alerts raised within one cooldown window.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	now := s.now()
	latest, err := s.sampler.Latest(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	recent, err := s.alerts.Since(ctx, now.Add(-s.alerts.Cooldown()))
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Status:       health.OverallStatus(latest, recent, s.cfg.Thresholds),
		Timestamp:    now,
		Latest:       latest,
		RecentAlerts: recent,
		Jobs:         s.scheduler.Stats(),
		Dispatches:   s.dispatcher.History(recentDispatches),
	}, nil
}

// PendingMissions lists unexpired remediation missions, highest priority first.
func (s *Service) PendingMissions(ctx context.Context) ([]model.RemediationMission, error) {
	return s.missions.Pending(ctx)
}

// AckMission removes a consumed mission from the queue.
func (s *Service) AckMission(ctx context.Context, id string) error {
	return s.missions.Ack(ctx, id)
}

// Ready runs the dependency checks.
func (s *Service) Ready(ctx context.Context) health.Report {
	return s.checker.Run(ctx)
}
