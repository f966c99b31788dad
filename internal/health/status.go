package health

import (
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/model"
)

// Status is the overall health of the observed system.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Rank orders statuses.
func (s Status) Rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

// OverallStatus derives the overall status from the freshest snapshot and
// the recent alert population. No snapshot and no alerts is healthy.
func OverallStatus(latest *model.HealthSnapshot, recent []model.AlertRecord, th config.Thresholds) Status {
	status := StatusHealthy
	raise := func(s Status) {
		if s.Rank() > status.Rank() {
			status = s
		}
	}

	if latest != nil {
		switch {
		case latest.UtilizationPct > th.UtilizationCriticalPct, latest.ErrorRatePct > th.ErrorRateCriticalPct:
			raise(StatusCritical)
		case latest.UtilizationPct > th.UtilizationWarningPct,
			latest.ErrorRatePct > th.ErrorRateWarningPct,
			latest.SlowOperationCount > th.SlowOperationCountWarning:
			raise(StatusWarning)
		}
	}

	for _, r := range recent {
		switch {
		case r.Severity == model.SeverityCritical:
			raise(StatusCritical)
		case r.Severity.AtLeast(model.SeverityWarning):
			raise(StatusWarning)
		}
	}
	return status
}
