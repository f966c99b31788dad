package recorder

import (
	"sort"
	"time"

	"github.com/sentinelops/sentinel/internal/model"
)

// QueryAnalytics aggregates the samples of a time window.
type QueryAnalytics struct {
	Since         time.Time                `json:"since"`
	Until         time.Time                `json:"until"`
	Total         int                      `json:"total"`
	Failed        int                      `json:"failed"`
	AvgDurationMs float64                  `json:"avg_duration_ms"`
	SlowCount     int                      `json:"slow_count"`
	ErrorRatePct  float64                  `json:"error_rate_pct"`
	Slowest       []model.OperationMetrics `json:"slowest"`
}

// Summarize aggregates samples. A sample is slow when its duration exceeds
// slowWarningMs. Slowest holds at most topN samples, slowest first.
func Summarize(samples []model.OperationMetrics, slowWarningMs float64, topN int) QueryAnalytics {
	var out QueryAnalytics
	out.Total = len(samples)
	if out.Total == 0 {
		out.Slowest = []model.OperationMetrics{}
		return out
	}

	var sum float64
	for _, m := range samples {
		sum += m.DurationMs
		if m.DurationMs > slowWarningMs {
			out.SlowCount++
		}
		if m.Failed() {
			out.Failed++
		}
	}
	out.AvgDurationMs = sum / float64(out.Total)
	out.ErrorRatePct = float64(out.Failed) / float64(out.Total) * 100

	sorted := make([]model.OperationMetrics, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DurationMs > sorted[j].DurationMs
	})
	if topN > 0 && len(sorted) > topN {
		sorted = sorted[:topN]
	}
	out.Slowest = sorted
	return out
}
