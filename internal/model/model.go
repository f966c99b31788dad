// Package model defines the records that flow through the observability pipeline
// and are persisted in the telemetry store.
package model

import (
	"sort"
	"time"
)

// Severity is shared by slow-operation alerts, error patterns and alert records.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityWarning:
		return 4
	case SeverityHigh:
		return 5
	case SeverityCritical:
		return 6
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// PatternStatus is the lifecycle state of an error pattern.
type PatternStatus string

const (
	StatusActive   PatternStatus = "active"
	StatusResolved PatternStatus = "resolved"
	StatusIgnored  PatternStatus = "ignored"
)

// OperationMetrics is one intercepted data-access call. Immutable once created.
type OperationMetrics struct {
	ID            string            `json:"id"`
	Signature     string            `json:"signature"`
	PatternKey    string            `json:"pattern_key"`
	ResourceKind  string            `json:"resource_kind"`
	OperationKind string            `json:"operation_kind"`
	DurationMs    float64           `json:"duration_ms"`
	Timestamp     time.Time         `json:"timestamp"`
	Params        map[string]string `json:"params,omitempty"`
	CallerID      string            `json:"caller_id,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
	ResultCount   *int              `json:"result_count,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// Failed reports whether the wrapped call returned an error.
func (m *OperationMetrics) Failed() bool {
	return m.ErrorMessage != ""
}

// Duration returns the measured duration.
func (m *OperationMetrics) Duration() time.Duration {
	return time.Duration(m.DurationMs * float64(time.Millisecond))
}

// SlowOperationAlert aggregates the slow samples sharing one pattern key.
type SlowOperationAlert struct {
	PatternKey             string     `json:"pattern_key"`
	Digest                 string     `json:"digest"`
	SampleSignature        string     `json:"sample_signature"`
	ResourceKind           string     `json:"resource_kind"`
	OperationKind          string     `json:"operation_kind"`
	WorstDurationMs        float64    `json:"worst_duration_ms"`
	WarningThresholdMs     float64    `json:"warning_threshold_ms"`
	OccurrenceCount        int        `json:"occurrence_count"`
	FirstOccurrence        time.Time  `json:"first_occurrence"`
	LastOccurrence         time.Time  `json:"last_occurrence"`
	SuggestedOptimizations []string   `json:"suggested_optimizations"`
	AffectedEndpoints      []string   `json:"affected_endpoints,omitempty"`
	Severity               Severity   `json:"severity"`
	MissionDispatchedAt    *time.Time `json:"mission_dispatched_at,omitempty"`
}

// HealthSnapshot is a point-in-time aggregate of system load and error indicators.
type HealthSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	ActiveConnections  int       `json:"active_connections"`
	MaxConnections     int       `json:"max_connections"`
	UtilizationPct     float64   `json:"utilization_pct"`
	AvgDurationMs      float64   `json:"avg_duration_ms"`
	SlowOperationCount int       `json:"slow_operation_count"`
	ErrorRatePct       float64   `json:"error_rate_pct"`
	TransactionCount   int       `json:"transaction_count"`
	CacheHitRatePct    float64   `json:"cache_hit_rate_pct"`
	IndexUsagePct      float64   `json:"index_usage_pct"`
}

// PoolStats is the connection pool state sampled by the health sampler.
type PoolStats struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Max    int `json:"max"`
}

// Utilization returns Active as a percentage of Max, or zero without a limit.
func (p PoolStats) Utilization() float64 {
	if p.Max <= 0 {
		return 0
	}
	return float64(p.Active) / float64(p.Max) * 100
}

// ErrorPattern aggregates captured errors sharing an (errorKind, message) signature.
type ErrorPattern struct {
	ID                  string        `json:"id"`
	PatternKey          string        `json:"pattern_key"`
	ErrorKind           string        `json:"error_kind"`
	Message             string        `json:"message"`
	StackTrace          string        `json:"stack_trace,omitempty"`
	Frequency           int           `json:"frequency"`
	FirstSeen           time.Time     `json:"first_seen"`
	LastSeen            time.Time     `json:"last_seen"`
	AffectedCallerIDs   []string      `json:"affected_caller_ids"`
	AffectedEndpoints   []string      `json:"affected_endpoints"`
	RecentOccurrences   []time.Time   `json:"recent_occurrences,omitempty"`
	Severity            Severity      `json:"severity"`
	Status              PatternStatus `json:"status"`
	HealingCandidate    bool          `json:"healing_candidate"`
	MissionDispatchedAt *time.Time    `json:"mission_dispatched_at,omitempty"`
}

// AddCaller adds id to the affected caller set. Empty ids are ignored.
func (p *ErrorPattern) AddCaller(id string) {
	p.AffectedCallerIDs = addToSet(p.AffectedCallerIDs, id)
}

// AddEndpoint adds endpoint to the affected endpoint set. Empty values are ignored.
func (p *ErrorPattern) AddEndpoint(endpoint string) {
	p.AffectedEndpoints = addToSet(p.AffectedEndpoints, endpoint)
}

// OccurrencesSince counts recent occurrences at or after t.
func (p *ErrorPattern) OccurrencesSince(t time.Time) int {
	n := 0
	for _, ts := range p.RecentOccurrences {
		if !ts.Before(t) {
			n++
		}
	}
	return n
}

// AlertRecord is one raised, non-suppressed alert. Append-only.
type AlertRecord struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MissionKind identifies which anomaly produced a remediation mission.
type MissionKind string

const (
	MissionSlowOperation MissionKind = "slow_operation"
	MissionErrorPattern  MissionKind = "error_pattern"
)

// MissionPriority orders missions for the healing worker.
type MissionPriority string

const (
	PriorityCritical MissionPriority = "critical"
	PriorityHigh     MissionPriority = "high"
	PriorityNormal   MissionPriority = "normal"
)

// Rank orders priorities; lower values are handled first.
func (p MissionPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Anomaly describes the detected problem a mission asks the worker to fix.
type Anomaly struct {
	ID                string    `json:"id"`
	Kind              string    `json:"kind"`
	Severity          Severity  `json:"severity"`
	Description       string    `json:"description"`
	OccurrenceCount   int       `json:"occurrence_count"`
	FirstOccurrence   time.Time `json:"first_occurrence"`
	LastOccurrence    time.Time `json:"last_occurrence"`
	AffectedEndpoints []string  `json:"affected_endpoints,omitempty"`
	HealingCandidate  bool      `json:"healing_candidate"`
}

// MissionContext carries the supporting evidence attached to a mission.
type MissionContext struct {
	PatternKey             string   `json:"pattern_key"`
	SampleSignature        string   `json:"sample_signature,omitempty"`
	ErrorKind              string   `json:"error_kind,omitempty"`
	StackTrace             string   `json:"stack_trace,omitempty"`
	SuggestedOptimizations []string `json:"suggested_optimizations,omitempty"`
	AffectedCallers        int      `json:"affected_callers"`
	WorstDurationMs        float64  `json:"worst_duration_ms,omitempty"`
	Environment            string   `json:"environment,omitempty"`
}

// RemediationMission is a request queued for the external healing worker.
type RemediationMission struct {
	ID        string          `json:"id"`
	Goal      string          `json:"goal"`
	Kind      MissionKind     `json:"kind"`
	Priority  MissionPriority `json:"priority"`
	Anomaly   Anomaly         `json:"anomaly"`
	Context   MissionContext  `json:"context"`
	CreatedAt time.Time       `json:"created_at"`
}

func addToSet(set []string, v string) []string {
	if v == "" {
		return set
	}
	i := sort.SearchStrings(set, v)
	if i < len(set) && set[i] == v {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = v
	return set
}
