// Package metrics instruments the pipeline itself with Prometheus. A nil or
// disabled Collector accepts every call and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// Failure stages reported by RecordInstrumentationFailure.
const (
	StagePersist   = "persist"
	StageAnalytics = "analytics"
	StageTracking  = "tracking"
	StageSlowop    = "slowop"
	StageErrtrack  = "errtrack"
	StageAlert     = "alert"
	StageDispatch  = "dispatch"
	StageSampler   = "sampler"
	StageSweep     = "sweep"
	StageQueueFull = "queue_full"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// Collector holds the pipeline's Prometheus instruments on a private registry.
type Collector struct {
	registry *prometheus.Registry

	operations         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	slowOperations     *prometheus.CounterVec
	errorsCaptured     *prometheus.CounterVec
	alertsRaised       *prometheus.CounterVec
	alertsSuppressed   *prometheus.CounterVec
	missionsDispatched *prometheus.CounterVec
	failures           *prometheus.CounterVec
	utilization        prometheus.Gauge
	errorRate          prometheus.Gauge
	avgDuration        prometheus.Gauge
	slowCount          prometheus.Gauge
}

// NewCollector creates a collector. A disabled config yields a collector whose
// methods are no-ops.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Namespace: "sentinel"}
	}
	if !config.Enabled {
		return &Collector{}, nil
	}
	if config.Namespace == "" {
		config.Namespace = "sentinel"
	}

	ns := config.Namespace
	labels := prometheus.Labels(config.Labels)

	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "operations_total", ConstLabels: labels,
			Help: "Intercepted data-access operations by outcome.",
		}, []string{"resource", "operation", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "operation_duration_seconds", ConstLabels: labels,
			Help:    "Duration of intercepted data-access operations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"resource", "operation"}),
		slowOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "slow_operations_total", ConstLabels: labels,
			Help: "Samples over the slow warning threshold by resulting alert severity.",
		}, []string{"severity"}),
		errorsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_captured_total", ConstLabels: labels,
			Help: "Captured errors by kind.",
		}, []string{"kind"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "alerts_raised_total", ConstLabels: labels,
			Help: "Alerts recorded after cooldown.",
		}, []string{"type", "severity"}),
		alertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "alerts_suppressed_total", ConstLabels: labels,
			Help: "Alerts dropped because their key was in cooldown.",
		}, []string{"type"}),
		missionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "missions_dispatched_total", ConstLabels: labels,
			Help: "Remediation missions enqueued.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "instrumentation_failures_total", ConstLabels: labels,
			Help: "Swallowed failures of the pipeline's own I/O by stage.",
		}, []string{"stage"}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "snapshot_utilization_percent", ConstLabels: labels,
			Help: "Connection-pool utilization in the latest health snapshot.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "snapshot_error_rate_percent", ConstLabels: labels,
			Help: "Error rate in the latest health snapshot.",
		}),
		avgDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "snapshot_avg_duration_milliseconds", ConstLabels: labels,
			Help: "Average operation duration in the latest health snapshot.",
		}),
		slowCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "snapshot_slow_operations", ConstLabels: labels,
			Help: "Slow operations in the latest health snapshot lookback.",
		}),
	}

	toRegister := []prometheus.Collector{
		c.operations, c.operationDuration, c.slowOperations, c.errorsCaptured,
		c.alertsRaised, c.alertsSuppressed, c.missionsDispatched, c.failures,
		c.utilization, c.errorRate, c.avgDuration, c.slowCount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, m := range toRegister {
		if err := c.registry.Register(m); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to register metric").
				WithComponent("metrics")
		}
	}

	return c, nil
}

func (c *Collector) enabled() bool { return c != nil && c.registry != nil }

// Registry returns the private registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordOperation counts one intercepted operation.
func (c *Collector) RecordOperation(resource, operation string, duration time.Duration, failed bool) {
	if !c.enabled() {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	c.operations.WithLabelValues(resource, operation, status).Inc()
	c.operationDuration.WithLabelValues(resource, operation).Observe(duration.Seconds())
}

// RecordSlowOperation counts one slow sample by the severity of its alert.
func (c *Collector) RecordSlowOperation(severity model.Severity) {
	if !c.enabled() {
		return
	}
	c.slowOperations.WithLabelValues(string(severity)).Inc()
}

// RecordError counts one captured error.
func (c *Collector) RecordError(kind string) {
	if !c.enabled() {
		return
	}
	c.errorsCaptured.WithLabelValues(kind).Inc()
}

// RecordAlert counts a raised or suppressed alert.
func (c *Collector) RecordAlert(alertType string, severity model.Severity, suppressed bool) {
	if !c.enabled() {
		return
	}
	if suppressed {
		c.alertsSuppressed.WithLabelValues(alertType).Inc()
		return
	}
	c.alertsRaised.WithLabelValues(alertType, string(severity)).Inc()
}

// RecordMission counts one enqueued mission.
func (c *Collector) RecordMission(kind model.MissionKind) {
	if !c.enabled() {
		return
	}
	c.missionsDispatched.WithLabelValues(string(kind)).Inc()
}

// RecordInstrumentationFailure counts a swallowed failure.
func (c *Collector) RecordInstrumentationFailure(stage string) {
	if !c.enabled() {
		return
	}
	c.failures.WithLabelValues(stage).Inc()
}

// ObserveSnapshot publishes the latest health snapshot as gauges.
func (c *Collector) ObserveSnapshot(s model.HealthSnapshot) {
	if !c.enabled() {
		return
	}
	c.utilization.Set(s.UtilizationPct)
	c.errorRate.Set(s.ErrorRatePct)
	c.avgDuration.Set(s.AvgDurationMs)
	c.slowCount.Set(float64(s.SlowOperationCount))
}
