// Package service owns the pipeline: one Service is constructed at process
// start and handed to every call site that records operations or errors.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/alert"
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/errtrack"
	"github.com/sentinelops/sentinel/internal/health"
	"github.com/sentinelops/sentinel/internal/intercept"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/recorder"
	"github.com/sentinelops/sentinel/internal/remediation"
	"github.com/sentinelops/sentinel/internal/scheduler"
	"github.com/sentinelops/sentinel/internal/slowop"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/internal/worker"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// Job names registered with the scheduler.
const (
	JobHealthSampler = "health-sampler"
	JobErrorSweep    = "error-sweep"
	JobStoreEvict    = "store-evict"
)

const defaultEvictInterval = time.Minute

// Options carries the collaborators of a Service. Store is required.
type Options struct {
	Store store.Store
	// Database is the application's connection pool. When set, the Service
	// instruments it and samples its utilization.
	Database *pgxpool.Pool
	// Pool overrides the utilization source derived from Database.
	Pool      health.PoolSource
	Analytics recorder.Analytics
	Tracker   errtrack.Tracker
	Notifiers []alert.Notifier
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	Now       func() time.Time
}

// Service wires every pipeline component around one telemetry store.
type Service struct {
	cfg     *config.Configuration
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	alerts      *alert.Manager
	dispatcher  *remediation.Dispatcher
	missions    *remediation.Queue
	slow        *slowop.Detector
	recorder    *recorder.Recorder
	errors      *errtrack.Analyzer
	sampler     *health.Sampler
	interceptor *intercept.Interceptor
	database    *intercept.Pool
	background  *worker.Queue
	scheduler   *scheduler.Scheduler
	checker     *health.Checker

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a Service from a validated configuration.
func New(cfg *config.Configuration, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "telemetry store is required").
			WithComponent("service")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	th := cfg.Thresholds
	ret := cfg.Retention

	s := &Service{
		cfg:     cfg,
		store:   opts.Store,
		logger:  logger.Named("service"),
		metrics: opts.Metrics,
		now:     now,
	}

	s.background = worker.New(worker.Config{
		Size:        cfg.Aggregator.EventBacklog,
		Workers:     1,
		TaskTimeout: 10 * time.Second,
	}, opts.Metrics, logger)

	s.alerts = alert.NewManager(opts.Store, alert.Config{
		Cooldown:  th.AlertCooldown,
		Retention: ret.Alerts,
		Now:       now,
	}, opts.Metrics, logger, append([]alert.Notifier{alert.LogNotifier{Logger: logger}}, opts.Notifiers...)...)

	s.dispatcher = remediation.NewDispatcher(opts.Store, remediation.Config{
		TTL:         ret.Missions,
		Environment: cfg.Global.Environment,
		Now:         now,
	}, opts.Metrics, logger)
	s.missions = remediation.NewQueue(opts.Store, logger)

	s.slow = slowop.NewDetector(opts.Store, s.dispatcher, s.alerts, slowop.Config{
		Thresholds: th,
		Retention:  ret.SlowAlerts,
		MissionTTL: ret.Missions,
		Now:        now,
	}, opts.Metrics, logger)

	s.recorder = recorder.New(opts.Store, s.slow, opts.Analytics, s.background, recorder.Config{
		WindowSize: cfg.Aggregator.WindowSize,
		Retention:  ret.Metrics,
		Now:        now,
	}, opts.Metrics, logger)

	s.errors = errtrack.New(opts.Store, errtrack.Deps{
		Dispatcher: s.dispatcher,
		Alerts:     s.alerts,
		Tracker:    opts.Tracker,
		Worker:     s.background,
		Samples:    s.recorder,
	}, errtrack.Config{
		Thresholds:  th,
		Environment: cfg.Global.Environment,
		Retention:   ret.ErrorPatterns,
		MissionTTL:  ret.Missions,
		SpikeWindow: cfg.Sweep.SpikeWindow,
		Now:         now,
	}, opts.Metrics, logger)

	s.interceptor = intercept.New(s.recorder, s.errors, logger)

	pool := opts.Pool
	if opts.Database != nil {
		s.database = intercept.NewPool(opts.Database, s.interceptor)
		if pool == nil {
			pool = s.database
		}
	}

	s.sampler = health.NewSampler(opts.Store, s.recorder, pool, s.alerts, health.SamplerConfig{
		Thresholds: th,
		Lookback:   cfg.Sampler.Lookback,
		Retention:  ret.Snapshots,
		Now:        now,
	}, opts.Metrics, logger)

	s.checker = health.NewChecker(5 * time.Second)
	if err := s.checker.Register(health.Check{Name: "telemetry-store", Critical: true, Function: opts.Store.Ping}); err != nil {
		return nil, err
	}
	if opts.Database != nil {
		if err := s.checker.Register(health.Check{Name: "database", Function: opts.Database.Ping}); err != nil {
			return nil, err
		}
	}

	s.scheduler = scheduler.New(logger)
	if err := s.scheduler.Register(scheduler.Job{
		Name:     JobHealthSampler,
		Interval: cfg.Sampler.Interval,
		Timeout:  cfg.Sampler.Timeout,
		Run: func(ctx context.Context) error {
			_, err := s.sampler.Sample(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if err := s.scheduler.Register(scheduler.Job{
		Name:     JobErrorSweep,
		Interval: cfg.Sweep.Interval,
		Timeout:  cfg.Sweep.Timeout,
		Run: func(ctx context.Context) error {
			_, err := s.errors.Sweep(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if ev, ok := store.AsEvictor(opts.Store); ok {
		interval := cfg.Store.EvictInterval
		if interval <= 0 {
			interval = defaultEvictInterval
		}
		if err := s.scheduler.Register(scheduler.Job{
			Name:     JobStoreEvict,
			Interval: interval,
			Run: func(ctx context.Context) error {
				if n := ev.Evict(ctx); n > 0 {
					logger.Debug("expired store entries evicted", zap.Int("count", n))
				}
				return nil
			},
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Start starts the periodic jobs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "service has been stopped").WithComponent("service")
	}
	if s.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "service already started").WithComponent("service")
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.started = true
	s.logger.Info("sentinel pipeline started",
		zap.String("environment", s.cfg.Global.Environment),
		zap.Duration("sampler_interval", s.cfg.Sampler.Interval),
		zap.Duration("sweep_interval", s.cfg.Sweep.Interval))
	return nil
}

// Stop stops accepting ticks, waits for in-flight jobs, drains background
// work and closes the store. Errors from each stage are joined.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	var errs []error
	if started {
		if err := s.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.background.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("sentinel pipeline stopped")
	return errors.Join(errs...)
}

// Interceptor returns the operation interceptor for the data-access layer.
func (s *Service) Interceptor() *intercept.Interceptor { return s.interceptor }

// Database returns the instrumented application pool, or nil when no
// Database was configured.
func (s *Service) Database() *intercept.Pool { return s.database }

// Record ingests an operation sample measured outside the interceptor.
func (s *Service) Record(ctx context.Context, m model.OperationMetrics) model.OperationMetrics {
	return s.recorder.Record(ctx, m)
}

// CaptureError feeds an application error into the error pipeline.
func (s *Service) CaptureError(ctx context.Context, err error, ec errtrack.EnrichmentContext) *model.ErrorPattern {
	return s.errors.Capture(ctx, err, ec)
}

// CaptureRecovered feeds a recovered panic value into the error pipeline.
func (s *Service) CaptureRecovered(ctx context.Context, recovered interface{}, ec errtrack.EnrichmentContext) *model.ErrorPattern {
	return s.errors.CaptureRecovered(ctx, recovered, ec)
}

// RunJob runs a periodic job immediately. It reports false when the job was
// already running.
func (s *Service) RunJob(ctx context.Context, name string) (bool, error) {
	return s.scheduler.Trigger(ctx, name)
}
