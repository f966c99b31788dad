// Package scheduler runs the pipeline's periodic background jobs. Every job is
// single-flight: a tick that arrives while the previous run is still in progress
// is skipped, never queued. Stop halts new ticks and drains in-flight runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/pkg/errors"
)

// Job describes a periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the run is bounded only by Stop.
	Timeout time.Duration
	// RunOnStart fires the first run immediately instead of after one interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// JobStats reports per-job counters.
type JobStats struct {
	Name      string        `json:"name"`
	Runs      uint64        `json:"runs"`
	Skipped   uint64        `json:"skipped"`
	Failures  uint64        `json:"failures"`
	Running   bool          `json:"running"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"last_duration"`
}

type jobState struct {
	job     Job
	running atomic.Bool

	mu       sync.Mutex
	runs     uint64
	skipped  uint64
	failures uint64
	lastRun  time.Time
	lastErr  string
	duration time.Duration
}

// Scheduler owns a set of single-flight periodic jobs.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []*jobState
	byName  map[string]*jobState
	started bool
	stopped bool

	stopCh    chan struct{}
	loops     sync.WaitGroup
	inflight  sync.WaitGroup
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger.Named("scheduler"),
		byName: make(map[string]*jobState),
		stopCh: make(chan struct{}),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "job needs a name, a run function and a positive interval").
			WithComponent("scheduler").WithDetail("job", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "cannot register jobs after start").
			WithComponent("scheduler").WithDetail("job", job.Name)
	}
	if _, dup := s.byName[job.Name]; dup {
		return errors.NewError(errors.ErrCodeInvalidArgument, "duplicate job name").
			WithComponent("scheduler").WithDetail("job", job.Name)
	}

	st := &jobState{job: job}
	s.jobs = append(s.jobs, st)
	s.byName[job.Name] = st
	return nil
}

// Start launches one ticker loop per job. Runs use a context detached from ctx's
// cancellation so that a request-scoped ctx cannot abort background work; Stop
// is the only way to cancel runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "scheduler already started").
			WithComponent("scheduler")
	}
	s.started = true
	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	for _, st := range s.jobs {
		s.loops.Add(1)
		go s.loop(st)
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops accepting ticks and waits for in-flight runs. If ctx expires first
// the runs are canceled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodeNotStarted, "scheduler not started").
			WithComponent("scheduler")
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	defer s.cancelRun()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancelRun()
		<-done
		s.logger.Warn("scheduler stop deadline exceeded; in-flight jobs canceled")
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "scheduler drain timed out").
			WithComponent("scheduler")
	}
}

// Trigger runs the named job now, synchronously, unless it is already running.
// It reports whether the job ran.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	// Stop waits on inflight only after setting stopped under s.mu, so the
	// check and the Add must happen under the same lock.
	s.mu.Lock()
	st, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return false, errors.NewError(errors.ErrCodeNotFound, "unknown job").
			WithComponent("scheduler").WithDetail("job", name)
	}
	if s.stopped {
		s.mu.Unlock()
		return false, errors.NewError(errors.ErrCodeShutdownInProgress, "scheduler is stopping").
			WithComponent("scheduler")
	}
	if !st.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		st.markSkipped()
		return false, nil
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	return true, s.execute(ctx, st)
}

// Stats returns a snapshot of every job's counters, in registration order.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	jobs := append([]*jobState(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStats, 0, len(jobs))
	for _, st := range jobs {
		st.mu.Lock()
		out = append(out, JobStats{
			Name:      st.job.Name,
			Runs:      st.runs,
			Skipped:   st.skipped,
			Failures:  st.failures,
			Running:   st.running.Load(),
			LastRun:   st.lastRun,
			LastError: st.lastErr,
			Duration:  st.duration,
		})
		st.mu.Unlock()
	}
	return out
}

func (s *Scheduler) loop(st *jobState) {
	defer s.loops.Done()

	if st.job.RunOnStart {
		s.fire(st)
	}

	ticker := time.NewTicker(st.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fire(st)
		}
	}
}

// fire starts a run in the background unless the previous one is still going.
func (s *Scheduler) fire(st *jobState) {
	if !st.running.CompareAndSwap(false, true) {
		st.markSkipped()
		s.logger.Debug("skipping tick, previous run still in progress", zap.String("job", st.job.Name))
		return
	}
	s.inflight.Add(1)
	go func() {
		_ = s.execute(s.runCtx, st)
	}()
}

// execute runs the job body. The caller has set st.running and added to inflight.
func (s *Scheduler) execute(ctx context.Context, st *jobState) (err error) {
	defer s.inflight.Done()
	defer st.running.Store(false)

	if st.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrCodeInternalError, fmt.Sprintf("job panicked: %v", r)).
				WithComponent("scheduler").WithDetail("job", st.job.Name)
		}
		st.record(start, err)
		if err != nil {
			s.logger.Warn("job failed", zap.String("job", st.job.Name), zap.Error(err))
		}
	}()

	return st.job.Run(ctx)
}

func (st *jobState) markSkipped() {
	st.mu.Lock()
	st.skipped++
	st.mu.Unlock()
}

func (st *jobState) record(start time.Time, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.runs++
	st.lastRun = start
	st.duration = time.Since(start)
	if err != nil {
		st.failures++
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
}
