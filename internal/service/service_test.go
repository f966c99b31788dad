package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/errtrack"
	"github.com/sentinelops/sentinel/internal/health"
	"github.com/sentinelops/sentinel/internal/intercept"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/pattern"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
)

type fakePool struct{ active, max int }

func (p fakePool) PoolStats(context.Context) (model.PoolStats, error) {
	return model.PoolStats{Active: p.active, Max: p.max}, nil
}

type countingTracker struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTracker) Report(context.Context, error, errtrack.EnrichmentContext) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, opts Options, tweaks ...func(*config.Configuration)) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_700_000_000, 0)}
	f.store = store.NewMemoryStore(f.clock)
	opts.Store = f.store
	opts.Now = f.clock

	cfg := config.NewDefault()
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	svc, err := New(cfg, opts)
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return f
}

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(config.NewDefault(), Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestNew_RejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	cfg := config.NewDefault()
	cfg.Thresholds.SlowCriticalMs = cfg.Thresholds.SlowWarningMs - 1
	_, err := New(cfg, Options{Store: store.NewMemoryStore(nil)})
	assert.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.svc.Start(ctx))
	err := f.svc.Start(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyStarted))

	require.NoError(t, f.svc.Stop(ctx))
	require.NoError(t, f.svc.Stop(ctx))

	err = f.svc.Start(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
}

func TestInterceptedCriticalOperationQueuesMission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, func(cfg *config.Configuration) {
		cfg.Thresholds.SlowWarningMs = 1
		cfg.Thresholds.SlowCriticalMs = 5
	})
	ctx := context.Background()

	run := func(customer int) {
		err := f.svc.Interceptor().Do(ctx, intercept.Descriptor{
			ResourceKind:  "orders",
			OperationKind: "select",
			Args:          map[string]interface{}{"customer": customer},
		}, func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
	}

	for i := 1; i <= 4; i++ {
		run(i)
	}
	missions, err := f.svc.PendingMissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, missions, "four occurrences stay under the healing floor")

	run(5)
	slow, err := f.svc.SlowOperations(ctx)
	require.NoError(t, err)
	require.Len(t, slow, 1)
	assert.Equal(t, model.SeverityCritical, slow[0].Severity)
	assert.Equal(t, 5, slow[0].OccurrenceCount)
	assert.NotNil(t, slow[0].MissionDispatchedAt)

	missions, err = f.svc.PendingMissions(ctx)
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, model.MissionSlowOperation, missions[0].Kind)

	report, err := f.svc.Status(ctx)
	require.NoError(t, err)
	require.Len(t, report.Dispatches, 1)
	assert.Equal(t, missions[0].ID, report.Dispatches[0].MissionID)
	assert.True(t, report.Dispatches[0].Success)

	require.NoError(t, f.svc.AckMission(ctx, missions[0].ID))
	missions, err = f.svc.PendingMissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, missions)
}

func TestCaptureErrorReachesTracker(t *testing.T) {
	t.Parallel()

	tracker := &countingTracker{}
	f := newFixture(t, Options{Tracker: tracker})
	ctx := context.Background()

	p := f.svc.CaptureError(ctx, errors.New("connection refused"), errtrack.EnrichmentContext{CallerID: "u1"})
	require.NotNil(t, p)

	// Stop drains the background queue, so the tracker has been called afterwards.
	require.NoError(t, f.svc.Stop(ctx))
	tracker.mu.Lock()
	assert.Equal(t, 1, tracker.calls)
	tracker.mu.Unlock()
}

func TestErrorPatternResolveAndIgnore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()

	p := f.svc.CaptureError(ctx, errors.New("boom"), errtrack.EnrichmentContext{})
	require.NotNil(t, p)

	resolved, err := f.svc.ResolveErrorPattern(ctx, p.PatternKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, resolved.Status)

	ignored, err := f.svc.IgnoreErrorPattern(ctx, p.PatternKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIgnored, ignored.Status)

	got, found, err := f.svc.ErrorPattern(ctx, p.PatternKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusIgnored, got.Status)

	patterns, err := f.svc.ErrorPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, patterns, 1)
}

func TestRunSamplerAndStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Pool: fakePool{active: 95, max: 100}})
	ctx := context.Background()

	report, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Nil(t, report.Latest)

	ran, err := f.svc.RunJob(ctx, JobHealthSampler)
	require.NoError(t, err)
	assert.True(t, ran)

	report, err = f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusCritical, report.Status)
	require.NotNil(t, report.Latest)
	assert.InDelta(t, 95.0, report.Latest.UtilizationPct, 0.001)
	assert.Len(t, report.RecentAlerts, 1)
	assert.Len(t, report.Jobs, 3)

	snaps, err := f.svc.Snapshots(ctx, f.clock().Add(-time.Minute), time.Time{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	alerts, err := f.svc.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// Alerts older than one cooldown window no longer drive status.
	f.advance(10 * time.Minute)
	report, err = f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.RecentAlerts)
	assert.Equal(t, health.StatusCritical, report.Status, "latest snapshot is still over the critical threshold")
}

func TestRunJobUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, err := f.svc.RunJob(context.Background(), "nope")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestAnalyticsAndPatternStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, d := range []float64{100, 200, 1500} {
		f.svc.Record(ctx, model.OperationMetrics{Signature: "users.find(id=1)", DurationMs: d})
	}
	f.svc.Record(ctx, model.OperationMetrics{Signature: "users.find(id=2)", DurationMs: 50, ErrorMessage: "timeout"})

	a, err := f.svc.Analytics(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Total)
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, 1, a.SlowCount)
	assert.InDelta(t, 25.0, a.ErrorRatePct, 0.001)
	require.NotEmpty(t, a.Slowest)
	assert.Equal(t, 1500.0, a.Slowest[0].DurationMs)

	stats, ok := f.svc.PatternStats(pattern.Digest("users.find(id=?)"))
	require.True(t, ok)
	assert.Equal(t, "users.find(id=?)", stats.PatternKey)
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 1, stats.Errors)

	_, ok = f.svc.PatternStats("users.find(id=?)")
	assert.False(t, ok, "patterns are addressed by digest")
}

func TestReadyReflectsStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	report := f.svc.Ready(context.Background())
	assert.Equal(t, health.StatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "telemetry-store", report.Checks[0].Check)
}

func TestStoreEvictJobFreesExpiredSamples(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		f.svc.Record(ctx, model.OperationMetrics{
			Signature:     "users.find(id=1)",
			OperationKind: "find",
			ResourceKind:  "users",
			DurationMs:    3,
		})
	}
	require.Equal(t, 20, f.store.Len())

	f.advance(25 * time.Hour)
	ran, err := f.svc.RunJob(ctx, JobStoreEvict)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, f.store.Evict(ctx), "the job must already have dropped every expired entry")
}
