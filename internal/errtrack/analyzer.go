// Package errtrack captures application errors, folds them into ErrorPatterns
// keyed by (kind, message) and escalates patterns by frequency and caller impact.
package errtrack

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/alert"
	"github.com/sentinelops/sentinel/internal/cache"
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/pattern"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// maxRecentOccurrences bounds the per-pattern timestamps kept for spike detection.
const maxRecentOccurrences = 500

// healingKinds are error kinds an automated worker can plausibly fix.
var healingKinds = map[string]bool{
	errors.KindTypeError:       true,
	errors.KindReferenceError:  true,
	errors.KindValidationError: true,
	errors.KindNetworkError:    true,
}

// IsHealingCandidate reports whether errors of kind are mechanically fixable.
func IsHealingCandidate(kind string) bool {
	return healingKinds[kind]
}

// Severity applies the fixed escalation bands.
func Severity(frequency, affectedCallers int) model.Severity {
	switch {
	case frequency > 100 || affectedCallers > 50:
		return model.SeverityCritical
	case frequency > 50 || affectedCallers > 20:
		return model.SeverityHigh
	case frequency > 10 || affectedCallers > 5:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// EnrichmentContext is the request context attached to a captured error.
// Environment and Timestamp are filled in when empty.
type EnrichmentContext struct {
	CallerID    string            `json:"caller_id,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Environment string            `json:"environment"`
	Timestamp   time.Time         `json:"timestamp"`
	StackTrace  string            `json:"stack_trace,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Tracker is the external exception-tracking service.
type Tracker interface {
	Report(ctx context.Context, err error, ec EnrichmentContext) error
}

// Dispatcher queues remediation missions for error patterns.
type Dispatcher interface {
	DispatchErrorPattern(ctx context.Context, p model.ErrorPattern) (*model.RemediationMission, error)
}

// AlertRaiser routes alerts through cooldown.
type AlertRaiser interface {
	Raise(ctx context.Context, a alert.Alert) (*model.AlertRecord, error)
}

// Submitter runs best-effort background work.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// SampleSource reads back recorded operation samples.
type SampleSource interface {
	Since(ctx context.Context, since time.Time) ([]model.OperationMetrics, error)
}

// Config configures the Analyzer.
type Config struct {
	Thresholds  config.Thresholds
	Environment string
	// Retention is the store TTL of ErrorPatterns
	Retention time.Duration
	// MissionTTL gates re-dispatch for the same pattern
	MissionTTL time.Duration
	// SpikeWindow is the lookback of the sweep's error-rate check
	SpikeWindow time.Duration
	Classifiers []errors.Classifier
	Now         func() time.Time
}

// Analyzer is the error capture and pattern analysis pipeline.
type Analyzer struct {
	store      store.Store
	dispatcher Dispatcher
	alerts     AlertRaiser
	tracker    Tracker
	worker     Submitter
	samples    SampleSource
	metrics    *metrics.Collector
	logger     *zap.Logger
	cfg        Config

	locks *pattern.KeyedMutex

	cache *cache.LRU[model.ErrorPattern]
}

// Deps are the optional collaborators of an Analyzer.
type Deps struct {
	Dispatcher Dispatcher
	Alerts     AlertRaiser
	Tracker    Tracker
	Worker     Submitter
	Samples    SampleSource
}

// New creates an analyzer.
func New(s store.Store, deps Deps, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.MissionTTL <= 0 {
		cfg.MissionTTL = time.Hour
	}
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = 5 * time.Minute
	}
	return &Analyzer{
		store:      s,
		dispatcher: deps.Dispatcher,
		alerts:     deps.Alerts,
		tracker:    deps.Tracker,
		worker:     deps.Worker,
		samples:    deps.Samples,
		metrics:    collector,
		logger:     logger.Named("errtrack"),
		cfg:        cfg,
		locks:      pattern.NewKeyedMutex(),
		cache:      cache.NewLRU[model.ErrorPattern](cache.DefaultMaxEntries, 0),
	}
}

// Capture folds err into its pattern and returns the updated pattern. A nil
// err is ignored. Store failures are logged; the pattern is still tracked in
// the process cache.
func (a *Analyzer) Capture(ctx context.Context, err error, ec EnrichmentContext) *model.ErrorPattern {
	if err == nil {
		return nil
	}
	if ec.Environment == "" {
		ec.Environment = a.cfg.Environment
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = a.cfg.Now()
	}

	kind := errors.KindOf(err, a.cfg.Classifiers...)
	message := err.Error()
	key := pattern.ErrorKey(kind, message)

	a.report(ctx, err, ec)
	a.metrics.RecordError(kind)

	unlock := a.locks.Lock(key)
	defer unlock()

	current, exists, loadErr := a.load(ctx, key)
	if loadErr != nil {
		a.metrics.RecordInstrumentationFailure(metrics.StageErrtrack)
		a.logger.Warn("error pattern read failed, continuing from cache", zap.String("pattern_key", key), zap.Error(loadErr))
	}

	if !exists {
		current = model.ErrorPattern{
			ID:               uuid.NewString(),
			PatternKey:       key,
			ErrorKind:        kind,
			Message:          message,
			StackTrace:       ec.StackTrace,
			FirstSeen:        ec.Timestamp,
			Status:           model.StatusActive,
			HealingCandidate: IsHealingCandidate(kind),
		}
	}

	current.Frequency++
	current.LastSeen = ec.Timestamp
	if current.StackTrace == "" {
		current.StackTrace = ec.StackTrace
	}
	current.AddCaller(ec.CallerID)
	current.AddEndpoint(ec.Endpoint)
	current.RecentOccurrences = append(current.RecentOccurrences, ec.Timestamp)
	if over := len(current.RecentOccurrences) - maxRecentOccurrences; over > 0 {
		current.RecentOccurrences = append([]time.Time(nil), current.RecentOccurrences[over:]...)
	}
	if current.Status == model.StatusResolved {
		current.Status = model.StatusActive
	}

	prevSeverity := current.Severity
	current.Severity = Severity(current.Frequency, len(current.AffectedCallerIDs))

	if a.shouldDispatch(current, ec.Timestamp) {
		if _, err := a.dispatcher.DispatchErrorPattern(ctx, current); err != nil {
			a.logger.Warn("error pattern mission dispatch failed", zap.String("pattern_key", key), zap.Error(err))
		} else {
			dispatched := ec.Timestamp
			current.MissionDispatchedAt = &dispatched
		}
	}

	a.save(ctx, current)

	if current.Status == model.StatusActive && current.Severity.AtLeast(model.SeverityHigh) && current.Severity.Rank() > prevSeverity.Rank() {
		a.raise(ctx, current)
	}

	out := current
	return &out
}

// CaptureRecovered captures a recovered panic value. Non-error values are
// wrapped with their printed form.
func (a *Analyzer) CaptureRecovered(ctx context.Context, recovered interface{}, ec EnrichmentContext) *model.ErrorPattern {
	if recovered == nil {
		return nil
	}
	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", recovered)
	}
	if ec.StackTrace == "" {
		ec.StackTrace = errors.CaptureStack(1)
	}
	return a.Capture(ctx, err, ec)
}

// Get returns the pattern stored under key.
func (a *Analyzer) Get(ctx context.Context, key string) (*model.ErrorPattern, bool, error) {
	p, found, err := a.load(ctx, key)
	if !found {
		return nil, false, err
	}
	return &p, true, err
}

// List returns every persisted pattern, most frequent first.
func (a *Analyzer) List(ctx context.Context) ([]model.ErrorPattern, error) {
	keys, err := a.store.Keys(ctx, store.PrefixErrorPat)
	if err != nil {
		return nil, err
	}
	patterns := make([]model.ErrorPattern, 0, len(keys))
	for _, k := range keys {
		var p model.ErrorPattern
		found, err := store.GetJSON(ctx, a.store, k, &p)
		if err != nil {
			a.logger.Warn("skipping unreadable error pattern", zap.String("key", k), zap.Error(err))
			continue
		}
		if found {
			patterns = append(patterns, p)
		}
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		return patterns[i].LastSeen.After(patterns[j].LastSeen)
	})
	return patterns, nil
}

// Resolve marks a pattern resolved. It returns to active when it recurs.
func (a *Analyzer) Resolve(ctx context.Context, key string) (*model.ErrorPattern, error) {
	return a.setStatus(ctx, key, model.StatusResolved)
}

// Ignore marks a pattern ignored. Ignored patterns keep counting but never
// alert or dispatch.
func (a *Analyzer) Ignore(ctx context.Context, key string) (*model.ErrorPattern, error) {
	return a.setStatus(ctx, key, model.StatusIgnored)
}

func (a *Analyzer) setStatus(ctx context.Context, key string, status model.PatternStatus) (*model.ErrorPattern, error) {
	unlock := a.locks.Lock(key)
	defer unlock()

	current, found, err := a.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NewError(errors.ErrCodeNotFound, "error pattern not found").
			WithComponent("errtrack").
			WithDetail("pattern_key", key)
	}
	current.Status = status
	if err := a.persist(ctx, current); err != nil {
		return nil, err
	}
	return &current, nil
}

func (a *Analyzer) shouldDispatch(p model.ErrorPattern, now time.Time) bool {
	if a.dispatcher == nil || p.Status != model.StatusActive {
		return false
	}
	if p.Severity != model.SeverityCritical || !p.HealingCandidate {
		return false
	}
	return p.MissionDispatchedAt == nil || now.Sub(*p.MissionDispatchedAt) >= a.cfg.MissionTTL
}

func (a *Analyzer) load(ctx context.Context, key string) (model.ErrorPattern, bool, error) {
	var p model.ErrorPattern
	found, err := store.GetJSON(ctx, a.store, store.ErrorPatternKey(key), &p)
	if err == nil {
		return p, found, nil
	}
	cached, ok := a.cache.Get(key)
	return cached, ok, err
}

func (a *Analyzer) save(ctx context.Context, p model.ErrorPattern) {
	if err := a.persist(ctx, p); err != nil {
		a.metrics.RecordInstrumentationFailure(metrics.StageErrtrack)
		a.logger.Warn("error pattern persist failed", zap.String("pattern_key", p.PatternKey), zap.Error(err))
	}
}

func (a *Analyzer) persist(ctx context.Context, p model.ErrorPattern) error {
	a.cache.Put(p.PatternKey, p)
	return store.SetJSON(ctx, a.store, store.ErrorPatternKey(p.PatternKey), p, a.cfg.Retention)
}

func (a *Analyzer) report(ctx context.Context, err error, ec EnrichmentContext) {
	if a.tracker == nil {
		return
	}
	send := func(ctx context.Context) error {
		rerr := a.tracker.Report(ctx, err, ec)
		if rerr != nil {
			a.metrics.RecordInstrumentationFailure(metrics.StageTracking)
		}
		return rerr
	}
	if a.worker != nil {
		a.worker.Submit("exception-report", send)
		return
	}
	if rerr := send(ctx); rerr != nil {
		a.logger.Warn("exception report failed", zap.Error(rerr))
	}
}

func (a *Analyzer) raise(ctx context.Context, p model.ErrorPattern) {
	if a.alerts == nil {
		return
	}
	_, err := a.alerts.Raise(ctx, alert.Alert{
		Key:      "errpattern:" + p.PatternKey,
		Type:     alert.TypeErrorPattern,
		Severity: p.Severity,
		Message: fmt.Sprintf("%s %q seen %d times across %d callers",
			p.ErrorKind, truncate(p.Message, 120), p.Frequency, len(p.AffectedCallerIDs)),
		Metadata: model.Metadata{
			model.MetaPatternKey:      p.PatternKey,
			model.MetaErrorKind:       p.ErrorKind,
			model.MetaOccurrences:     p.Frequency,
			model.MetaAffectedCallers: len(p.AffectedCallerIDs),
		},
	})
	if err != nil {
		a.metrics.RecordInstrumentationFailure(metrics.StageAlert)
		a.logger.Warn("error pattern alert failed", zap.String("pattern_key", p.PatternKey), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
