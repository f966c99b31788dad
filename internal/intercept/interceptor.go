// Package intercept wraps data-access calls. Every wrapped call produces
// exactly one OperationMetrics sample and returns the call's own result and
// error unchanged.
package intercept

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/errtrack"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// Recorder ingests operation samples.
type Recorder interface {
	Record(ctx context.Context, m model.OperationMetrics) model.OperationMetrics
}

// ErrorCapturer receives failures of wrapped calls.
type ErrorCapturer interface {
	Capture(ctx context.Context, err error, ec errtrack.EnrichmentContext) *model.ErrorPattern
}

// Descriptor describes one data-access call.
type Descriptor struct {
	ResourceKind  string
	OperationKind string
	// Signature defaults to resource.operation(args) when empty
	Signature string
	Args      map[string]interface{}
	CallerID  string
	Endpoint  string
}

// Interceptor measures wrapped calls and forwards the samples.
type Interceptor struct {
	recorder Recorder
	capturer ErrorCapturer
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an interceptor. capturer may be nil.
func New(recorder Recorder, capturer ErrorCapturer, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		recorder: recorder,
		capturer: capturer,
		logger:   logger.Named("intercept"),
		now:      time.Now,
	}
}

// Do runs fn and records it. The returned error is fn's, unchanged.
func (i *Interceptor) Do(ctx context.Context, d Descriptor, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, i, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn and records it with a result count derived from its result:
// the length of a slice, array or map, the affected rows of a command tag,
// zero for a nil pointer, else one.
// A panic in fn is recorded as a failure and re-raised.
func Call[T any](ctx context.Context, i *Interceptor, d Descriptor, fn func(ctx context.Context) (T, error)) (result T, err error) {
	start := i.now()
	began := time.Now()
	d = withRequest(ctx, d)

	defer func() {
		if r := recover(); r != nil {
			i.finish(ctx, d, start, time.Since(began), nil, fmt.Errorf("panic: %v", r), errors.CaptureStack(2))
			panic(r)
		}
	}()

	result, err = fn(ctx)
	var count *int
	if err == nil {
		n := resultCount(result)
		count = &n
	}
	i.finish(ctx, d, start, time.Since(began), count, err, "")
	return result, err
}

// pending is a call whose outcome is known only after the wrapping function
// returns, such as rows consumed by the caller. end records it once.
type pending struct {
	i     *Interceptor
	ctx   context.Context
	d     Descriptor
	start time.Time
	began time.Time
	once  sync.Once
}

func (i *Interceptor) begin(ctx context.Context, d Descriptor) *pending {
	return &pending{i: i, ctx: ctx, d: withRequest(ctx, d), start: i.now(), began: time.Now()}
}

func (p *pending) end(count *int, err error) {
	p.once.Do(func() {
		p.i.finish(p.ctx, p.d, p.start, time.Since(p.began), count, err, "")
	})
}

func (i *Interceptor) finish(ctx context.Context, d Descriptor, start time.Time, elapsed time.Duration, count *int, callErr error, stack string) {
	m := model.OperationMetrics{
		Signature:     d.signature(),
		ResourceKind:  d.ResourceKind,
		OperationKind: d.OperationKind,
		DurationMs:    float64(elapsed) / float64(time.Millisecond),
		Timestamp:     start,
		Params:        Sanitize(d.Args),
		CallerID:      d.CallerID,
		Endpoint:      d.Endpoint,
		ResultCount:   count,
	}
	if callErr != nil {
		m.ErrorMessage = callErr.Error()
	}

	// Instrumentation must never change the call's outcome.
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("operation instrumentation panicked", zap.String("signature", m.Signature), zap.Any("panic", r))
		}
	}()

	if i.recorder != nil {
		i.recorder.Record(ctx, m)
	}
	if callErr != nil && i.capturer != nil {
		i.capturer.Capture(ctx, callErr, errtrack.EnrichmentContext{
			CallerID:   d.CallerID,
			Endpoint:   d.Endpoint,
			Timestamp:  start,
			StackTrace: stack,
			Tags: map[string]string{
				"resource_kind":  d.ResourceKind,
				"operation_kind": d.OperationKind,
			},
		})
	}
}

func (d Descriptor) signature() string {
	if d.Signature != "" {
		return d.Signature
	}
	keys := make([]string, 0, len(d.Args))
	for k := range d.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatArg(d.Args[k])))
	}
	name := d.OperationKind
	if d.ResourceKind != "" {
		name = d.ResourceKind + "." + d.OperationKind
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

func formatArg(v interface{}) string {
	if s, ok := v.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprint(v)
}

func resultCount(v interface{}) int {
	if v == nil {
		return 0
	}
	switch c := v.(type) {
	case struct{}:
		return 1
	case interface{ RowsAffected() int64 }:
		return int(c.RowsAffected())
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return 0
		}
	}
	return 1
}

type requestKey struct{}

type requestInfo struct {
	callerID string
	endpoint string
}

// WithRequest attaches the caller and endpoint of the current request to ctx.
// Descriptor fields take precedence.
func WithRequest(ctx context.Context, callerID, endpoint string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestInfo{callerID: callerID, endpoint: endpoint})
}

func withRequest(ctx context.Context, d Descriptor) Descriptor {
	info, ok := ctx.Value(requestKey{}).(requestInfo)
	if !ok {
		return d
	}
	if d.CallerID == "" {
		d.CallerID = info.callerID
	}
	if d.Endpoint == "" {
		d.Endpoint = info.endpoint
	}
	return d
}
