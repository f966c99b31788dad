package intercept

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/errtrack"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/pkg/errors"
)

type fakeRecorder struct {
	mu      sync.Mutex
	samples []model.OperationMetrics
	panics  bool
}

func (f *fakeRecorder) Record(_ context.Context, m model.OperationMetrics) model.OperationMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, m)
	if f.panics {
		panic("recorder bug")
	}
	return m
}

type fakeCapturer struct {
	mu       sync.Mutex
	errs     []error
	contexts []errtrack.EnrichmentContext
}

func (f *fakeCapturer) Capture(_ context.Context, err error, ec errtrack.EnrichmentContext) *model.ErrorPattern {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	f.contexts = append(f.contexts, ec)
	return &model.ErrorPattern{}
}

func TestDo_SuccessProducesOneSample(t *testing.T) {
	t.Parallel()

	rec, capt := &fakeRecorder{}, &fakeCapturer{}
	i := New(rec, capt, nil)

	err := i.Do(context.Background(), Descriptor{
		ResourceKind:  "users",
		OperationKind: "read",
		Args:          map[string]interface{}{"id": 42},
	}, func(context.Context) error { return nil })
	require.NoError(t, err)

	require.Len(t, rec.samples, 1)
	m := rec.samples[0]
	assert.Equal(t, "users.read(id=42)", m.Signature)
	assert.Equal(t, "users", m.ResourceKind)
	assert.Empty(t, m.ErrorMessage)
	require.NotNil(t, m.ResultCount)
	assert.Equal(t, 1, *m.ResultCount)
	assert.Equal(t, map[string]string{"id": "42"}, m.Params)
	assert.Empty(t, capt.errs)
}

func TestDo_FailureIsReturnedUnchanged(t *testing.T) {
	t.Parallel()

	rec, capt := &fakeRecorder{}, &fakeCapturer{}
	i := New(rec, capt, nil)
	want := errors.New("duplicate key")

	got := i.Do(context.Background(), Descriptor{OperationKind: "write", CallerID: "u1"}, func(context.Context) error {
		return want
	})

	assert.Same(t, want, got)
	require.Len(t, rec.samples, 1, "exactly one sample on failure")
	assert.Equal(t, "duplicate key", rec.samples[0].ErrorMessage)
	assert.Nil(t, rec.samples[0].ResultCount)
	require.Len(t, capt.errs, 1)
	assert.Same(t, want, capt.errs[0])
	assert.Equal(t, "u1", capt.contexts[0].CallerID)
}

func TestCall_ResultCounts(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	i := New(rec, nil, nil)
	ctx := context.Background()

	rows, err := Call(ctx, i, Descriptor{OperationKind: "list"}, func(context.Context) ([]string, error) {
		return []string{"a", "b", "c"}, nil
	})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, _ = Call(ctx, i, Descriptor{OperationKind: "read"}, func(context.Context) (*model.OperationMetrics, error) {
		return nil, nil
	})
	_, _ = Call(ctx, i, Descriptor{OperationKind: "read"}, func(context.Context) (*model.OperationMetrics, error) {
		return &model.OperationMetrics{}, nil
	})
	_, _ = Call(ctx, i, Descriptor{OperationKind: "write-many"}, func(context.Context) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 7"), nil
	})

	require.Len(t, rec.samples, 4)
	counts := make([]int, 0, 4)
	for _, m := range rec.samples {
		require.NotNil(t, m.ResultCount)
		counts = append(counts, *m.ResultCount)
	}
	assert.Equal(t, []int{3, 0, 1, 7}, counts)
}

func TestCall_PanicIsRecordedAndReraised(t *testing.T) {
	t.Parallel()

	rec, capt := &fakeRecorder{}, &fakeCapturer{}
	i := New(rec, capt, nil)

	assert.PanicsWithValue(t, "nil map write", func() {
		_ = i.Do(context.Background(), Descriptor{OperationKind: "write"}, func(context.Context) error {
			panic("nil map write")
		})
	})
	require.Len(t, rec.samples, 1)
	assert.Equal(t, "panic: nil map write", rec.samples[0].ErrorMessage)
	require.Len(t, capt.contexts, 1)
	assert.NotEmpty(t, capt.contexts[0].StackTrace)
}

func TestDo_RecorderPanicDoesNotLeak(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{panics: true}
	i := New(rec, nil, nil)
	err := i.Do(context.Background(), Descriptor{OperationKind: "read"}, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWithRequest(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	i := New(rec, nil, nil)
	ctx := WithRequest(context.Background(), "caller-7", "/api/orders")

	_ = i.Do(ctx, Descriptor{OperationKind: "list"}, func(context.Context) error { return nil })
	_ = i.Do(ctx, Descriptor{OperationKind: "list", Endpoint: "/override"}, func(context.Context) error { return nil })

	require.Len(t, rec.samples, 2)
	assert.Equal(t, "caller-7", rec.samples[0].CallerID)
	assert.Equal(t, "/api/orders", rec.samples[0].Endpoint)
	assert.Equal(t, "/override", rec.samples[1].Endpoint)
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 250)
	got := Sanitize(map[string]interface{}{
		"email":         "a@example.com",
		"Password":      "hunter2",
		"api_key":       "abc",
		"refreshToken":  "t",
		"Authorization": "Bearer x",
		"client_secret": "s",
		"bio":           long,
		"limit":         50,
	})

	assert.Equal(t, "a@example.com", got["email"])
	for _, k := range []string{"Password", "api_key", "refreshToken", "Authorization", "client_secret"} {
		assert.Equal(t, Redacted, got[k], k)
	}
	assert.Equal(t, strings.Repeat("x", MaxParamLength)+"...", got["bio"])
	assert.Equal(t, "50", got["limit"])
	assert.Nil(t, Sanitize(nil))
}

type fakeQuerier struct {
	tag      pgconn.CommandTag
	err      error
	rows     pgx.Rows
	row      pgx.Row
	lastSQL  string
	lastArgs []any
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.tag, f.err
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if f.row != nil {
		return f.row
	}
	if strings.Contains(sql, "pg_statio_user_tables") {
		return fakeRow{v: 99.5}
	}
	return fakeRow{v: 80, err: f.err}
}

type fakeRow struct {
	v   float64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*float64)) = r.v
	return nil
}

// fakeRows yields names, then reports err from Err.
type fakeRows struct {
	pgx.Rows
	names  []string
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.names) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.names[r.pos-1]
	return nil
}

func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) Close()     { r.closed = true }

func TestPool_QueryRecordsRowsRead(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	rows := &fakeRows{names: []string{"ada", "grace", "linus"}}
	p := &Pool{db: &fakeQuerier{rows: rows}, interceptor: New(rec, nil, nil)}

	got, err := p.Query(context.Background(), "SELECT name FROM users WHERE org = $1", 4)
	require.NoError(t, err)
	assert.Empty(t, rec.samples, "recorded only once the rows are consumed")

	var names []string
	for got.Next() {
		var n string
		require.NoError(t, got.Scan(&n))
		names = append(names, n)
	}
	got.Close()

	assert.Equal(t, []string{"ada", "grace", "linus"}, names)
	require.Len(t, rec.samples, 1, "Close after exhaustion must not record twice")
	m := rec.samples[0]
	assert.Equal(t, "select", m.OperationKind)
	assert.Equal(t, "users", m.ResourceKind)
	require.NotNil(t, m.ResultCount)
	assert.Equal(t, 3, *m.ResultCount)
}

func TestPool_QueryRowsErrorIsRecorded(t *testing.T) {
	t.Parallel()

	rec, capt := &fakeRecorder{}, &fakeCapturer{}
	want := errors.New("canceling statement due to statement timeout")
	rows := &fakeRows{names: []string{"ada"}, err: want}
	p := &Pool{db: &fakeQuerier{rows: rows}, interceptor: New(rec, capt, nil)}

	got, err := p.Query(context.Background(), "SELECT name FROM users")
	require.NoError(t, err)
	for got.Next() {
		require.NoError(t, got.Scan(new(string)))
	}
	assert.Same(t, want, got.Err())

	require.Len(t, rec.samples, 1)
	assert.True(t, rec.samples[0].Failed())
	assert.Nil(t, rec.samples[0].ResultCount)
	require.Len(t, capt.errs, 1)
	assert.Same(t, want, capt.errs[0])
}

func TestPool_QueryErrorPassesThrough(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	want := errors.New("syntax error at or near \"FORM\"")
	p := &Pool{db: &fakeQuerier{err: want}, interceptor: New(rec, nil, nil)}

	rows, err := p.Query(context.Background(), "SELECT * FORM users")
	assert.Nil(t, rows)
	assert.Same(t, want, err)
	require.Len(t, rec.samples, 1)
	assert.True(t, rec.samples[0].Failed())
}

func TestPool_QueryRowRecordsAtScan(t *testing.T) {
	t.Parallel()

	scanErr := errors.New("connection reset by peer")
	tests := []struct {
		name      string
		row       fakeRow
		wantErr   error
		wantCount *int
	}{
		{"found", fakeRow{v: 12.5}, nil, intPtr(1)},
		{"no rows", fakeRow{err: pgx.ErrNoRows}, pgx.ErrNoRows, intPtr(0)},
		{"failure", fakeRow{err: scanErr}, scanErr, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			p := &Pool{db: &fakeQuerier{row: tt.row}, interceptor: New(rec, nil, nil)}

			row := p.QueryRow(context.Background(), "SELECT total FROM orders WHERE id = $1", "o1")
			assert.Empty(t, rec.samples, "nothing is recorded before Scan")

			var total float64
			err := row.Scan(&total)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, 12.5, total)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			require.Len(t, rec.samples, 1)
			m := rec.samples[0]
			assert.Equal(t, "orders", m.ResourceKind)
			assert.Equal(t, tt.wantCount, m.ResultCount)
			assert.Equal(t, tt.wantErr != nil && tt.wantCount == nil, m.Failed())
		})
	}
}

func intPtr(n int) *int { return &n }

func TestPool_DatabaseStats(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	p := &Pool{db: &fakeQuerier{}, interceptor: New(rec, nil, nil)}
	hit, idx, err := p.DatabaseStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99.5, hit)
	assert.Equal(t, 80.0, idx)
	assert.Empty(t, rec.samples, "catalog queries are not recorded")

	p = &Pool{db: &fakeQuerier{err: errors.New("permission denied")}}
	_, _, err = p.DatabaseStats(context.Background())
	assert.Error(t, err)
}

func TestPool_ExecRecordsAffectedRows(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	q := &fakeQuerier{tag: pgconn.NewCommandTag("INSERT 0 3")}
	p := &Pool{db: q, interceptor: New(rec, nil, nil)}

	tag, err := p.Exec(context.Background(), "INSERT INTO orders (id, total) VALUES ($1, $2)", "o1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tag.RowsAffected())
	assert.Equal(t, []any{"o1", 10}, q.lastArgs)

	require.Len(t, rec.samples, 1)
	m := rec.samples[0]
	assert.Equal(t, "insert", m.OperationKind)
	assert.Equal(t, "orders", m.ResourceKind)
	assert.Equal(t, 3, *m.ResultCount)
	assert.Equal(t, "o1", m.Params["$1"])
}

func TestCollect_QueryErrorPassesThrough(t *testing.T) {
	t.Parallel()

	rec, capt := &fakeRecorder{}, &fakeCapturer{}
	want := errors.New("relation does not exist")
	p := &Pool{db: &fakeQuerier{err: want}, interceptor: New(rec, capt, nil)}

	out, err := Collect(context.Background(), p, pgx.RowTo[string], "SELECT name FROM users WHERE id = $1", 7)
	assert.Nil(t, out)
	assert.Same(t, want, err)
	require.Len(t, rec.samples, 1)
	assert.Equal(t, "users", rec.samples[0].ResourceKind)
	assert.Len(t, capt.errs, 1)
}

func TestPool_StatsWithoutPool(t *testing.T) {
	t.Parallel()

	p := &Pool{}
	stats, err := p.PoolStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Utilization())
}

func TestDescribeSQL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sql       string
		operation string
		resource  string
	}{
		{"SELECT * FROM public.users WHERE id = $1", "select", "users"},
		{"update accounts set balance = 0", "update", "accounts"},
		{"DELETE FROM sessions WHERE expires_at < now()", "delete", "sessions"},
		{`INSERT INTO "events"(id) VALUES ($1)`, "insert", "events"},
		{"WITH x AS (SELECT 1) SELECT * FROM x", "query", ""},
	}
	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			d := describeSQL(tt.sql, nil)
			assert.Equal(t, tt.operation, d.OperationKind)
			assert.Equal(t, tt.resource, d.ResourceKind)
		})
	}
}
