package intercept

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// querier is the subset of *pgxpool.Pool the adapter wraps.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	cacheHitSQL = `SELECT COALESCE(sum(heap_blks_hit) * 100.0 / NULLIF(sum(heap_blks_hit) + sum(heap_blks_read), 0), 0)::float8
		FROM pg_statio_user_tables`
	indexUsageSQL = `SELECT COALESCE(sum(idx_scan) * 100.0 / NULLIF(sum(idx_scan) + sum(seq_scan), 0), 0)::float8
		FROM pg_stat_user_tables`
)

// Pool is an instrumented pgx connection pool.
type Pool struct {
	db          querier
	stat        func() *pgxpool.Stat
	interceptor *Interceptor
}

// NewPool wraps pool so every Exec, Query, QueryRow and Collect call is recorded.
func NewPool(pool *pgxpool.Pool, interceptor *Interceptor) *Pool {
	return &Pool{db: pool, stat: pool.Stat, interceptor: interceptor}
}

// Exec runs a statement and records it with the affected row count.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return Call(ctx, p.interceptor, describeSQL(sql, args), func(ctx context.Context) (pgconn.CommandTag, error) {
		return p.db.Exec(ctx, sql, args...)
	})
}

// Query runs a query. The call is recorded once the rows are exhausted or
// closed, with the number of rows read and the error reported by the rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	op := p.interceptor.begin(ctx, describeSQL(sql, args))
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		op.end(nil, err)
		return nil, err
	}
	return &recordedRows{Rows: rows, op: op}, nil
}

// QueryRow runs a single-row query. The call is recorded when Scan returns.
// pgx.ErrNoRows is returned to the caller as-is but recorded as an empty result.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	op := p.interceptor.begin(ctx, describeSQL(sql, args))
	return &recordedRow{row: p.db.QueryRow(ctx, sql, args...), op: op}
}

type recordedRows struct {
	pgx.Rows
	op   *pending
	read int
}

func (r *recordedRows) Next() bool {
	if r.Rows.Next() {
		r.read++
		return true
	}
	r.done()
	return false
}

func (r *recordedRows) Close() {
	r.Rows.Close()
	r.done()
}

func (r *recordedRows) done() {
	if err := r.Rows.Err(); err != nil {
		r.op.end(nil, err)
		return
	}
	n := r.read
	r.op.end(&n, nil)
}

type recordedRow struct {
	row pgx.Row
	op  *pending
}

func (r *recordedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	switch {
	case err == nil:
		n := 1
		r.op.end(&n, nil)
	case errors.Is(err, pgx.ErrNoRows):
		n := 0
		r.op.end(&n, nil)
	default:
		r.op.end(nil, err)
	}
	return err
}

// Collect runs a query and scans every row with fn.
func Collect[T any](ctx context.Context, p *Pool, fn pgx.RowToFunc[T], sql string, args ...any) ([]T, error) {
	return Call(ctx, p.interceptor, describeSQL(sql, args), func(ctx context.Context) ([]T, error) {
		rows, err := p.db.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, fn)
	})
}

// PoolStats reports connection utilization for the health sampler.
func (p *Pool) PoolStats(context.Context) (model.PoolStats, error) {
	if p.stat == nil {
		return model.PoolStats{}, nil
	}
	s := p.stat()
	return model.PoolStats{
		Active: int(s.AcquiredConns()),
		Idle:   int(s.IdleConns()),
		Max:    int(s.MaxConns()),
	}, nil
}

// DatabaseStats reports the buffer cache hit rate and the share of index
// scans. These catalog queries are not recorded.
func (p *Pool) DatabaseStats(ctx context.Context) (cacheHitPct, indexUsagePct float64, err error) {
	if err := p.db.QueryRow(ctx, cacheHitSQL).Scan(&cacheHitPct); err != nil {
		return 0, 0, err
	}
	if err := p.db.QueryRow(ctx, indexUsageSQL).Scan(&indexUsagePct); err != nil {
		return 0, 0, err
	}
	return cacheHitPct, indexUsagePct, nil
}

// describeSQL derives the operation and resource kinds from the statement.
// Positional arguments are recorded as $1, $2, ...
func describeSQL(sql string, args []any) Descriptor {
	fields := strings.Fields(strings.ToLower(sql))
	d := Descriptor{Signature: strings.Join(strings.Fields(sql), " ")}
	if len(fields) == 0 {
		return d
	}

	d.OperationKind = fields[0]
	var after string
	switch d.OperationKind {
	case "select", "delete":
		after = "from"
	case "insert":
		after = "into"
	case "update":
		if len(fields) > 1 {
			d.ResourceKind = cleanIdent(fields[1])
		}
	case "with":
		d.OperationKind = "query"
	}
	if after != "" {
		for i := 1; i < len(fields)-1; i++ {
			if fields[i] == after {
				d.ResourceKind = cleanIdent(fields[i+1])
				break
			}
		}
	}

	if len(args) > 0 {
		d.Args = make(map[string]interface{}, len(args))
		for i, a := range args {
			d.Args["$"+strconv.Itoa(i+1)] = a
		}
	}
	return d
}

func cleanIdent(s string) string {
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, ";,")
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return strings.Trim(s, `"`)
}
