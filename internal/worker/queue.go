// Package worker runs best-effort background tasks on a bounded queue. Submit
// never blocks: when the queue is full the task is dropped and counted.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/pkg/errors"
)

type item struct {
	name string
	fn   func(ctx context.Context) error
}

// Stats reports queue counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// Queue is a bounded queue drained by a fixed set of workers.
type Queue struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	items  chan item

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Config configures a Queue.
type Config struct {
	// Size bounds the number of queued tasks
	Size int
	// Workers is the number of consumers
	Workers int
	// TaskTimeout bounds a single task; zero means no limit
	TaskTimeout time.Duration
}

// New starts a queue and its workers.
func New(cfg Config, collector *metrics.Collector, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:  logger.Named("worker"),
		metrics: collector,
		timeout: cfg.TaskTimeout,
		items:   make(chan item, cfg.Size),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.workers.Add(1)
		go q.run()
	}
	return q
}

// Submit queues fn without blocking. It returns false when the queue is full
// or closed.
func (q *Queue) Submit(name string, fn func(ctx context.Context) error) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return false
	}

	select {
	case q.items <- item{name: name, fn: fn}:
		q.submitted.Add(1)
		return true
	default:
		q.dropped.Add(1)
		q.metrics.RecordInstrumentationFailure(metrics.StageQueueFull)
		q.logger.Warn("background queue full, dropping task", zap.String("task", name))
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish. When ctx
// expires first the remaining tasks are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "background queue drain timed out").
			WithComponent("worker").
			WithDetail("dropped", q.dropped.Load())
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Queued:    len(q.items),
	}
}

func (q *Queue) run() {
	defer q.workers.Done()
	for it := range q.items {
		if q.ctx.Err() != nil {
			q.dropped.Add(1)
			continue
		}
		q.execute(it)
	}
}

func (q *Queue) execute(it item) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("background task panicked", zap.String("task", it.name), zap.Any("panic", r))
		}
	}()

	if err := it.fn(ctx); err != nil {
		q.failed.Add(1)
		q.logger.Warn("background task failed", zap.String("task", it.name), zap.Error(err))
		return
	}
	q.completed.Add(1)
}
