// Package circuit guards calls to the telemetry store with a circuit breaker.
// When the store becomes unreachable the breaker opens and the pipeline goes
// blind immediately instead of paying a network timeout on every intercepted call.
package circuit

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// State is the breaker state.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Counts holds the numbers of requests and their successes/failures.
type Counts = gobreaker.Counts

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = gobreaker.ErrOpenState

	// ErrTooManyRequests is returned when too many trial requests are made in half-open state
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// Config contains circuit breaker configuration
type Config struct {
	// Maximum number of trial requests allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration `yaml:"timeout"`

	// Consecutive failures that trip the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Decides whether an error counts as a success. Defaults to err == nil.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// Breaker wraps a gobreaker.CircuitBreaker with context-aware execution.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker that trips after FailureThreshold consecutive failures.
func New(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}

	threshold := config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: config.OnStateChange,
		IsSuccessful:  config.IsSuccessful,
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn if the breaker allows it. Rejections return ErrOpenState or
// ErrTooManyRequests without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// Allow reports whether a request would currently be let through, without counting it.
func (b *Breaker) Allow() bool {
	return b.cb.State() != StateOpen
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State { return b.cb.State() }

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts { return b.cb.Counts() }

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string { return b.cb.Name() }
