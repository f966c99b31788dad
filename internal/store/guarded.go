package store

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelops/sentinel/internal/circuit"
	sentinelerrors "github.com/sentinelops/sentinel/pkg/errors"
)

// GuardedStore wraps a Store with a circuit breaker. While the breaker is open
// every call fails fast with ErrCodeCircuitOpen instead of reaching the backend.
type GuardedStore struct {
	inner   Store
	breaker *circuit.Breaker
}

// NewGuardedStore wraps inner with breaker.
func NewGuardedStore(inner Store, breaker *circuit.Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker}
}

// Inner returns the wrapped backend.
func (g *GuardedStore) Inner() Store { return g.inner }

// Breaker returns the breaker guarding the store.
func (g *GuardedStore) Breaker() *circuit.Breaker { return g.breaker }

func (g *GuardedStore) run(ctx context.Context, op string, fn func(context.Context) error) error {
	err := g.breaker.Execute(ctx, fn)
	if errors.Is(err, circuit.ErrOpenState) || errors.Is(err, circuit.ErrTooManyRequests) {
		return sentinelerrors.Wrap(err, sentinelerrors.ErrCodeCircuitOpen, "telemetry store circuit open").
			WithComponent("store").WithOperation(op)
	}
	return err
}

// Get implements Store.
func (g *GuardedStore) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	err = g.run(ctx, "get", func(ctx context.Context) error {
		var innerErr error
		value, found, innerErr = g.inner.Get(ctx, key)
		return innerErr
	})
	return value, found, err
}

// Set implements Store.
func (g *GuardedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.run(ctx, "set", func(ctx context.Context) error {
		return g.inner.Set(ctx, key, value, ttl)
	})
}

// Keys implements Store.
func (g *GuardedStore) Keys(ctx context.Context, prefix string) (keys []string, err error) {
	err = g.run(ctx, "keys", func(ctx context.Context) error {
		var innerErr error
		keys, innerErr = g.inner.Keys(ctx, prefix)
		return innerErr
	})
	return keys, err
}

// KeysBetween lists through the breaker, using the backend's range listing
// when it has one.
func (g *GuardedStore) KeysBetween(ctx context.Context, prefix string, since, until time.Time) (keys []string, err error) {
	err = g.run(ctx, "keys", func(ctx context.Context) error {
		var innerErr error
		keys, innerErr = KeysBetween(ctx, g.inner, prefix, since, until)
		return innerErr
	})
	return keys, err
}

// Delete implements Store.
func (g *GuardedStore) Delete(ctx context.Context, key string) error {
	return g.run(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, key)
	})
}

// Ping bypasses the breaker so health checks always observe the backend.
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

// Close implements Store.
func (g *GuardedStore) Close() error { return g.inner.Close() }
