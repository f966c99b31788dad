package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/circuit"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// flakyStore fails every call while down is set.
type flakyStore struct {
	*MemoryStore
	down  bool
	calls int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.calls++
	if f.down {
		return nil, false, errors.NewError(errors.ErrCodeStoreRead, "connection reset")
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.calls++
	if f.down {
		return errors.NewError(errors.ErrCodeStoreWrite, "connection reset")
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func TestGuardedStore_OpensAfterFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(nil), down: true}
	g := NewGuardedStore(inner, circuit.New("test", circuit.Config{FailureThreshold: 2, Timeout: time.Hour}))

	for i := 0; i < 2; i++ {
		_, _, err := g.Get(ctx, "k")
		assert.True(t, errors.HasCode(err, errors.ErrCodeStoreRead))
	}
	assert.Equal(t, circuit.StateOpen, g.Breaker().State())

	err := g.Set(ctx, "k", nil, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen))
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the backend")
}

func TestGuardedStore_PassesThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewGuardedStore(NewMemoryStore(nil), circuit.New("test", circuit.Config{}))

	require.NoError(t, g.Set(ctx, "sentinel:a", []byte("1"), 0))
	v, found, err := g.Get(ctx, "sentinel:a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))

	keys, err := g.Keys(ctx, "sentinel:")
	require.NoError(t, err)
	assert.Equal(t, []string{"sentinel:a"}, keys)

	require.NoError(t, g.Delete(ctx, "sentinel:a"))
	require.NoError(t, g.Ping(ctx))
	require.NoError(t, g.Close())
}

func TestOpen_Backends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s, err := Open(ctx, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Backend: "etcd"}, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}
