package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/circuit"
	"github.com/sentinelops/sentinel/pkg/errors"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_GetSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestRedis(t)

	require.NoError(t, s.Ping(ctx))

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	got, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_TTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestRedis(t)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(time.Minute)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_KeysEscapesGlob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestRedis(t)

	for _, k := range []string{"sentinel:slow:a", "sentinel:slow:b", "sentinel:alert:a", "sentinel:slow*x"} {
		require.NoError(t, s.Set(ctx, k, []byte("1"), 0))
	}

	keys, err := s.Keys(ctx, PrefixSlow)
	require.NoError(t, err)
	assert.Equal(t, []string{"sentinel:slow:a", "sentinel:slow:b"}, keys)

	keys, err = s.Keys(ctx, "sentinel:slow*")
	require.NoError(t, err)
	assert.Equal(t, []string{"sentinel:slow*x"}, keys)
}

func TestRedisStore_Unavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestRedis(t)
	mr.Close()

	err := s.Ping(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreUnavailable))

	_, _, err = s.Get(ctx, "k")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreRead))

	err = s.Set(ctx, "k", nil, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreWrite))
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `a\*b\?c\[d\]\\`, escapeGlob(`a*b?c[d]\`))
	assert.Equal(t, "plain:prefix", escapeGlob("plain:prefix"))
}

func TestRedisStore_KeysBetweenUsesTimeIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestRedis(t)

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(ctx, MetricsKey(base.Add(time.Duration(i)*time.Minute), "id"), []byte("{}"), 0))
	}
	require.NoError(t, s.Set(ctx, PrefixMetrics+"garbage", []byte("{}"), 0))

	members, err := mr.ZMembers(indexKey(PrefixMetrics))
	require.NoError(t, err)
	assert.Len(t, members, 10, "only time-ordered keys are indexed")

	g := NewGuardedStore(s, circuit.New("test", circuit.Config{}))
	keys, err := KeysBetween(ctx, g, PrefixMetrics, base.Add(7*time.Minute), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		MetricsKey(base.Add(7*time.Minute), "id"),
		MetricsKey(base.Add(8*time.Minute), "id"),
		MetricsKey(base.Add(9*time.Minute), "id"),
	}, keys)

	keys, err = s.KeysBetween(ctx, PrefixMetrics, base.Add(2*time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, s.Delete(ctx, MetricsKey(base, "id")))
	members, err = mr.ZMembers(indexKey(PrefixMetrics))
	require.NoError(t, err)
	assert.Len(t, members, 9, "Delete must drop the index member")

	keys, err = s.Keys(ctx, PrefixMetrics)
	require.NoError(t, err)
	assert.Len(t, keys, 10, "the index is not listed under the data prefix")
}

func TestRedisStore_IndexPrunedByTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestRedis(t)

	base := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Set(ctx, MetricsKey(base, "old"), []byte("{}"), time.Hour))
	require.NoError(t, s.Set(ctx, MetricsKey(base.Add(2*time.Hour), "new"), []byte("{}"), time.Hour))

	members, err := mr.ZMembers(indexKey(PrefixMetrics))
	require.NoError(t, err)
	assert.Equal(t, []string{MetricsKey(base.Add(2*time.Hour), "new")}, members)
}
