package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	records []model.AlertRecord
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, r model.AlertRecord) error {
	n.records = append(n.records, r)
	return n.err
}

// failingStore rejects writes while failing is set.
type failingStore struct {
	*store.MemoryStore
	failing bool
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failing {
		return errors.NewError(errors.ErrCodeStoreWrite, "store down")
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func newManager(t *testing.T, notifiers ...Notifier) (*Manager, *clock, *store.MemoryStore) {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s := store.NewMemoryStore(c.Now)
	m := NewManager(s, Config{Cooldown: 300 * time.Second, Now: c.Now}, nil, nil, notifiers...)
	return m, c, s
}

func utilizationAlert() Alert {
	return Alert{
		Key:      "health:utilization",
		Type:     TypeUtilization,
		Severity: model.SeverityCritical,
		Message:  "connection pool utilization at 92%",
		Metadata: model.Metadata{model.MetaUtilizationPct: 92.0, model.MetaThreshold: 90.0},
	}
}

func TestRaise_CooldownSuppressesDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, c, _ := newManager(t)

	first, err := m.Raise(ctx, utilizationAlert())
	require.NoError(t, err)
	require.NotNil(t, first)

	c.Advance(299 * time.Second)
	second, err := m.Raise(ctx, utilizationAlert())
	require.NoError(t, err)
	assert.Nil(t, second, "alert inside cooldown must be suppressed")
	assert.True(t, m.InCooldown("health:utilization"))

	records, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRaise_AfterCooldownRecordsAgain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, c, _ := newManager(t)

	_, err := m.Raise(ctx, utilizationAlert())
	require.NoError(t, err)

	c.Advance(300 * time.Second)
	assert.False(t, m.InCooldown("health:utilization"))

	rec, err := m.Raise(ctx, utilizationAlert())
	require.NoError(t, err)
	require.NotNil(t, rec)

	records, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Timestamp.After(records[1].Timestamp), "newest first")
}

func TestRaise_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newManager(t)

	a := utilizationAlert()
	b := utilizationAlert()
	b.Key = "health:error_rate"
	b.Type = TypeErrorRate

	ra, err := m.Raise(ctx, a)
	require.NoError(t, err)
	rb, err := m.Raise(ctx, b)
	require.NoError(t, err)
	assert.NotNil(t, ra)
	assert.NotNil(t, rb)
}

func TestRaise_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.Raise(ctx, Alert{Type: TypeErrorRate})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	bad := utilizationAlert()
	bad.Metadata = model.Metadata{model.MetaUtilizationPct: "ninety-two"}
	_, err = m.Raise(ctx, bad)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
	assert.False(t, m.InCooldown(bad.Key), "rejected alert must not start a cooldown")
}

func TestRaise_StoreFailureReleasesCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s := &failingStore{MemoryStore: store.NewMemoryStore(c.Now), failing: true}
	m := NewManager(s, Config{Cooldown: time.Minute, Now: c.Now}, nil, nil)

	_, err := m.Raise(ctx, utilizationAlert())
	require.Error(t, err)
	assert.False(t, m.InCooldown("health:utilization"))

	s.failing = false
	rec, err := m.Raise(ctx, utilizationAlert())
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestRaise_NotifiesAndSwallowsNotifierErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := &recordingNotifier{err: errors.New("webhook down")}
	m, _, _ := newManager(t, n, LogNotifier{})

	rec, err := m.Raise(ctx, utilizationAlert())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, n.records, 1)
	assert.Equal(t, rec.ID, n.records[0].ID)
}

func TestRecent_LimitAndSince(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, c, _ := newManager(t)
	start := c.Now()

	for i := 0; i < 5; i++ {
		a := utilizationAlert()
		a.Key = "k" + string(rune('a'+i))
		_, err := m.Raise(ctx, a)
		require.NoError(t, err)
		c.Advance(time.Minute)
	}

	records, err := m.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ke", records[0].Key)
	assert.Equal(t, "kd", records[1].Key)

	records, err = m.Since(ctx, start.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
