package remediation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
)

var epoch = time.Unix(1_700_000_000, 0)

func slowAlert() model.SlowOperationAlert {
	return model.SlowOperationAlert{
		PatternKey:             "fetch-user(id=?)",
		SampleSignature:        "fetch-user(id=42)",
		ResourceKind:           "users",
		OperationKind:          "read",
		WorstDurationMs:        7200,
		WarningThresholdMs:     1000,
		OccurrenceCount:        5,
		FirstOccurrence:        epoch.Add(-time.Hour),
		LastOccurrence:         epoch,
		SuggestedOptimizations: []string{"review the execution plan"},
		Severity:               model.SeverityCritical,
	}
}

func errorPattern() model.ErrorPattern {
	return model.ErrorPattern{
		ID:                "p-1",
		PatternKey:        "abc123",
		ErrorKind:         "ReferenceError",
		Message:           "user is undefined",
		StackTrace:        "at handler (profile.go:10)",
		Frequency:         101,
		FirstSeen:         epoch.Add(-time.Hour),
		LastSeen:          epoch,
		AffectedCallerIDs: []string{"u1", "u2"},
		AffectedEndpoints: []string{"/profile"},
		Severity:          model.SeverityCritical,
		Status:            model.StatusActive,
		HealingCandidate:  true,
	}
}

func TestBuildSlowOperationMission(t *testing.T) {
	t.Parallel()

	m := BuildSlowOperationMission(slowAlert(), "production", epoch)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, model.MissionSlowOperation, m.Kind)
	assert.Equal(t, model.PriorityHigh, m.Priority)
	assert.Contains(t, m.Goal, "fetch-user(id=?)")
	assert.Contains(t, m.Goal, "7200ms")
	assert.Contains(t, m.Goal, "review the execution plan")
	assert.Equal(t, 5, m.Anomaly.OccurrenceCount)
	assert.Equal(t, model.SeverityCritical, m.Anomaly.Severity)
	assert.Equal(t, "fetch-user(id=42)", m.Context.SampleSignature)
	assert.Equal(t, []string{"review the execution plan"}, m.Context.SuggestedOptimizations)
	assert.Equal(t, "production", m.Context.Environment)
	assert.Equal(t, epoch, m.CreatedAt)
}

func TestBuildErrorPatternMission(t *testing.T) {
	t.Parallel()

	m := BuildErrorPatternMission(errorPattern(), "staging", epoch)

	assert.Equal(t, model.MissionErrorPattern, m.Kind)
	assert.Equal(t, model.PriorityCritical, m.Priority)
	assert.Contains(t, m.Goal, "ReferenceError")
	assert.Contains(t, m.Goal, "101 times across 2 callers")
	assert.True(t, m.Anomaly.HealingCandidate)
	assert.Equal(t, "at handler (profile.go:10)", m.Context.StackTrace)
	assert.Equal(t, 2, m.Context.AffectedCallers)
	assert.Equal(t, []string{"/profile"}, m.Anomaly.AffectedEndpoints)
}

func TestDispatcher_EnqueuesWithTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := epoch
	s := store.NewMemoryStore(func() time.Time { return now })
	d := NewDispatcher(s, Config{TTL: time.Hour, Now: func() time.Time { return now }}, nil, nil)

	m, err := d.DispatchSlowOperation(ctx, slowAlert())
	require.NoError(t, err)
	require.NotNil(t, m)

	keys, err := s.Keys(ctx, store.PrefixMission)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, strings.HasSuffix(keys[0], m.ID))

	now = now.Add(time.Hour)
	keys, err = s.Keys(ctx, store.PrefixMission)
	require.NoError(t, err)
	assert.Empty(t, keys, "mission must expire after its TTL")

	history := d.History(0)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, m.ID, history[0].MissionID)
}

type brokenStore struct{ *store.MemoryStore }

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.NewError(errors.ErrCodeStoreWrite, "unreachable")
}

func TestDispatcher_StoreFailure(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(brokenStore{store.NewMemoryStore(nil)}, Config{}, nil, nil)
	m, err := d.DispatchErrorPattern(context.Background(), errorPattern())
	assert.Nil(t, m)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreWrite))

	history := d.History(5)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Error)
	assert.Equal(t, time.Hour, d.TTL())
}

func TestDispatcher_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(store.NewMemoryStore(nil), Config{}, nil, nil)
	for i := 0; i < maxHistory+10; i++ {
		_, err := d.DispatchErrorPattern(context.Background(), errorPattern())
		require.NoError(t, err)
	}
	assert.Len(t, d.History(0), maxHistory)
	assert.Len(t, d.History(3), 3)
}

func TestQueue_PendingOrderAndAck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := epoch
	clock := func() time.Time { return now }
	s := store.NewMemoryStore(clock)
	d := NewDispatcher(s, Config{Now: clock}, nil, nil)
	q := NewQueue(s, nil)

	slow, err := d.DispatchSlowOperation(ctx, slowAlert())
	require.NoError(t, err)

	now = now.Add(time.Second)
	high := errorPattern()
	high.Severity = model.SeverityHigh
	highMission, err := d.DispatchErrorPattern(ctx, high)
	require.NoError(t, err)

	now = now.Add(time.Second)
	critical, err := d.DispatchErrorPattern(ctx, errorPattern())
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, critical.ID, pending[0].ID, "critical priority first")
	assert.Equal(t, slow.ID, pending[1].ID, "older of the two high-priority missions next")
	assert.Equal(t, highMission.ID, pending[2].ID)

	require.NoError(t, q.Ack(ctx, critical.ID))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	err = q.Ack(ctx, critical.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	assert.True(t, errors.HasCode(q.Ack(ctx, ""), errors.ErrCodeInvalidArgument))
}
