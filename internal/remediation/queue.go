package remediation

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/errors"
)

// Queue is the consumer side of the mission queue: a worker lists pending
// missions and acknowledges each one it takes, which deletes it.
type Queue struct {
	store  store.Store
	logger *zap.Logger
}

// NewQueue creates a queue reader over s.
func NewQueue(s store.Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: s, logger: logger.Named("mission-queue")}
}

// Pending lists unexpired missions, highest priority first, then oldest first.
func (q *Queue) Pending(ctx context.Context) ([]model.RemediationMission, error) {
	keys, err := q.store.Keys(ctx, store.PrefixMission)
	if err != nil {
		return nil, err
	}

	missions := make([]model.RemediationMission, 0, len(keys))
	for _, k := range keys {
		var m model.RemediationMission
		found, err := store.GetJSON(ctx, q.store, k, &m)
		if err != nil {
			q.logger.Warn("skipping unreadable mission", zap.String("key", k), zap.Error(err))
			continue
		}
		if found {
			missions = append(missions, m)
		}
	}

	sort.SliceStable(missions, func(i, j int) bool {
		ri, rj := missions[i].Priority.Rank(), missions[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return missions[i].CreatedAt.Before(missions[j].CreatedAt)
	})
	return missions, nil
}

// Ack marks the mission with id as consumed by deleting it.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "mission id is required").
			WithComponent("remediation")
	}

	keys, err := q.store.Keys(ctx, store.PrefixMission)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if strings.HasSuffix(k, ":"+id) {
			if err := q.store.Delete(ctx, k); err != nil {
				return err
			}
			q.logger.Info("mission acknowledged", zap.String("mission_id", id))
			return nil
		}
	}
	return errors.NewError(errors.ErrCodeNotFound, "mission not found").
		WithComponent("remediation").WithDetail("mission_id", id)
}
