package licensesync

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// StateRepository is the part of the repository the tracker writes through
type StateRepository interface {
	MarkSyncState(ctx context.Context, id uuid.UUID, change types.SyncStateChange) error
	MarkSyncStateBatch(ctx context.Context, ids []uuid.UUID, change types.SyncStateChange) error
	Stats(ctx context.Context) (*types.SyncStats, error)
}

// Tracker records per-license sync state.
// Lifecycle: pending→synced, pending→failed, failed→pending→synced.
type Tracker struct {
	repo StateRepository
	now  func() time.Time
}

// NewTracker creates a tracker over repo
func NewTracker(repo StateRepository) *Tracker {
	return &Tracker{repo: repo, now: time.Now}
}

// MarkPending queues a license for the next sync
func (t *Tracker) MarkPending(ctx context.Context, id uuid.UUID) error {
	return t.MarkPendingBatch(ctx, []uuid.UUID{id})
}

// MarkPendingBatch queues several licenses
func (t *Tracker) MarkPendingBatch(ctx context.Context, ids []uuid.UUID) error {
	return t.repo.MarkSyncStateBatch(ctx, ids, types.SyncStateChange{
		Status: types.SyncStatusPending,
		At:     t.now(),
	})
}

// MarkSynced stamps lastSyncedAt and clears lastError
func (t *Tracker) MarkSynced(ctx context.Context, id uuid.UUID) error {
	return t.MarkSyncedBatch(ctx, []uuid.UUID{id})
}

// MarkSyncedBatch marks several licenses synced at the same instant
func (t *Tracker) MarkSyncedBatch(ctx context.Context, ids []uuid.UUID) error {
	return t.repo.MarkSyncStateBatch(ctx, ids, types.SyncStateChange{
		Status: types.SyncStatusSynced,
		At:     t.now(),
	})
}

// MarkFailed stores cause as lastError and increments attempts
func (t *Tracker) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.repo.MarkSyncState(ctx, id, types.SyncStateChange{
		Status: types.SyncStatusFailed,
		Error:  &msg,
		At:     t.now(),
	})
}

// GetStats aggregates sync state. SuccessRate is the synced percentage
// rounded to two decimals, 0 when there are no licenses.
func (t *Tracker) GetStats(ctx context.Context) (*types.SyncStats, error) {
	stats, err := t.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.SuccessRate = successRate(stats.Synced, stats.Total)
	return stats, nil
}

func successRate(synced, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(synced)/float64(total)*100*100) / 100
}
