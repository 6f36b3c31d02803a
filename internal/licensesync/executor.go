package licensesync

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
	"github.com/NikhilSetiya/license-sync/pkg/metrics"
	"github.com/NikhilSetiya/license-sync/pkg/resilience"
	"github.com/NikhilSetiya/license-sync/pkg/tracing"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// Writer is the part of the repository the executor writes through
type Writer interface {
	UpsertBatch(ctx context.Context, records []*types.LicenseRecord) error
}

// executor applies actions in batches of batchSize with up to concurrency
// batches in flight. Inside a batch records are bulk upserted in chunks of
// bulkSize; a failed chunk falls back to single-record upserts, at most
// individualLimit at a time, so one bad record does not fail its neighbours.
type executor struct {
	writer          Writer
	tracker         *Tracker
	monitor         *resilience.ErrorMonitor
	metrics         *metrics.Metrics
	tracing         *tracing.TracingService
	logger          *logging.Logger
	concurrency     int
	bulkSize        int
	individualLimit int
}

// pendingWrite is one record waiting to be upserted
type pendingWrite struct {
	kind   ActionKind
	record *types.LicenseRecord
	// existing is set for updates, whose rows can be marked failed
	existing bool
}

// run applies actions. With dryRun nothing is written and every action is
// counted as if it had succeeded. A critical error stops new batches from
// starting and is returned for the caller to report; batches already in
// flight run to completion.
func (e *executor) run(ctx context.Context, runID string, actions []Action, batchSize int, dryRun bool, t *tally) error {
	if len(actions) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = len(actions)
	}

	var (
		g       errgroup.Group
		aborted atomic.Bool
		stopped error
	)
	g.SetLimit(e.concurrency)

	for start, index := 0, 0; start < len(actions); start, index = start+batchSize, index+1 {
		if aborted.Load() {
			break
		}
		if stopped = ctx.Err(); stopped != nil {
			break
		}
		end := start + batchSize
		if end > len(actions) {
			end = len(actions)
		}
		batch := actions[start:end]
		batchIndex := index

		g.Go(func() error {
			// Go blocks for a free slot, so a sibling may have failed meanwhile
			if aborted.Load() {
				return nil
			}
			ctx, span := e.tracing.StartSyncSpan(ctx, "batch", runID,
				attribute.Int("sync.batch_index", batchIndex),
				attribute.Int("sync.batch_size", len(batch)),
			)
			err := e.runBatch(ctx, batch, dryRun, t)
			tracing.End(span, err)
			if err != nil {
				aborted.Store(true)
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return stopped
}

func (e *executor) runBatch(ctx context.Context, batch []Action, dryRun bool, t *tally) error {
	var (
		writes  []pendingWrite
		touches []uuid.UUID
	)

	for _, action := range batch {
		switch a := action.(type) {
		case CreateAction, UpdateAction:
			_, isUpdate := a.(UpdateAction)
			writes = append(writes, pendingWrite{kind: action.Kind(), record: recordFor(action), existing: isUpdate})
		case NoopAction:
			if a.Internal != nil && a.Internal.SyncState.Status != types.SyncStatusSynced {
				touches = append(touches, a.Internal.ID)
			}
		}
	}

	if dryRun {
		for _, action := range batch {
			t.add(action.Kind(), 1)
		}
		return nil
	}

	for start := 0; start < len(writes); start += e.bulkSize {
		end := start + e.bulkSize
		if end > len(writes) {
			end = len(writes)
		}
		if err := e.writeChunk(ctx, writes[start:end], t); err != nil {
			return err
		}
	}

	noops := len(batch) - len(writes)
	if len(touches) > 0 {
		if err := e.tracker.MarkSyncedBatch(ctx, touches); err != nil {
			if errors.IsType(err, errors.ErrorTypeCritical) {
				return err
			}
			e.logger.Warn("Failed to mark unchanged licenses synced", "count", len(touches), "error", err)
		}
	}
	t.add(ActionNoop, noops)
	e.metrics.RecordSyncRecords(string(ActionNoop), true, noops)
	return nil
}

// writeChunk bulk upserts chunk, falling back to single-record upserts
func (e *executor) writeChunk(ctx context.Context, chunk []pendingWrite, t *tally) error {
	records := make([]*types.LicenseRecord, len(chunk))
	for i, w := range chunk {
		records[i] = w.record
	}

	err := e.writer.UpsertBatch(ctx, records)
	if err == nil {
		return e.succeeded(ctx, chunk, t)
	}
	if errors.IsType(err, errors.ErrorTypeCritical) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.logger.Warn("Bulk upsert failed, falling back to individual upserts",
		"records", len(chunk),
		"error", err,
	)

	var g errgroup.Group
	g.SetLimit(e.individualLimit)

	for _, w := range chunk {
		w := w
		g.Go(func() error {
			err := e.writer.UpsertBatch(ctx, []*types.LicenseRecord{w.record})
			if err == nil {
				return e.succeeded(ctx, []pendingWrite{w}, t)
			}
			if errors.IsType(err, errors.ErrorTypeCritical) {
				return err
			}
			return e.failed(ctx, w, err, t)
		})
	}
	return g.Wait()
}

func (e *executor) succeeded(ctx context.Context, writes []pendingWrite, t *tally) error {
	ids := make([]uuid.UUID, 0, len(writes))
	for _, w := range writes {
		ids = append(ids, w.record.ID)
	}

	if err := e.tracker.MarkSyncedBatch(ctx, ids); err != nil {
		if errors.IsType(err, errors.ErrorTypeCritical) {
			return err
		}
		e.logger.Warn("Failed to mark licenses synced", "count", len(ids), "error", err)
	}

	for _, w := range writes {
		t.add(w.kind, 1)
		e.metrics.RecordSyncRecords(string(w.kind), true, 1)
	}
	return nil
}

func (e *executor) failed(ctx context.Context, w pendingWrite, cause error, t *tally) error {
	t.fail(w.record.AppID, cause)
	e.metrics.RecordSyncRecords(string(w.kind), false, 1)
	if e.monitor != nil {
		e.monitor.RecordError(ctx, "sync.upsert", cause)
	}

	if !w.existing {
		return nil
	}
	if err := e.tracker.MarkFailed(ctx, w.record.ID, cause); err != nil {
		if errors.IsType(err, errors.ErrorTypeCritical) {
			return err
		}
		e.logger.Warn("Failed to mark license failed", "appid", w.record.AppID, "error", err)
	}
	return nil
}
