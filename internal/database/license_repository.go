package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

const licenseColumns = `id, appid, name, status, plan, sms_balance, amount, currency, expires_at,
	payload, external_updated_at, sync_status, last_synced_at, last_error, sync_attempts,
	created_at, updated_at`

// upsertColumns are written by UpsertBatch, in placeholder order
var upsertColumns = []string{
	"id", "appid", "name", "status", "plan", "sms_balance", "amount",
	"currency", "expires_at", "payload", "external_updated_at", "sync_status",
}

// LicenseRepository handles license database operations
type LicenseRepository struct {
	db        *DB
	batchSize int
	now       func() time.Time
}

// NewLicenseRepository creates a new license repository
func NewLicenseRepository(db *DB) *LicenseRepository {
	batchSize := 500
	if cfg := db.Config(); cfg != nil && cfg.MaxBulkUpsertBatchSize > 0 {
		batchSize = cfg.MaxBulkUpsertBatchSize
	}
	return &LicenseRepository{db: db, batchSize: batchSize, now: time.Now}
}

// ListInternal returns records matching filter ordered by appid
func (r *LicenseRepository) ListInternal(ctx context.Context, filter types.LicenseFilter) ([]*types.LicenseRecord, error) {
	var (
		where []string
		args  []interface{}
	)

	if len(filter.SyncStatuses) > 0 {
		statuses := make([]string, len(filter.SyncStatuses))
		for i, s := range filter.SyncStatuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("sync_status = ANY($%d)", len(args)))
	}
	if len(filter.AppIDs) > 0 {
		args = append(args, pq.Array(filter.AppIDs))
		where = append(where, fmt.Sprintf("appid = ANY($%d)", len(args)))
	}
	if filter.AfterAppID != "" {
		args = append(args, filter.AfterAppID)
		where = append(where, fmt.Sprintf("appid > $%d", len(args)))
	}

	query := "SELECT " + licenseColumns + " FROM licenses"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY appid"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	records := []*types.LicenseRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, classify("list", err)
	}
	return records, nil
}

// GetByAppID retrieves a license by its external identity
func (r *LicenseRepository) GetByAppID(ctx context.Context, appID string) (*types.LicenseRecord, error) {
	var record types.LicenseRecord
	query := "SELECT " + licenseColumns + " FROM licenses WHERE appid = $1"

	if err := r.db.GetContext(ctx, &record, query, appID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("license").WithDetail("appid", appID)
		}
		return nil, classify("get", err)
	}
	return &record, nil
}

// GetByAppIDs retrieves every license whose appid is in appIDs
func (r *LicenseRepository) GetByAppIDs(ctx context.Context, appIDs []string) ([]*types.LicenseRecord, error) {
	if len(appIDs) == 0 {
		return []*types.LicenseRecord{}, nil
	}
	return r.ListInternal(ctx, types.LicenseFilter{AppIDs: appIDs})
}

// UpsertBatch inserts or updates records keyed by appid in one transaction.
// Rows are sent in multi-row statements of at most the configured bulk size.
// The persisted id of every record is written back into the slice.
func (r *LicenseRepository) UpsertBatch(ctx context.Context, records []*types.LicenseRecord) error {
	if len(records) == 0 {
		return nil
	}

	return r.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(records); start += r.batchSize {
			end := start + r.batchSize
			if end > len(records) {
				end = len(records)
			}
			if err := r.upsertChunk(ctx, tx, records[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *LicenseRepository) upsertChunk(ctx context.Context, tx *sqlx.Tx, chunk []*types.LicenseRecord) error {
	args := make([]interface{}, 0, len(chunk)*len(upsertColumns))
	rows := make([]string, len(chunk))
	byAppID := make(map[string]*types.LicenseRecord, len(chunk))

	for i, rec := range chunk {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		syncStatus := rec.SyncState.Status
		if !syncStatus.Valid() {
			syncStatus = types.SyncStatusPending
		}

		placeholders := make([]string, len(upsertColumns))
		for j := range upsertColumns {
			placeholders[j] = fmt.Sprintf("$%d", len(args)+j+1)
		}
		rows[i] = "(" + strings.Join(placeholders, ", ") + ")"

		args = append(args,
			rec.ID, rec.AppID, rec.Name, rec.Status, rec.Plan, rec.SMSBalance, rec.Amount,
			rec.Currency, rec.ExpiresAt, rec.Payload, rec.ExternalUpdatedAt, string(syncStatus),
		)
		byAppID[rec.AppID] = rec
	}

	query := fmt.Sprintf(`INSERT INTO licenses (%s) VALUES %s
		ON CONFLICT (appid) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			sms_balance = EXCLUDED.sms_balance,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			expires_at = EXCLUDED.expires_at,
			payload = EXCLUDED.payload,
			external_updated_at = EXCLUDED.external_updated_at,
			updated_at = NOW()
		RETURNING id, appid`,
		strings.Join(upsertColumns, ", "), strings.Join(rows, ", "))

	result, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return classify("upsert", err)
	}
	defer result.Close()

	for result.Next() {
		var (
			id    uuid.UUID
			appID string
		)
		if err := result.Scan(&id, &appID); err != nil {
			return classify("upsert", err)
		}
		if rec, ok := byAppID[appID]; ok {
			rec.ID = id
		}
	}
	return classify("upsert", result.Err())
}

// MarkSyncState applies one tracker transition to a single license
func (r *LicenseRepository) MarkSyncState(ctx context.Context, id uuid.UUID, change types.SyncStateChange) error {
	return r.MarkSyncStateBatch(ctx, []uuid.UUID{id}, change)
}

// MarkSyncStateBatch applies the same transition to every id
func (r *LicenseRepository) MarkSyncStateBatch(ctx context.Context, ids []uuid.UUID, change types.SyncStateChange) error {
	if len(ids) == 0 {
		return nil
	}
	if !change.Status.Valid() {
		return errors.NewValidationError("invalid sync status: " + string(change.Status))
	}
	at := change.At
	if at.IsZero() {
		at = r.now()
	}

	query := `UPDATE licenses SET
			sync_status = $2,
			last_synced_at = CASE WHEN $2 = 'synced' THEN $3 ELSE last_synced_at END,
			last_error = CASE WHEN $2 = 'synced' THEN NULL WHEN $2 = 'failed' THEN $4 ELSE last_error END,
			sync_attempts = sync_attempts + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
			updated_at = $3
		WHERE id = ANY($1::uuid[])`

	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	result, err := r.db.ExecContext(ctx, query, pq.Array(idStrings), string(change.Status), at, change.Error)
	if err != nil {
		return classify("mark_sync_state", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("mark_sync_state", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("license")
	}
	return nil
}

// Stats aggregates sync state across all licenses. SuccessRate is left to the caller.
func (r *LicenseRepository) Stats(ctx context.Context) (*types.SyncStats, error) {
	var stats types.SyncStats
	query := `SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE sync_status = 'synced') AS synced,
			COUNT(*) FILTER (WHERE sync_status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE sync_status = 'pending') AS pending
		FROM licenses`

	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, classify("stats", err)
	}
	return &stats, nil
}
