package database

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

var selectColumns = []string{
	"id", "appid", "name", "status", "plan", "sms_balance", "amount", "currency", "expires_at",
	"payload", "external_updated_at", "sync_status", "last_synced_at", "last_error", "sync_attempts",
	"created_at", "updated_at",
}

func newMockRepository(t *testing.T, bulkSize int) (*LicenseRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := NewWithDB(sqlx.NewDb(mockDB, "postgres"), &config.DatabaseConfig{
		MaxBulkUpsertBatchSize:        bulkSize,
		MaxIndividualUpdatesBatchSize: 10,
	})
	return NewLicenseRepository(db), mock
}

func licenseRow(rows *sqlmock.Rows, appID string, status types.SyncStatus) *sqlmock.Rows {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return rows.AddRow(
		uuid.New().String(), appID, "Acme "+appID, "active", "pro", int64(100), 49.5, "USD", nil,
		[]byte(`{"seats":5}`), now, string(status), nil, nil, 0,
		now, now,
	)
}

func TestLicenseRepository_ListInternal(t *testing.T) {
	tests := []struct {
		name      string
		filter    types.LicenseFilter
		wantQuery string
	}{
		{
			name:      "no filter",
			filter:    types.LicenseFilter{},
			wantQuery: `FROM licenses ORDER BY appid$`,
		},
		{
			name:      "pending and failed with limit",
			filter:    types.LicenseFilter{SyncStatuses: []types.SyncStatus{types.SyncStatusPending, types.SyncStatusFailed}, Limit: 100},
			wantQuery: `WHERE sync_status = ANY\(\$1\) ORDER BY appid LIMIT \$2$`,
		},
		{
			name:      "appids after cursor",
			filter:    types.LicenseFilter{AppIDs: []string{"a1", "a2"}, AfterAppID: "a0"},
			wantQuery: `WHERE appid = ANY\(\$1\) AND appid > \$2 ORDER BY appid$`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t, 500)

			rows := licenseRow(sqlmock.NewRows(selectColumns), "a1", types.SyncStatusPending)
			mock.ExpectQuery(tt.wantQuery).WillReturnRows(rows)

			records, err := repo.ListInternal(context.Background(), tt.filter)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "a1", records[0].AppID)
			assert.Equal(t, types.SyncStatusPending, records[0].SyncState.Status)
			assert.Equal(t, float64(5), records[0].Payload["seats"])
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLicenseRepository_GetByAppID_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t, 500)

	mock.ExpectQuery(`WHERE appid = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(selectColumns))

	_, err := repo.GetByAppID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestLicenseRepository_GetByAppIDs_Empty(t *testing.T) {
	repo, mock := newMockRepository(t, 500)

	records, err := repo.GetByAppIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLicenseRepository_UpsertBatch_ChunksAndWritesBackIDs(t *testing.T) {
	repo, mock := newMockRepository(t, 2)

	records := []*types.LicenseRecord{
		{AppID: "a1", Name: "one"},
		{AppID: "a2", Name: "two"},
		{AppID: "a3", Name: "three"},
	}
	existing := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO licenses (id, appid, name")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "appid"}).
			AddRow(existing.String(), "a1").
			AddRow(uuid.New().String(), "a2"))
	mock.ExpectQuery(`ON CONFLICT \(appid\) DO UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "appid"}).
			AddRow(uuid.New().String(), "a3"))
	mock.ExpectCommit()

	err := repo.UpsertBatch(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, existing, records[0].ID)
	for _, r := range records {
		assert.NotEqual(t, uuid.Nil, r.ID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLicenseRepository_UpsertBatch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType errors.ErrorType
	}{
		{"connection reset", &net.OpError{Op: "read", Net: "tcp", Err: stderrors.New("connection reset by peer")}, errors.ErrorTypeCritical},
		{"admin shutdown", &pq.Error{Code: "57P01", Message: "terminating connection"}, errors.ErrorTypeCritical},
		{"check violation", &pq.Error{Code: "23514", Message: "violates check constraint"}, errors.ErrorTypeValidation},
		{"numeric overflow", &pq.Error{Code: "22003", Message: "numeric field overflow"}, errors.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t, 500)

			mock.ExpectBegin()
			mock.ExpectQuery("INSERT INTO licenses").WillReturnError(tt.err)
			mock.ExpectRollback()

			err := repo.UpsertBatch(context.Background(), []*types.LicenseRecord{{AppID: "bad"}})
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errors.GetType(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLicenseRepository_MarkSyncStateBatch(t *testing.T) {
	repo, mock := newMockRepository(t, 500)

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	msg := "upstream timeout"

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ANY($1::uuid[])")).
		WithArgs(sqlmock.AnyArg(), "failed", at, &msg).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.MarkSyncStateBatch(context.Background(), ids, types.SyncStateChange{
		Status: types.SyncStatusFailed,
		Error:  &msg,
		At:     at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLicenseRepository_MarkSyncState_Validation(t *testing.T) {
	repo, _ := newMockRepository(t, 500)

	err := repo.MarkSyncState(context.Background(), uuid.New(), types.SyncStateChange{Status: "done"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestLicenseRepository_MarkSyncState_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t, 500)

	mock.ExpectExec("UPDATE licenses SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSyncState(context.Background(), uuid.New(), types.SyncStateChange{Status: types.SyncStatusSynced})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestLicenseRepository_Stats(t *testing.T) {
	repo, mock := newMockRepository(t, 500)

	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "synced", "failed", "pending"}).AddRow(10, 7, 2, 1))

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 7, stats.Synced)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Pending)
}

func TestMigrationSource_Embedded(t *testing.T) {
	src, err := MigrationSource()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	up, name, err := src.ReadUp(version)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "create_licenses", name)
}

func TestMigrationSource_AmountIsStoredUnrounded(t *testing.T) {
	src, err := MigrationSource()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.Next(1)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	up, name, err := src.ReadUp(version)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "store_amount_unrounded", name)

	ddl, err := io.ReadAll(up)
	require.NoError(t, err)
	assert.Contains(t, string(ddl), "amount TYPE DOUBLE PRECISION")

	_, err = src.Next(version)
	assert.ErrorIs(t, err, fs.ErrNotExist, "no later migration rescales amount")
}

func TestLicenseRepository_AmountRoundTrip(t *testing.T) {
	repo, mock := newMockRepository(t, 500)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows(selectColumns).AddRow(
		uuid.New().String(), "a1", "Acme", "active", "pro", int64(100), []byte("19.995"), "USD", nil,
		[]byte(`{}`), now, string(types.SyncStatusSynced), nil, nil, 0,
		now, now,
	)
	mock.ExpectQuery(`WHERE appid = \$1`).WithArgs("a1").WillReturnRows(rows)

	record, err := repo.GetByAppID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 19.995, record.Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
