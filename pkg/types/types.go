package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the reconciliation status of one license
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is a known status
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// SyncState is the per-license sync bookkeeping. It is only ever overwritten.
type SyncState struct {
	Status       SyncStatus `json:"status" db:"sync_status"`
	LastSyncedAt *time.Time `json:"last_synced_at" db:"last_synced_at"`
	LastError    *string    `json:"last_error" db:"last_error"`
	Attempts     int        `json:"attempts" db:"sync_attempts"`
}

// JSONMap is an opaque JSON object stored in a jsonb column
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}

	out := JSONMap{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to decode JSONMap: %w", err)
		}
	}
	*m = out
	return nil
}

// LicenseRecord is the internally owned license row
type LicenseRecord struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	AppID             string     `json:"appid" db:"appid"`
	Name              string     `json:"name" db:"name"`
	Status            string     `json:"status" db:"status"`
	Plan              string     `json:"plan" db:"plan"`
	SMSBalance        int64      `json:"sms_balance" db:"sms_balance"`
	Amount            float64    `json:"amount" db:"amount"`
	Currency          string     `json:"currency" db:"currency"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Payload           JSONMap    `json:"payload" db:"payload"`
	ExternalUpdatedAt *time.Time `json:"external_updated_at,omitempty" db:"external_updated_at"`
	SyncState         `json:"sync_state"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// ExternalLicense is a license as served by the external API
type ExternalLicense struct {
	AppID      string     `json:"appid"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Plan       string     `json:"plan"`
	SMSBalance int64      `json:"sms_balance"`
	Amount     float64    `json:"amount"`
	Currency   string     `json:"currency"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Payload    JSONMap    `json:"payload,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// LicensePatch is the body of a push to the external API
type LicensePatch struct {
	Name       string     `json:"name,omitempty"`
	Status     string     `json:"status,omitempty"`
	Plan       string     `json:"plan,omitempty"`
	SMSBalance *int64     `json:"sms_balance,omitempty"`
	Amount     *float64   `json:"amount,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Payload    JSONMap    `json:"payload,omitempty"`
}

// PatchFromRecord builds a full patch from an internal record
func PatchFromRecord(r *LicenseRecord) LicensePatch {
	balance := r.SMSBalance
	amount := r.Amount
	return LicensePatch{
		Name:       r.Name,
		Status:     r.Status,
		Plan:       r.Plan,
		SMSBalance: &balance,
		Amount:     &amount,
		Currency:   r.Currency,
		ExpiresAt:  r.ExpiresAt,
		Payload:    r.Payload,
	}
}

// PushAck is the external API's acknowledgement of a push
type PushAck struct {
	AppID    string `json:"appid"`
	Accepted bool   `json:"accepted"`
	Version  string `json:"version,omitempty"`
}

// LicensePage is one page of the external catalog
type LicensePage struct {
	Records    []ExternalLicense `json:"records"`
	NextCursor *string           `json:"next_cursor"`
}

// LicenseFilter selects internal records
type LicenseFilter struct {
	// SyncStatuses restricts to the given statuses; empty means any
	SyncStatuses []SyncStatus
	// AppIDs restricts to the given appids; empty means any
	AppIDs []string
	// AfterAppID pages by appid, exclusive
	AfterAppID string
	// Limit caps the result; 0 means no limit
	Limit int
}

// SyncStats aggregates sync state across all licenses
type SyncStats struct {
	Total       int     `json:"total" db:"total"`
	Synced      int     `json:"synced" db:"synced"`
	Failed      int     `json:"failed" db:"failed"`
	Pending     int     `json:"pending" db:"pending"`
	SuccessRate float64 `json:"successRate"`
}

// SyncStateChange is one tracker transition written to the repository.
// Synced stamps LastSyncedAt with At and clears LastError; Failed stores
// Error and increments Attempts; Pending leaves both untouched.
type SyncStateChange struct {
	Status SyncStatus
	Error  *string
	At     time.Time
}
