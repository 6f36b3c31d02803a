package licensesync

import (
	"sync"
	"time"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
)

// Sync modes
const (
	ModeComprehensive = "comprehensive"
	ModeLegacy        = "legacy"
	ModeSingle        = "single"
	ModePending       = "pending"
)

// ErrSyncInProgress is returned when a guarded run is already active
var ErrSyncInProgress = errors.NewConflictError("sync already in progress")

// RecordError is the failure of one license within a run
type RecordError struct {
	AppID   string `json:"appid"`
	Message string `json:"message"`
}

// SyncResult summarizes a comprehensive or legacy run
type SyncResult struct {
	Success      bool          `json:"success"`
	RunID        string        `json:"runId"`
	Mode         string        `json:"mode"`
	DryRun       bool          `json:"dryRun"`
	Stale        bool          `json:"stale"`
	Truncated    bool          `json:"truncated"`
	TotalFetched int           `json:"totalFetched"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Unchanged    int           `json:"unchanged"`
	Failed       int           `json:"failed"`
	InternalOnly int           `json:"internalOnly"`
	Pushed       int           `json:"pushed"`
	Errors       []RecordError `json:"errors"`
	// DurationMS is the wall-clock duration in milliseconds
	DurationMS int64     `json:"duration"`
	Timestamp  time.Time `json:"timestamp"`
}

// PendingResult summarizes a retry pass over pending and failed records
type PendingResult struct {
	Success   bool          `json:"success"`
	RunID     string        `json:"runId"`
	Processed int           `json:"processed"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Errors    []RecordError `json:"errors"`
	// DurationMS is the wall-clock duration in milliseconds
	DurationMS int64     `json:"duration"`
	Timestamp  time.Time `json:"timestamp"`
}

// tally accumulates per-record outcomes from concurrent batches
type tally struct {
	mu        sync.Mutex
	created   int
	updated   int
	unchanged int
	failed    int
	errors    []RecordError
}

func (t *tally) add(kind ActionKind, n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case ActionCreate:
		t.created += n
	case ActionUpdate:
		t.updated += n
	case ActionNoop:
		t.unchanged += n
	}
}

func (t *tally) fail(appID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
	t.errors = append(t.errors, RecordError{AppID: appID, Message: err.Error()})
}

func (t *tally) errorList() []RecordError {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RecordError, len(t.errors))
	copy(out, t.errors)
	return out
}
