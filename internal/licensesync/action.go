package licensesync

import (
	"time"

	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// ActionKind names a reconciliation decision
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionNoop   ActionKind = "noop"
)

// Action is the decision for one external license. The set of
// implementations is closed: CreateAction, UpdateAction and NoopAction.
type Action interface {
	Kind() ActionKind
	AppID() string
	sealed()
}

// CreateAction inserts a license that has no internal match
type CreateAction struct {
	External *types.ExternalLicense
}

// UpdateAction overwrites an internal record whose fields differ or whose
// external update time is behind. ChangedFields is empty for the latter.
type UpdateAction struct {
	External      *types.ExternalLicense
	Internal      *types.LicenseRecord
	ChangedFields []string
	// Newer is set when the external side reports a later update time
	Newer bool
}

// NoopAction leaves data untouched. Internal is only re-marked synced when
// its sync state is not already synced.
type NoopAction struct {
	External *types.ExternalLicense
	Internal *types.LicenseRecord
}

func (CreateAction) Kind() ActionKind { return ActionCreate }
func (UpdateAction) Kind() ActionKind { return ActionUpdate }
func (NoopAction) Kind() ActionKind   { return ActionNoop }

func (a CreateAction) AppID() string { return a.External.AppID }
func (a UpdateAction) AppID() string { return a.External.AppID }
func (a NoopAction) AppID() string   { return a.External.AppID }

func (CreateAction) sealed() {}
func (UpdateAction) sealed() {}
func (NoopAction) sealed()   {}

// Classify decides what to do with ext given its internal match, which may be nil.
// A match is updated when its field hash differs or the external side reports
// an update time later than the one stored with the record. The stored time is
// rewritten by the update, so a rerun over the same catalog is a noop.
func Classify(ext *types.ExternalLicense, internal *types.LicenseRecord) Action {
	if internal == nil {
		return CreateAction{External: ext}
	}

	newer := isNewer(ext.UpdatedAt, internal.ExternalUpdatedAt)
	if ExternalHash(ext) == InternalHash(internal) {
		if !newer {
			return NoopAction{External: ext, Internal: internal}
		}
		return UpdateAction{External: ext, Internal: internal, Newer: true}
	}

	return UpdateAction{
		External:      ext,
		Internal:      internal,
		ChangedFields: ChangedFields(ext, internal),
		Newer:         newer,
	}
}

// isNewer compares at microsecond precision, the resolution timestamptz keeps
func isNewer(external, stored *time.Time) bool {
	if external == nil || external.IsZero() {
		return false
	}
	if stored == nil || stored.IsZero() {
		return true
	}
	return external.Truncate(time.Microsecond).After(stored.Truncate(time.Microsecond))
}

// recordFor builds the row written for a create or update
func recordFor(action Action) *types.LicenseRecord {
	var (
		ext      *types.ExternalLicense
		existing *types.LicenseRecord
	)
	switch a := action.(type) {
	case CreateAction:
		ext = a.External
	case UpdateAction:
		ext, existing = a.External, a.Internal
	default:
		return nil
	}

	rec := &types.LicenseRecord{
		AppID:             ext.AppID,
		Name:              ext.Name,
		Status:            ext.Status,
		Plan:              ext.Plan,
		SMSBalance:        ext.SMSBalance,
		Amount:            ext.Amount,
		Currency:          ext.Currency,
		ExpiresAt:         ext.ExpiresAt,
		Payload:           ext.Payload,
		ExternalUpdatedAt: ext.UpdatedAt,
		SyncState:         types.SyncState{Status: types.SyncStatusPending},
	}
	if existing != nil {
		rec.ID = existing.ID
		rec.SyncState = existing.SyncState
		rec.CreatedAt = existing.CreatedAt
	}
	return rec
}
