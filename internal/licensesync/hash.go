package licensesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// hashedFields are the business fields that decide whether a license changed
var hashedFields = []string{
	"amount", "appid", "currency", "expires_at", "name", "payload", "plan", "sms_balance", "status",
}

func formatTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func normalizePayload(p types.JSONMap) map[string]interface{} {
	if p == nil {
		return map[string]interface{}{}
	}
	return p
}

func externalFields(l *types.ExternalLicense) map[string]interface{} {
	return map[string]interface{}{
		"appid":       l.AppID,
		"name":        l.Name,
		"status":      l.Status,
		"plan":        l.Plan,
		"sms_balance": l.SMSBalance,
		"amount":      l.Amount,
		"currency":    l.Currency,
		"expires_at":  formatTime(l.ExpiresAt),
		"payload":     normalizePayload(l.Payload),
	}
}

func internalFields(r *types.LicenseRecord) map[string]interface{} {
	return map[string]interface{}{
		"appid":       r.AppID,
		"name":        r.Name,
		"status":      r.Status,
		"plan":        r.Plan,
		"sms_balance": r.SMSBalance,
		"amount":      r.Amount,
		"currency":    r.Currency,
		"expires_at":  formatTime(r.ExpiresAt),
		"payload":     normalizePayload(r.Payload),
	}
}

// canonical renders v as JSON. Map keys, including nested payload keys, are sorted.
func canonical(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// only reachable for payload values JSON cannot encode
		return []byte(err.Error())
	}
	return data
}

func hashFields(fields map[string]interface{}) string {
	sum := sha256.Sum256(canonical(fields))
	return hex.EncodeToString(sum[:])
}

// ExternalHash is the field hash of an external license
func ExternalHash(l *types.ExternalLicense) string {
	return hashFields(externalFields(l))
}

// InternalHash is the field hash of an internal record
func InternalHash(r *types.LicenseRecord) string {
	return hashFields(internalFields(r))
}

// ChangedFields lists the hashed fields that differ, sorted by name
func ChangedFields(ext *types.ExternalLicense, rec *types.LicenseRecord) []string {
	a, b := externalFields(ext), internalFields(rec)

	var changed []string
	for _, field := range hashedFields {
		if string(canonical(a[field])) != string(canonical(b[field])) {
			changed = append(changed, field)
		}
	}
	sort.Strings(changed)
	return changed
}
