package cache

import (
	"context"
	"time"

	"github.com/NikhilSetiya/license-sync/pkg/types"
)

const firstPageCursor = "first"

// CachedPage is a last-known external catalog page
type CachedPage struct {
	Page     types.LicensePage `json:"page"`
	StoredAt time.Time         `json:"stored_at"`
}

// CachedLicense is a last-known single external license
type CachedLicense struct {
	License  types.ExternalLicense `json:"license"`
	StoredAt time.Time             `json:"stored_at"`
}

// SnapshotCache keeps the most recent successful external responses so a
// degraded client can serve them
type SnapshotCache struct {
	service *Service
	now     func() time.Time
}

// NewSnapshotCache creates a snapshot cache over service
func NewSnapshotCache(service *Service) *SnapshotCache {
	return &SnapshotCache{service: service, now: time.Now}
}

func pageKey(cursor string) CacheKey {
	if cursor == "" {
		cursor = firstPageCursor
	}
	return CacheKey{Prefix: PrefixSnapshotPage, ID: cursor}
}

// SavePage stores the page fetched at cursor
func (c *SnapshotCache) SavePage(ctx context.Context, cursor string, page *types.LicensePage) error {
	return c.service.Set(ctx, pageKey(cursor), CachedPage{Page: *page, StoredAt: c.now()}, c.service.config.SnapshotTTL)
}

// LoadPage returns the page last stored at cursor, or a not_found error
func (c *SnapshotCache) LoadPage(ctx context.Context, cursor string) (*CachedPage, error) {
	var cached CachedPage
	if err := c.service.Get(ctx, pageKey(cursor), &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

// SaveLicense stores a single fetched license
func (c *SnapshotCache) SaveLicense(ctx context.Context, license *types.ExternalLicense) error {
	key := CacheKey{Prefix: PrefixSnapshotLicense, ID: license.AppID}
	return c.service.Set(ctx, key, CachedLicense{License: *license, StoredAt: c.now()}, c.service.config.SnapshotTTL)
}

// LoadLicense returns the license last stored for appID, or a not_found error
func (c *SnapshotCache) LoadLicense(ctx context.Context, appID string) (*CachedLicense, error) {
	var cached CachedLicense
	if err := c.service.Get(ctx, CacheKey{Prefix: PrefixSnapshotLicense, ID: appID}, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

// ResultStore persists the last sync result so status survives restarts
// and is shared between instances
type ResultStore struct {
	service *Service
}

// NewResultStore creates a result store over service
func NewResultStore(service *Service) *ResultStore {
	return &ResultStore{service: service}
}

// Save stores result under the last-result key
func (s *ResultStore) Save(ctx context.Context, result interface{}) error {
	return s.service.Set(ctx, CacheKey{Prefix: KeyLastResult}, result, s.service.config.ResultTTL)
}

// Load decodes the last stored result into dest
func (s *ResultStore) Load(ctx context.Context, dest interface{}) error {
	return s.service.Get(ctx, CacheKey{Prefix: KeyLastResult}, dest)
}
