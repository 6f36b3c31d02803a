package licensesync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/license-sync/internal/external"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
	"github.com/NikhilSetiya/license-sync/pkg/resilience"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// memoryRepo is an in-memory Repository
type memoryRepo struct {
	mu      sync.Mutex
	records map[string]*types.LicenseRecord

	// failAppIDs makes any upsert containing one of them fail
	failAppIDs map[string]bool
	// critical is returned by every upsert when set
	critical error
	// criticalAppIDs fail any upsert containing one of them, without delay
	criticalAppIDs map[string]bool
	// markSyncedErr fails every transition to synced when set
	markSyncedErr error
	// delay holds each upsert to expose concurrency
	delay time.Duration

	sizes    []int
	upserts  atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records:        map[string]*types.LicenseRecord{},
		failAppIDs:     map[string]bool{},
		criticalAppIDs: map[string]bool{},
	}
}

func (r *memoryRepo) seed(recs ...*types.LicenseRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		cp := *rec
		r.records[rec.AppID] = &cp
	}
}

func (r *memoryRepo) get(appID string) *types.LicenseRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[appID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// upsertSizes returns the record count of every upsert call, sorted
func (r *memoryRepo) upsertSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int(nil), r.sizes...)
	sort.Ints(out)
	return out
}

func (r *memoryRepo) UpsertBatch(ctx context.Context, records []*types.LicenseRecord) error {
	r.upserts.Add(1)
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	r.mu.Lock()
	r.sizes = append(r.sizes, len(records))
	for _, rec := range records {
		if r.criticalAppIDs[rec.AppID] {
			r.mu.Unlock()
			return errors.NewCriticalError("database connection lost")
		}
	}
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.critical != nil {
		return r.critical
	}
	for _, rec := range records {
		if r.failAppIDs[rec.AppID] {
			return errors.NewInternalError("constraint violation on " + rec.AppID)
		}
	}

	now := time.Now()
	for _, rec := range records {
		if existing, ok := r.records[rec.AppID]; ok {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.ID = uuid.New()
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		cp := *rec
		r.records[rec.AppID] = &cp
	}
	return nil
}

func (r *memoryRepo) byID(id uuid.UUID) *types.LicenseRecord {
	for _, rec := range r.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (r *memoryRepo) apply(rec *types.LicenseRecord, change types.SyncStateChange) {
	rec.SyncState.Status = change.Status
	switch change.Status {
	case types.SyncStatusSynced:
		at := change.At
		rec.SyncState.LastSyncedAt = &at
		rec.SyncState.LastError = nil
	case types.SyncStatusFailed:
		rec.SyncState.LastError = change.Error
		rec.SyncState.Attempts++
	}
}

func (r *memoryRepo) MarkSyncState(ctx context.Context, id uuid.UUID, change types.SyncStateChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.byID(id)
	if rec == nil {
		return errors.NewNotFoundError("license")
	}
	r.apply(rec, change)
	return nil
}

func (r *memoryRepo) MarkSyncStateBatch(ctx context.Context, ids []uuid.UUID, change types.SyncStateChange) error {
	if len(ids) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markSyncedErr != nil && change.Status == types.SyncStatusSynced {
		return r.markSyncedErr
	}
	for _, id := range ids {
		if rec := r.byID(id); rec != nil {
			r.apply(rec, change)
		}
	}
	return nil
}

func (r *memoryRepo) Stats(ctx context.Context) (*types.SyncStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &types.SyncStats{Total: len(r.records)}
	for _, rec := range r.records {
		switch rec.SyncState.Status {
		case types.SyncStatusSynced:
			stats.Synced++
		case types.SyncStatusFailed:
			stats.Failed++
		case types.SyncStatusPending:
			stats.Pending++
		}
	}
	return stats, nil
}

func (r *memoryRepo) ListInternal(ctx context.Context, filter types.LicenseFilter) ([]*types.LicenseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := map[types.SyncStatus]bool{}
	for _, s := range filter.SyncStatuses {
		statuses[s] = true
	}

	var out []*types.LicenseRecord
	for _, rec := range r.records {
		if len(statuses) > 0 && !statuses[rec.SyncState.Status] {
			continue
		}
		if filter.AfterAppID != "" && rec.AppID <= filter.AfterAppID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) GetByAppID(ctx context.Context, appID string) (*types.LicenseRecord, error) {
	if rec := r.get(appID); rec != nil {
		return rec, nil
	}
	return nil, errors.NewNotFoundError("license").WithDetail("appid", appID)
}

func (r *memoryRepo) GetByAppIDs(ctx context.Context, appIDs []string) ([]*types.LicenseRecord, error) {
	var out []*types.LicenseRecord
	for _, id := range appIDs {
		if rec := r.get(id); rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// memorySource is an in-memory external API paging by offset cursors
type memorySource struct {
	mu       sync.Mutex
	catalog  []types.ExternalLicense
	stale    bool
	fetchErr map[string]error
	pushErr  error
	pushed   []string
	pages    int
	health   error
}

func newMemorySource(catalog ...types.ExternalLicense) *memorySource {
	return &memorySource{catalog: catalog, fetchErr: map[string]error{}}
}

func (s *memorySource) set(catalog ...types.ExternalLicense) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = catalog
}

func (s *memorySource) FetchPageWithFallback(ctx context.Context, cursor string, pageSize int) (*external.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages++

	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	end := offset + pageSize
	if end > len(s.catalog) {
		end = len(s.catalog)
	}

	page := &types.LicensePage{Records: append([]types.ExternalLicense(nil), s.catalog[offset:end]...)}
	if end < len(s.catalog) {
		next := strconv.Itoa(end)
		page.NextCursor = &next
	}
	return &external.PageResult{Page: page, Stale: s.stale}, nil
}

func (s *memorySource) FetchOne(ctx context.Context, appID string) (*types.ExternalLicense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fetchErr[appID]; ok {
		return nil, err
	}
	for i := range s.catalog {
		if s.catalog[i].AppID == appID {
			ext := s.catalog[i]
			return &ext, nil
		}
	}
	return nil, errors.NewNotFoundError("license").WithDetail("appid", appID)
}

func (s *memorySource) PushUpdate(ctx context.Context, appID string, patch types.LicensePatch) (*types.PushAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return nil, s.pushErr
	}
	s.pushed = append(s.pushed, appID)
	return &types.PushAck{AppID: appID, Accepted: true}, nil
}

func (s *memorySource) Health(ctx context.Context) error {
	return s.health
}

func license(i int) types.ExternalLicense {
	return types.ExternalLicense{
		AppID:      fmt.Sprintf("app-%03d", i),
		Name:       fmt.Sprintf("Tenant %d", i),
		Status:     "active",
		Plan:       "pro",
		SMSBalance: int64(i * 10),
		Amount:     float64(i) + 0.5,
		Currency:   "USD",
		Payload:    types.JSONMap{"seats": float64(i)},
	}
}

func catalog(n int) []types.ExternalLicense {
	out := make([]types.ExternalLicense, n)
	for i := range out {
		out[i] = license(i)
	}
	return out
}

func testConfig() Config {
	return Config{
		BatchSize:            25,
		ConcurrencyLimit:     5,
		PageSize:             40,
		ComprehensiveEnabled: true,
		LegacyEnabled:        true,
		BidirectionalEnabled: true,
		DryRunEnabled:        true,
		ForceWait:            time.Second,
	}
}

type testService struct {
	*Service
	repo        *memoryRepo
	source      *memorySource
	degradation *resilience.DegradationManager
	monitor     *resilience.ErrorMonitor
}

func newTestService(t *testing.T, cfg Config, source *memorySource) *testService {
	t.Helper()
	logger := logging.NewNopLogger()

	monitorCfg := resilience.DefaultMonitorConfig()
	monitorCfg.Logger = logger
	monitor := resilience.NewErrorMonitor(monitorCfg, nil)
	degradation := resilience.NewDegradationManager(logger)
	// the external client registers this in production
	degradation.RegisterFeature(external.FeatureName, 3, resilience.FallbackCachedData, resilience.LevelPartial)
	degradation.RegisterFeature(FeatureRedis, 3, resilience.FallbackSkip, resilience.LevelPartial)

	repo := newMemoryRepo()
	svc := NewService(cfg, Dependencies{
		Repository:  repo,
		Source:      source,
		Monitor:     monitor,
		Degradation: degradation,
		Logger:      logger,
	})
	return &testService{Service: svc, repo: repo, source: source, degradation: degradation, monitor: monitor}
}

func comprehensive() SyncOptions {
	return SyncOptions{Comprehensive: true}
}
