// Package licensesync reconciles the internal license catalog against the
// external license API.
package licensesync

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/license-sync/internal/external"
	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
	"github.com/NikhilSetiya/license-sync/pkg/metrics"
	"github.com/NikhilSetiya/license-sync/pkg/resilience"
	"github.com/NikhilSetiya/license-sync/pkg/tracing"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// Repository is the internal license store
type Repository interface {
	Writer
	StateRepository
	ListInternal(ctx context.Context, filter types.LicenseFilter) ([]*types.LicenseRecord, error)
	GetByAppID(ctx context.Context, appID string) (*types.LicenseRecord, error)
	GetByAppIDs(ctx context.Context, appIDs []string) ([]*types.LicenseRecord, error)
}

// Source is the external license API
type Source interface {
	FetchPageWithFallback(ctx context.Context, cursor string, pageSize int) (*external.PageResult, error)
	FetchOne(ctx context.Context, appID string) (*types.ExternalLicense, error)
	PushUpdate(ctx context.Context, appID string, patch types.LicensePatch) (*types.PushAck, error)
	Health(ctx context.Context) error
}

// ResultStore persists the last sync result across restarts and instances
type ResultStore interface {
	Save(ctx context.Context, result interface{}) error
	Load(ctx context.Context, dest interface{}) error
}

// Degradation features owned by the service
const (
	FeatureRepository = "license_repository"
	FeaturePush       = "external_push"
	FeatureRedis      = "redis"
)

// forceWait is how long a forced trigger waits for the running sync
const forceWait = 30 * time.Second

// internalPageSize is how many internal records are streamed per query
const internalPageSize = 1000

// Config tunes the reconciler
type Config struct {
	BatchSize                     int
	ConcurrencyLimit              int
	MaxLicensesForComprehensive   int
	PageSize                      int
	PendingLimit                  int
	PendingBatchSize              int
	MaxBulkUpsertBatchSize        int
	MaxIndividualUpdatesBatchSize int
	ComprehensiveEnabled          bool
	LegacyEnabled                 bool
	BidirectionalEnabled          bool
	DryRunEnabled                 bool
	ForceWait                     time.Duration
}

// ConfigFromApp builds the reconciler config from application configuration
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		BatchSize:                     cfg.Sync.BatchSize,
		ConcurrencyLimit:              cfg.Sync.ConcurrencyLimit,
		MaxLicensesForComprehensive:   cfg.Sync.MaxLicensesForComprehensive,
		PageSize:                      cfg.Sync.PageSize,
		PendingLimit:                  cfg.Sync.PendingLimit,
		PendingBatchSize:              cfg.Sync.PendingBatchSize,
		MaxBulkUpsertBatchSize:        cfg.Database.MaxBulkUpsertBatchSize,
		MaxIndividualUpdatesBatchSize: cfg.Database.MaxIndividualUpdatesBatchSize,
		ComprehensiveEnabled:          cfg.Features.Comprehensive,
		LegacyEnabled:                 cfg.Features.Legacy,
		BidirectionalEnabled:          cfg.Features.Bidirectional,
		DryRunEnabled:                 cfg.Features.DryRun,
		ForceWait:                     forceWait,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 5
	}
	if c.MaxLicensesForComprehensive <= 0 {
		c.MaxLicensesForComprehensive = 50000
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 100
	}
	if c.PendingBatchSize <= 0 {
		c.PendingBatchSize = 25
	}
	if c.MaxBulkUpsertBatchSize <= 0 {
		c.MaxBulkUpsertBatchSize = 500
	}
	if c.MaxIndividualUpdatesBatchSize <= 0 {
		c.MaxIndividualUpdatesBatchSize = 10
	}
	if c.ForceWait <= 0 {
		c.ForceWait = forceWait
	}
	return c
}

// SyncOptions select the mode of a catalog run
type SyncOptions struct {
	// Force waits for a running sync instead of failing with ErrSyncInProgress
	Force bool
	// BatchSize overrides the configured batch size, 1-500
	BatchSize     int
	DryRun        bool
	Bidirectional bool
	// Comprehensive pages the whole catalog; false runs the legacy page-by-page sync
	Comprehensive bool
}

// Dependencies are the collaborators of the service. Repository and Source are required.
type Dependencies struct {
	Repository  Repository
	Source      Source
	Lock        DistributedLock
	LockTTL     time.Duration
	Results     ResultStore
	Breaker     *resilience.CircuitBreaker
	Monitor     *resilience.ErrorMonitor
	Degradation *resilience.DegradationManager
	Metrics     *metrics.Metrics
	Tracing     *tracing.TracingService
	Logger      *logging.Logger
}

// Service runs license reconciliation
type Service struct {
	config      Config
	repo        Repository
	source      Source
	tracker     *Tracker
	guard       *Guard
	exec        *executor
	results     ResultStore
	breaker     *resilience.CircuitBreaker
	monitor     *resilience.ErrorMonitor
	degradation *resilience.DegradationManager
	metrics     *metrics.Metrics
	tracing     *tracing.TracingService
	logger      *logging.Logger
	now         func() time.Time

	mu         sync.RWMutex
	lastResult *SyncResult
	external   ExternalStatus
}

// NewService creates a reconciliation service
func NewService(cfg Config, deps Dependencies) *Service {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	tracker := NewTracker(deps.Repository)
	s := &Service{
		config:      cfg,
		repo:        deps.Repository,
		source:      deps.Source,
		tracker:     tracker,
		guard:       NewGuard(deps.Lock, deps.LockTTL, logger),
		results:     deps.Results,
		breaker:     deps.Breaker,
		monitor:     deps.Monitor,
		degradation: deps.Degradation,
		metrics:     deps.Metrics,
		tracing:     deps.Tracing,
		logger:      logger,
		now:         time.Now,
		external:    ExternalStatus{Healthy: true},
	}
	s.exec = &executor{
		writer:          deps.Repository,
		tracker:         tracker,
		monitor:         deps.Monitor,
		metrics:         deps.Metrics,
		tracing:         deps.Tracing,
		logger:          logger,
		concurrency:     cfg.ConcurrencyLimit,
		bulkSize:        cfg.MaxBulkUpsertBatchSize,
		individualLimit: cfg.MaxIndividualUpdatesBatchSize,
	}

	if s.degradation != nil {
		s.degradation.RegisterFeature(FeatureRepository, 3, resilience.FallbackNone, resilience.LevelCritical)
		s.degradation.RegisterFeature(FeaturePush, 3, resilience.FallbackSkip, resilience.LevelPartial)
		if deps.Lock != nil || deps.Results != nil {
			s.degradation.RegisterFeature(FeatureRedis, 3, resilience.FallbackSkip, resilience.LevelPartial)
		}
	}
	s.guard.onLockError = func(err error) { s.reportFeature(FeatureRedis, err) }

	return s
}

// Tracker returns the sync state tracker
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// InProgress reports whether a guarded run is active in this process
func (s *Service) InProgress() bool {
	return s.guard.Running()
}

func (s *Service) reportFeature(name string, err error) {
	if s.degradation == nil {
		return
	}
	if err == nil {
		s.degradation.ReportSuccess(name)
		return
	}
	s.degradation.ReportFailure(name, err)
}

// reportRepository feeds repository outcomes to the monitor and degradation
// manager. Only critical errors say the repository itself is unhealthy.
func (s *Service) reportRepository(ctx context.Context, operation string, err error) {
	if err == nil {
		s.reportFeature(FeatureRepository, nil)
		return
	}
	if !errors.IsType(err, errors.ErrorTypeCritical) {
		return
	}
	if s.monitor != nil {
		s.monitor.RecordError(ctx, "repository."+operation, err)
	}
	s.reportFeature(FeatureRepository, err)
}

func (s *Service) resolveBatchSize(requested int) (int, error) {
	if requested == 0 {
		return s.config.BatchSize, nil
	}
	if requested < 1 || requested > 500 {
		return 0, errors.NewValidationError("batchSize must be between 1 and 500")
	}
	return requested, nil
}

func (s *Service) checkMode(mode string) error {
	if s.degradation == nil {
		return nil
	}
	ok, reason := s.degradation.CanRunMode(mode)
	if !ok {
		return errors.NewServiceUnavailableError("license sync").WithDetail("reason", reason)
	}
	if reason != "" {
		s.logger.Warn("Starting sync while degraded", "mode", mode, "reason", reason)
	}
	return nil
}

// Sync runs a comprehensive or legacy reconciliation of the whole catalog
func (s *Service) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	batchSize, err := s.resolveBatchSize(opts.BatchSize)
	if err != nil {
		return nil, err
	}

	mode := ModeComprehensive
	if !opts.Comprehensive {
		mode = ModeLegacy
		if !s.config.LegacyEnabled {
			return nil, errors.NewValidationError("legacy sync is disabled")
		}
	} else if !s.config.ComprehensiveEnabled {
		return nil, errors.NewValidationError("comprehensive sync is disabled")
	}
	if opts.Bidirectional && !s.config.BidirectionalEnabled {
		return nil, errors.NewValidationError("bidirectional sync is disabled")
	}
	if opts.DryRun && !s.config.DryRunEnabled {
		return nil, errors.NewValidationError("dry run is disabled")
	}
	if err := s.checkMode(mode); err != nil {
		return nil, err
	}

	wait := time.Duration(0)
	if opts.Force {
		wait = s.config.ForceWait
	}
	release, err := s.guard.Acquire(ctx, wait)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := s.tracing.StartSyncSpan(ctx, mode, runID)

	s.metrics.SetSyncInProgress(true)
	defer s.metrics.SetSyncInProgress(false)

	start := s.now()
	result := &SyncResult{
		RunID:     runID,
		Mode:      mode,
		DryRun:    opts.DryRun,
		Errors:    []RecordError{},
		Timestamp: start.UTC(),
	}

	s.logger.LogSyncEvent(ctx, "started", mode, logrus.Fields{
		"batch_size":    batchSize,
		"dry_run":       opts.DryRun,
		"bidirectional": opts.Bidirectional,
	})

	t := &tally{}
	if mode == ModeComprehensive {
		err = s.runComprehensive(ctx, runID, batchSize, opts, result, t)
	} else {
		err = s.runLegacy(ctx, runID, batchSize, opts, result, t)
	}

	result.Created = t.created
	result.Updated = t.updated
	result.Unchanged = t.unchanged
	result.Failed += t.failed
	result.Errors = append(result.Errors, t.errorList()...)
	if err != nil {
		result.Errors = append(result.Errors, RecordError{Message: err.Error()})
	}
	result.Success = err == nil && result.Failed == 0
	duration := s.now().Sub(start)
	result.DurationMS = duration.Milliseconds()

	tracing.End(span, err)
	s.metrics.RecordSyncRun(mode, result.Success, duration)
	s.logger.LogSyncEvent(ctx, "completed", mode, logrus.Fields{
		"success":       result.Success,
		"total_fetched": result.TotalFetched,
		"created":       result.Created,
		"updated":       result.Updated,
		"unchanged":     result.Unchanged,
		"failed":        result.Failed,
		"internal_only": result.InternalOnly,
		"pushed":        result.Pushed,
		"stale":         result.Stale,
		"duration_ms":   result.DurationMS,
	})
	s.storeResult(ctx, result)

	return result, err
}

// fetchCatalog pages through the external catalog up to the configured maximum
func (s *Service) fetchCatalog(ctx context.Context, result *SyncResult) ([]*types.ExternalLicense, error) {
	var (
		catalog []*types.ExternalLicense
		cursor  string
		seen    = map[string]bool{}
	)

	for {
		page, err := s.source.FetchPageWithFallback(ctx, cursor, s.config.PageSize)
		if err != nil {
			return nil, err
		}
		result.Stale = result.Stale || page.Stale

		for i := range page.Page.Records {
			if len(catalog) >= s.config.MaxLicensesForComprehensive {
				result.Truncated = true
				break
			}
			catalog = append(catalog, &page.Page.Records[i])
		}

		next := page.Page.NextCursor
		if result.Truncated || next == nil {
			break
		}
		if seen[*next] {
			s.logger.Warn("External API repeated a cursor, stopping pagination", "cursor", *next)
			break
		}
		seen[*next] = true
		cursor = *next
	}

	if result.Truncated {
		s.logger.Warn("External catalog exceeds comprehensive limit, truncating",
			"limit", s.config.MaxLicensesForComprehensive,
		)
	}
	return catalog, nil
}

func (s *Service) runComprehensive(ctx context.Context, runID string, batchSize int, opts SyncOptions, result *SyncResult, t *tally) error {
	catalog, err := s.fetchCatalog(ctx, result)
	if err != nil {
		return err
	}
	result.TotalFetched = len(catalog)

	index := make(map[string]*types.ExternalLicense, len(catalog))
	order := make([]string, 0, len(catalog))
	for _, ext := range catalog {
		if _, dup := index[ext.AppID]; !dup {
			order = append(order, ext.AppID)
		}
		index[ext.AppID] = ext
	}

	actions := make([]Action, 0, len(index))
	matched := make(map[string]bool, len(index))
	var internalOnly []*types.LicenseRecord

	after := ""
	for {
		records, err := s.repo.ListInternal(ctx, types.LicenseFilter{AfterAppID: after, Limit: internalPageSize})
		s.reportRepository(ctx, "list", err)
		if err != nil {
			return err
		}

		for _, rec := range records {
			ext, ok := index[rec.AppID]
			if !ok {
				internalOnly = append(internalOnly, rec)
				continue
			}
			matched[rec.AppID] = true
			actions = append(actions, Classify(ext, rec))
		}

		if len(records) < internalPageSize {
			break
		}
		after = records[len(records)-1].AppID
	}

	for _, appID := range order {
		if !matched[appID] {
			actions = append(actions, Classify(index[appID], nil))
		}
	}

	// an incomplete catalog cannot tell which records are internal only
	if !result.Truncated {
		result.InternalOnly = len(internalOnly)
	}

	if err := s.exec.run(ctx, runID, actions, batchSize, opts.DryRun, t); err != nil {
		s.reportRepository(ctx, "write", err)
		return err
	}

	if opts.Bidirectional && !result.Truncated && len(internalOnly) > 0 {
		if result.Stale {
			s.logger.Warn("Skipping push of internal-only licenses on a stale catalog", "count", len(internalOnly))
			return nil
		}
		return s.pushInternalOnly(ctx, internalOnly, opts.DryRun, result)
	}
	return nil
}

func (s *Service) runLegacy(ctx context.Context, runID string, batchSize int, opts SyncOptions, result *SyncResult, t *tally) error {
	cursor := ""
	seen := map[string]bool{}

	for {
		page, err := s.source.FetchPageWithFallback(ctx, cursor, s.config.PageSize)
		if err != nil {
			return err
		}
		result.Stale = result.Stale || page.Stale

		records := page.Page.Records
		if remaining := s.config.MaxLicensesForComprehensive - result.TotalFetched; len(records) > remaining {
			records = records[:remaining]
			result.Truncated = true
		}
		result.TotalFetched += len(records)

		appIDs := make([]string, len(records))
		for i := range records {
			appIDs[i] = records[i].AppID
		}
		existing, err := s.repo.GetByAppIDs(ctx, appIDs)
		s.reportRepository(ctx, "list", err)
		if err != nil {
			return err
		}
		byAppID := make(map[string]*types.LicenseRecord, len(existing))
		for _, rec := range existing {
			byAppID[rec.AppID] = rec
		}

		actions := make([]Action, 0, len(records))
		for i := range records {
			actions = append(actions, Classify(&records[i], byAppID[records[i].AppID]))
		}
		if err := s.exec.run(ctx, runID, actions, batchSize, opts.DryRun, t); err != nil {
			s.reportRepository(ctx, "write", err)
			return err
		}

		next := page.Page.NextCursor
		if result.Truncated || next == nil || seen[*next] {
			return nil
		}
		seen[*next] = true
		cursor = *next
	}
}

// pushInternalOnly sends records the external side does not know about.
// Records present on both sides are never pushed: the external side wins.
func (s *Service) pushInternalOnly(ctx context.Context, records []*types.LicenseRecord, dryRun bool, result *SyncResult) error {
	if dryRun {
		result.Pushed = len(records)
		return nil
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		pushed int
		errs   []RecordError
		fatal  error
	)
	g.SetLimit(s.config.ConcurrencyLimit)
	for _, rec := range records {
		rec := rec
		if ctx.Err() != nil {
			break
		}
		if s.degradation != nil && !s.degradation.IsAvailable(FeaturePush) {
			mu.Lock()
			errs = append(errs, RecordError{AppID: rec.AppID, Message: "push skipped: external push degraded"})
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			_, err := s.source.PushUpdate(ctx, rec.AppID, types.PatchFromRecord(rec))
			if err == nil || !stderrors.Is(err, context.Canceled) {
				s.reportFeature(FeaturePush, pushFailure(err))
			}
			if err == nil {
				markErr := s.tracker.MarkSynced(ctx, rec.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case markErr == nil:
					pushed++
				case errors.IsType(markErr, errors.ErrorTypeCritical):
					fatal = markErr
				default:
					errs = append(errs, RecordError{AppID: rec.AppID, Message: "pushed but sync state not recorded: " + markErr.Error()})
				}
				return nil
			}

			mu.Lock()
			errs = append(errs, RecordError{AppID: rec.AppID, Message: err.Error()})
			mu.Unlock()
			if markErr := s.tracker.MarkFailed(ctx, rec.ID, err); markErr != nil && errors.IsType(markErr, errors.ErrorTypeCritical) {
				mu.Lock()
				fatal = markErr
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Pushed = pushed
	result.Failed += len(errs)
	result.Errors = append(result.Errors, errs...)
	if fatal != nil {
		s.reportRepository(ctx, "write", fatal)
	}
	return fatal
}

// pushFailure keeps only errors that say the push endpoint is unhealthy
func pushFailure(err error) error {
	if err == nil {
		return nil
	}
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeNotFound:
		return nil
	}
	return err
}

// SyncOne reconciles a single license. A license missing on the external
// side yields a not_found error.
func (s *Service) SyncOne(ctx context.Context, appID string) (*types.LicenseRecord, error) {
	if appID == "" {
		return nil, errors.NewValidationError("appid is required")
	}
	if err := s.checkMode(ModeSingle); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithAppID(logging.WithRunID(ctx, runID), appID)
	ctx, span := s.tracing.StartSyncSpan(ctx, ModeSingle, runID)
	start := s.now()

	record, err := s.syncOne(ctx, runID, appID)

	tracing.End(span, err)
	s.metrics.RecordSyncRun(ModeSingle, err == nil, s.now().Sub(start))
	return record, err
}

func (s *Service) syncOne(ctx context.Context, runID, appID string) (*types.LicenseRecord, error) {
	internal, err := s.repo.GetByAppID(ctx, appID)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		s.reportRepository(ctx, "get", err)
		return nil, err
	}
	if err != nil {
		internal = nil
	}

	ext, err := s.source.FetchOne(ctx, appID)
	if err != nil {
		if internal != nil && !stderrors.Is(err, context.Canceled) {
			if markErr := s.tracker.MarkFailed(ctx, internal.ID, err); markErr != nil {
				s.logger.Warn("Failed to mark license failed", "appid", appID, "error", markErr)
			}
		}
		return nil, err
	}

	t := &tally{}
	if err := s.exec.run(ctx, runID, []Action{Classify(ext, internal)}, 1, false, t); err != nil {
		s.reportRepository(ctx, "write", err)
		return nil, err
	}
	if errs := t.errorList(); len(errs) > 0 {
		return nil, errors.NewLicenseError(appID, errs[0].Message)
	}

	record, err := s.repo.GetByAppID(ctx, appID)
	s.reportRepository(ctx, "get", err)
	return record, err
}

// SyncPending refetches up to limit pending or failed licenses and applies
// the result in batches of batchSize. Synced licenses are never selected.
func (s *Service) SyncPending(ctx context.Context, limit, batchSize int) (*PendingResult, error) {
	if limit == 0 {
		limit = s.config.PendingLimit
	}
	if batchSize == 0 {
		batchSize = s.config.PendingBatchSize
	}
	if limit < 1 || limit > 1000 {
		return nil, errors.NewValidationError("limit must be between 1 and 1000")
	}
	if batchSize < 1 || batchSize > 100 {
		return nil, errors.NewValidationError("batchSize must be between 1 and 100")
	}
	if err := s.checkMode(ModePending); err != nil {
		return nil, err
	}

	release, err := s.guard.Acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := s.tracing.StartSyncSpan(ctx, ModePending, runID)
	start := s.now()

	result, err := s.syncPending(ctx, runID, limit, batchSize)
	duration := s.now().Sub(start)
	result.RunID = runID
	result.DurationMS = duration.Milliseconds()
	result.Timestamp = start.UTC()
	result.Success = err == nil && result.Failed == 0
	if err != nil {
		result.Errors = append(result.Errors, RecordError{Message: err.Error()})
	}

	tracing.End(span, err)
	s.metrics.RecordSyncRun(ModePending, result.Success, duration)
	s.logger.LogSyncEvent(ctx, "completed", ModePending, logrus.Fields{
		"processed": result.Processed,
		"synced":    result.Synced,
		"failed":    result.Failed,
	})
	return result, err
}

func (s *Service) syncPending(ctx context.Context, runID string, limit, batchSize int) (*PendingResult, error) {
	result := &PendingResult{Errors: []RecordError{}}

	records, err := s.repo.ListInternal(ctx, types.LicenseFilter{
		SyncStatuses: []types.SyncStatus{types.SyncStatusPending, types.SyncStatusFailed},
		Limit:        limit,
	})
	s.reportRepository(ctx, "list", err)
	if err != nil {
		return result, err
	}
	result.Processed = len(records)

	var retried []uuid.UUID
	for _, rec := range records {
		if rec.SyncState.Status == types.SyncStatusFailed {
			retried = append(retried, rec.ID)
			rec.SyncState.Status = types.SyncStatusPending
		}
	}
	if err := s.tracker.MarkPendingBatch(ctx, retried); err != nil {
		s.reportRepository(ctx, "write", err)
		return result, err
	}

	t := &tally{}
	actions := make([]Action, len(records))
	fetchErrs := make([]error, len(records))

	var g errgroup.Group
	g.SetLimit(s.config.ConcurrencyLimit)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			ext, err := s.source.FetchOne(ctx, rec.AppID)
			if err != nil {
				fetchErrs[i] = err
				return nil
			}
			actions[i] = Classify(ext, rec)
			return nil
		})
	}
	_ = g.Wait()

	ready := make([]Action, 0, len(records))
	for i, rec := range records {
		if err := fetchErrs[i]; err != nil {
			t.fail(rec.AppID, err)
			if markErr := s.tracker.MarkFailed(ctx, rec.ID, err); markErr != nil && errors.IsType(markErr, errors.ErrorTypeCritical) {
				s.reportRepository(ctx, "write", markErr)
				return s.pendingTotals(result, t), markErr
			}
			continue
		}
		ready = append(ready, actions[i])
	}

	if err := s.exec.run(ctx, runID, ready, batchSize, false, t); err != nil {
		s.reportRepository(ctx, "write", err)
		return s.pendingTotals(result, t), err
	}
	return s.pendingTotals(result, t), nil
}

func (s *Service) pendingTotals(result *PendingResult, t *tally) *PendingResult {
	result.Synced = t.created + t.updated + t.unchanged
	result.Failed = t.failed
	result.Errors = append(result.Errors, t.errorList()...)
	return result
}

func (s *Service) storeResult(ctx context.Context, result *SyncResult) {
	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	if s.results == nil {
		return
	}
	err := s.results.Save(context.WithoutCancel(ctx), result)
	s.reportFeature(FeatureRedis, err)
	if err != nil {
		s.logger.Warn("Failed to persist sync result", "run_id", result.RunID, "error", err)
	}
}

// LastResult returns the most recent catalog run, from memory or the result
// store. It is nil when no run has completed.
func (s *Service) LastResult(ctx context.Context) *SyncResult {
	s.mu.RLock()
	last := s.lastResult
	s.mu.RUnlock()
	if last != nil || s.results == nil {
		return last
	}

	var stored SyncResult
	if err := s.results.Load(ctx, &stored); err != nil {
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			s.logger.Warn("Failed to load last sync result", "error", err)
		}
		return nil
	}

	s.mu.Lock()
	if s.lastResult == nil {
		s.lastResult = &stored
	}
	last = s.lastResult
	s.mu.Unlock()
	return last
}
