// Package scheduler runs periodic license syncs and external health checks.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/license-sync/internal/licensesync"
	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// Syncer is the part of the sync service the scheduler drives
type Syncer interface {
	Sync(ctx context.Context, opts licensesync.SyncOptions) (*licensesync.SyncResult, error)
	SyncPending(ctx context.Context, limit, batchSize int) (*licensesync.PendingResult, error)
	CheckExternal(ctx context.Context) licensesync.ExternalStatus
}

// Config sets the job intervals. A zero interval disables the job.
type Config struct {
	SyncInterval        time.Duration
	PendingInterval     time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	PendingLimit        int
	PendingBatchSize    int
	// Comprehensive selects the mode of scheduled catalog runs
	Comprehensive   bool
	ShutdownTimeout time.Duration
}

// ConfigFromApp builds the scheduler config from application configuration
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		SyncInterval:        cfg.Sync.Interval,
		PendingInterval:     cfg.Sync.PendingInterval,
		HealthCheckInterval: cfg.HealthCheck.Interval,
		HealthCheckTimeout:  cfg.HealthCheck.Timeout,
		PendingLimit:        cfg.Sync.PendingLimit,
		PendingBatchSize:    cfg.Sync.PendingBatchSize,
		Comprehensive:       cfg.Features.Comprehensive || !cfg.Features.Legacy,
		ShutdownTimeout:     30 * time.Second,
	}
}

// Stats counts job outcomes
type Stats struct {
	SyncRuns     int64     `json:"sync_runs"`
	PendingRuns  int64     `json:"pending_runs"`
	HealthChecks int64     `json:"health_checks"`
	Skipped      int64     `json:"skipped"`
	Failures     int64     `json:"failures"`
	StartedAt    time.Time `json:"started_at"`
}

// Scheduler owns one goroutine per enabled job
type Scheduler struct {
	syncer Syncer
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   Stats
}

// New creates a scheduler
func New(syncer Syncer, cfg Config, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Scheduler{syncer: syncer, config: cfg, logger: logger}
}

// Start launches the jobs. Starting a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stats.StartedAt = time.Now()

	var wg sync.WaitGroup
	s.spawn(ctx, &wg, "sync", s.config.SyncInterval, s.runSync)
	s.spawn(ctx, &wg, "pending", s.config.PendingInterval, s.runPending)
	s.spawn(ctx, &wg, "health", s.config.HealthCheckInterval, s.runHealthCheck)

	done := s.done
	go func() {
		wg.Wait()
		close(done)
	}()

	s.logger.Info("Scheduler started",
		"sync_interval", s.config.SyncInterval.String(),
		"pending_interval", s.config.PendingInterval.String(),
		"health_interval", s.config.HealthCheckInterval.String(),
	)
}

func (s *Scheduler) spawn(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		s.logger.Info("Scheduled job disabled", "job", name)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

// Stop cancels the jobs and waits for the running one to return.
// Stopping a stopped scheduler does nothing.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return stderrors.New("scheduler shutdown timed out")
	}
}

// IsRunning reports whether the jobs are running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetStats returns job counters
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// outcome logs err and reports whether the run counts as executed
func (s *Scheduler) outcome(ctx context.Context, job string, err error) bool {
	switch {
	case err == nil:
		return true
	case stderrors.Is(err, licensesync.ErrSyncInProgress):
		s.count(func(st *Stats) { st.Skipped++ })
		s.logger.Info("Scheduled run skipped, sync already in progress", "job", job)
		return false
	case ctx.Err() != nil:
		return false
	default:
		s.count(func(st *Stats) { st.Failures++ })
		s.logger.LogError(ctx, err, "Scheduled run failed", logrus.Fields{"job": job})
		return true
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	_, err := s.syncer.Sync(ctx, licensesync.SyncOptions{Comprehensive: s.config.Comprehensive})
	if s.outcome(ctx, "sync", err) {
		s.count(func(st *Stats) { st.SyncRuns++ })
	}
}

func (s *Scheduler) runPending(ctx context.Context) {
	_, err := s.syncer.SyncPending(ctx, s.config.PendingLimit, s.config.PendingBatchSize)
	if s.outcome(ctx, "pending", err) {
		s.count(func(st *Stats) { st.PendingRuns++ })
	}
}

func (s *Scheduler) runHealthCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.HealthCheckTimeout)
	defer cancel()

	status := s.syncer.CheckExternal(ctx)
	s.count(func(st *Stats) { st.HealthChecks++ })
	if !status.Healthy {
		s.logger.Warn("External API unhealthy", "circuit_state", status.CircuitState)
	}
}
