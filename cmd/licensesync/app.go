package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/license-sync/internal/api"
	"github.com/NikhilSetiya/license-sync/internal/cache"
	"github.com/NikhilSetiya/license-sync/internal/database"
	"github.com/NikhilSetiya/license-sync/internal/external"
	"github.com/NikhilSetiya/license-sync/internal/licensesync"
	"github.com/NikhilSetiya/license-sync/internal/lock"
	"github.com/NikhilSetiya/license-sync/internal/scheduler"
	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/health"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
	"github.com/NikhilSetiya/license-sync/pkg/metrics"
	"github.com/NikhilSetiya/license-sync/pkg/resilience"
	"github.com/NikhilSetiya/license-sync/pkg/tracing"
)

const syncLockKey = "license_sync:lock:sync"

// app holds every wired component of a running process
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	db        *database.DB
	redis     *cache.RedisClient
	tracing   *tracing.TracingService
	metrics   *metrics.Metrics
	collector *metrics.MetricsCollector
	monitor   *resilience.ErrorMonitor

	external  *external.Client
	sync      *licensesync.Service
	health    *health.Service
	scheduler *scheduler.Scheduler
}

// newApp connects the stores and builds the sync service around them
func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db

	if cfg.Redis.Enabled {
		redis, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			// the sync runs without a distributed lock or snapshots
			logger.Warn("Redis unavailable, continuing without it", "error", err.Error())
		} else {
			a.redis = redis
		}
	}

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracing = tracer

	a.metrics = metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	breakers := resilience.NewRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.ResetTimeout,
		MonitoringPeriod: cfg.CircuitBreaker.MonitoringPeriod,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			a.metrics.RecordCircuitTransition(name, from.String(), to.String(), int(to))
		},
		Logger: logger,
	})

	alerts := resilience.NewAlertManager(logger)
	alerts.AddHandler(resilience.NewLoggingAlertHandler(logger))
	if cfg.Monitor.WebhookURL != "" {
		alerts.AddHandler(resilience.NewWebhookAlertHandler(cfg.Monitor.WebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}

	a.monitor = resilience.NewErrorMonitor(resilience.MonitorConfig{
		Window:   cfg.Monitor.Window,
		Cooldown: cfg.Monitor.Cooldown,
		Thresholds: map[resilience.Severity]int{
			resilience.SeverityLow:      cfg.Monitor.LowThreshold,
			resilience.SeverityMedium:   cfg.Monitor.MediumThreshold,
			resilience.SeverityHigh:     cfg.Monitor.HighThreshold,
			resilience.SeverityCritical: cfg.Monitor.CriticalThreshold,
		},
		Logger: logger,
	}, alerts)
	a.monitor.OnAlert(func(alert resilience.Alert) {
		a.metrics.RecordAlert(alert.Severity.String())
	})

	degradation := resilience.NewDegradationManager(logger)

	var (
		snapshots *cache.SnapshotCache
		results   licensesync.ResultStore
		locker    licensesync.DistributedLock
	)
	if a.redis != nil {
		cacheConfig := cache.DefaultConfig()
		if cfg.Redis.SnapshotTTL > 0 {
			cacheConfig.SnapshotTTL = cfg.Redis.SnapshotTTL
		}
		cacheService := cache.NewService(a.redis, cacheConfig, a.metrics)
		snapshots = cache.NewSnapshotCache(cacheService)
		results = cache.NewResultStore(cacheService)
		locker = lock.NewLocker(a.redis.Client(), syncLockKey)
	}

	a.external = external.NewClient(external.ConfigFromApp(cfg), external.Dependencies{
		Breakers:    breakers,
		Monitor:     a.monitor,
		Degradation: degradation,
		Snapshots:   snapshots,
		Metrics:     a.metrics,
		Tracing:     tracer,
		Logger:      logger,
	})

	a.sync = licensesync.NewService(licensesync.ConfigFromApp(cfg), licensesync.Dependencies{
		Repository:  database.NewLicenseRepository(db),
		Source:      a.external,
		Lock:        locker,
		LockTTL:     cfg.Redis.LockTTL,
		Results:     results,
		Breaker:     a.external.Breaker(),
		Monitor:     a.monitor,
		Degradation: degradation,
		Metrics:     a.metrics,
		Tracing:     tracer,
		Logger:      logger,
	})

	a.health = health.NewService(logger, &health.Config{
		Timeout:  cfg.HealthCheck.Timeout,
		Metadata: map[string]string{"version": version},
	})
	a.health.RegisterChecker("database", health.NewDatabaseChecker(db, "postgres"), true)
	if a.redis != nil {
		a.health.RegisterChecker("redis", health.NewRedisChecker(a.redis.Client(), "redis"), false)
	}
	a.health.RegisterChecker("external_api", health.NewCustomChecker("external_api", func(ctx context.Context) (health.Status, string, error) {
		status := a.sync.CheckExternal(ctx)
		if status.Healthy {
			return health.StatusHealthy, "External license API reachable", nil
		}
		if status.Error != nil {
			return health.StatusDegraded, *status.Error, nil
		}
		return health.StatusDegraded, "External license API unreachable", nil
	}), false)

	a.collector = metrics.NewMetricsCollector(a.metrics, 15*time.Second, db.PoolStats, func() (int, int) {
		return a.monitor.HealthScore(), int(degradation.CurrentLevel())
	})

	if cfg.Features.Scheduler {
		a.scheduler = scheduler.New(a.sync, scheduler.ConfigFromApp(cfg), logger)
	}

	return a, nil
}

// router builds the HTTP handler for the wired service
func (a *app) router() *gin.Engine {
	return api.NewRouter(api.Dependencies{
		Config:  a.cfg,
		Sync:    a.sync,
		Health:  a.health,
		Metrics: a.metrics,
		Tracing: a.tracing,
		Logger:  a.logger,
	})
}

// Close releases connections in reverse order of acquisition
func (a *app) Close() {
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", "error", err.Error())
		}
		cancel()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis", "error", err.Error())
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", "error", err.Error())
		}
	}
}
