package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Critical checks make the whole service unhealthy; others only degrade it
	Critical bool `json:"critical"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	critical map[string]bool
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Service{
		checkers: make(map[string]Checker),
		critical: make(map[string]bool),
		logger:   logger,
		metadata: config.Metadata,
		timeout:  config.Timeout,
	}
}

// RegisterChecker registers a health checker. A failing critical checker
// makes the response unhealthy; a failing non-critical one only degrades it.
func (s *Service) RegisterChecker(name string, checker Checker, critical bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
	s.critical[name] = critical
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
	delete(s.critical, name)
}

// CheckHealth performs all health checks concurrently
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	critical := make(map[string]bool, len(s.critical))
	for name, checker := range s.checkers {
		checkers[name] = checker
		critical[name] = s.critical[name]
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			check := checker.Check(checkCtx)
			check.Critical = critical[name]

			mutex.Lock()
			defer mutex.Unlock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				if check.Critical {
					overallStatus = StatusUnhealthy
				} else if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
		}(name, checker)
	}

	wg.Wait()

	if overallStatus != StatusHealthy {
		s.logger.Warn("Health check reported problems", "status", string(overallStatus))
	}

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks. Degraded still answers 200.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := s.CheckHealth(c.Request.Context())

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := s.CheckHealth(c.Request.Context())

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// DatabasePinger is the part of the database wrapper the checker needs
type DatabasePinger interface {
	Health(ctx context.Context) error
	Stats() sql.DBStats
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db   DatabasePinger
	name string
}

// NewDatabaseChecker creates a new database health checker
func NewDatabaseChecker(db DatabasePinger, name string) *DatabaseChecker {
	return &DatabaseChecker{
		db:   db,
		name: name,
	}
}

// Check performs database health check
func (dc *DatabaseChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      dc.name,
		Timestamp: start,
	}

	if dc.db == nil {
		check.Status = StatusUnhealthy
		check.Error = "database connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := dc.db.Health(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := dc.db.Stats()
	check.Status = StatusHealthy
	check.Message = "database is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
		"idle_connections": fmt.Sprintf("%d", stats.Idle),
		"max_connections":  fmt.Sprintf("%d", stats.MaxOpenConnections),
	}

	if stats.MaxOpenConnections > 0 && stats.InUse > int(float64(stats.MaxOpenConnections)*0.8) {
		check.Status = StatusDegraded
		check.Message = "database connection pool is running low"
	}

	return check
}

// RedisChecker checks Redis connectivity
type RedisChecker struct {
	client redis.UniversalClient
	name   string
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(client redis.UniversalClient, name string) *RedisChecker {
	return &RedisChecker{
		client: client,
		name:   name,
	}
}

// Check performs Redis health check
func (rc *RedisChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if rc.client == nil {
		check.Status = StatusUnhealthy
		check.Error = "redis connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := rc.client.Ping(ctx).Err(); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "redis is healthy"
	check.Duration = time.Since(start)
	if stats := rc.client.PoolStats(); stats != nil {
		check.Metadata = map[string]string{
			"total_connections": fmt.Sprintf("%d", stats.TotalConns),
			"idle_connections":  fmt.Sprintf("%d", stats.IdleConns),
			"stale_connections": fmt.Sprintf("%d", stats.StaleConns),
		}
	}

	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
