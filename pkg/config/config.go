package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server         ServerConfig         `json:"server"`
	Database       DatabaseConfig       `json:"database"`
	Redis          RedisConfig          `json:"redis"`
	ExternalAPI    ExternalAPIConfig    `json:"external_api"`
	Sync           SyncConfig           `json:"sync"`
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	HealthCheck    HealthCheckConfig    `json:"health_check"`
	Monitor        MonitorConfig        `json:"monitor"`
	Features       FeatureFlags         `json:"features"`
	Auth           AuthConfig           `json:"auth"`
	Logging        LoggingConfig        `json:"logging"`
	Tracing        TracingConfig        `json:"tracing"`
	Metrics        MetricsConfig        `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	// CORSOrigins is a comma separated allow-list; empty allows all origins
	CORSOrigins []string `json:"cors_origins"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	// MaxBulkUpsertBatchSize bounds the rows sent in one bulk upsert statement
	MaxBulkUpsertBatchSize int `json:"max_bulk_upsert_batch_size"`
	// MaxIndividualUpdatesBatchSize bounds concurrent single-row fallbacks
	MaxIndividualUpdatesBatchSize int `json:"max_individual_updates_batch_size"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	// SnapshotTTL is how long the last-known external catalog is kept for fallback
	SnapshotTTL time.Duration `json:"snapshot_ttl"`
	// LockTTL is the expiry of the distributed single-flight lock
	LockTTL time.Duration `json:"lock_ttl"`
}

// ExternalAPIConfig describes the third-party license API
type ExternalAPIConfig struct {
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"-"`
	Timeout        time.Duration `json:"timeout"`
	FetchTimeout   time.Duration `json:"fetch_timeout"`
	PushTimeout    time.Duration `json:"push_timeout"`
	RateLimitRPS   float64       `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
}

// SyncConfig tunes the reconciler
type SyncConfig struct {
	BatchSize                   int           `json:"batch_size"`
	ConcurrencyLimit            int           `json:"concurrency_limit"`
	MaxLicensesForComprehensive int           `json:"max_licenses_for_comprehensive"`
	PageSize                    int           `json:"page_size"`
	Interval                    time.Duration `json:"interval"`
	PendingInterval             time.Duration `json:"pending_interval"`
	PendingLimit                int           `json:"pending_limit"`
	PendingBatchSize            int           `json:"pending_batch_size"`
}

// RetryConfig holds the default retry policy for external calls
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
}

// CircuitBreakerConfig holds the defaults applied by the breaker registry
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	MonitoringPeriod time.Duration `json:"monitoring_period"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// HealthCheckConfig drives the periodic external health probe
type HealthCheckConfig struct {
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold int           `json:"failure_threshold"`
}

// MonitorConfig controls error-rate alerting
type MonitorConfig struct {
	Window            time.Duration `json:"window"`
	Cooldown          time.Duration `json:"cooldown"`
	LowThreshold      int           `json:"low_threshold"`
	MediumThreshold   int           `json:"medium_threshold"`
	HighThreshold     int           `json:"high_threshold"`
	CriticalThreshold int           `json:"critical_threshold"`
	WebhookURL        string        `json:"webhook_url"`
}

// FeatureFlags toggles sync modes
type FeatureFlags struct {
	Comprehensive bool `json:"comprehensive"`
	Legacy        bool `json:"legacy"`
	Bidirectional bool `json:"bidirectional"`
	DryRun        bool `json:"dry_run"`
	Scheduler     bool `json:"scheduler"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer auth on the sync routes when set
	JWTSecret string `json:"-"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Minute),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  getEnvList("SERVER_CORS_ORIGINS"),
		},
		Database: DatabaseConfig{
			Host:                          getEnvString("DB_HOST", "localhost"),
			Port:                          getEnvInt("DB_PORT", 5432),
			Name:                          getEnvString("DB_NAME", "license_sync"),
			User:                          getEnvString("DB_USER", "license_sync"),
			Password:                      getEnvString("DB_PASSWORD", ""),
			SSLMode:                       getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:                  getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:                  getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:               getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MaxBulkUpsertBatchSize:        getEnvInt("DB_MAX_BULK_UPSERT_BATCH_SIZE", 500),
			MaxIndividualUpdatesBatchSize: getEnvInt("DB_MAX_INDIVIDUAL_UPDATES_BATCH_SIZE", 10),
		},
		Redis: RedisConfig{
			Enabled:     getEnvBool("REDIS_ENABLED", true),
			Host:        getEnvString("REDIS_HOST", "localhost"),
			Port:        getEnvInt("REDIS_PORT", 6379),
			Password:    getEnvString("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PoolSize:    getEnvInt("REDIS_POOL_SIZE", 10),
			SnapshotTTL: getEnvDuration("REDIS_SNAPSHOT_TTL", 24*time.Hour),
			LockTTL:     getEnvDuration("REDIS_LOCK_TTL", 30*time.Minute),
		},
		ExternalAPI: ExternalAPIConfig{
			BaseURL:        getEnvString("EXTERNAL_API_BASE_URL", ""),
			APIKey:         getEnvString("EXTERNAL_API_KEY", ""),
			Timeout:        getEnvDuration("EXTERNAL_API_TIMEOUT", 30*time.Second),
			FetchTimeout:   getEnvDuration("EXTERNAL_API_FETCH_TIMEOUT", 20*time.Second),
			PushTimeout:    getEnvDuration("EXTERNAL_API_PUSH_TIMEOUT", 45*time.Second),
			RateLimitRPS:   getEnvFloat("EXTERNAL_API_RATE_LIMIT_RPS", 10),
			RateLimitBurst: getEnvInt("EXTERNAL_API_RATE_LIMIT_BURST", 20),
		},
		Sync: SyncConfig{
			BatchSize:                   getEnvInt("SYNC_BATCH_SIZE", 100),
			ConcurrencyLimit:            getEnvInt("SYNC_CONCURRENCY_LIMIT", 5),
			MaxLicensesForComprehensive: getEnvInt("SYNC_MAX_LICENSES_FOR_COMPREHENSIVE", 50000),
			PageSize:                    getEnvInt("SYNC_PAGE_SIZE", 100),
			Interval:                    getEnvDuration("SYNC_INTERVAL", time.Hour),
			PendingInterval:             getEnvDuration("SYNC_PENDING_INTERVAL", 10*time.Minute),
			PendingLimit:                getEnvInt("SYNC_PENDING_LIMIT", 100),
			PendingBatchSize:            getEnvInt("SYNC_PENDING_BATCH_SIZE", 25),
		},
		Retry: RetryConfig{
			MaxRetries:        getEnvInt("SYNC_RETRY_MAX_RETRIES", 3),
			InitialDelay:      getEnvDuration("SYNC_RETRY_DELAY", time.Second),
			MaxDelay:          getEnvDuration("SYNC_RETRY_MAX_DELAY", 30*time.Second),
			BackoffMultiplier: getEnvFloat("SYNC_RETRY_BACKOFF_MULTIPLIER", 2.0),
			Jitter:            getEnvBool("SYNC_RETRY_JITTER", true),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", 2),
			ResetTimeout:     getEnvDuration("CIRCUIT_BREAKER_RESET_TIMEOUT", 60*time.Second),
			MonitoringPeriod: getEnvDuration("CIRCUIT_BREAKER_MONITORING_PERIOD", 2*time.Minute),
			HalfOpenMaxCalls: getEnvInt("CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS", 1),
		},
		HealthCheck: HealthCheckConfig{
			Interval:         getEnvDuration("HEALTH_CHECK_INTERVAL", time.Minute),
			Timeout:          getEnvDuration("HEALTH_CHECK_TIMEOUT", 10*time.Second),
			FailureThreshold: getEnvInt("HEALTH_CHECK_FAILURE_THRESHOLD", 3),
		},
		Monitor: MonitorConfig{
			Window:            getEnvDuration("MONITOR_WINDOW", 5*time.Minute),
			Cooldown:          getEnvDuration("MONITOR_ALERT_COOLDOWN", 15*time.Minute),
			LowThreshold:      getEnvInt("MONITOR_LOW_THRESHOLD", 100),
			MediumThreshold:   getEnvInt("MONITOR_MEDIUM_THRESHOLD", 25),
			HighThreshold:     getEnvInt("MONITOR_HIGH_THRESHOLD", 10),
			CriticalThreshold: getEnvInt("MONITOR_CRITICAL_THRESHOLD", 1),
			WebhookURL:        getEnvString("MONITOR_ALERT_WEBHOOK_URL", ""),
		},
		Features: FeatureFlags{
			Comprehensive: getEnvBool("FEATURE_COMPREHENSIVE_SYNC", true),
			Legacy:        getEnvBool("FEATURE_LEGACY_SYNC", true),
			Bidirectional: getEnvBool("FEATURE_BIDIRECTIONAL_SYNC", false),
			DryRun:        getEnvBool("FEATURE_DRY_RUN", true),
			Scheduler:     getEnvBool("FEATURE_SCHEDULER", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("AUTH_JWT_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "license_sync"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ExternalAPI.BaseURL == "" {
		return fmt.Errorf("external API base URL is required")
	}

	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 500 {
		return fmt.Errorf("sync batch size must be between 1 and 500, got %d", c.Sync.BatchSize)
	}

	if c.Sync.ConcurrencyLimit < 1 {
		return fmt.Errorf("sync concurrency limit must be at least 1")
	}

	if c.Sync.PageSize < 1 {
		return fmt.Errorf("sync page size must be at least 1")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max retries cannot be negative")
	}

	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff multiplier must be >= 1")
	}

	if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be positive")
	}

	if c.CircuitBreaker.MonitoringPeriod <= 0 || c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("circuit breaker periods must be positive")
	}

	if c.Database.MaxBulkUpsertBatchSize < 1 || c.Database.MaxIndividualUpdatesBatchSize < 1 {
		return fmt.Errorf("database batch sizes must be positive")
	}

	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns host:port for the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare integers are read as milliseconds
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
