package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Sync metrics
	SyncRunsTotal    *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	SyncRecordsTotal *prometheus.CounterVec
	SyncInProgress   prometheus.Gauge

	// External API metrics
	ExternalRequestsTotal   *prometheus.CounterVec
	ExternalRequestDuration *prometheus.HistogramVec
	ExternalRetriesTotal    *prometheus.CounterVec

	// Resilience metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
	AlertsTotal               *prometheus.CounterVec
	HealthScore               prometheus.Gauge
	DegradationLevel          prometheus.Gauge

	// System metrics
	DatabaseConnections   *prometheus.GaugeVec
	DatabaseQueryDuration *prometheus.HistogramVec
	CacheOperations       *prometheus.CounterVec

	registry prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`

	// Registerer defaults to prometheus.DefaultRegisterer. Tests pass a
	// fresh prometheus.NewRegistry() so repeated construction does not panic.
	Registerer prometheus.Registerer `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "license_sync",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registerer := config.Registerer
	gatherer := prometheus.DefaultGatherer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	durationBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sync_runs_total",
				Help:      "Total number of sync runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sync_duration_seconds",
				Help:      "Sync run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"mode"},
		),
		SyncRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sync_records_total",
				Help:      "License records processed by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		SyncInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sync_in_progress",
				Help:      "1 while a sync run holds the single-flight guard",
			},
		),

		ExternalRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "external_requests_total",
				Help:      "Calls to the external license API by operation and status",
			},
			[]string{"operation", "status"},
		),
		ExternalRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "external_request_duration_seconds",
				Help:      "External license API call duration in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"operation"},
		),
		ExternalRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "external_retries_total",
				Help:      "Retries issued against the external license API",
			},
			[]string{"operation"},
		),

		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_total",
				Help:      "Alerts raised by the error monitor by severity",
			},
			[]string{"severity"},
		),
		HealthScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_score",
				Help:      "Aggregate health score from 0 to 100",
			},
		),
		DegradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degradation_level",
				Help:      "Degradation level (0=normal, 1=partial, 2=severe, 3=critical)",
			},
		),

		DatabaseConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_connections",
				Help:      "Number of database connections",
			},
			[]string{"state"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operations_total",
				Help:      "Snapshot cache operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		registry: gatherer,
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SyncRunsTotal,
		m.SyncDuration,
		m.SyncRecordsTotal,
		m.SyncInProgress,
		m.ExternalRequestsTotal,
		m.ExternalRequestDuration,
		m.ExternalRetriesTotal,
		m.CircuitBreakerState,
		m.CircuitBreakerTransitions,
		m.AlertsTotal,
		m.HealthScore,
		m.DegradationLevel,
		m.DatabaseConnections,
		m.DatabaseQueryDuration,
		m.CacheOperations,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordSyncRun records one finished sync run
func (m *Metrics) RecordSyncRun(mode string, success bool, duration time.Duration) {
	if m == nil || m.SyncRunsTotal == nil {
		return
	}

	m.SyncRunsTotal.WithLabelValues(mode, outcome(success)).Inc()
	m.SyncDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordSyncRecords adds n records for an action (create, update, noop, push)
func (m *Metrics) RecordSyncRecords(action string, success bool, n int) {
	if m == nil || m.SyncRecordsTotal == nil || n <= 0 {
		return
	}

	m.SyncRecordsTotal.WithLabelValues(action, outcome(success)).Add(float64(n))
}

// SetSyncInProgress flips the in-progress gauge
func (m *Metrics) SetSyncInProgress(active bool) {
	if m == nil || m.SyncInProgress == nil {
		return
	}

	if active {
		m.SyncInProgress.Set(1)
	} else {
		m.SyncInProgress.Set(0)
	}
}

// RecordExternalRequest records one call to the external API. status is the
// HTTP status code, or 0 when no response was received.
func (m *Metrics) RecordExternalRequest(operation string, status int, duration time.Duration) {
	if m == nil || m.ExternalRequestsTotal == nil {
		return
	}

	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.ExternalRequestsTotal.WithLabelValues(operation, label).Inc()
	m.ExternalRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordExternalRetry counts a retry against the external API
func (m *Metrics) RecordExternalRetry(operation string) {
	if m == nil || m.ExternalRetriesTotal == nil {
		return
	}

	m.ExternalRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordCircuitTransition records a breaker state change. toValue is the
// numeric state written to the gauge.
func (m *Metrics) RecordCircuitTransition(name string, from, to string, toValue int) {
	if m == nil || m.CircuitBreakerState == nil {
		return
	}

	m.CircuitBreakerState.WithLabelValues(name).Set(float64(toValue))
	m.CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordAlert counts a raised alert
func (m *Metrics) RecordAlert(severity string) {
	if m == nil || m.AlertsTotal == nil {
		return
	}

	m.AlertsTotal.WithLabelValues(severity).Inc()
}

// UpdateHealth sets the health score and degradation level gauges
func (m *Metrics) UpdateHealth(score int, level int) {
	if m == nil || m.HealthScore == nil {
		return
	}

	m.HealthScore.Set(float64(score))
	m.DegradationLevel.Set(float64(level))
}

// UpdateDatabaseConnections updates database connection metrics
func (m *Metrics) UpdateDatabaseConnections(open, idle, inUse int) {
	if m == nil || m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("in_use").Set(float64(inUse))
}

// RecordDatabaseQuery records database query metrics
func (m *Metrics) RecordDatabaseQuery(operation string, duration time.Duration) {
	if m == nil || m.DatabaseQueryDuration == nil {
		return
	}

	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheOperation records a snapshot cache hit, miss or error
func (m *Metrics) RecordCacheOperation(operation, result string) {
	if m == nil || m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(operation, result).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		if m != nil && m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DBStatsFunc reports open, idle and in-use connections
type DBStatsFunc func() (open, idle, inUse int)

// MetricsCollector periodically samples gauges that have no natural event
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	dbStats  DBStatsFunc
	health   func() (score int, level int)
	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector. Either source may be nil.
func NewMetricsCollector(metrics *Metrics, interval time.Duration, dbStats DBStatsFunc, health func() (int, int)) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		dbStats:  dbStats,
		health:   health,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs collection until ctx is done or Stop is called. It blocks.
func (mc *MetricsCollector) Start(ctx context.Context) {
	if !mc.started.CompareAndSwap(false, true) {
		return
	}
	defer close(mc.doneCh)

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collectMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics()
		}
	}
}

// Stop stops metrics collection and waits for Start to return
func (mc *MetricsCollector) Stop() {
	select {
	case <-mc.stopCh:
	default:
		close(mc.stopCh)
	}
	if mc.started.Load() {
		<-mc.doneCh
	}
}

func (mc *MetricsCollector) collectMetrics() {
	if mc.dbStats != nil {
		mc.metrics.UpdateDatabaseConnections(mc.dbStats())
	}
	if mc.health != nil {
		mc.metrics.UpdateHealth(mc.health())
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
