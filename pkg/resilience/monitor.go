package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// healthPenalty is subtracted from 100 for each severity whose threshold is breached
var healthPenalty = map[Severity]int{
	SeverityCritical: 25,
	SeverityHigh:     15,
	SeverityMedium:   10,
	SeverityLow:      5,
}

// MonitorConfig configures the ErrorMonitor
type MonitorConfig struct {
	// Window is the sliding period error rates are measured over
	Window time.Duration
	// Cooldown suppresses repeat alerts for the same severity:operation key
	Cooldown time.Duration
	// Thresholds is the per-severity count inside Window that, once exceeded, alerts
	Thresholds map[Severity]int
	// CleanupInterval is how often expired cooldown keys are dropped; defaults to Cooldown
	CleanupInterval time.Duration
	Clock           func() time.Time
	Logger          *logging.Logger
}

// DefaultMonitorConfig returns the monitor defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Window:   5 * time.Minute,
		Cooldown: 15 * time.Minute,
		Thresholds: map[Severity]int{
			SeverityLow:      100,
			SeverityMedium:   25,
			SeverityHigh:     10,
			SeverityCritical: 1,
		},
	}
}

// MonitorStats is a point-in-time view of the monitor
type MonitorStats struct {
	WindowCounts map[string]int   `json:"window_counts"`
	Totals       map[string]int64 `json:"totals"`
	Breached     []string         `json:"breached"`
	HealthScore  int              `json:"health_score"`
}

// ErrorMonitor records errors by severity, raises deduplicated alerts when a
// severity's rate exceeds its threshold and derives a health score.
// It is safe for concurrent use.
type ErrorMonitor struct {
	config MonitorConfig
	alerts *AlertManager
	logger *logging.Logger

	mu        sync.Mutex
	windows   map[Severity]*timeWindow
	totals    map[Severity]int64
	lastAlert map[string]time.Time
	onAlert   func(Alert)

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewErrorMonitor creates a monitor; alerts may be nil to only track rates
func NewErrorMonitor(config MonitorConfig, alerts *AlertManager) *ErrorMonitor {
	defaults := DefaultMonitorConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = config.Cooldown
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	thresholds := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		thresholds[s] = defaults.Thresholds[s]
		if v, ok := config.Thresholds[s]; ok {
			thresholds[s] = v
		}
	}
	config.Thresholds = thresholds

	m := &ErrorMonitor{
		config:    config,
		alerts:    alerts,
		logger:    config.Logger,
		windows:   make(map[Severity]*timeWindow, len(Severities)),
		totals:    make(map[Severity]int64, len(Severities)),
		lastAlert: make(map[string]time.Time),
	}
	for _, s := range Severities {
		m.windows[s] = newTimeWindow(config.Window, 0)
	}
	return m
}

// OnAlert registers a hook called for every raised alert, e.g. for metrics
func (m *ErrorMonitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// ClassifySeverity derives a severity from the operation name and error
func ClassifySeverity(operation string, err error) Severity {
	if strings.HasPrefix(operation, "repository.") ||
		apperrors.IsType(err, apperrors.ErrorTypeCritical) {
		return SeverityCritical
	}

	if IsCircuitOpen(err) {
		return SeverityHigh
	}

	if code := apperrors.GetStatusCode(err); code != 0 {
		switch {
		case code >= 500:
			return SeverityHigh
		case code == 408 || code == 429:
			return SeverityMedium
		case code >= 400:
			return SeverityLow
		}
	}

	switch apperrors.GetType(err) {
	case apperrors.ErrorTypeTimeout, apperrors.ErrorTypeRateLimit, apperrors.ErrorTypeExternal:
		return SeverityMedium
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeNotFound,
		apperrors.ErrorTypeAuthentication, apperrors.ErrorTypeAuthorization,
		apperrors.ErrorTypeConflict:
		return SeverityLow
	default:
		return SeverityHigh
	}
}

// RecordError records err against operation and returns the derived severity
func (m *ErrorMonitor) RecordError(ctx context.Context, operation string, err error) Severity {
	if err == nil {
		return SeverityLow
	}

	severity := ClassifySeverity(operation, err)
	now := m.config.Clock()

	m.mu.Lock()
	window := m.windows[severity]
	window.add(now)
	m.totals[severity]++
	count := window.count(now)
	threshold := m.config.Thresholds[severity]

	var alert *Alert
	if count > threshold {
		key := severity.String() + ":" + operation
		if last, ok := m.lastAlert[key]; !ok || now.Sub(last) >= m.config.Cooldown {
			m.lastAlert[key] = now
			alert = &Alert{
				Severity:  severity,
				Title:     fmt.Sprintf("High %s error rate", severity),
				Message:   fmt.Sprintf("%d %s errors in the last %s (threshold %d): %v", count, severity, m.config.Window, threshold, err),
				Source:    operation,
				Timestamp: now,
				Context: map[string]interface{}{
					"operation":  operation,
					"count":      count,
					"threshold":  threshold,
					"error_type": string(apperrors.GetType(err)),
					"error_code": apperrors.GetCode(err),
				},
			}
		}
	}
	onAlert := m.onAlert
	m.mu.Unlock()

	entry := m.logger.WithContext(ctx).WithField("operation", operation).
		WithField("severity", severity.String()).
		WithField("error", err.Error())
	if severity >= SeverityHigh {
		entry.Error("Error recorded")
	} else {
		entry.Debug("Error recorded")
	}

	if alert != nil {
		if onAlert != nil {
			onAlert(*alert)
		}
		if m.alerts != nil {
			if sendErr := m.alerts.SendAlert(ctx, *alert); sendErr != nil {
				m.logger.Warn("Failed to send alert", "error", sendErr, "source", operation)
			}
		}
	}

	return severity
}

// HealthScore returns 100 minus the penalty of every breached threshold, floored at 0
func (m *ErrorMonitor) HealthScore() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.healthScoreLocked(m.config.Clock())
}

func (m *ErrorMonitor) healthScoreLocked(now time.Time) int {
	score := 100
	for _, s := range Severities {
		if m.windows[s].count(now) > m.config.Thresholds[s] {
			score -= healthPenalty[s]
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Stats returns windowed counts, lifetime totals and breached severities
func (m *ErrorMonitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.config.Clock()
	stats := MonitorStats{
		WindowCounts: make(map[string]int, len(Severities)),
		Totals:       make(map[string]int64, len(Severities)),
		Breached:     []string{},
	}
	for _, s := range Severities {
		count := m.windows[s].count(now)
		stats.WindowCounts[s.String()] = count
		stats.Totals[s.String()] = m.totals[s]
		if count > m.config.Thresholds[s] {
			stats.Breached = append(stats.Breached, s.String())
		}
	}
	stats.HealthScore = m.healthScoreLocked(now)
	return stats
}

// Start launches the cleanup goroutine. Calling Start twice is a no-op.
func (m *ErrorMonitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.cleanupLoop(ctx, m.stopChan)
	m.logger.Info("Error monitor started")
}

// Stop stops the cleanup goroutine and waits for it to exit
func (m *ErrorMonitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	close(m.stopChan)
	m.running = false
	m.runMu.Unlock()

	m.wg.Wait()
	m.logger.Info("Error monitor stopped")
}

func (m *ErrorMonitor) cleanupLoop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup drops cooldown keys that can no longer suppress anything
func (m *ErrorMonitor) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.config.Clock()
	for key, at := range m.lastAlert {
		if now.Sub(at) >= m.config.Cooldown {
			delete(m.lastAlert, key)
		}
	}
	for _, w := range m.windows {
		w.evict(now)
	}
}
