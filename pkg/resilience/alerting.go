package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// Severity represents the severity level of a recorded error or alert
type Severity int

const (
	// SeverityLow - expected per-record failures such as validation or not found
	SeverityLow Severity = iota
	// SeverityMedium - transient dependency trouble
	SeverityMedium
	// SeverityHigh - dependency unavailable or internal faults
	SeverityHigh
	// SeverityCritical - the run cannot make progress
	SeverityCritical
)

// Severities lists every severity from lowest to highest
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON payloads
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID        string                 `json:"id"`
	Severity  Severity               `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager fans alerts out to every registered handler
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.RWMutex
	logger   *logging.Logger

	// Rate limiting per source
	rateMu        sync.Mutex
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// NewAlertManager creates a new alert manager; a nil logger uses the global one
func NewAlertManager(logger *logging.Logger) *AlertManager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logger,
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     100, // per reset interval
		resetInterval: time.Hour,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers. It fails only when
// the source is rate limited or every handler fails.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if !am.checkRateLimit(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	am.mutex.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.RUnlock()

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

func (am *AlertManager) checkRateLimit(source string) bool {
	am.rateMu.Lock()
	defer am.rateMu.Unlock()

	now := time.Now()
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingAlertHandler{logger: logger}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"message", alert.Message,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Context {
		fields = append(fields, fmt.Sprintf("ctx_%s", key), value)
	}

	switch alert.Severity {
	case SeverityLow:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityMedium:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityHigh:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	default:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// WebhookAlertHandler POSTs alerts as JSON to an HTTP endpoint
type WebhookAlertHandler struct {
	url    string
	client *http.Client
}

// NewWebhookAlertHandler creates a webhook handler; a nil client gets a 10s timeout
func NewWebhookAlertHandler(url string, client *http.Client) *WebhookAlertHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAlertHandler{url: url, client: client}
}

// HandleAlert sends the alert
func (h *WebhookAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Name returns the name of the handler
func (h *WebhookAlertHandler) Name() string {
	return "webhook"
}
