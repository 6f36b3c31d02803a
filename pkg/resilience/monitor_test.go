package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

func newTestMonitor(clock *fakeClock, thresholds map[Severity]int) (*ErrorMonitor, *mockAlertHandler) {
	logger := logging.NewNopLogger()
	am := NewAlertManager(logger)
	handler := &mockAlertHandler{name: "test"}
	am.AddHandler(handler)

	m := NewErrorMonitor(MonitorConfig{
		Window:     time.Minute,
		Cooldown:   10 * time.Minute,
		Thresholds: thresholds,
		Clock:      clock.Now,
		Logger:     logger,
	}, am)
	return m, handler
}

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		err       error
		want      Severity
	}{
		{"repository operation", "repository.upsert_batch", errors.New("conn refused"), SeverityCritical},
		{"critical type", "sync.comprehensive", apperrors.NewCriticalError("store down"), SeverityCritical},
		{"circuit open", "external.fetch_page", newCircuitOpenError("external_apis", StateOpen, 0), SeverityHigh},
		{"5xx", "external.fetch_page", apperrors.NewExternalError("x", "y").WithStatusCode(503), SeverityHigh},
		{"429", "external.fetch_page", apperrors.NewRateLimitError("slow").WithStatusCode(429), SeverityMedium},
		{"timeout", "external.push_update", apperrors.NewTimeoutError("push"), SeverityMedium},
		{"external", "external.fetch_one", apperrors.NewExternalError("x", "reset"), SeverityMedium},
		{"404", "external.fetch_one", apperrors.NewNotFoundError("license").WithStatusCode(404), SeverityLow},
		{"validation", "sync.record", apperrors.NewValidationError("bad"), SeverityLow},
		{"plain error", "sync.record", errors.New("boom"), SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySeverity(tt.operation, tt.err))
		})
	}
}

func TestErrorMonitor_AlertsWhenThresholdExceeded(t *testing.T) {
	clock := newFakeClock()
	m, handler := newTestMonitor(clock, map[Severity]int{SeverityMedium: 2})

	timeout := apperrors.NewTimeoutError("fetch")
	for i := 0; i < 2; i++ {
		assert.Equal(t, SeverityMedium, m.RecordError(context.Background(), "external.fetch_page", timeout))
	}
	assert.Empty(t, handler.received())

	m.RecordError(context.Background(), "external.fetch_page", timeout)
	alerts := handler.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "external.fetch_page", alerts[0].Context["operation"])
	assert.Equal(t, 3, alerts[0].Context["count"])
}

func TestErrorMonitor_CooldownDeduplicates(t *testing.T) {
	clock := newFakeClock()
	m, handler := newTestMonitor(clock, map[Severity]int{SeverityHigh: 0})

	var hooked int
	m.OnAlert(func(Alert) { hooked++ })

	err := errors.New("boom")
	for i := 0; i < 5; i++ {
		m.RecordError(context.Background(), "sync.batch", err)
		clock.Advance(time.Second)
	}
	assert.Len(t, handler.received(), 1)

	// a different operation has its own cooldown key
	m.RecordError(context.Background(), "sync.record", err)
	assert.Len(t, handler.received(), 2)

	clock.Advance(10 * time.Minute)
	m.RecordError(context.Background(), "sync.batch", err)
	assert.Len(t, handler.received(), 3)
	assert.Equal(t, 3, hooked)
}

func TestErrorMonitor_WindowExpires(t *testing.T) {
	clock := newFakeClock()
	m, handler := newTestMonitor(clock, map[Severity]int{SeverityLow: 2})

	notFound := apperrors.NewNotFoundError("license")
	m.RecordError(context.Background(), "external.fetch_one", notFound)
	m.RecordError(context.Background(), "external.fetch_one", notFound)
	clock.Advance(2 * time.Minute)
	m.RecordError(context.Background(), "external.fetch_one", notFound)

	assert.Empty(t, handler.received())
	assert.Equal(t, 1, m.Stats().WindowCounts["low"])
	assert.Equal(t, int64(3), m.Stats().Totals["low"])
}

func TestErrorMonitor_HealthScore(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestMonitor(clock, map[Severity]int{
		SeverityLow:      0,
		SeverityMedium:   0,
		SeverityHigh:     0,
		SeverityCritical: 0,
	})

	assert.Equal(t, 100, m.HealthScore())

	m.RecordError(context.Background(), "repository.list", errors.New("down"))
	assert.Equal(t, 75, m.HealthScore())

	m.RecordError(context.Background(), "sync.batch", errors.New("boom"))
	assert.Equal(t, 60, m.HealthScore())

	m.RecordError(context.Background(), "external.fetch_page", apperrors.NewTimeoutError("fetch"))
	m.RecordError(context.Background(), "sync.record", apperrors.NewValidationError("bad"))
	assert.Equal(t, 45, m.HealthScore())

	stats := m.Stats()
	assert.ElementsMatch(t, []string{"low", "medium", "high", "critical"}, stats.Breached)
	assert.Equal(t, 45, stats.HealthScore)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 100, m.HealthScore())
}

func TestErrorMonitor_NilErrorIgnored(t *testing.T) {
	m, _ := newTestMonitor(newFakeClock(), nil)
	m.RecordError(context.Background(), "repository.list", nil)
	assert.Equal(t, int64(0), m.Stats().Totals["critical"])
}

func TestErrorMonitor_StartStop(t *testing.T) {
	clock := newFakeClock()
	m := NewErrorMonitor(MonitorConfig{
		Cooldown:        time.Minute,
		CleanupInterval: 5 * time.Millisecond,
		Thresholds:      map[Severity]int{SeverityHigh: 0},
		Clock:           clock.Now,
		Logger:          logging.NewNopLogger(),
	}, nil)

	m.RecordError(context.Background(), "sync.batch", errors.New("boom"))
	clock.Advance(2 * time.Minute)

	m.Start(context.Background())
	m.Start(context.Background())

	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.lastAlert) == 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}
