package licensesync

import (
	"context"
	"time"

	"github.com/NikhilSetiya/license-sync/pkg/resilience"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// ExternalStatus is the outcome of the last external health check
type ExternalStatus struct {
	Healthy         bool       `json:"healthy"`
	LastHealthCheck *time.Time `json:"lastHealthCheck"`
	Error           *string    `json:"error"`
	CircuitState    string     `json:"circuitState"`
}

// Status is the combined view served by the status endpoint
type Status struct {
	Internal    *types.SyncStats              `json:"internal"`
	External    ExternalStatus                `json:"external"`
	LastSync    *SyncResult                   `json:"lastSync"`
	InProgress  bool                          `json:"inProgress"`
	Degradation *resilience.DegradationStatus `json:"degradation,omitempty"`
	HealthScore int                           `json:"healthScore"`
	// InternalError is set when stats could not be read
	InternalError *string `json:"internalError,omitempty"`
}

// CheckExternal probes the external API and stores the outcome
func (s *Service) CheckExternal(ctx context.Context) ExternalStatus {
	err := s.source.Health(ctx)

	now := s.now().UTC()
	status := ExternalStatus{Healthy: err == nil, LastHealthCheck: &now}
	if err != nil {
		msg := err.Error()
		status.Error = &msg
		s.logger.Warn("External health check failed", "error", err)
	}

	s.mu.Lock()
	s.external = status
	s.mu.Unlock()

	return s.externalStatus()
}

func (s *Service) externalStatus() ExternalStatus {
	s.mu.RLock()
	status := s.external
	s.mu.RUnlock()

	status.CircuitState = resilience.StateClosed.String()
	if s.breaker != nil {
		status.CircuitState = s.breaker.State().String()
	}
	return status
}

// Stats returns aggregate sync state of the internal catalog
func (s *Service) Stats(ctx context.Context) (*types.SyncStats, error) {
	stats, err := s.tracker.GetStats(ctx)
	s.reportRepository(ctx, "stats", err)
	return stats, err
}

// Status assembles the status view. It never fails; a stats error is
// reported inside the view.
func (s *Service) Status(ctx context.Context) *Status {
	status := &Status{
		External:    s.externalStatus(),
		LastSync:    s.LastResult(ctx),
		InProgress:  s.InProgress(),
		HealthScore: 100,
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		msg := err.Error()
		status.InternalError = &msg
		stats = &types.SyncStats{}
	}
	status.Internal = stats

	if s.degradation != nil {
		d := s.degradation.Status()
		status.Degradation = &d
	}
	if s.monitor != nil {
		status.HealthScore = s.monitor.HealthScore()
	}
	return status
}
