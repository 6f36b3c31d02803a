package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probe requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON payloads
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is matched by every short-circuited call via errors.Is
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without being attempted
type CircuitOpenError struct {
	Name  string
	State CircuitState
	// RetryAfter is the remaining time until a probe is allowed, 0 if unknown
	RetryAfter time.Duration

	cause *apperrors.AppError
}

func newCircuitOpenError(name string, state CircuitState, retryAfter time.Duration) *CircuitOpenError {
	return &CircuitOpenError{
		Name:       name,
		State:      state,
		RetryAfter: retryAfter,
		cause:      apperrors.NewServiceUnavailableError(name),
	}
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// Is reports whether target is ErrCircuitOpen
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Unwrap exposes a service_unavailable AppError so the error taxonomy applies
func (e *CircuitOpenError) Unwrap() error {
	return e.cause
}

// IsCircuitOpen checks if an error is a short-circuit rejection
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of failures inside MonitoringPeriod that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open after the last failure
	RecoveryTimeout time.Duration
	// MonitoringPeriod is the sliding window failures are counted in
	MonitoringPeriod time.Duration
	// HalfOpenMaxCalls bounds concurrent probes while half-open
	HalfOpenMaxCalls int
	// IsFailure decides whether an error counts against the dependency.
	// Defaults to any error except context.Canceled.
	IsFailure func(err error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Clock returns the current time; time.Now when nil
	Clock func() time.Time
	// Logger defaults to the global logger
	Logger *logging.Logger
}

// DefaultCircuitBreakerConfig returns the defaults used when a field is left zero
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 2 * time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.GetLogger()
	}
	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreakerState is a point-in-time view of a breaker
type CircuitBreakerState struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
	FailureHistory  []time.Time  `json:"failure_history"`
}

// CircuitBreaker guards calls to one named dependency. Failures are counted in
// a sliding window; OPEN moves to HALF_OPEN lazily on the first call after the
// recovery timeout.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mutex            sync.Mutex
	state            CircuitState
	generation       uint64
	failures         *timeWindow
	successCount     int
	halfOpenInFlight int
	lastFailureTime  time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config = config.withDefaults()

	return &CircuitBreaker{
		config:   config,
		state:    StateClosed,
		failures: newTimeWindow(config.MonitoringPeriod, config.FailureThreshold),
		logger:   config.Logger,
	}
}

// Execute runs fn if the circuit breaker accepts it, records the outcome and
// returns fn's error unchanged. Rejected calls get a *CircuitOpenError.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, probe, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, probe, err)
	return err
}

// WithCircuitBreaker runs fn through cb and passes its result through
func WithCircuitBreaker[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// State returns the current state without triggering a transition
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Snapshot returns a copy of the breaker's counters
func (cb *CircuitBreaker) Snapshot() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.config.Clock()
	history := cb.failures.entries(now)

	snap := CircuitBreakerState{
		Name:           cb.config.Name,
		State:          cb.state,
		FailureCount:   len(history),
		SuccessCount:   cb.successCount,
		FailureHistory: history,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		snap.LastFailureTime = &t
	}
	return snap
}

// Reset forces the breaker closed and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures.reset()
	cb.successCount = 0
	cb.halfOpenInFlight = 0
	cb.lastFailureTime = time.Time{}
	cb.generation++
}

func (cb *CircuitBreaker) beforeRequest() (uint64, bool, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.config.Clock()

	if cb.state == StateOpen {
		elapsed := now.Sub(cb.lastFailureTime)
		if elapsed < cb.config.RecoveryTimeout {
			return cb.generation, false, newCircuitOpenError(cb.config.Name, StateOpen, cb.config.RecoveryTimeout-elapsed)
		}
		cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			return cb.generation, false, newCircuitOpenError(cb.config.Name, StateHalfOpen, 0)
		}
		cb.halfOpenInFlight++
		return cb.generation, true, nil
	}

	return cb.generation, false, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, probe bool, err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	// the probe slot belongs to the generation that granted it
	if probe && before == cb.generation && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if before != cb.generation {
		return
	}

	now := cb.config.Clock()

	switch {
	case err == nil:
		cb.onSuccess()
	case cb.config.IsFailure(err):
		cb.onFailure(now)
	default:
		// not the dependency's fault; neither success nor failure
	}
}

func (cb *CircuitBreaker) onSuccess() {
	if cb.state != StateHalfOpen {
		return
	}

	cb.successCount++
	if cb.successCount >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure(now time.Time) {
	cb.lastFailureTime = now

	switch cb.state {
	case StateClosed:
		cb.failures.add(now)
		if cb.failures.count(now) >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// setState must be called with the mutex held
func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++

	switch state {
	case StateClosed:
		cb.failures.reset()
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.halfOpenInFlight = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.config.Name,
		"from", prev.String(),
		"to", state.String(),
		"failures", cb.failures.size,
	)
}

// Registry holds exactly one breaker per service name
type Registry struct {
	mu       sync.Mutex
	defaults CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers inherit defaults
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Defaults returns a copy of the config new breakers inherit
func (r *Registry) Defaults() CircuitBreakerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults
}

// Get returns the breaker for name, creating it with the registry defaults on first use
func (r *Registry) Get(name string) *CircuitBreaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig returns the breaker for name, creating it with config on first use.
// config is ignored when the breaker already exists.
func (r *Registry) GetWithConfig(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config.Name = name
	if config.OnStateChange == nil {
		config.OnStateChange = r.defaults.OnStateChange
	}
	if config.Clock == nil {
		config.Clock = r.defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = r.defaults.Logger
	}

	cb := NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns the state of every registered breaker
func (r *Registry) Snapshots() map[string]CircuitBreakerState {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make(map[string]CircuitBreakerState, len(breakers))
	for _, cb := range breakers {
		out[cb.Name()] = cb.Snapshot()
	}
	return out
}

// ResetAll closes every registered breaker
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
