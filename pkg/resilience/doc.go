// Package resilience provides the failure-handling building blocks used by the
// license sync engine: a windowed circuit breaker, retries with exponential
// backoff and jitter, error-rate monitoring with alerting, and graceful
// degradation of named features.
//
// # Circuit Breaker
//
// A breaker counts failures inside a sliding MonitoringPeriod. Reaching
// FailureThreshold opens it; the first call after RecoveryTimeout is let
// through as a half-open probe; SuccessThreshold consecutive probe successes
// close it again. Breakers are held in an explicitly constructed Registry, one
// per dependency name.
//
//	registry := resilience.NewRegistry(resilience.CircuitBreakerConfig{
//		FailureThreshold: 5,
//		RecoveryTimeout:  time.Minute,
//		MonitoringPeriod: 2 * time.Minute,
//	})
//
//	page, err := resilience.WithCircuitBreaker(ctx, registry.Get("external_apis"),
//		func(ctx context.Context) (*Page, error) {
//			return client.fetch(ctx)
//		})
//
// Rejected calls return a *CircuitOpenError, which matches ErrCircuitOpen.
//
// # Retry with Exponential Backoff
//
// WithRetry is stateless and parameterized by an immutable RetryPolicy. The
// delay before retry n is min(InitialDelay*BackoffMultiplier^n, MaxDelay),
// optionally spread by +/-25% jitter.
//
//	result, err := resilience.WithRetry(ctx, resilience.DefaultRetryPolicy(), fetch,
//		resilience.WithOnRetry(func(attempt int, err error, delay time.Duration) {
//			log.Warn("retrying", "attempt", attempt)
//		}))
//
// RetryableOperation composes both: every attempt runs through the breaker
// under its own timeout, so failures consumed by retries still trip it.
//
// # Monitoring and Degradation
//
// ErrorMonitor classifies errors into low, medium, high and critical
// severities, alerts through an AlertManager once a windowed rate passes its
// threshold, and exposes a 0-100 health score. DegradationManager flips a
// feature to unavailable after repeated failures so callers can switch to
// its fallback strategy.
//
//	dm := resilience.NewDegradationManager(logger)
//	dm.RegisterFeature("external_apis", 3, resilience.FallbackCachedData, resilience.LevelPartial)
//
//	if !dm.IsAvailable("external_apis") {
//		// serve the cached snapshot
//	}
package resilience
