package resilience

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"syscall"
	"time"

	apperrors "github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// IsRetryableStatus reports whether an HTTP status is worth retrying
func IsRetryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// IsTransient is the default retry classifier: network failures, timeouts,
// HTTP 408/429/5xx and AppErrors of type timeout, external or rate_limit.
// Short-circuited calls and caller cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsCircuitOpen(err) || errors.Is(err, context.Canceled) {
		return false
	}

	if appErr, ok := apperrors.As(err); ok {
		if appErr.StatusCode != 0 {
			return IsRetryableStatus(appErr.StatusCode)
		}
		switch appErr.Type {
		case apperrors.ErrorTypeTimeout, apperrors.ErrorTypeExternal, apperrors.ErrorTypeRateLimit:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

type retryOptions struct {
	onRetry func(attempt int, err error, delay time.Duration)
	rng     *rand.Rand
	logger  *logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// RetryOption configures a single WithRetry call
type RetryOption func(*retryOptions)

// WithOnRetry registers a callback invoked before each sleep
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(o *retryOptions) {
		o.onRetry = fn
	}
}

// WithRand supplies the jitter source
func WithRand(rng *rand.Rand) RetryOption {
	return func(o *retryOptions) {
		o.rng = rng
	}
}

// WithRetryLogger overrides the logger used for retry diagnostics
func WithRetryLogger(logger *logging.Logger) RetryOption {
	return func(o *retryOptions) {
		o.logger = logger
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithRetry runs operation up to policy.MaxRetries+1 times. Only errors the
// policy classifies as retryable are retried; the last error is returned as is.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, operation func(context.Context) (T, error), opts ...RetryOption) (T, error) {
	o := retryOptions{sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.GetLogger()
	}

	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				o.logger.Info("Operation succeeded after retry",
					"attempt", attempt+1,
					"max_attempts", maxRetries+1,
				)
			}
			return result, nil
		}

		lastErr = err

		if !retryable(err) {
			o.logger.Debug("Error is not retryable, stopping",
				"error", err,
				"attempt", attempt+1,
			)
			return zero, err
		}

		if attempt == maxRetries {
			break
		}

		delay := Backoff(attempt, policy, o.rng)

		o.logger.Debug("Operation failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", maxRetries+1,
			"delay", delay.String(),
		)

		if o.onRetry != nil {
			o.onRetry(attempt+1, err, delay)
		}

		if err := o.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	o.logger.Warn("Operation failed after all retry attempts",
		"error", lastErr,
		"attempts", maxRetries+1,
	)

	return zero, lastErr
}

// Retry is the error-only form of WithRetry
func Retry(ctx context.Context, policy RetryPolicy, operation func(context.Context) error, opts ...RetryOption) error {
	_, err := WithRetry(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	}, opts...)
	return err
}

// RetryableOperation composes a per-attempt timeout, a circuit breaker and a
// retry policy. Every attempt passes through the breaker, so transient
// failures inside the retry loop count toward opening it; once it opens the
// remaining attempts fail fast with a non-retryable circuit-open error.
type RetryableOperation struct {
	name    string
	breaker *CircuitBreaker
	policy  RetryPolicy
	timeout time.Duration
}

// NewRetryableOperation creates a retryable operation. timeout bounds each
// attempt; 0 disables the per-attempt deadline.
func NewRetryableOperation(name string, breaker *CircuitBreaker, policy RetryPolicy, timeout time.Duration) *RetryableOperation {
	return &RetryableOperation{
		name:    name,
		breaker: breaker,
		policy:  policy,
		timeout: timeout,
	}
}

// Name returns the operation name
func (ro *RetryableOperation) Name() string {
	return ro.name
}

// Breaker returns the circuit breaker guarding the operation
func (ro *RetryableOperation) Breaker() *CircuitBreaker {
	return ro.breaker
}

// State returns the current state of the circuit breaker
func (ro *RetryableOperation) State() CircuitState {
	return ro.breaker.State()
}

// RunOperation executes fn through ro and returns its result
func RunOperation[T any](ctx context.Context, ro *RetryableOperation, fn func(context.Context) (T, error), opts ...RetryOption) (T, error) {
	return WithRetry(ctx, ro.policy, func(ctx context.Context) (T, error) {
		return WithCircuitBreaker(ctx, ro.breaker, func(ctx context.Context) (T, error) {
			return attemptWithTimeout(ctx, ro.name, ro.timeout, fn)
		})
	}, opts...)
}

// Execute executes an operation that doesn't return a result
func (ro *RetryableOperation) Execute(ctx context.Context, fn func(context.Context) error, opts ...RetryOption) error {
	_, err := RunOperation(ctx, ro, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// attemptWithTimeout bounds one attempt. A deadline hit by the attempt itself,
// while the caller's context is still live, is reported as a timeout AppError.
func attemptWithTimeout[T any](ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
		if !apperrors.IsType(err, apperrors.ErrorTypeTimeout) {
			err = apperrors.NewTimeoutError(name).WithCause(err)
		}
	}
	return result, err
}
