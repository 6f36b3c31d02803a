package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func newTestBreaker(clock *fakeClock, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "test-cb"
	}
	cfg.Clock = clock.Now
	cfg.Logger = logging.NewNopLogger()
	return NewCircuitBreaker(cfg)
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
}

func TestCircuitBreaker_DefaultBehavior(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{})

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 10; i++ {
		require.NoError(t, succeed(cb))
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestCircuitBreaker_ReturnsOriginalError(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{FailureThreshold: 10})

	err := fail(cb)
	assert.Same(t, errBoom, err)
	assert.False(t, IsCircuitOpen(err))
}

func TestCircuitBreaker_WindowedScenario(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, CircuitBreakerConfig{
		FailureThreshold: 3,
		MonitoringPeriod: 10 * time.Second,
		RecoveryTimeout:  10 * time.Second,
	})

	// three failures within two seconds
	require.Error(t, fail(cb))
	clock.Advance(time.Second)
	require.Error(t, fail(cb))
	clock.Advance(time.Second)
	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())

	var calls int32
	probe := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	clock.Advance(time.Second)
	err := cb.Execute(context.Background(), probe)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeServiceUnavailable))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 9*time.Second, openErr.RetryAfter)

	clock.Advance(10 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), probe))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, CircuitBreakerConfig{
		FailureThreshold: 3,
		MonitoringPeriod: 10 * time.Second,
	})

	for i := 0; i < 10; i++ {
		require.Error(t, fail(cb))
		clock.Advance(6 * time.Second)
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.LessOrEqual(t, cb.Snapshot().FailureCount, 2)
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 3,
		RecoveryTimeout:  time.Minute,
	})

	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Minute)
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())

	snap := cb.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.SuccessCount)
	assert.Empty(t, snap.FailureHistory)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Second,
	})

	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(5 * time.Second)
	err := fail(cb)
	assert.Same(t, errBoom, err)
	assert.Equal(t, StateOpen, cb.State())

	// recovery timer restarts from the probe failure
	clock.Advance(4 * time.Second)
	assert.ErrorIs(t, succeed(cb), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenMaxCalls(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
	})

	require.Error(t, fail(cb))
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := succeed(cb)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
}

func TestCircuitBreaker_CanceledContextIsNotAFailure(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{FailureThreshold: 1})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CustomIsFailure(t *testing.T) {
	notFound := apperrors.NewNotFoundError("license")
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure: func(err error) bool {
			return !apperrors.IsType(err, apperrors.ErrorTypeNotFound)
		},
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return notFound })
	assert.Equal(t, notFound, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Panic(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			panic("test panic")
		})
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := newTestBreaker(clock, CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Error(t, fail(cb))
	clock.Advance(time.Second)
	require.NoError(t, succeed(cb))

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{FailureThreshold: 1})

	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Nil(t, cb.Snapshot().LastFailureTime)
	require.NoError(t, succeed(cb))
}

func TestWithCircuitBreaker(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{})

	result, err := WithCircuitBreaker(context.Background(), cb, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), CircuitBreakerConfig{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = fail(cb)
			} else {
				_ = succeed(cb)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, cb.Snapshot().FailureCount)
}

func TestRegistry_OneInstancePerName(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(CircuitBreakerConfig{
		FailureThreshold: 2,
		Clock:            clock.Now,
		Logger:           logging.NewNopLogger(),
	})

	a := registry.Get("external_apis")
	b := registry.Get("external_apis")
	c := registry.Get("other")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "external_apis", a.Name())

	require.Error(t, fail(a))
	require.Error(t, fail(a))

	snaps := registry.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, StateOpen, snaps["external_apis"].State)
	assert.Equal(t, StateClosed, snaps["other"].State)

	registry.ResetAll()
	assert.Equal(t, StateClosed, a.State())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitState(99).String())
}
