package resilience

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Exponential(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, policy, nil), "attempt %d", tt.attempt)
	}
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 1.7,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := Backoff(attempt, policy, nil)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, policy.MaxDelay)
		prev = d
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		d := Backoff(1, policy, rng)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestBackoff_JitterDeterministicWithSeed(t *testing.T) {
	policy := DefaultRetryPolicy()

	a := rand.New(rand.NewSource(7))
	b := rand.New(rand.NewSource(7))
	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, Backoff(attempt, policy, a), Backoff(attempt, policy, b))
	}
}

func TestBackoff_ZeroDelay(t *testing.T) {
	policy := RetryPolicy{BackoffMultiplier: 2, Jitter: true}
	assert.Equal(t, time.Duration(0), Backoff(3, policy, nil))
}

func TestMaxRunDuration(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:        4,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	// 100 + 200 + 400 + 500
	assert.Equal(t, 1200*time.Millisecond, MaxRunDuration(policy))
}
