package resilience

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// jitterFraction is the +/- spread applied to a delay when jitter is enabled
const jitterFraction = 0.25

// RetryPolicy is the immutable retry configuration for one call site.
// Pass it by value; nothing in this package mutates it.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the un-jittered delay
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay per attempt
	BackoffMultiplier float64
	// Jitter enables a uniform +/-25% spread
	Jitter bool
	// Retryable classifies errors; IsTransient is used when nil
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy used for external calls when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

var (
	globalRandMu sync.Mutex
	globalRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff returns the delay before retry number attempt (0-based).
// The base delay is min(InitialDelay*BackoffMultiplier^attempt, MaxDelay). With
// jitter a uniform offset within +/-25% of the base is added and the result is
// clamped to zero. A nil rng uses a shared, mutex guarded source.
func Backoff(attempt int, policy RetryPolicy, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := policy.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	base := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if policy.MaxDelay > 0 && base > float64(policy.MaxDelay) {
		base = float64(policy.MaxDelay)
	}

	if !policy.Jitter || base == 0 {
		return time.Duration(base)
	}

	var r float64
	if rng != nil {
		r = rng.Float64()
	} else {
		globalRandMu.Lock()
		r = globalRand.Float64()
		globalRandMu.Unlock()
	}

	// r in [0,1) maps to an offset in [-25%, +25%)
	delay := base + base*jitterFraction*(2*r-1)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// MaxRunDuration is the total un-jittered sleep time a policy can spend on one operation
func MaxRunDuration(policy RetryPolicy) time.Duration {
	p := policy
	p.Jitter = false

	var total time.Duration
	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		total += Backoff(attempt, p, nil)
	}
	return total
}
