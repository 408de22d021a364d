package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	PolicyFixed          = "fixed"
	PolicyLinear         = "linear"
	PolicyExponential    = "exponential"
	PolicyExpEqualJitter = "exp_equal_jitter"
	PolicyExpFullJitter  = "exp_full_jitter"
)

// Valid reports whether policy names a known backoff policy.
func Valid(policy string) bool {
	switch policy {
	case PolicyFixed, PolicyLinear, PolicyExponential, PolicyExpEqualJitter, PolicyExpFullJitter:
		return true
	}
	return false
}

// Compute returns the delay before the next attempt.
// attempts is the number of retries already scheduled and is expected to be >= 0.
func Compute(policy string, base time.Duration, max time.Duration, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case PolicyFixed:
		return minDuration(base, max)
	case PolicyLinear:
		return minDuration(base*time.Duration(maxInt(1, attempts)), max)
	case PolicyExponential:
		return exp(base, max, attempts)
	case PolicyExpEqualJitter:
		maxDelay := exp(base, max, attempts)
		half := maxDelay / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		maxDelay := exp(base, max, attempts)
		if maxDelay <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(maxDelay) + 1))
	}
}

func exp(base, max time.Duration, attempts int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempts))
	if f >= float64(max) {
		return max
	}
	return time.Duration(f)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
