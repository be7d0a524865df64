// Package backoff provides exponential backoff with jitter for the kernel's
// step retries and the planner adapters' transient-error retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the delay before the first retry, in milliseconds.
	InitialMs float64
	// MaxMs caps the computed delay in milliseconds.
	MaxMs float64
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// Compute returns the delay for a given attempt number. Attempts start at 1.
// The formula is base = InitialMs * Factor^(attempt-1), plus up to
// base*Jitter of randomness, clamped to MaxMs.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an injected random value in [0.0, 1.0),
// for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Default returns the general-purpose policy.
// Initial: 100ms, Max: 30s, Factor: 2, Jitter: 10%
func Default() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// Step returns the policy the kernel applies between step retry attempts.
// Initial: 250ms, Max: 10s, Factor: 2, Jitter: 20%
func Step() Policy {
	return Policy{
		InitialMs: 250,
		MaxMs:     10000,
		Factor:    2,
		Jitter:    0.2,
	}
}

// Planner returns the policy used for transient planner API errors, which
// tend to need longer waits than local tool failures.
// Initial: 500ms, Max: 30s, Factor: 2.5, Jitter: 25%
func Planner() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     30000,
		Factor:    2.5,
		Jitter:    0.25,
	}
}
