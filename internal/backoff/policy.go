// Package backoff provides exponential backoff with jitter for provider
// restart scheduling.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff for the first attempt.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) applied
	// symmetrically around the base value.
	Jitter float64
}

// Default returns the restart policy used for crashed tool providers:
// base 1s, cap 60s, factor 2, jitter ±20%.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     60 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Compute calculates the backoff for a given attempt number.
// Attempt numbers start at 1.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff using a provided random value in
// [0.0, 1.0). Useful for deterministic tests.
//
// base = initial * factor^(attempt-1), clamped to max before jitter so the
// jittered result stays within ±jitter of the cap.
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := math.Min(float64(p.Max), float64(p.Initial)*math.Pow(p.Factor, exp))

	// Map randomValue to [-1, 1) so jitter is symmetric.
	offset := base * p.Jitter * (2*randomValue - 1)

	total := base + offset
	if total < 0 {
		total = 0
	}
	return time.Duration(math.Round(total))
}
