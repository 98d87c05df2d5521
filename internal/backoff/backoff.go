// Package backoff computes retry delays for failed subtask attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration
	// Factor multiplies the delay per attempt.
	Factor float64
	// Jitter is the randomisation factor (0.0 to 1.0) added on top.
	Jitter float64
}

// SubtaskPolicy is the schedule for subtask retries: the delay doubles
// from one second, uncapped within the retry budget.
func SubtaskPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     time.Minute,
		Factor:  2,
	}
}

// Delay returns the backoff before the given attempt. Attempts start at 1;
// attempt 1 has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes the delay using a provided random value in
// [0.0, 1.0), for deterministic tests.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	if attempt <= 1 {
		return 0
	}
	exp := float64(attempt - 2)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * random
	total := base + jitter
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}
