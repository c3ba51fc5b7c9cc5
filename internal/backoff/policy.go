// Package backoff provides exponential backoff with jitter for the
// supervisor's restart loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
	// MaxAttempts bounds how many restarts are attempted before giving up.
	// Zero means unbounded.
	MaxAttempts int
}

// Delay computes the backoff duration for an attempt. Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * random
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Exhausted reports whether the attempt number exceeds the policy's cap.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// RestartPolicy is the policy applied to crashed tool servers and reasoners:
// 10s initial delay, doubling, capped at 5 attempts.
func RestartPolicy() Policy {
	return Policy{
		Initial:     10 * time.Second,
		Max:         5 * time.Minute,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 5,
	}
}
