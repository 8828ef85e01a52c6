package backoff

import (
	"math"
	"time"
)

// Backoff computes the delay before a given retry attempt. Attempts are
// zero-indexed: Duration(0) is the delay before the first retry.
type Backoff interface {
	Duration(attempt int) time.Duration
}

// ExponentialBackoff doubles the interval per attempt, capped at Max.
type ExponentialBackoff struct {
	Interval time.Duration
	Base     float64
	Max      time.Duration
}

var _ Backoff = &ExponentialBackoff{}

func (b *ExponentialBackoff) Duration(attempt int) time.Duration {
	base := b.Base
	if base == 0 {
		base = 2
	}
	d := time.Duration(float64(b.Interval) * math.Pow(base, float64(attempt)))
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ConstantBackoff returns the same interval for every attempt.
type ConstantBackoff struct {
	Interval time.Duration
}

var _ Backoff = &ConstantBackoff{}

func (b *ConstantBackoff) Duration(int) time.Duration {
	return b.Interval
}
