// Package retry wraps outbound calls with configurable backoff strategies,
// a retryability classifier and a circuit breaker, and reports what it does
// through prometheus counters and an optional event sink.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy computes the pause before the next attempt. Attempts count from
// 1; Delay(n) is the pause after the n-th failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential grows the delay geometrically up to Max.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

func (s Exponential) Delay(attempt int) time.Duration {
	mult := s.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(s.Base) * math.Pow(mult, float64(attempt-1)))
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}
	return jitter(d, s.Jitter)
}

// Linear adds a fixed increment per attempt.
type Linear struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
	Jitter    float64
}

func (s Linear) Delay(attempt int) time.Duration {
	d := s.Base + time.Duration(attempt-1)*s.Increment
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}
	return jitter(d, s.Jitter)
}

// Fixed waits the same interval every time.
type Fixed struct {
	Base   time.Duration
	Jitter float64
}

func (s Fixed) Delay(int) time.Duration {
	return jitter(s.Base, s.Jitter)
}

// jitter widens d by a symmetric uniform fraction, so concurrent retriers
// spread out instead of thundering together.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	out := float64(d) + (rand.Float64()*2-1)*spread
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}

// NewStrategy builds a strategy from its configuration name. Known names
// are "exponential", "linear" and "fixed".
func NewStrategy(name string, base, max time.Duration, jitterFraction float64) (Strategy, error) {
	switch name {
	case "exponential":
		return Exponential{Base: base, Multiplier: 2, Max: max, Jitter: jitterFraction}, nil
	case "linear":
		return Linear{Base: base, Increment: base, Max: max, Jitter: jitterFraction}, nil
	case "fixed":
		return Fixed{Base: base, Jitter: jitterFraction}, nil
	}
	return nil, fmt.Errorf("retry: unknown strategy %q", name)
}
