package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Algorithm selects how the delay between attempts grows.
type Algorithm int

const (
	// Fixed waits the base delay before every attempt.
	Fixed Algorithm = iota
	// Exponential doubles the base delay per attempt, saturating at MaxDelay.
	Exponential
)

func (a Algorithm) String() string {
	switch a {
	case Fixed:
		return "fixed"
	case Exponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// Policy computes the delay before a record's next attempt.
type Policy struct {
	Algorithm Algorithm
	// Delay is the base delay between attempts.
	Delay time.Duration
	// MaxDelay caps the exponential schedule. Ignored for Fixed.
	MaxDelay time.Duration
}

// DelayFor returns the wait before the next attempt for a record whose
// latest attempt failed after `try` earlier attempts: Delay for Fixed,
// min(MaxDelay, Delay*2^try) for Exponential.
func (p Policy) DelayFor(try uint32) time.Duration {
	b := p.newBackOff()
	d := b.NextBackOff()
	for i := uint32(0); i < try; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		d = next
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (p Policy) newBackOff() backoff.BackOff {
	switch p.Algorithm {
	case Exponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.RandomizationFactor = 0
		eb.Multiplier = 2
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		} else {
			eb.MaxInterval = time.Duration(math.MaxInt64)
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	default:
		return backoff.NewConstantBackOff(p.Delay)
	}
}
