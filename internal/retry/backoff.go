package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes exponential backoff delays for retried messages.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter spreads each delay by up to +/- this fraction. 0 disables it.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
	}
}

// Delay returns the wait before the given retry attempt, counting from 1:
// Base, Base*Multiplier, Base*Multiplier^2, ... capped at MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(retryCount-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		// rand.Float64() returns [0.0, 1.0)
		d *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether a message that has failed retryCount times has
// used up a budget of maxRetries.
func Exhausted(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}
