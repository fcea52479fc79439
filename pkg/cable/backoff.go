package cable

import "time"

// Backoff computes reconnection delays: min(Max, Base*2^(attempt-1)) scaled by
// a uniform factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Nominal returns the delay for attempt (1-based) before jitter.
func (b Backoff) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	return min(d, b.Max)
}

// Delay returns the jittered delay for attempt. r returns a value in [0, 1).
func (b Backoff) Delay(attempt int, r func() float64) time.Duration {
	n := b.Nominal(attempt)
	if b.Jitter <= 0 || r == nil {
		return n
	}
	factor := 1 - b.Jitter + 2*b.Jitter*r()
	return time.Duration(float64(n) * factor)
}
