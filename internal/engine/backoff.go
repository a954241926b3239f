package engine

import "time"

// Backoff computes the delay before retry n (1-based):
//
//	delay = min(Base * 2^(n-1), Max)
//
// With the defaults, retry 1 waits 200ms, retry 2 400ms, retry 3 800ms,
// retry 4 1.6s and every later retry 2s.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the 200ms/2s schedule.
func DefaultBackoff() Backoff {
	return Backoff{Base: 200 * time.Millisecond, Max: 2 * time.Second}
}

// Delay returns the wait before retry n. Values of n below 1 are treated
// as 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
