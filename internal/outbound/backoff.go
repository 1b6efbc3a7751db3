package outbound

import "time"

// Backoff bounds retries of the queue head after a failed send.
type Backoff struct {
	// MaxAttempts is the number of send attempts before the head event is
	// dropped; 0 retries forever.
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultBackoff retries five times, from 100ms doubling up to 5s.
func DefaultBackoff() Backoff {
	return Backoff{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: 5 * time.Second}
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether failures has used up every attempt.
func (b Backoff) Exhausted(failures int) bool {
	return b.MaxAttempts > 0 && failures >= b.MaxAttempts
}
