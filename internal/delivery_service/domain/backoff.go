package domain

import (
	"math"
	"time"
)

// Backoff computes retry_after delays: base * 2^(attempt-1), capped at Max.
// Without a Max the delay saturates at the largest Duration.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d > 0; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
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

// RateLimitFloor is the minimum delay applied after a provider rate-limit response.
const RateLimitFloor = time.Minute

// RetryAfter returns the next eligible time for a failed attempt, or nil when the failure is final.
func (b Backoff) RetryAfter(f Failure, attempt int, now time.Time) *time.Time {
	if !f.Retryable {
		return nil
	}
	d := b.Delay(attempt)
	if f.Category == CategoryRateLimit && d < RateLimitFloor {
		d = RateLimitFloor
	}
	t := now.Add(d)
	return &t
}
