package engine

import "time"

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Backoff computes retry delays: base doubled per failed attempt, plus up to
// half of that again as jitter, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the wait after the given number of failed attempts (1 for
// the first failure). sample is a uniform value in [0, 1) that picks the
// jitter. For a fixed sample the result never decreases as attempt grows,
// and jitter never pushes attempt n past the unjittered delay of attempt n+1.
func (b Backoff) Delay(attempt int, sample float64) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	if sample < 0 {
		sample = 0
	}
	if sample >= 1 {
		sample = 0.999999
	}
	delay := b.Base
	for i := 1; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay >= b.Max {
		return b.Max
	}
	delay += time.Duration(sample * float64(delay) / 2)
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// RetryDelay is Delay with the platform's Retry-After hint used as a floor.
func (b Backoff) RetryDelay(attempt int, sample float64, retryAfter time.Duration) time.Duration {
	delay := b.Delay(attempt, sample)
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}
