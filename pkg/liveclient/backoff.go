package liveclient

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base*2^attempt plus a jitter in
// [0, Jitter), capped at Max. Jitter never exceeds Base, which keeps the
// delay sequence non-decreasing.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	MaxAttempts int

	// rand returns a value in [0, 1). Tests replace it.
	rand func() float64
}

// DefaultBackoff is 1s, 2s, 4s ... up to 30s, giving up after 10 failures.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		Jitter:      500 * time.Millisecond,
		MaxAttempts: 10,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max < b.Base {
		b.Max = max(def.Max, b.Base)
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > b.Base {
		b.Jitter = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

// Delay returns the wait before retrying after the given number of previous
// failures.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 0 {
		attempt = 0
	}

	d := b.Max
	if attempt < 32 {
		if exp := b.Base << attempt; exp > 0 && exp < b.Max {
			d = exp
		}
	}

	d += time.Duration(b.rand() * float64(b.Jitter))
	return min(d, b.Max)
}
