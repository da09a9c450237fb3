package stream

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Max, Base*2^attempt) plus a random
// jitter in [0, MaxJitter].
type Backoff struct {
	Base      time.Duration `default:"1s"`
	Max       time.Duration `default:"30s"`
	MaxJitter time.Duration `default:"800ms"`

	// Jitter returns a value in [0, max]. Nil uses math/rand.
	Jitter func(max time.Duration) time.Duration
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	if b.MaxJitter > 0 {
		d += b.jitter()
	}
	return d
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter != nil {
		return b.Jitter(b.MaxJitter)
	}
	return rand.N(b.MaxJitter + 1)
}
