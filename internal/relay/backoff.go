package relay

import (
	"math/rand/v2"
	"time"
)

// Backoff computes base * 2^attempt, stretched by up to 25% jitter and
// capped at Max. The jitter stays below the doubling factor, so delays
// strictly increase with attempt until the cap is reached.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0,1). Nil uses math/rand.
	Jitter func() float64
}

const jitterSpan = 0.25

func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maxD := b.Max
	if maxD <= 0 {
		maxD = 5 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt && d < maxD; i++ {
		d *= 2
	}
	j := b.Jitter
	if j == nil {
		j = rand.Float64
	}
	d += time.Duration(float64(d) * jitterSpan * j())
	if d > maxD {
		d = maxD
	}
	return d
}
