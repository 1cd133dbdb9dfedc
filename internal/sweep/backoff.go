package sweep

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the wait before retry attempt n as base*2^n capped at
// max, with +/-50% jitter so a herd of failures does not retry in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = time.Hour
	}

	sec := math.Min(base.Seconds()*math.Pow(2, float64(retryCount)), max.Seconds())
	jitter := 0.5 + rand.Float64() // 0.5x .. 1.5x
	d := time.Duration(sec * jitter * float64(time.Second))
	if d > max {
		d = max
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
