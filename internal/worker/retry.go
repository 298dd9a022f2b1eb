package worker

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoff computes jittered exponential retry delays.
type backoff struct {
	base time.Duration
	max  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

// delay returns the wait before the next attempt: half the capped
// exponential value plus a random jitter up to the other half.
func (b *backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.base) * math.Pow(2, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	half := time.Duration(d / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
