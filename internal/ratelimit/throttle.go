package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aegiscrawl/aegis/internal/kv"
)

// Throttle is the coarse per-domain load shedder applied before any resource
// is acquired. It is deliberately separate from Governor so callers wanting
// blocking semantics do not pay the shedding budget twice.
type Throttle struct {
	store  kv.Store
	max    int64
	window time.Duration
	now    func() time.Time
}

// NewThrottle builds a Throttle; defaults are 20 requests per 60 seconds.
func NewThrottle(store kv.Store, max int64, window time.Duration) *Throttle {
	if max <= 0 {
		max = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Throttle{store: store, max: max, window: window, now: time.Now}
}

// SetClock overrides the time source for tests.
func (t *Throttle) SetClock(now func() time.Time) { t.now = now }

// Allow sheds one request against the domain's fixed window. When denied it
// also reports when the window resets.
func (t *Throttle) Allow(ctx context.Context, domain string) (bool, time.Time, error) {
	now := t.now()
	windowSec := int64(t.window / time.Second)
	bucketStart := now.Unix() / windowSec * windowSec
	key := fmt.Sprintf("throttle:%s:%d", domain, bucketStart)

	count, err := t.store.Incr(ctx, key)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("throttle incr for %s: %w", domain, err)
	}
	if count == 1 {
		if err := t.store.Expire(ctx, key, t.window); err != nil {
			return false, time.Time{}, fmt.Errorf("throttle expire for %s: %w", domain, err)
		}
	}
	resetAt := time.Unix(bucketStart+windowSec, 0)
	return count <= t.max, resetAt, nil
}
