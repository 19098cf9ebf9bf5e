package og

import (
	"context"
	"math/rand"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/schema"
)

// Backoff spaces out dial attempts. Each wait is the previous one times
// Factor, capped at Max, then spread by +/- Jitter of itself.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
	// Attempts bounds the dials. Zero retries until ctx ends.
	Attempts int
}

// DefaultBackoff suits waiting for a gateway that is still starting.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:      100 * time.Millisecond,
		Max:      2 * time.Second,
		Factor:   2,
		Jitter:   0.2,
		Attempts: 20,
	}
}

// Wait returns the pause after the given failed attempt (1-based).
func (b Backoff) Wait(attempt int) time.Duration {
	lo, hi, factor := b.Min, b.Max, b.Factor
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	if factor <= 1 {
		factor = 2
	}
	wait := lo
	for i := 1; i < attempt && wait < hi; i++ {
		wait = time.Duration(float64(wait) * factor)
	}
	if wait > hi {
		wait = hi
	}
	if b.Jitter <= 0 {
		return wait
	}
	spread := float64(wait) * min(b.Jitter, 1)
	return wait - time.Duration(spread) + time.Duration(rand.Float64()*2*spread)
}

// DialRetry dials until the gateway accepts, the attempts run out or ctx
// ends.
func DialRetry(ctx context.Context, addr string, id schema.ClientID, buffer int, b Backoff) (*Client, error) {
	return DialRetryFrom(ctx, addr, id, buffer, Resume{}, b)
}

// DialRetryFrom is DialRetry for a client continuing from earlier counters.
func DialRetryFrom(ctx context.Context, addr string, id schema.ClientID, buffer int, from Resume, b Backoff) (*Client, error) {
	for attempt := 1; ; attempt++ {
		c, err := DialFrom(ctx, addr, id, buffer, from)
		if err == nil {
			return c, nil
		}
		if b.Attempts > 0 && attempt >= b.Attempts {
			return nil, errors.Wrapf(err, "gave up after %d attempts", attempt)
		}
		wait := b.Wait(attempt)
		logs.Debugf("client %d: dial %s failed, retry in %s, err: %+v", id, addr, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrap(ctx.Err(), "dial gateway").With("addr", addr)
		case <-t.C:
		}
	}
}
