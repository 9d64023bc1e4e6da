package engine

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/clock"
)

// Backoff is an exponential schedule with deterministic jitter.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPollBackoff paces status polls of a single task.
func DefaultPollBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 5 * time.Minute, Multiplier: 2}
}

// DefaultRetryBackoff paces resubmission of failed records.
func DefaultRetryBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Max: 30 * time.Minute, Multiplier: 4}
}

func (b Backoff) withDefaults(d Backoff) Backoff {
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	return b
}

// Delay returns the wait before attempt n (from 0) of the work keyed by key.
// The result lies in [0.8, 1.2) of the exponential value, capped at Max. Keys
// spread tasks that started together; the same key and attempt always give
// the same delay.
func (b Backoff) Delay(key string, attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(max(attempt, 0)))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	h := xxhash.Sum64String(key + "/" + strconv.Itoa(attempt))
	frac := float64(h%1024) / 1024
	d *= 0.8 + 0.4*frac
	return min(time.Duration(d), b.Max)
}

// sleep waits d on clk or until ctx ends.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
