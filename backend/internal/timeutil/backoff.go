package timeutil

import (
	"context"
	"math/rand"
	"time"
)

// Backoff produces exponentially growing delays with optional jitter.
// It is not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter spreads each delay by up to +/- Jitter*delay.
	Jitter float64

	current time.Duration
}

// Next returns the delay to wait before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Initial
	} else {
		b.current *= 2
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	delay := b.current
	if b.Jitter > 0 && delay > 0 {
		spread := float64(delay) * b.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() {
	b.current = 0
}

// SleepWithContext pauses for the given duration or until the context is cancelled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
