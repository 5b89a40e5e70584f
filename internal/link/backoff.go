package link

import (
	"context"
	"time"
)

// backoff yields exponentially growing delays capped at max.
// Every establish run takes a fresh one, so a successful connection starts over from initial.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max}
}

// Next returns the delay before the next attempt and doubles the following one.
func (b *backoff) Next() time.Duration {
	d := b.next
	if d == 0 {
		d = b.initial
	}
	b.next = min(d*2, b.max)
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
