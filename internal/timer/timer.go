// Package timer runs periodic loops with jittered intervals.
package timer

import (
	"context"
	"math/rand"
	"time"

	"github.com/lthibault/jitterbug"
)

// Interval is a base duration with an optional jitter bound. Each tick fires
// at Duration ± a uniform offset within Jitter, so loops sharing an interval
// across many nodes drift apart instead of herding.
type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter <= 0 || j.MaxJitter >= d {
		return d
	}
	return d + (time.Duration(rand.Int63n(int64(2*j.MaxJitter))) - j.MaxJitter)
}

// RunWithTicker runs f immediately, then once per interval, until ctx ends or
// f returns an error. A receive on wake triggers an extra immediate run; wake
// may be nil. Returns ctx.Err() on cancellation, or f's error.
func RunWithTicker(ctx context.Context, interval Interval, wake <-chan struct{}, f func(ctx context.Context) error) error {
	if err := f(ctx); err != nil {
		return err
	}

	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			if err := f(ctx); err != nil {
				return err
			}
		case <-j.C:
			if err := f(ctx); err != nil {
				return err
			}
		}
	}
}
