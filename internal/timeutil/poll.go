package timeutil

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned by Poll when the condition did not hold before the
// timeout elapsed.
var ErrPollTimeout = errors.New("poll timed out")

// DefaultPollInterval is used when PollOptions.Interval is unset.
const DefaultPollInterval = 50 * time.Millisecond

// PollOptions bounds a Poll.
type PollOptions struct {
	// Interval between checks.
	Interval time.Duration
	// Timeout for the whole wait. Zero means wait until ctx is done.
	Timeout time.Duration
	// Wake, when non-nil, triggers an early re-check (e.g. a file system
	// notification). Checks still happen every Interval without it.
	Wake <-chan struct{}
}

// Poll calls cond until it reports true, returns an error, ctx is done or the
// timeout elapses. It never spins: between checks it waits for Interval on
// clock, for Wake or for ctx.
func Poll(ctx context.Context, clock Clock, opts PollOptions, cond func(context.Context) (bool, error)) error {
	if clock == nil {
		clock = RealClock{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := clock.Now()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if opts.Timeout > 0 && clock.Since(start) >= opts.Timeout {
			return fmt.Errorf("%w after %v", ErrPollTimeout, opts.Timeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := interval
		if opts.Timeout > 0 {
			if left := opts.Timeout - clock.Since(start); left < wait {
				wait = left
			}
		}
		t := clock.NewTimer(wait)
		select {
		case <-t.C():
		case <-opts.Wake:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
