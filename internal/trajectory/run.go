package trajectory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/monitoring"
	"github.com/banshee-data/flyscan/internal/timeutil"
)

// abortTimeout bounds the best-effort Abort issued when a wait is abandoned.
const abortTimeout = 2 * time.Second

var logf = monitoring.Component("trajectory")

func buildFailure(op, msg string) error {
	if msg == "" {
		msg = "controller reported failure"
	}
	return faults.HardwareExecution(op, errors.New(msg))
}

// Load sends profile to c, splitting it into one Build followed by as many
// Appends as MaxPointsPerBuild requires.
func Load(ctx context.Context, c Controller, profile Profile) error {
	chunks := profile.Split(c.MaxPointsPerBuild())
	if err := c.Build(ctx, chunks[0]); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	for i, chunk := range chunks[1:] {
		if err := c.Append(ctx, chunk); err != nil {
			return fmt.Errorf("append chunk %d: %w", i+1, err)
		}
	}
	return nil
}

// WaitOptions bounds WaitForExecute.
type WaitOptions struct {
	// Interval between Status polls. Defaults to timeutil.DefaultPollInterval.
	Interval time.Duration
	// Timeout for the whole Execute. Zero waits until ctx is done.
	Timeout time.Duration
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// OnProgress, when set, receives every polled Status.
	OnProgress func(Status)
}

// WaitForExecute polls c until the Execute in progress is done. A terminal
// outcome other than SUCCESS is returned as a faults.ErrHardwareExecution.
// When the wait times out or ctx is cancelled the controller is asked to
// abort before returning.
func WaitForExecute(ctx context.Context, c Controller, opts WaitOptions) error {
	var last Status
	lastPercent := -1.0
	err := timeutil.Poll(ctx, opts.Clock, timeutil.PollOptions{Interval: opts.Interval, Timeout: opts.Timeout},
		func(ctx context.Context) (bool, error) {
			st, err := c.Status(ctx)
			if err != nil {
				return false, err
			}
			if st.Executing() && st.Percent < lastPercent {
				logf("percent went backwards: %.1f -> %.1f", lastPercent, st.Percent)
			}
			lastPercent = st.Percent
			last = st
			if opts.OnProgress != nil {
				opts.OnProgress(st)
			}
			return !st.Executing(), nil
		})

	switch {
	case err == nil:
	case errors.Is(err, timeutil.ErrPollTimeout):
		abort(ctx, c)
		return faults.HardwareExecution("execute", err)
	case ctx.Err() != nil:
		abort(context.WithoutCancel(ctx), c)
		return err
	default:
		return err
	}

	if last.Execute.Outcome != ExecSuccess {
		msg := last.Execute.Outcome.String()
		if last.Message != "" {
			msg += ": " + last.Message
		}
		return faults.HardwareExecution("execute", errors.New(msg))
	}
	return nil
}

func abort(ctx context.Context, c Controller) {
	ctx, cancel := context.WithTimeout(ctx, abortTimeout)
	defer cancel()
	if err := c.Abort(ctx); err != nil {
		logf("abort failed: %v", err)
	}
}

// Run loads profile, executes it and waits for completion.
func Run(ctx context.Context, c Controller, profile Profile, opts WaitOptions) error {
	if err := Load(ctx, c, profile); err != nil {
		return err
	}
	if err := c.Execute(ctx); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	logf("executing %d points, expected %v", len(profile), profile.Duration())
	return WaitForExecute(ctx, c, opts)
}
