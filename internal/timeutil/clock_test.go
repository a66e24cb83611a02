package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
		// Timer fired as expected
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestMockClock_Advance(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Advance(time.Hour)

	if got := clock.Since(epoch); got != time.Hour {
		t.Errorf("Since() = %v, want 1h", got)
	}
}

func TestMockClock_Timer(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before Advance")
	default:
	}
	if clock.Timers() != 1 {
		t.Errorf("Timers() = %d, want 1", clock.Timers())
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case got := <-timer.C():
		if !got.Equal(epoch.Add(time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
	if clock.Timers() != 0 {
		t.Errorf("Timers() = %d after firing, want 0", clock.Timers())
	}
}

func TestMockClock_TimerStop(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Second)

	if !timer.Stop() {
		t.Error("Stop() on active timer should return true")
	}
	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
	if timer.Stop() {
		t.Error("second Stop() should return false")
	}
}

func TestMockClock_AutoAdvance(t *testing.T) {
	clock := NewAutoMockClock(epoch)

	clock.Sleep(3 * time.Second)
	<-clock.After(2 * time.Second)

	if got := clock.Since(epoch); got != 5*time.Second {
		t.Errorf("Since() = %v, want 5s", got)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 3*time.Second {
		t.Errorf("Sleeps() = %v", sleeps)
	}
}

func TestMockClock_ManualSleepDoesNotAdvance(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Sleep(time.Minute)
	if !clock.Now().Equal(epoch) {
		t.Errorf("manual clock moved on Sleep: %v", clock.Now())
	}
}

func TestPoll_SucceedsAfterChecks(t *testing.T) {
	clock := NewAutoMockClock(epoch)
	calls := 0
	err := Poll(context.Background(), clock, PollOptions{Interval: time.Second, Timeout: time.Minute},
		func(context.Context) (bool, error) {
			calls++
			return calls == 4, nil
		})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if got := clock.Since(epoch); got != 3*time.Second {
		t.Errorf("virtual time elapsed = %v, want 3s", got)
	}
}

func TestPoll_TimesOut(t *testing.T) {
	clock := NewAutoMockClock(epoch)
	calls := 0
	err := Poll(context.Background(), clock, PollOptions{Interval: 2 * time.Second, Timeout: 5 * time.Second},
		func(context.Context) (bool, error) {
			calls++
			return false, nil
		})
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("Poll() error = %v, want ErrPollTimeout", err)
	}
	// checks at 0s, 2s, 4s and 5s
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestPoll_ConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := Poll(context.Background(), NewAutoMockClock(epoch), PollOptions{},
		func(context.Context) (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Poll() error = %v, want boom", err)
	}
}

func TestPoll_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := NewMockClock(epoch)
	done := make(chan error, 1)
	go func() {
		done <- Poll(ctx, clock, PollOptions{Interval: time.Hour}, func(context.Context) (bool, error) {
			return false, nil
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Poll() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after cancel")
	}
}

func TestPoll_Wake(t *testing.T) {
	clock := NewMockClock(epoch)
	wake := make(chan struct{}, 1)
	calls := 0
	err := Poll(context.Background(), clock, PollOptions{Interval: time.Hour, Wake: wake},
		func(context.Context) (bool, error) {
			calls++
			if calls == 1 {
				wake <- struct{}{}
				return false, nil
			}
			return true, nil
		})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
