package trajectory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/flyscan/internal/monitoring"
	"github.com/banshee-data/flyscan/internal/timeutil"
)

// DefaultMaxPointsPerBuild matches the buffer size of common motion
// controllers.
const DefaultMaxPointsPerBuild = 1000

// SimConfig configures a SimController.
type SimConfig struct {
	// MaxPointsPerBuild defaults to DefaultMaxPointsPerBuild.
	MaxPointsPerBuild int
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// OnPoint is called from the execution goroutine as each point's dwell
	// starts, in strict point order. It acts as the hardware trigger.
	OnPoint func(index int, p Point)
	// FailAfterPoints, when positive, makes Execute end in FAILURE once that
	// many points have completed, like a following error on the next move.
	FailAfterPoints int
	// ExecuteTimeout ends Execute in TIMEOUT once exceeded. Zero disables.
	ExecuteTimeout time.Duration
	// FailBuild makes every Build and Append end in FAILURE.
	FailBuild bool
}

// SimController simulates a trajectory controller by sleeping each point's
// dwell time on a background goroutine.
type SimController struct {
	cfg SimConfig
	m   *machine
	log func(string, ...interface{})

	runMu sync.Mutex
	abort chan struct{}
	done  chan struct{}
}

var _ Controller = (*SimController)(nil)

// NewSimController returns an idle simulated controller.
func NewSimController(cfg SimConfig) *SimController {
	if cfg.MaxPointsPerBuild <= 0 {
		cfg.MaxPointsPerBuild = DefaultMaxPointsPerBuild
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &SimController{
		cfg: cfg,
		m:   newMachine(cfg.MaxPointsPerBuild),
		log: monitoring.Component("trajectory/sim"),
	}
}

func (s *SimController) MaxPointsPerBuild() int { return s.cfg.MaxPointsPerBuild }

func (s *SimController) ConfigureAxes(ctx context.Context, axes map[string]AxisConfig) error {
	return s.m.configure(axes)
}

func (s *SimController) Build(ctx context.Context, points Profile) error {
	if err := s.m.beginBuild(points); err != nil {
		return err
	}
	if s.cfg.FailBuild {
		s.m.endBuild(OutcomeFailure, nil, "simulated build failure")
		return buildFailure("build", "simulated build failure")
	}
	s.m.endBuild(OutcomeSuccess, points, "")
	s.log("built %d points", len(points))
	return nil
}

func (s *SimController) Append(ctx context.Context, points Profile) error {
	if err := s.m.beginAppend(points); err != nil {
		return err
	}
	if s.cfg.FailBuild {
		s.m.endAppend(OutcomeFailure, nil, "simulated append failure")
		return buildFailure("append", "simulated append failure")
	}
	s.m.endAppend(OutcomeSuccess, points, "")
	s.log("appended %d points", len(points))
	return nil
}

// Execute starts the simulated move and returns immediately with the execute
// phase at EXECUTING.
func (s *SimController) Execute(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if err := s.m.beginExecute(); err != nil {
		return err
	}
	s.abort = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.m.loaded(), s.abort, s.done)
	return nil
}

func (s *SimController) run(points Profile, abort, done chan struct{}) {
	defer close(done)
	clock := s.cfg.Clock
	start := clock.Now()
	n := len(points)

	for i, p := range points {
		if s.cfg.FailAfterPoints > 0 && i == s.cfg.FailAfterPoints {
			s.m.finish(ExecFailure, fmt.Sprintf("simulated following error at point %d", i))
			return
		}
		if s.cfg.OnPoint != nil {
			s.cfg.OnPoint(i, p)
		}

		wait, truncated := p.Dwell, false
		if s.cfg.ExecuteTimeout > 0 {
			if left := s.cfg.ExecuteTimeout - clock.Since(start); left < wait {
				wait, truncated = left, true
			}
		}
		t := clock.NewTimer(wait)
		select {
		case <-t.C():
		case <-abort:
			t.Stop()
			s.m.finish(ExecAbort, fmt.Sprintf("aborted at point %d", i))
			s.log("execute aborted at point %d/%d", i, n)
			return
		}
		if truncated {
			s.m.finish(ExecTimeout, fmt.Sprintf("timed out after %v", s.cfg.ExecuteTimeout))
			return
		}
		s.m.observe(ExecExecuting, ExecUndefined, float64(i+1)*100/float64(n), "")
	}
	s.m.observe(ExecFlyback, ExecUndefined, 100, "")
	s.m.finish(ExecSuccess, "")
	s.log("execute finished %d points in %v", n, clock.Since(start))
}

// Abort stops a running simulated move. It is a no-op when nothing runs.
func (s *SimController) Abort(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.abort == nil {
		return nil
	}
	select {
	case <-s.abort:
	default:
		close(s.abort)
	}
	return nil
}

func (s *SimController) Status(ctx context.Context) (Status, error) {
	return s.m.snapshot(), nil
}

// Wait blocks until the current simulated move goroutine has exited.
func (s *SimController) Wait() {
	s.runMu.Lock()
	done := s.done
	s.runMu.Unlock()
	if done != nil {
		<-done
	}
}
