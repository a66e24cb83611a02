package trajectory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/hwlink"
	"github.com/banshee-data/flyscan/internal/monitoring"
	"github.com/banshee-data/flyscan/internal/timeutil"
)

// Controller parameter names.
const (
	ParamNumPoints      = "NumPoints"
	ParamTimes          = "Times"
	ParamVelocityMode   = "VelocityMode"
	ParamProfileBuild   = "ProfileBuild"
	ParamBuildState     = "BuildState"
	ParamBuildStatus    = "BuildStatus"
	ParamBuildMessage   = "BuildMessage"
	ParamProfileAppend  = "ProfileAppend"
	ParamAppendState    = "AppendState"
	ParamAppendStatus   = "AppendStatus"
	ParamAppendMessage  = "AppendMessage"
	ParamProfileExecute = "ProfileExecute"
	ParamExecuteState   = "ExecuteState"
	ParamExecuteStatus  = "ExecuteStatus"
	ParamExecutePercent = "ExecutePercent"
	ParamExecuteMessage = "ExecuteMessage"
	ParamProfileAbort   = "ProfileAbort"
)

// AxisParam returns the per-axis parameter name, e.g. "X:Positions".
func AxisParam(axis, name string) string { return axis + ":" + name }

var (
	buildStates = map[string]BuildPhase{"done": PhaseDone, "busy": PhaseBusy}

	buildOutcomes = map[string]BuildOutcome{
		"undefined": OutcomeUndefined, "success": OutcomeSuccess, "failure": OutcomeFailure,
	}

	executeStates = map[string]ExecutePhase{
		"done": ExecDone, "move start": ExecMoveStart, "executing": ExecExecuting, "flyback": ExecFlyback,
	}

	executeOutcomes = map[string]ExecuteOutcome{
		"undefined": ExecUndefined, "success": ExecSuccess, "failure": ExecFailure,
		"abort": ExecAbort, "timeout": ExecTimeout,
	}
)

// HardwareConfig configures a HardwareController.
type HardwareConfig struct {
	// MaxPointsPerBuild defaults to DefaultMaxPointsPerBuild.
	MaxPointsPerBuild int
	// PollInterval between build/append state checks.
	PollInterval time.Duration
	// BuildTimeout bounds the wait for a build or append to report done.
	BuildTimeout time.Duration
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

// HardwareController drives a real trajectory controller over a Link. Every
// parameter write blocks until the controller acknowledges it.
//
// The controller must reset ExecuteStatus to Undefined (or leave the Done
// phase) before it acknowledges ProfileExecute. Status trusts the first
// Done with an outcome it reads after Execute, so a controller that still
// reports the previous run's result would end the new run on the first poll.
type HardwareController struct {
	link hwlink.Link
	cfg  HardwareConfig
	m    *machine
	log  func(string, ...interface{})
}

var _ Controller = (*HardwareController)(nil)

// NewHardwareController returns a controller bound to link.
func NewHardwareController(link hwlink.Link, cfg HardwareConfig) *HardwareController {
	if cfg.MaxPointsPerBuild <= 0 {
		cfg.MaxPointsPerBuild = DefaultMaxPointsPerBuild
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = timeutil.DefaultPollInterval
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &HardwareController{
		link: link,
		cfg:  cfg,
		m:    newMachine(cfg.MaxPointsPerBuild),
		log:  monitoring.Component("trajectory/hw"),
	}
}

func (h *HardwareController) MaxPointsPerBuild() int { return h.cfg.MaxPointsPerBuild }

// ConfigureAxes writes every axis to the controller and only then adopts the
// configuration, so a failed write keeps the previous one.
func (h *HardwareController) ConfigureAxes(ctx context.Context, axes map[string]AxisConfig) error {
	if err := h.m.checkConfigure(axes); err != nil {
		return err
	}
	for _, id := range sortedKeys(axes) {
		a := axes[id]
		for _, p := range []struct{ name, value string }{
			{"CsPort", a.CSPort},
			{"Offset", fmt.Sprint(a.Offset)},
			{"Resolution", fmt.Sprint(a.Resolution)},
			{"UseAxis", hwlink.Bool(a.Enabled)},
		} {
			if err := h.link.Put(ctx, AxisParam(id, p.name), p.value); err != nil {
				return err
			}
		}
	}
	return h.m.configure(axes)
}

func (h *HardwareController) Build(ctx context.Context, points Profile) error {
	if err := h.m.beginBuild(points); err != nil {
		return err
	}
	outcome, msg, err := h.transfer(ctx, "build", points, ParamProfileBuild, ParamBuildState, ParamBuildStatus, ParamBuildMessage)
	if err != nil {
		h.m.endBuild(OutcomeFailure, nil, err.Error())
		return err
	}
	h.m.endBuild(outcome, points, msg)
	if outcome != OutcomeSuccess {
		return buildFailure("build", msg)
	}
	h.log("built %d points", len(points))
	return nil
}

func (h *HardwareController) Append(ctx context.Context, points Profile) error {
	if err := h.m.beginAppend(points); err != nil {
		return err
	}
	outcome, msg, err := h.transfer(ctx, "append", points, ParamProfileAppend, ParamAppendState, ParamAppendStatus, ParamAppendMessage)
	if err != nil {
		h.m.endAppend(OutcomeFailure, nil, err.Error())
		return err
	}
	h.m.endAppend(outcome, points, msg)
	if outcome != OutcomeSuccess {
		return buildFailure("append", msg)
	}
	h.log("appended %d points", len(points))
	return nil
}

// transfer writes the point arrays, issues the build or append command and
// waits for the controller to report done.
func (h *HardwareController) transfer(ctx context.Context, op string, points Profile, command, stateParam, statusParam, messageParam string) (BuildOutcome, string, error) {
	times := make([]int64, len(points))
	modes := make([]int64, len(points))
	for i, p := range points {
		times[i] = p.Dwell.Microseconds()
		modes[i] = int64(p.Mode)
	}
	writes := []struct{ name, value string }{
		{ParamNumPoints, fmt.Sprint(len(points))},
		{ParamTimes, hwlink.FormatInts(times)},
		{ParamVelocityMode, hwlink.FormatInts(modes)},
	}
	for _, id := range EnabledAxes(h.m.axesCopy()) {
		writes = append(writes, struct{ name, value string }{AxisParam(id, "Positions"), hwlink.FormatFloats(points.Column(id))})
	}
	for _, w := range writes {
		if err := h.link.Put(ctx, w.name, w.value); err != nil {
			return OutcomeUndefined, "", err
		}
	}
	if err := h.link.Put(ctx, command, "1"); err != nil {
		return OutcomeUndefined, "", err
	}

	err := timeutil.Poll(ctx, h.cfg.Clock, timeutil.PollOptions{Interval: h.cfg.PollInterval, Timeout: h.cfg.BuildTimeout},
		func(ctx context.Context) (bool, error) {
			s, err := h.link.Get(ctx, stateParam)
			if err != nil {
				return false, err
			}
			phase, err := lookup(stateParam, s, buildStates)
			if err != nil {
				return false, err
			}
			return phase == PhaseDone, nil
		})
	if errors.Is(err, timeutil.ErrPollTimeout) {
		return OutcomeUndefined, "", faults.HardwareExecution(op, err)
	}
	if err != nil {
		return OutcomeUndefined, "", err
	}

	s, err := h.link.Get(ctx, statusParam)
	if err != nil {
		return OutcomeUndefined, "", err
	}
	outcome, err := lookup(statusParam, s, buildOutcomes)
	if err != nil {
		return OutcomeUndefined, "", err
	}
	var msg string
	if outcome != OutcomeSuccess {
		msg, _ = h.link.Get(ctx, messageParam)
	}
	return outcome, msg, nil
}

// Execute starts the profile. It returns once the controller acknowledged the
// start command; the controller resets its execute status on acknowledgement.
func (h *HardwareController) Execute(ctx context.Context) error {
	if err := h.m.beginExecute(); err != nil {
		return err
	}
	if err := h.link.Put(ctx, ParamProfileExecute, "1"); err != nil {
		h.m.cancelExecute()
		return err
	}
	h.log("execute started with %d points", len(h.m.loaded()))
	return nil
}

func (h *HardwareController) Abort(ctx context.Context) error {
	if err := h.link.Put(ctx, ParamProfileAbort, "1"); err != nil {
		return err
	}
	h.log("abort requested")
	return nil
}

// Status refreshes the execute state from the controller while an Execute is
// in progress and returns the combined snapshot.
func (h *HardwareController) Status(ctx context.Context) (Status, error) {
	if !h.m.snapshot().Executing() {
		return h.m.snapshot(), nil
	}
	s, err := h.link.Get(ctx, ParamExecuteState)
	if err != nil {
		return h.m.snapshot(), err
	}
	phase, err := lookup(ParamExecuteState, s, executeStates)
	if err != nil {
		return h.m.snapshot(), err
	}
	s, err = h.link.Get(ctx, ParamExecuteStatus)
	if err != nil {
		return h.m.snapshot(), err
	}
	outcome, err := lookup(ParamExecuteStatus, s, executeOutcomes)
	if err != nil {
		return h.m.snapshot(), err
	}
	percent, err := hwlink.GetFloat(ctx, h.link, ParamExecutePercent)
	if err != nil {
		return h.m.snapshot(), err
	}

	var msg string
	if phase == ExecDone {
		if outcome == ExecUndefined {
			// not started yet from the controller's point of view
			phase = ExecMoveStart
		} else if outcome != ExecSuccess {
			msg, _ = h.link.Get(ctx, ParamExecuteMessage)
		}
	}
	h.m.observe(phase, outcome, percent, msg)
	return h.m.snapshot(), nil
}

func lookup[V any](param, raw string, table map[string]V) (V, error) {
	v, ok := table[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		var zero V
		return zero, faults.Communication("get "+param, fmt.Errorf("unexpected value %q", raw))
	}
	return v, nil
}
