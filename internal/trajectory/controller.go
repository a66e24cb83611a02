package trajectory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrBusy is returned when an operation conflicts with one in progress,
	// e.g. changing axis configuration during Execute.
	ErrBusy = errors.New("trajectory controller busy")
	// ErrNotBuilt is returned by Append or Execute without a successful Build.
	ErrNotBuilt = errors.New("no profile has been built")
	// ErrTooManyPoints is returned when a Build or Append exceeds the
	// per-call point limit.
	ErrTooManyPoints = errors.New("too many points for one build")
	// ErrEmptyProfile is returned for a Build or Append without points.
	ErrEmptyProfile = errors.New("profile has no points")
	// ErrNoAxes is returned by Build before ConfigureAxes.
	ErrNoAxes = errors.New("axes are not configured")
)

// BuildPhase is the phase of a Build or Append.
type BuildPhase int

const (
	PhaseDone BuildPhase = iota
	PhaseBusy
)

func (p BuildPhase) String() string {
	if p == PhaseBusy {
		return "BUSY"
	}
	return "DONE"
}

// BuildOutcome is the terminal outcome of a Build or Append.
type BuildOutcome int

const (
	OutcomeUndefined BuildOutcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o BuildOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	default:
		return "UNDEFINED"
	}
}

// ExecutePhase is the phase of an Execute.
type ExecutePhase int

const (
	ExecDone ExecutePhase = iota
	ExecMoveStart
	ExecExecuting
	ExecFlyback
)

func (p ExecutePhase) String() string {
	switch p {
	case ExecMoveStart:
		return "MOVE_START"
	case ExecExecuting:
		return "EXECUTING"
	case ExecFlyback:
		return "FLYBACK"
	default:
		return "DONE"
	}
}

// ExecuteOutcome is the terminal outcome of an Execute.
type ExecuteOutcome int

const (
	ExecUndefined ExecuteOutcome = iota
	ExecSuccess
	ExecFailure
	ExecAbort
	ExecTimeout
)

func (o ExecuteOutcome) String() string {
	switch o {
	case ExecSuccess:
		return "SUCCESS"
	case ExecFailure:
		return "FAILURE"
	case ExecAbort:
		return "ABORT"
	case ExecTimeout:
		return "TIMEOUT"
	default:
		return "UNDEFINED"
	}
}

// BuildState pairs a phase with an outcome.
type BuildState struct {
	Phase   BuildPhase
	Outcome BuildOutcome
}

// ExecuteState pairs a phase with an outcome.
type ExecuteState struct {
	Phase   ExecutePhase
	Outcome ExecuteOutcome
}

// Status is a snapshot of the controller.
type Status struct {
	Build   BuildState
	Append  BuildState
	Execute ExecuteState
	// Percent complete of the current or last Execute, 0-100.
	Percent float64
	// Points currently held in the controller's profile buffer.
	Points int
	// Message is the last diagnostic text reported by the controller.
	Message string
}

func (s Status) String() string {
	return fmt.Sprintf("build=%s/%s append=%s/%s execute=%s/%s %.1f%% points=%d",
		s.Build.Phase, s.Build.Outcome, s.Append.Phase, s.Append.Outcome,
		s.Execute.Phase, s.Execute.Outcome, s.Percent, s.Points)
}

// Executing reports whether an Execute is in progress.
func (s Status) Executing() bool { return s.Execute.Phase != ExecDone }

// Controller is a trajectory motion controller.
//
// Build, Append and ConfigureAxes block until the controller reports the
// operation done. Execute returns as soon as motion has started; completion is
// observed through Status. Abort is best effort. No method retries.
type Controller interface {
	// ConfigureAxes sets per-axis offset, resolution, coordinate-system
	// port and participation. It fails with ErrBusy during Execute.
	ConfigureAxes(ctx context.Context, axes map[string]AxisConfig) error
	// Build loads points into a fresh controller-resident profile.
	Build(ctx context.Context, points Profile) error
	// Append adds points to the built profile.
	Append(ctx context.Context, points Profile) error
	// Execute starts the loaded profile.
	Execute(ctx context.Context) error
	// Abort stops an Execute in progress. Motion already done is not undone.
	Abort(ctx context.Context) error
	// Status returns the current phase/outcome snapshot.
	Status(ctx context.Context) (Status, error)
	// MaxPointsPerBuild is the per-call point limit for Build and Append.
	MaxPointsPerBuild() int
}

// machine holds the state and transition rules both backends share, so the
// observable sequence is the same whichever one a scan uses.
type machine struct {
	mu      sync.Mutex
	max     int
	axes    map[string]AxisConfig
	status  Status
	profile Profile
}

func newMachine(maxPoints int) *machine {
	return &machine{max: maxPoints}
}

func (m *machine) snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *machine) axesCopy() map[string]AxisConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AxisConfig, len(m.axes))
	for k, v := range m.axes {
		out[k] = v
	}
	return out
}

func (m *machine) loaded() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// checkConfigure reports whether axes could be configured now.
func (m *machine) checkConfigure(axes map[string]AxisConfig) error {
	if err := ValidateAxes(axes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Executing() {
		return ErrBusy
	}
	return nil
}

func (m *machine) configure(axes map[string]AxisConfig) error {
	if err := ValidateAxes(axes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Executing() {
		return ErrBusy
	}
	m.axes = make(map[string]AxisConfig, len(axes))
	for k, v := range axes {
		m.axes[k] = v
	}
	return nil
}

func (m *machine) checkPoints(points Profile) error {
	if len(m.axes) == 0 {
		return ErrNoAxes
	}
	if len(points) > m.max {
		return fmt.Errorf("%w: %d > %d", ErrTooManyPoints, len(points), m.max)
	}
	return points.Validate(m.axes)
}

func (m *machine) beginBuild(points Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Executing() || m.status.Build.Phase == PhaseBusy || m.status.Append.Phase == PhaseBusy {
		return ErrBusy
	}
	if err := m.checkPoints(points); err != nil {
		return err
	}
	m.status.Build = BuildState{Phase: PhaseBusy}
	m.status.Append = BuildState{}
	m.status.Points = 0
	m.profile = nil
	return nil
}

func (m *machine) endBuild(outcome BuildOutcome, points Profile, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Build = BuildState{Phase: PhaseDone, Outcome: outcome}
	m.status.Message = msg
	if outcome == OutcomeSuccess {
		m.profile = append(Profile(nil), points...)
		m.status.Points = len(m.profile)
	}
}

func (m *machine) beginAppend(points Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Executing() || m.status.Build.Phase == PhaseBusy || m.status.Append.Phase == PhaseBusy {
		return ErrBusy
	}
	if m.status.Build.Outcome != OutcomeSuccess || m.status.Append.Outcome == OutcomeFailure {
		return ErrNotBuilt
	}
	if err := m.checkPoints(points); err != nil {
		return err
	}
	m.status.Append = BuildState{Phase: PhaseBusy}
	return nil
}

func (m *machine) endAppend(outcome BuildOutcome, points Profile, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Append = BuildState{Phase: PhaseDone, Outcome: outcome}
	m.status.Message = msg
	if outcome == OutcomeSuccess {
		m.profile = append(m.profile, points...)
		m.status.Points = len(m.profile)
	}
}

func (m *machine) beginExecute() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Executing() || m.status.Build.Phase == PhaseBusy || m.status.Append.Phase == PhaseBusy {
		return ErrBusy
	}
	if m.status.Build.Outcome != OutcomeSuccess || m.status.Append.Outcome == OutcomeFailure || len(m.profile) == 0 {
		return ErrNotBuilt
	}
	m.status.Execute = ExecuteState{Phase: ExecExecuting}
	m.status.Percent = 0
	return nil
}

// cancelExecute reverts beginExecute when the start command never reached
// the controller.
func (m *machine) cancelExecute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Execute = ExecuteState{}
}

// observe applies a reported execute phase and percent. Percent never goes
// backwards while an Execute is in progress.
func (m *machine) observe(phase ExecutePhase, outcome ExecuteOutcome, percent float64, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > m.status.Percent {
		m.status.Percent = percent
	}
	m.status.Execute = ExecuteState{Phase: phase, Outcome: outcome}
	if phase == ExecDone && outcome == ExecSuccess {
		m.status.Percent = 100
	}
	if msg != "" {
		m.status.Message = msg
	}
}

func (m *machine) finish(outcome ExecuteOutcome, msg string) {
	m.observe(ExecDone, outcome, m.snapshot().Percent, msg)
}
