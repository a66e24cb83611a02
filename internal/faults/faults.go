// Package faults classifies the failures a fly scan can surface so callers can
// tell a broken link from a device that reported a failed move.
package faults

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a fault.
type Kind int

const (
	// KindCommunication is a transport failure talking to motion or detector
	// hardware.
	KindCommunication Kind = iota + 1
	// KindHardwareExecution means the device answered but reported
	// FAILURE, ABORT or TIMEOUT.
	KindHardwareExecution
	// KindStreamContract is an integration bug: a source broke its read
	// contract or a caller asked past a permanently failed point.
	KindStreamContract
	// KindFileTimeout means the detector file never reached the completed
	// state within the bounded wait.
	KindFileTimeout
)

func (k Kind) String() string {
	switch k {
	case KindCommunication:
		return "communication fault"
	case KindHardwareExecution:
		return "hardware execution fault"
	case KindStreamContract:
		return "stream contract violation"
	case KindFileTimeout:
		return "file timeout"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// Sentinels for errors.Is. A *Fault matches the sentinel of its Kind.
var (
	ErrCommunication     = &Fault{Kind: KindCommunication}
	ErrHardwareExecution = &Fault{Kind: KindHardwareExecution}
	ErrStreamContract    = &Fault{Kind: KindStreamContract}
	ErrFileTimeout       = &Fault{Kind: KindFileTimeout}
)

// Fault is a classified error. Op names the operation that failed, e.g.
// "put ProfileBuild" or "read chunk".
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	switch {
	case f.Op == "" && f.Err == nil:
		return f.Kind.String()
	case f.Err == nil:
		return fmt.Sprintf("%s: %s", f.Kind, f.Op)
	case f.Op == "":
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Op, f.Err)
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// Is reports whether target is a Fault of the same Kind. This lets callers
// write errors.Is(err, faults.ErrCommunication) regardless of Op or cause.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind && t.Op == "" && t.Err == nil
}

// Communication wraps err as a communication fault.
func Communication(op string, err error) error {
	return &Fault{Kind: KindCommunication, Op: op, Err: err}
}

// HardwareExecution reports a device-side failure for op.
func HardwareExecution(op string, err error) error {
	return &Fault{Kind: KindHardwareExecution, Op: op, Err: err}
}

// StreamContract reports an integration bug in a stream source or its caller.
func StreamContract(op string, err error) error {
	return &Fault{Kind: KindStreamContract, Op: op, Err: err}
}

// FileTimeout reports that a detector file did not complete in time.
func FileTimeout(op string, err error) error {
	return &Fault{Kind: KindFileTimeout, Op: op, Err: err}
}

// KindOf returns the Kind of the first Fault in err's chain, or 0.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
