package stability

import (
	"errors"
	"fmt"
)

// Verdict is the state of a stability run
type Verdict int

const (
	// Continue is the initial state, the run has not reached a decision
	Continue Verdict = iota
	// Stabilized means both the response spread and the mean step-to-step
	// change fell below tolerance
	Stabilized
	// Exhausted means the step budget ran out before stabilization
	Exhausted
	// DeviceFault means the initial sweep showed the device is not contacted
	DeviceFault
)

// String satisfies fmt.Stringer
func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Stabilized:
		return "stabilized"
	case Exhausted:
		return "exhausted"
	case DeviceFault:
		return "device fault"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Terminal returns true for every verdict except Continue
func (v Verdict) Terminal() bool {
	return v != Continue
}

var (
	// ErrDeviceNotConnected is generated when the initial sweep reads the
	// compliance sentinel, the device under test is not making contact
	ErrDeviceNotConnected = errors.New("device under test is not connected")

	// ErrStepBudgetExhausted is returned by Result.Err for an Exhausted run
	ErrStepBudgetExhausted = errors.New("step budget exhausted before stabilization")
)

// DeviceFaultError carries the channel which tripped the connectivity check.
// It unwraps to ErrDeviceNotConnected.
type DeviceFaultError struct {
	Channel  string
	Sentinel float64
}

// Error satisfies stdlib error interface
func (e *DeviceFaultError) Error() string {
	return fmt.Sprintf("%s: channel %s peaked at the compliance sentinel %g", ErrDeviceNotConnected, e.Channel, e.Sentinel)
}

// Unwrap allows errors.Is(err, ErrDeviceNotConnected)
func (e *DeviceFaultError) Unwrap() error {
	return ErrDeviceNotConnected
}
