// Package ecat holds the definitions shared by every layer of the master:
// the error taxonomy used from configuration up to the cyclic loop.
package ecat

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrConfig          = errors.New("configuration error")
	ErrStateTransition = errors.New("state not reached within retry budget")
	ErrExchangeTimeout = errors.New("working counter below expected")
	ErrLayoutMismatch  = errors.New("record size does not match mapped region")
	ErrDriveFault      = errors.New("drive reported a fault")
	ErrClosed          = errors.New("master context is closed")
	ErrUnsupported     = errors.New("operation not supported by driver")
	ErrNoSlaves        = errors.New("no slaves found")
)

// ConfigError is returned for discovery, mapping and configuration
// failures. It aborts a run before any motion is attempted.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("config %v failed", e.Op)
	}
	return fmt.Sprintf("config %v failed : %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// SlaveState is the last observed state of a single slave, as reported
// inside a [StateTransitionError].
type SlaveState struct {
	Position   uint16
	State      string
	StatusCode uint16
}

// StateTransitionError is returned when a bus or drive state was not
// reached within its bounded budget.
type StateTransitionError struct {
	Target   string
	Stage    string
	Attempts int
	// Status is the last status word for drive stages
	Status   uint16
	Observed []SlaveState
}

func (e *StateTransitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v not reached", e.Target)
	if e.Stage != "" {
		fmt.Fprintf(&b, " during %v", e.Stage)
	}
	fmt.Fprintf(&b, " after %v attempts", e.Attempts)
	if e.Status != 0 {
		fmt.Fprintf(&b, ", status word x%04x", e.Status)
	}
	for _, s := range e.Observed {
		fmt.Fprintf(&b, ", slave %v %v (code x%04x)", s.Position, s.State, s.StatusCode)
	}
	return b.String()
}

func (e *StateTransitionError) Is(target error) bool { return target == ErrStateTransition }

// ExchangeError reports a single tick whose working counter did not reach
// the expected value.
type ExchangeError struct {
	WKC      int
	Expected int
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("working counter %v, expected %v", e.WKC, e.Expected)
}

func (e *ExchangeError) Is(target error) bool { return target == ErrExchangeTimeout }

// LayoutError is a typed record that does not match the region mapped for
// a slave. It is a defect, never a data dependent condition.
type LayoutError struct {
	Position uint16
	Region   string
	Want     int
	Got      int
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("slave %v %v region is %v bytes, record needs %v", e.Position, e.Region, e.Got, e.Want)
}

func (e *LayoutError) Is(target error) bool { return target == ErrLayoutMismatch }
