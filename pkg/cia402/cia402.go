// Package cia402 implements the drive power state machine used to bring a
// servo drive from a faulted or idle state to operation enabled, and the
// velocity setpoint ramp streamed once enabled.
//
// The drive acknowledges every control word by clearing a status bit, a
// step only advances on that clear edge.
package cia402

import "fmt"

// Status word bits
const (
	StatusReady    uint16 = 1 << 0
	StatusSwitched uint16 = 1 << 1
	StatusEnabled  uint16 = 1 << 2
	StatusFault    uint16 = 1 << 3
)

// Control words
const (
	ControlFaultReset      uint16 = 0x80
	ControlShutdown        uint16 = 0x06
	ControlSwitchOn        uint16 = 0x07
	ControlEnableOperation uint16 = 0x0F
	// Written with a zero target velocity when stopping
	ControlHalt = ControlShutdown
)

type State uint8

const (
	StateFaultReset State = iota
	StateReadyToSwitchOn
	StateSwitchedOn
	StateEnablePending
	StateOperationEnabled
)

var stateMap = map[State]string{
	StateFaultReset:       "FAULT-RESET",
	StateReadyToSwitchOn:  "READY-TO-SWITCH-ON",
	StateSwitchedOn:       "SWITCHED-ON",
	StateEnablePending:    "ENABLE-PENDING",
	StateOperationEnabled: "OPERATION-ENABLED",
}

func (s State) String() string {
	if name, ok := stateMap[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// control word held while waiting in each state
var controlMap = map[State]uint16{
	StateFaultReset:       ControlFaultReset,
	StateReadyToSwitchOn:  ControlShutdown,
	StateSwitchedOn:       ControlSwitchOn,
	StateEnablePending:    ControlEnableOperation,
	StateOperationEnabled: ControlEnableOperation,
}

// Control returns the control word held in state s
func (s State) Control() uint16 {
	return controlMap[s]
}

// Transition evaluates one tick of the state machine against a fresh
// status word. It returns the next state and the control word to write.
//
// In FaultReset a clear fault bit moves straight to ReadyToSwitchOn without
// writing the reset command, so resetting a healthy drive changes nothing.
// A fault bit seen before OperationEnabled restarts the sequence.
func Transition(state State, status uint16) (State, uint16) {
	if state != StateOperationEnabled && state != StateFaultReset && status&StatusFault != 0 {
		return StateFaultReset, ControlFaultReset
	}
	switch state {
	case StateFaultReset:
		if status&StatusFault != 0 {
			return StateFaultReset, ControlFaultReset
		}
		return StateReadyToSwitchOn, ControlShutdown
	case StateReadyToSwitchOn:
		if status&StatusReady == 0 {
			return StateSwitchedOn, ControlSwitchOn
		}
		return StateReadyToSwitchOn, ControlShutdown
	case StateSwitchedOn:
		if status&StatusSwitched == 0 {
			return StateEnablePending, ControlEnableOperation
		}
		return StateSwitchedOn, ControlSwitchOn
	case StateEnablePending:
		if status&StatusEnabled == 0 {
			return StateOperationEnabled, ControlEnableOperation
		}
		return StateEnablePending, ControlEnableOperation
	default:
		return StateOperationEnabled, ControlEnableOperation
	}
}
