package fieldbus

import "fmt"

// Application layer states of a slave, or of the whole segment when
// reported for position 0. Values follow the AL status register so
// that [StateError] can be combined with any other state.
type State uint16

const (
	StateNone   State = 0x00
	StateInit   State = 0x01
	StatePreOp  State = 0x02
	StateBoot   State = 0x03
	StateSafeOp State = 0x04
	StateOp     State = 0x08
	StateError  State = 0x10
)

var stateMap = map[State]string{
	StateNone:   "NONE",
	StateInit:   "INIT",
	StatePreOp:  "PRE-OP",
	StateBoot:   "BOOT",
	StateSafeOp: "SAFE-OP",
	StateOp:     "OP",
}

// Base state without the error flag
func (s State) Base() State {
	return s &^ StateError
}

// HasError reports whether the error flag is raised
func (s State) HasError() bool {
	return s&StateError != 0
}

func (s State) String() string {
	name, ok := stateMap[s.Base()]
	if !ok {
		name = fmt.Sprintf("x%x", uint16(s.Base()))
	}
	if s.HasError() {
		return name + "+ERROR"
	}
	return name
}

// Reached reports whether s is at least the target state, without error.
// Init is only reached by going back to it. Boot is not part of the
// Init -> Op progression and only matches itself.
func (s State) Reached(target State) bool {
	if s.HasError() {
		return false
	}
	if target == StateInit || target == StateBoot || s == StateBoot {
		return s == target
	}
	return s >= target
}
