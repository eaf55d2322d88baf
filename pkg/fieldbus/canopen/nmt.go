package canopen

import (
	"github.com/samsamfire/goecat/pkg/fieldbus"
)

const (
	NmtServiceId     = 0x000
	SyncServiceId    = 0x080
	HeartbeatBaseId  = 0x700
	RPDO1BaseId      = 0x200
	TPDO1BaseId      = 0x180
	codeOutputsError = 0x001D
)

// NMT states as reported by heartbeats
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateDescription = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

type Command uint8

const (
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

func (command Command) String() string {
	return CommandDescription[command]
}

// commandFor returns the NMT command bringing a node to state
func commandFor(state fieldbus.State) (Command, bool) {
	switch state.Base() {
	case fieldbus.StateInit:
		return CommandEnterStopped, true
	case fieldbus.StatePreOp, fieldbus.StateSafeOp:
		return CommandEnterPreOperational, true
	case fieldbus.StateOp:
		return CommandEnterOperational, true
	}
	return 0, false
}

// node is the master side view of one CANopen node
type node struct {
	id       uint8
	nmtState uint8
	// Last requested state, SAFE-OP is emulated on top of PRE-OPERATIONAL
	requested  fieldbus.State
	refused    bool
	outputs    fieldbus.Range
	inputs     fieldbus.Range
	staged     [8]byte
	stagedLen  int
	fresh      bool
	heartbeats uint64
	listener   *listener
}

// state translates the NMT state into the fieldbus state machine
func (n *node) state() (fieldbus.State, uint16) {
	if n.refused {
		return fieldbus.StateSafeOp | fieldbus.StateError, codeOutputsError
	}
	switch n.nmtState {
	case StateInitializing, StateStopped:
		return fieldbus.StateInit, 0
	case StatePreOperational:
		if n.requested == fieldbus.StateSafeOp {
			return fieldbus.StateSafeOp, 0
		}
		return fieldbus.StatePreOp, 0
	case StateOperational:
		return fieldbus.StateOp, 0
	}
	return fieldbus.StateNone, 0
}
