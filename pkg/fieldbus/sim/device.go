package sim

import (
	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/samsamfire/goecat/pkg/pdo"
)

// Status word bits handled by the simulated drive
const (
	bitReady    uint16 = 1 << 0
	bitSwitched uint16 = 1 << 1
	bitEnabled  uint16 = 1 << 2
	bitFault    uint16 = 1 << 3
)

// AL status codes reported on refused transitions
const (
	codeInvalidStateChange   uint16 = 0x0011
	codeInvalidOutputsConfig uint16 = 0x001D
)

// DeviceConfig describes one simulated slave
type DeviceConfig struct {
	Name          string
	Identity      fieldbus.Identity
	OutputsLength int
	InputsLength  int
	// Status word after power-up
	InitialStatus uint16
	// Bits that never clear, whatever the control word
	StuckBits uint16
	// Number of exchanges before a new control word is acknowledged
	Latency int
	// Highest state the slave accepts, StateOp if unset
	Reachable fieldbus.State
	HasDC     bool
	// Refuse every parameter write
	RejectParameters bool
}

// AKD returns the configuration of an AKD-like servo drive with the
// synchronous velocity PDO set
func AKD() DeviceConfig {
	return DeviceConfig{
		Name:          "AKD",
		Identity:      fieldbus.Identity{VendorID: 0x0000006a, ProductID: 0x00414b44, Revision: 0x00020000},
		OutputsLength: pdo.OutputsSize,
		InputsLength:  pdo.InputsSize,
		InitialStatus: bitReady | bitSwitched | bitEnabled,
		Reachable:     fieldbus.StateOp,
		HasDC:         true,
	}
}

// Parameter is a recorded parameter write
type Parameter struct {
	Index    uint16
	Subindex uint8
	Value    []byte
}

type device struct {
	cfg        DeviceConfig
	state      fieldbus.State
	statusCode uint16
	status     uint16
	position   int32
	velocity   int32
	control    uint16
	pending    int
	params     []Parameter
	outputs    fieldbus.Range
	inputs     fieldbus.Range
}

func newDevice(cfg DeviceConfig) *device {
	if cfg.Reachable == fieldbus.StateNone {
		cfg.Reachable = fieldbus.StateOp
	}
	return &device{cfg: cfg, state: fieldbus.StateInit, status: cfg.InitialStatus}
}

// consume applies the outputs of one exchange. A new control word is
// acknowledged after Latency exchanges by clearing the matching bit.
func (dev *device) consume(out pdo.OutputsRecord) {
	if out.Controlword != dev.control {
		dev.control = out.Controlword
		dev.pending = dev.cfg.Latency
	}
	dev.velocity = out.TargetVelocity
	if dev.pending > 0 {
		dev.pending--
		return
	}
	var clear uint16
	switch dev.control {
	case 0x80:
		clear = bitFault
	case 0x06:
		clear = bitReady
	case 0x07:
		clear = bitSwitched
	case 0x0F:
		clear = bitEnabled
	}
	dev.status &^= clear &^ dev.cfg.StuckBits
	if dev.enabled() {
		dev.position += dev.velocity
	}
}

func (dev *device) enabled() bool {
	return dev.control == 0x0F && dev.status&(bitReady|bitSwitched|bitEnabled|bitFault) == 0
}

func (dev *device) produce(buf []byte) {
	if len(buf) != pdo.InputsSize {
		return
	}
	pdo.EncodeInputs(buf, pdo.InputsRecord{PositionActual: dev.position, Statusword: dev.status})
}

// request moves the device towards target, honouring its reachable limit
func (dev *device) request(target fieldbus.State, mapped bool) {
	target = target.Base()
	switch {
	case target == fieldbus.StateInit:
		dev.state = fieldbus.StateInit
		dev.statusCode = 0
	case target == fieldbus.StateOp && !mapped:
		dev.state = fieldbus.StateSafeOp | fieldbus.StateError
		dev.statusCode = codeInvalidOutputsConfig
	case target > dev.cfg.Reachable:
		dev.state = dev.cfg.Reachable
		dev.statusCode = codeInvalidStateChange
	default:
		dev.state = target
		dev.statusCode = 0
	}
}
