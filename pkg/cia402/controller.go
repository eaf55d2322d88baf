package cia402

import (
	"fmt"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

const DefaultMaxWaitTicks = 200

// Number of states waited on before OperationEnabled
const bringUpStages = 4

// Controller drives one slave through the power state machine then
// streams the ramp. Update must be called once per trusted tick, Hold on
// untrusted ones. It never exchanges by itself.
type Controller struct {
	logger       *log.Entry
	ramp         Ramp
	maxWaitTicks int
	state        State
	wait         int
	waitTotal    int
	elapsed      int
	streamed     uint64
	lastStatus   uint16
	missed       uint64
}

func NewController(ramp Ramp, maxWaitTicks int, logger *log.Entry) *Controller {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if maxWaitTicks <= 0 {
		maxWaitTicks = DefaultMaxWaitTicks
	}
	return &Controller{
		logger:       logger.WithField("service", "[CIA402]"),
		ramp:         ramp,
		maxWaitTicks: maxWaitTicks,
		state:        StateFaultReset,
	}
}

func (c *Controller) State() State {
	return c.state
}

// Setpoint returns the last streamed target velocity
func (c *Controller) Setpoint() int32 {
	return c.ramp.At(c.streamed)
}

// Enabled reports whether the drive reached OperationEnabled
func (c *Controller) Enabled() bool {
	return c.state == StateOperationEnabled
}

// Update reads the status word of the last exchange and writes the outputs
// for the next one.
func (c *Controller) Update(in pdo.Inputs, out pdo.Outputs) error {
	status := in.Statusword()
	c.lastStatus = status

	if c.state == StateOperationEnabled {
		if status&StatusFault != 0 {
			Halt(out)
			return fmt.Errorf("status word x%04x while streaming : %w", status, ecat.ErrDriveFault)
		}
		c.streamed++
		out.Store(pdo.OutputsRecord{Controlword: ControlEnableOperation, TargetVelocity: c.ramp.At(c.streamed)})
		return nil
	}

	// Bounded across state changes, a flapping fault bit re-enters
	// FaultReset forever otherwise
	c.elapsed++
	if budget := bringUpStages * (c.maxWaitTicks + 1); c.elapsed > budget {
		return &ecat.StateTransitionError{
			Target:   StateOperationEnabled.String(),
			Stage:    "drive enable",
			Attempts: c.elapsed,
			Status:   status,
		}
	}

	next, control := Transition(c.state, status)
	if next == c.state {
		c.wait++
		if c.wait > c.maxWaitTicks {
			return &ecat.StateTransitionError{
				Target:   next.String(),
				Stage:    "drive enable",
				Attempts: c.wait,
				Status:   status,
			}
		}
	} else {
		c.logger.WithFields(log.Fields{
			"from":   c.state.String(),
			"to":     next.String(),
			"status": fmt.Sprintf("x%04x", status),
			"ticks":  c.wait,
		}).Info("drive state changed")
		c.waitTotal += c.wait
		c.wait = 0
		c.state = next
	}
	if control == ControlEnableOperation && next == StateEnablePending {
		// Zero velocity must be in place when the drive enables
		out.SetTargetVelocity(0)
	}
	out.SetControlword(control)
	return nil
}

// Hold accounts for an untrusted tick. Outputs are left as last written.
func (c *Controller) Hold() {
	c.missed++
}

// Halt writes the stop command with a zero velocity
func Halt(out pdo.Outputs) {
	out.Store(pdo.OutputsRecord{Controlword: ControlHalt})
}

type Stats struct {
	State      State
	Status     uint16
	Setpoint   int32
	Streamed   uint64
	Held       uint64
	WaitTicks  int
	TotalWaits int
}

func (c *Controller) Stats() Stats {
	return Stats{
		State:      c.state,
		Status:     c.lastStatus,
		Setpoint:   c.Setpoint(),
		Streamed:   c.streamed,
		Held:       c.missed,
		WaitTicks:  c.wait,
		TotalWaits: c.waitTotal,
	}
}
