package sim

import (
	"time"

	"github.com/samsamfire/goecat/pkg/fieldbus"
)

// Helpers for inspecting and disturbing the segment from tests

// SetCycle sets the distributed clock increment per exchange
func (d *Driver) SetCycle(cycle time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cycle = cycle
}

// Exchange is the outputs segment seen by one exchange
type Exchange struct {
	Seq     uint64
	Dropped bool
	Outputs []byte
}

// RecordExchanges records the next n exchanges, dropped ones included
func (d *Driver) RecordExchanges(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record = n
	d.recorded = d.recorded[:0]
}

// Recorded returns the exchanges recorded so far
func (d *Driver) Recorded() []Exchange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Exchange(nil), d.recorded...)
}

// DropNext makes the next n exchanges lose their frame
func (d *Driver) DropNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop = n
}

// InjectFault raises the fault bit of the slave at position
func (d *Driver) InjectFault(position uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, err := d.device(position); err == nil {
		dev.status |= bitFault
	}
}

// Status returns the status word of the slave at position
func (d *Driver) Status(position uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, err := d.device(position); err == nil {
		return dev.status
	}
	return 0
}

// Control returns the last control word consumed by the slave
func (d *Driver) Control(position uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, err := d.device(position); err == nil {
		return dev.control
	}
	return 0
}

// Velocity returns the last target velocity consumed by the slave
func (d *Driver) Velocity(position uint16) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, err := d.device(position); err == nil {
		return dev.velocity
	}
	return 0
}

// State returns the current state of the slave at position
func (d *Driver) State(position uint16) fieldbus.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, err := d.device(position); err == nil {
		return dev.state
	}
	return fieldbus.StateNone
}

// Parameters returns the parameter writes received by the slave
func (d *Driver) Parameters(position uint16) []Parameter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, err := d.device(position); err == nil {
		return append([]Parameter(nil), dev.params...)
	}
	return nil
}

// Polls returns the number of state polls served
func (d *Driver) Polls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polls
}

// Exchanges returns the number of exchanges performed
func (d *Driver) Exchanges() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exchanges
}
