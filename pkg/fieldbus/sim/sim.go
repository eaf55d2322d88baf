// Package sim is an in-memory fieldbus segment primarily used for testing.
//
// Simulated time is virtual: polls never block and the distributed clock
// advances by one cycle on every exchange.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/samsamfire/goecat/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

func init() {
	fieldbus.RegisterDriver("sim", func() (fieldbus.Driver, error) {
		return New(nil, AKD()), nil
	})
}

var ErrNotOpen = errors.New("simulated interface is not open")

type Driver struct {
	logger    *log.Entry
	mu        sync.Mutex
	configs   []DeviceConfig
	devices   []*device
	storage   *fieldbus.Storage
	ifname    string
	open      bool
	mapped    bool
	dc        bool
	cycle     time.Duration
	dcTime    int64
	drop      int
	exchanges uint64
	polls     int
	record    int
	recorded  []Exchange
}

// New creates a simulated segment with one slave per config, in order
func New(logger *log.Entry, configs ...DeviceConfig) *Driver {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Driver{
		logger:  logger.WithField("service", "[SIM]"),
		configs: configs,
		cycle:   5 * time.Millisecond,
	}
}

func (d *Driver) Open(ifname string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ifname = ifname
	d.open = true
	d.logger.WithField("ifname", ifname).Debug("opened")
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.storage = nil
	return nil
}

func (d *Driver) Bind(storage *fieldbus.Storage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if storage == nil {
		return errors.New("nil storage")
	}
	d.storage = storage
	return nil
}

func (d *Driver) ready() error {
	if !d.open || d.storage == nil {
		return ErrNotOpen
	}
	return nil
}

func (d *Driver) Discover() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return 0, err
	}
	count := len(d.configs)
	if count > d.storage.Capacity {
		count = d.storage.Capacity
	}
	d.devices = d.devices[:0]
	d.mapped = false
	for i := 0; i < count; i++ {
		dev := newDevice(d.configs[i])
		// Slaves enter PRE-OP at the end of discovery
		dev.state = fieldbus.StatePreOp
		d.devices = append(d.devices, dev)
		slave := &d.storage.Slaves[i+1]
		slave.Name = dev.cfg.Name
		slave.Address = uint16(0x1000 + i)
		slave.Identity = dev.cfg.Identity
		slave.State = dev.state
	}
	d.storage.SlaveCount = count
	return count, nil
}

func (d *Driver) ConfigureMapping(image []byte, group uint8) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return 0, err
	}
	offset := 0
	nbOutputs, nbInputs := 0, 0
	g := &d.storage.Groups[group]
	g.Outputs.Offset = offset
	for i, dev := range d.devices {
		dev.outputs = fieldbus.Range{Offset: offset, Length: dev.cfg.OutputsLength}
		offset += dev.cfg.OutputsLength
		d.storage.Slaves[i+1].Outputs = dev.outputs
		if dev.cfg.OutputsLength > 0 {
			nbOutputs++
		}
	}
	g.Outputs.Length = offset
	g.Inputs.Offset = offset
	for i, dev := range d.devices {
		dev.inputs = fieldbus.Range{Offset: offset, Length: dev.cfg.InputsLength}
		offset += dev.cfg.InputsLength
		d.storage.Slaves[i+1].Inputs = dev.inputs
		if dev.cfg.InputsLength > 0 {
			nbInputs++
		}
	}
	g.Inputs.Length = offset - g.Inputs.Offset
	if offset > len(image) {
		return 0, fmt.Errorf("mapping needs %v bytes, image holds %v", offset, len(image))
	}
	g.ExpectedWKC = nbOutputs*2 + nbInputs
	d.mapped = true
	return offset, nil
}

func (d *Driver) ConfigureDC() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return false, err
	}
	found := false
	for i, dev := range d.devices {
		d.storage.Slaves[i+1].HasDC = dev.cfg.HasDC
		found = found || dev.cfg.HasDC
	}
	d.dc = found
	return found, nil
}

func (d *Driver) WriteParameter(position uint16, index uint16, subindex uint8, value any, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return err
	}
	dev, err := d.device(position)
	if err != nil {
		return err
	}
	data, err := fieldbus.EncodeValue(value)
	if err != nil {
		return err
	}
	if dev.cfg.RejectParameters {
		return fmt.Errorf("slave %v refused write x%x:%x", position, index, subindex)
	}
	if !dev.state.Reached(fieldbus.StatePreOp) {
		return fmt.Errorf("slave %v mailbox unavailable in %v", position, dev.state)
	}
	dev.params = append(dev.params, Parameter{Index: index, Subindex: subindex, Value: data})
	return nil
}

func (d *Driver) RequestState(position uint16, state fieldbus.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return err
	}
	if position == fieldbus.Broadcast {
		for _, dev := range d.devices {
			dev.request(state, d.mapped)
		}
		return nil
	}
	dev, err := d.device(position)
	if err != nil {
		return err
	}
	dev.request(state, d.mapped)
	return nil
}

// PollState returns immediately, the segment has no transition delay
func (d *Driver) PollState(position uint16, state fieldbus.State, timeout time.Duration) (fieldbus.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return fieldbus.StateNone, err
	}
	d.polls++
	for i, dev := range d.devices {
		d.storage.Slaves[i+1].State = dev.state
		d.storage.Slaves[i+1].StatusCode = dev.statusCode
	}
	if position != fieldbus.Broadcast {
		dev, err := d.device(position)
		if err != nil {
			return fieldbus.StateNone, err
		}
		return dev.state, nil
	}
	if len(d.devices) == 0 {
		return fieldbus.StateNone, nil
	}
	lowest := d.devices[0].state.Base()
	var flags fieldbus.State
	for _, dev := range d.devices {
		if dev.state.Base() < lowest {
			lowest = dev.state.Base()
		}
		flags |= dev.state & fieldbus.StateError
	}
	return lowest | flags, nil
}

func (d *Driver) Exchange(timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return 0, err
	}
	d.exchanges++
	if len(d.recorded) < d.record {
		d.recorded = append(d.recorded, d.capture())
	}
	if d.drop > 0 {
		// Frame lost, nothing consumed nor produced
		d.drop--
		return 0, nil
	}
	image := d.storage.IOMap[:]
	wkc := 0
	for _, dev := range d.devices {
		state := dev.state
		if state.HasError() || !state.Reached(fieldbus.StateSafeOp) {
			continue
		}
		if state == fieldbus.StateOp && dev.outputs.Length > 0 {
			if dev.outputs.Length == pdo.OutputsSize {
				dev.consume(pdo.DecodeOutputs(image[dev.outputs.Offset:dev.outputs.End()]))
			}
			wkc += 2
		}
		if dev.inputs.Length > 0 {
			dev.produce(image[dev.inputs.Offset:dev.inputs.End()])
			wkc++
		}
	}
	if d.dc {
		d.dcTime += d.cycle.Nanoseconds()
		d.storage.DCTime = d.dcTime
	}
	return wkc, nil
}

// capture copies the outputs segment as sent by the master
func (d *Driver) capture() Exchange {
	end := 0
	for _, dev := range d.devices {
		if dev.outputs.End() > end {
			end = dev.outputs.End()
		}
	}
	return Exchange{
		Seq:     d.exchanges,
		Dropped: d.drop > 0,
		Outputs: append([]byte(nil), d.storage.IOMap[:end]...),
	}
}

func (d *Driver) DCTime() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dcTime
}

func (d *Driver) device(position uint16) (*device, error) {
	if position < 1 || int(position) > len(d.devices) {
		return nil, fmt.Errorf("no slave at position %v", position)
	}
	return d.devices[position-1], nil
}
