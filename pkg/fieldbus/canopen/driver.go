// Package canopen drives CiA 402 servo drives over CANopen.
//
// Each node stands for one slave. Process data is carried by RPDO1 and
// TPDO1 in synchronous mode, the master being the SYNC producer. NMT has
// no SAFE-OP: it is emulated on top of PRE-OPERATIONAL, outputs being
// withheld until OP.
//
// The interface name has the form <can-interface>:<channel>, for example
// socketcan:can0 or virtual:bench.
package canopen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	can "github.com/samsamfire/goecat/pkg/can"
	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	log "github.com/sirupsen/logrus"
)

func init() {
	fieldbus.RegisterDriver("canopen", func() (fieldbus.Driver, error) {
		return New(nil, DefaultOptions()), nil
	})
}

const maxNodeId = 127

var ErrNotOpen = errors.New("can interface is not open")

type Options struct {
	// Time waited for each node id during discovery
	ProbeTimeout time.Duration
	// Timeout of every other sdo transfer
	SDOTimeout time.Duration
	// Heartbeat producer period configured on each node
	HeartbeatPeriod time.Duration
	// Communication cycle period written to 0x1006
	Cycle time.Duration
}

func DefaultOptions() Options {
	return Options{
		ProbeTimeout:    20 * time.Millisecond,
		SDOTimeout:      fieldbus.MailboxTimeout,
		HeartbeatPeriod: 100 * time.Millisecond,
		Cycle:           5 * time.Millisecond,
	}
}

type Driver struct {
	logger  *log.Entry
	opts    Options
	mu      sync.Mutex
	ifname  string
	bus     can.Bus
	bm      *can.BusManager
	sdo     *SDOClient
	storage *fieldbus.Storage
	nodes   []*node
	// Closed and replaced on every heartbeat
	changed chan struct{}
	// Signaled on every received TPDO
	received chan struct{}
	mapped   bool
	dc       bool
	syncTime int64
}

func New(logger *log.Entry, opts Options) *Driver {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	defaults := DefaultOptions()
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaults.ProbeTimeout
	}
	if opts.SDOTimeout <= 0 {
		opts.SDOTimeout = defaults.SDOTimeout
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = defaults.HeartbeatPeriod
	}
	if opts.Cycle <= 0 {
		opts.Cycle = defaults.Cycle
	}
	return &Driver{
		logger:   logger.WithField("service", "[CANOPEN]"),
		opts:     opts,
		changed:  make(chan struct{}),
		received: make(chan struct{}, 1),
	}
}

// SetCycle sets the period written to the nodes communication cycle
func (d *Driver) SetCycle(period time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if period > 0 {
		d.opts.Cycle = period
	}
}

func (d *Driver) Open(ifname string) error {
	canInterface, channel, ok := strings.Cut(ifname, ":")
	if !ok || canInterface == "" || channel == "" {
		return fmt.Errorf("invalid interface %q, expecting <can-interface>:<channel>", ifname)
	}
	bus, err := can.NewBus(canInterface, channel)
	if err != nil {
		return err
	}
	bm := can.NewBusManager(bus, d.logger)
	if err := bus.Subscribe(bm); err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ifname = ifname
	d.bus = bus
	d.bm = bm
	d.sdo = NewSDOClient(bm, d.logger)
	d.logger.WithField("ifname", ifname).Debug("opened")
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	bus := d.bus
	d.bus = nil
	d.storage = nil
	d.nodes = nil
	d.mapped = false
	d.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Disconnect()
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
	if d.bus == nil || d.storage == nil {
		return ErrNotOpen
	}
	return nil
}

// Discover probes every node id up to the storage capacity. Sdo
// transfers are done without holding the driver lock, frame handlers
// need it.
func (d *Driver) Discover() (int, error) {
	d.mu.Lock()
	if err := d.ready(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	for _, n := range d.nodes {
		d.unsubscribe(n)
	}
	d.nodes = nil
	d.mapped = false
	capacity := d.storage.Capacity
	d.mu.Unlock()

	var found []*node
	identities := make(map[uint8]fieldbus.Identity)
	for id := 1; id <= capacity && id <= maxNodeId; id++ {
		nodeId := uint8(id)
		vendor, err := d.readUint(nodeId, 0x1018, 1, d.opts.ProbeTimeout)
		if errors.Is(err, AbortTimeout) {
			continue
		}
		if err != nil {
			d.logger.Warnf("node %v answered without identity : %v", nodeId, err)
		}
		identity := fieldbus.Identity{VendorID: vendor}
		if identity.ProductID, err = d.readUint(nodeId, 0x1018, 2, d.opts.SDOTimeout); err != nil {
			d.logger.Debugf("node %v product code : %v", nodeId, err)
		}
		if identity.Revision, err = d.readUint(nodeId, 0x1018, 3, d.opts.SDOTimeout); err != nil {
			d.logger.Debugf("node %v revision : %v", nodeId, err)
		}
		identities[nodeId] = identity
		found = append(found, &node{id: nodeId, nmtState: StateUnknown})
	}

	d.mu.Lock()
	d.nodes = found
	for i, n := range found {
		slave := &d.storage.Slaves[i+1]
		slave.Name = fmt.Sprintf("CANopen node %v", n.id)
		slave.Address = uint16(n.id)
		slave.Identity = identities[n.id]
		d.subscribe(n)
	}
	d.storage.SlaveCount = len(found)
	d.mu.Unlock()

	period := uint16(d.opts.HeartbeatPeriod.Milliseconds())
	for i, n := range found {
		if err := d.configurator(i + 1).WriteHeartbeatPeriod(period); err != nil {
			return 0, fmt.Errorf("node %v heartbeat producer : %w", n.id, err)
		}
	}
	return len(found), nil
}

// ConfigureMapping reads the RPDO1 and TPDO1 mappings of every node and
// switches both to synchronous transmission
func (d *Driver) ConfigureMapping(image []byte, group uint8) (int, error) {
	d.mu.Lock()
	if err := d.ready(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	nodes := append([]*node(nil), d.nodes...)
	d.mu.Unlock()

	outputs := make([]int, len(nodes))
	inputs := make([]int, len(nodes))
	for i, n := range nodes {
		var err error
		if outputs[i], err = d.mappedLength(n.id, 0x1600); err != nil {
			return 0, fmt.Errorf("node %v rpdo mapping : %w", n.id, err)
		}
		if inputs[i], err = d.mappedLength(n.id, 0x1A00); err != nil {
			return 0, fmt.Errorf("node %v tpdo mapping : %w", n.id, err)
		}
		configurator := d.configurator(i + 1)
		if err = configurator.WriteTransmissionType(config.EntryRPDOCommunicationStart, 1); err != nil {
			return 0, fmt.Errorf("node %v rpdo transmission type : %w", n.id, err)
		}
		if err = configurator.WriteTransmissionType(config.EntryTPDOCommunicationStart, 1); err != nil {
			return 0, fmt.Errorf("node %v tpdo transmission type : %w", n.id, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return 0, err
	}
	offset := 0
	nbOutputs, nbInputs := 0, 0
	g := &d.storage.Groups[group]
	g.Outputs.Offset = offset
	for i, n := range nodes {
		n.outputs = fieldbus.Range{Offset: offset, Length: outputs[i]}
		d.storage.Slaves[i+1].Outputs = n.outputs
		offset += outputs[i]
		if outputs[i] > 0 {
			nbOutputs++
		}
	}
	g.Outputs.Length = offset
	g.Inputs.Offset = offset
	for i, n := range nodes {
		n.inputs = fieldbus.Range{Offset: offset, Length: inputs[i]}
		d.storage.Slaves[i+1].Inputs = n.inputs
		offset += inputs[i]
		if inputs[i] > 0 {
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

// mappedLength sums the bit lengths of the entries of a pdo mapping
// parameter, in bytes
func (d *Driver) mappedLength(nodeId uint8, index uint16) (int, error) {
	count, err := d.readUint(nodeId, index, 0, d.opts.SDOTimeout)
	if err != nil {
		return 0, err
	}
	if count > 8 {
		return 0, fmt.Errorf("x%x maps %v entries", index, count)
	}
	bits := 0
	for sub := uint8(1); sub <= uint8(count); sub++ {
		entry, err := d.readUint(nodeId, index, sub, d.opts.SDOTimeout)
		if err != nil {
			return 0, err
		}
		bits += int(entry & 0xFF)
	}
	if bits%8 != 0 || bits > 64 {
		return 0, fmt.Errorf("x%x maps %v bits", index, bits)
	}
	return bits / 8, nil
}

// ConfigureDC writes the communication cycle period to every node. The
// master produces SYNC, the nodes latch their process data on it.
func (d *Driver) ConfigureDC() (bool, error) {
	d.mu.Lock()
	if err := d.ready(); err != nil {
		d.mu.Unlock()
		return false, err
	}
	nodes := append([]*node(nil), d.nodes...)
	period := d.opts.Cycle
	d.mu.Unlock()

	supported := make([]bool, len(nodes))
	found := false
	for i, n := range nodes {
		if err := d.configurator(i + 1).WriteCommunicationPeriod(period); err != nil {
			d.logger.Warnf("node %v has no communication cycle : %v", n.id, err)
			continue
		}
		supported[i] = true
		found = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return false, err
	}
	for i := range nodes {
		d.storage.Slaves[i+1].HasDC = supported[i]
	}
	d.dc = found
	return found, nil
}

func (d *Driver) WriteParameter(position uint16, index uint16, subindex uint8, value any, timeout time.Duration) error {
	d.mu.Lock()
	if err := d.ready(); err != nil {
		d.mu.Unlock()
		return err
	}
	n, err := d.node(position)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := fieldbus.EncodeValue(value)
	if err != nil {
		return err
	}
	if err := d.sdo.Write(n.id, index, subindex, data, timeout); err != nil {
		return fmt.Errorf("node %v write x%x:%x : %w", n.id, index, subindex, err)
	}
	return nil
}

func (d *Driver) RequestState(position uint16, state fieldbus.State) error {
	command, ok := commandFor(state)
	if !ok {
		return fmt.Errorf("state %v : %w", state, ecat.ErrUnsupported)
	}
	d.mu.Lock()
	if err := d.ready(); err != nil {
		d.mu.Unlock()
		return err
	}
	targets := d.nodes
	if position != fieldbus.Broadcast {
		n, err := d.node(position)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		targets = []*node{n}
	}
	refuse := state.Base() == fieldbus.StateOp && !d.mapped
	for _, n := range targets {
		n.requested = state.Base()
		n.refused = refuse
	}
	d.notify()
	bm := d.bm
	d.mu.Unlock()
	if refuse {
		return nil
	}

	frame := can.NewFrame(NmtServiceId, 0, 2)
	frame.Data[0] = uint8(command)
	if position != fieldbus.Broadcast {
		frame.Data[1] = targets[0].id
	}
	d.logger.Debugf("sending %v to node %v", command, frame.Data[1])
	return bm.Send(frame)
}

// PollState waits for heartbeats until target is reached or timeout
// elapses, then returns the last known state
func (d *Driver) PollState(position uint16, target fieldbus.State, timeout time.Duration) (fieldbus.State, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		d.mu.Lock()
		if err := d.ready(); err != nil {
			d.mu.Unlock()
			return fieldbus.StateNone, err
		}
		state, err := d.current(position)
		changed := d.changed
		d.mu.Unlock()
		if err != nil || state.Reached(target) {
			return state, err
		}
		select {
		case <-changed:
		case <-timer.C:
			return state, nil
		}
	}
}

// current refreshes the slave table and returns the state at position,
// for broadcast the lowest state with every error flag
func (d *Driver) current(position uint16) (fieldbus.State, error) {
	for i, n := range d.nodes {
		d.storage.Slaves[i+1].State, d.storage.Slaves[i+1].StatusCode = n.state()
	}
	if position != fieldbus.Broadcast {
		n, err := d.node(position)
		if err != nil {
			return fieldbus.StateNone, err
		}
		state, _ := n.state()
		return state, nil
	}
	if len(d.nodes) == 0 {
		return fieldbus.StateNone, nil
	}
	lowest, _ := d.nodes[0].state()
	lowest = lowest.Base()
	var flags fieldbus.State
	for _, n := range d.nodes {
		state, _ := n.state()
		if state.Base() < lowest {
			lowest = state.Base()
		}
		flags |= state & fieldbus.StateError
	}
	return lowest | flags, nil
}

// Exchange sends RPDO1 to every operational node then SYNC, and waits for
// the TPDO1 of every operational node. Received inputs are copied into
// the image from the calling goroutine only.
func (d *Driver) Exchange(timeout time.Duration) (int, error) {
	d.mu.Lock()
	if err := d.ready(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	image := d.storage.IOMap[:]
	var rpdos []can.Frame
	waiting := 0
	for _, n := range d.nodes {
		n.fresh = false
		if state, _ := n.state(); state != fieldbus.StateOp {
			continue
		}
		if n.outputs.Length > 0 {
			frame := can.NewFrame(RPDO1BaseId+uint32(n.id), 0, uint8(n.outputs.Length))
			copy(frame.Data[:], image[n.outputs.Offset:n.outputs.End()])
			rpdos = append(rpdos, frame)
		}
		if n.inputs.Length > 0 {
			waiting++
		}
	}
	select {
	case <-d.received:
	default:
	}
	bm := d.bm
	d.mu.Unlock()

	wkc := 0
	for _, frame := range rpdos {
		if bm.Send(frame) == nil {
			wkc += 2
		}
	}
	if err := bm.Send(can.NewFrame(SyncServiceId, 0, 0)); err != nil {
		return wkc, err
	}
	syncTime := time.Now().UnixNano()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for waiting > 0 && d.freshCount() < waiting {
		select {
		case <-d.received:
		case <-timer.C:
			waiting = 0
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return wkc, err
	}
	for _, n := range d.nodes {
		if !n.fresh || n.stagedLen != n.inputs.Length {
			continue
		}
		copy(image[n.inputs.Offset:n.inputs.End()], n.staged[:n.stagedLen])
		n.fresh = false
		wkc++
	}
	d.syncTime = syncTime
	if d.dc {
		d.storage.DCTime = syncTime
	}
	return wkc, nil
}

func (d *Driver) freshCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, n := range d.nodes {
		if n.fresh {
			count++
		}
	}
	return count
}

// DCTime returns the time of the last SYNC, in ns
func (d *Driver) DCTime() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncTime
}

func (d *Driver) node(position uint16) (*node, error) {
	if position < 1 || int(position) > len(d.nodes) {
		return nil, fmt.Errorf("no slave at position %v", position)
	}
	return d.nodes[position-1], nil
}

func (d *Driver) notify() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Driver) readUint(nodeId uint8, index uint16, subindex uint8, timeout time.Duration) (uint32, error) {
	data, err := d.sdo.Read(nodeId, index, subindex, timeout)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// configurator writes through WriteParameter, position is 1 based
func (d *Driver) configurator(position int) *config.Configurator {
	return config.NewConfigurator(d, uint16(position), d.logger).WithTimeout(d.opts.SDOTimeout)
}

// listener receives the heartbeats and TPDO1 of one node
type listener struct {
	driver *Driver
	node   *node
}

func (l *listener) Handle(frame can.Frame) {
	d, n := l.driver, l.node
	d.mu.Lock()
	defer d.mu.Unlock()
	switch frame.ID {
	case HeartbeatBaseId + uint32(n.id):
		if frame.DLC < 1 {
			return
		}
		if frame.Data[0] != n.nmtState {
			d.logger.Debugf("node %v %v => %v", n.id, stateDescription[n.nmtState], stateDescription[frame.Data[0]])
		}
		n.nmtState = frame.Data[0]
		n.heartbeats++
		d.notify()
	case TPDO1BaseId + uint32(n.id):
		n.staged = frame.Data
		n.stagedLen = int(frame.DLC)
		n.fresh = true
		select {
		case d.received <- struct{}{}:
		default:
		}
	}
}

func (d *Driver) subscribe(n *node) {
	n.listener = &listener{driver: d, node: n}
	d.bm.Subscribe(HeartbeatBaseId+uint32(n.id), false, n.listener)
	d.bm.Subscribe(TPDO1BaseId+uint32(n.id), false, n.listener)
}

func (d *Driver) unsubscribe(n *node) {
	if n.listener == nil {
		return
	}
	d.bm.Unsubscribe(HeartbeatBaseId+uint32(n.id), false, n.listener)
	d.bm.Unsubscribe(TPDO1BaseId+uint32(n.id), false, n.listener)
}
