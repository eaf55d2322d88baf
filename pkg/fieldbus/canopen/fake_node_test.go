package canopen

import (
	"encoding/binary"
	"sync"
	"testing"

	can "github.com/samsamfire/goecat/pkg/can"
	_ "github.com/samsamfire/goecat/pkg/can/virtual"
	"github.com/stretchr/testify/require"
)

// fakeNode is a CiA 402 drive answering on a virtual bus: expedited sdo
// server, nmt slave, heartbeat producer and synchronous pdos
type fakeNode struct {
	mu       sync.Mutex
	id       uint8
	bus      can.Bus
	od       map[uint32][]byte
	nmtState uint8
	status   uint16
	control  uint16
	velocity int32
	position int32
	commands []Command
}

func objectKey(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func newFakeNode(t *testing.T, channel string, id uint8) *fakeNode {
	bus, err := can.NewBus("virtual", channel)
	require.Nil(t, err)
	n := &fakeNode{
		id:       id,
		bus:      bus,
		nmtState: StatePreOperational,
		status:   0x0007,
		od: map[uint32][]byte{
			objectKey(0x1018, 1): u32(0x0000006a),
			objectKey(0x1018, 2): u32(0x00414b44 + uint32(id)),
			objectKey(0x1018, 3): u32(0x00020000),
			objectKey(0x1600, 0): {2},
			objectKey(0x1600, 1): u32(0x60400010),
			objectKey(0x1600, 2): u32(0x60FF0020),
			objectKey(0x1A00, 0): {2},
			objectKey(0x1A00, 1): u32(0x60640020),
			objectKey(0x1A00, 2): u32(0x60410010),
			objectKey(0x1800, 2): {0xFF},
		},
	}
	require.Nil(t, bus.Subscribe(n))
	require.Nil(t, bus.Connect())
	t.Cleanup(func() { bus.Disconnect() })
	return n
}

func (n *fakeNode) send(frame can.Frame) {
	_ = n.bus.Send(frame)
}

func (n *fakeNode) heartbeat() {
	frame := can.NewFrame(HeartbeatBaseId+uint32(n.id), 0, 1)
	frame.Data[0] = n.nmtState
	n.send(frame)
}

func (n *fakeNode) Handle(frame can.Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch frame.ID {
	case NmtServiceId:
		if frame.Data[1] != 0 && frame.Data[1] != n.id {
			return
		}
		command := Command(frame.Data[0])
		n.commands = append(n.commands, command)
		switch command {
		case CommandEnterOperational:
			n.nmtState = StateOperational
		case CommandEnterStopped:
			n.nmtState = StateStopped
		case CommandEnterPreOperational:
			n.nmtState = StatePreOperational
		}
		n.heartbeat()
	case ClientBaseId + uint32(n.id):
		n.serveSDO(frame)
	case RPDO1BaseId + uint32(n.id):
		if n.nmtState != StateOperational || frame.DLC != 6 {
			return
		}
		n.consume(binary.LittleEndian.Uint16(frame.Data[0:2]), int32(binary.LittleEndian.Uint32(frame.Data[2:6])))
	case SyncServiceId:
		if n.nmtState != StateOperational {
			return
		}
		if n.enabled() {
			n.position += n.velocity
		}
		tpdo := can.NewFrame(TPDO1BaseId+uint32(n.id), 0, 6)
		binary.LittleEndian.PutUint32(tpdo.Data[0:4], uint32(n.position))
		binary.LittleEndian.PutUint16(tpdo.Data[4:6], n.status)
		n.send(tpdo)
	}
}

func (n *fakeNode) serveSDO(frame can.Frame) {
	cmd := frame.Data[0]
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subindex := frame.Data[3]
	key := objectKey(index, subindex)
	response := can.NewFrame(ServerBaseId+uint32(n.id), 0, 8)
	copy(response.Data[1:4], frame.Data[1:4])
	switch {
	case cmd == cmdAbort:
		return
	case cmd == cmdUploadRequest:
		value, ok := n.od[key]
		if !ok {
			response.Data[0] = cmdAbort
			binary.LittleEndian.PutUint32(response.Data[4:], uint32(AbortNotExist))
			break
		}
		response.Data[0] = 0x43 | uint8(4-len(value))<<2
		copy(response.Data[4:], value)
	case cmd&0xE0 == 0x20:
		size := 4
		if cmd&0x01 != 0 {
			size = 4 - int((cmd>>2)&0x03)
		}
		n.od[key] = append([]byte(nil), frame.Data[4:4+size]...)
		response.Data[0] = cmdDownloadOk
		defer func() {
			if index == 0x1017 {
				n.heartbeat()
			}
		}()
	default:
		response.Data[0] = cmdAbort
		binary.LittleEndian.PutUint32(response.Data[4:], uint32(AbortCmd))
	}
	n.send(response)
}

func (n *fakeNode) consume(control uint16, velocity int32) {
	n.control = control
	n.velocity = velocity
	var clear uint16
	switch control {
	case 0x80:
		clear = 0x08
	case 0x06:
		clear = 0x01
	case 0x07:
		clear = 0x02
	case 0x0F:
		clear = 0x04
	}
	n.status &^= clear
}

func (n *fakeNode) enabled() bool {
	return n.control == 0x0F && n.status&0x0F == 0
}

func (n *fakeNode) State() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nmtState
}

func (n *fakeNode) Velocity() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.velocity
}

func (n *fakeNode) Control() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.control
}

func (n *fakeNode) Object(index uint16, subindex uint8) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]byte(nil), n.od[objectKey(index, subindex)]...)
}

func (n *fakeNode) Commands() []Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Command(nil), n.commands...)
}
