package canopen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	can "github.com/samsamfire/goecat/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	ClientBaseId = 0x600
	ServerBaseId = 0x580
)

// SDO command specifiers, expedited transfers only
const (
	cmdUploadRequest   uint8 = 0x40
	cmdUploadResponse  uint8 = 0x40
	cmdDownloadRequest uint8 = 0x23
	cmdDownloadOk      uint8 = 0x60
	cmdAbort           uint8 = 0x80
)

var ErrTransferPending = errors.New("another sdo transfer is pending")

type SDOAbortCode uint32

const (
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCmd               SDOAbortCode = 0x05040001
	AbortOutOfMem          SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataTransfer      SDOAbortCode = 0x08000020
	AbortDataLocalControl  SDOAbortCode = 0x08000021
	AbortDataDeviceState   SDOAbortCode = 0x08000022
	AbortNoData            SDOAbortCode = 0x08000024
)

var AbortCodeDescriptionMap = map[SDOAbortCode]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortNoData:            "No data available",
}

func (abort SDOAbortCode) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort SDOAbortCode) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

// SDOClient performs expedited transfers (up to 4 bytes) with one
// outstanding request at a time.
type SDOClient struct {
	logger   *log.Entry
	bm       *can.BusManager
	mu       sync.Mutex
	rx       chan can.Frame
	nodeId   uint8
	inFlight bool
}

func NewSDOClient(bm *can.BusManager, logger *log.Entry) *SDOClient {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &SDOClient{
		bm:     bm,
		logger: logger.WithField("service", "[SDO]"),
		rx:     make(chan can.Frame, 1),
	}
}

// Handle [SDOClient] related RX CAN frames
func (client *SDOClient) Handle(frame can.Frame) {
	client.mu.Lock()
	expected := client.inFlight && frame.ID == ServerBaseId+uint32(client.nodeId)
	client.mu.Unlock()
	if !expected || frame.DLC != 8 {
		return
	}
	select {
	case client.rx <- frame:
	default:
		client.logger.Warnf("unexpected response x%x dropped", frame.ID)
	}
}

// Read an object of at most 4 bytes from node
func (client *SDOClient) Read(nodeId uint8, index uint16, subindex uint8, timeout time.Duration) ([]byte, error) {
	request := client.request(nodeId, cmdUploadRequest, index, subindex)
	response, err := client.transfer(nodeId, request, timeout)
	if err != nil {
		return nil, err
	}
	cmd := response.Data[0]
	if cmd&0xE0 != cmdUploadResponse || cmd&0x02 == 0 {
		// Segmented uploads are not supported
		client.abort(nodeId, index, subindex, AbortCmd)
		return nil, AbortCmd
	}
	size := 4
	if cmd&0x01 != 0 {
		size = 4 - int((cmd>>2)&0x03)
	}
	data := make([]byte, size)
	copy(data, response.Data[4:4+size])
	return data, nil
}

// Write up to 4 bytes to an object of node
func (client *SDOClient) Write(nodeId uint8, index uint16, subindex uint8, data []byte, timeout time.Duration) error {
	if len(data) == 0 || len(data) > 4 {
		return AbortDataLong
	}
	request := client.request(nodeId, cmdDownloadRequest|uint8(4-len(data))<<2, index, subindex)
	copy(request.Data[4:], data)
	response, err := client.transfer(nodeId, request, timeout)
	if err != nil {
		return err
	}
	if response.Data[0] != cmdDownloadOk {
		client.abort(nodeId, index, subindex, AbortCmd)
		return AbortCmd
	}
	return nil
}

func (client *SDOClient) request(nodeId uint8, cmd uint8, index uint16, subindex uint8) can.Frame {
	frame := can.NewFrame(ClientBaseId+uint32(nodeId), 0, 8)
	frame.Data[0] = cmd
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subindex
	return frame
}

func (client *SDOClient) transfer(nodeId uint8, request can.Frame, timeout time.Duration) (can.Frame, error) {
	client.mu.Lock()
	if client.inFlight {
		client.mu.Unlock()
		return can.Frame{}, ErrTransferPending
	}
	client.inFlight = true
	client.nodeId = nodeId
	client.mu.Unlock()

	serverId := ServerBaseId + uint32(nodeId)
	client.bm.Subscribe(serverId, false, client)
	defer func() {
		client.bm.Unsubscribe(serverId, false, client)
		client.mu.Lock()
		client.inFlight = false
		client.mu.Unlock()
	}()
	client.drain()

	if err := client.bm.Send(request); err != nil {
		return can.Frame{}, err
	}
	index := binary.LittleEndian.Uint16(request.Data[1:3])
	subindex := request.Data[3]
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case response := <-client.rx:
			if response.Data[0] == cmdAbort {
				code := SDOAbortCode(binary.LittleEndian.Uint32(response.Data[4:]))
				client.logger.Debugf("x%x:x%x aborted by node %v : %v", index, subindex, nodeId, code)
				return can.Frame{}, code
			}
			if binary.LittleEndian.Uint16(response.Data[1:3]) != index || response.Data[3] != subindex {
				client.logger.Debugf("ignoring response for another object from node %v", nodeId)
				continue
			}
			return response, nil
		case <-timer.C:
			client.abort(nodeId, index, subindex, AbortTimeout)
			return can.Frame{}, AbortTimeout
		}
	}
}

func (client *SDOClient) drain() {
	for {
		select {
		case <-client.rx:
		default:
			return
		}
	}
}

func (client *SDOClient) abort(nodeId uint8, index uint16, subindex uint8, code SDOAbortCode) {
	frame := client.request(nodeId, cmdAbort, index, subindex)
	binary.LittleEndian.PutUint32(frame.Data[4:], uint32(code))
	_ = client.bm.Send(frame)
}
