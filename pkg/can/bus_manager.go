package can

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Bus manager is a wrapper around the CAN bus interface.
// It dispatches received frames to the listeners of their identifier.
type BusManager struct {
	mu             sync.Mutex
	logger         *log.Entry
	bus            Bus
	frameListeners map[uint32][]FrameListener
}

func NewBusManager(bus Bus, logger *log.Entry) *BusManager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &BusManager{
		bus:            bus,
		logger:         logger.WithField("service", "[CAN]"),
		frameListeners: make(map[uint32][]FrameListener),
	}
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners := bm.frameListeners[frame.ID]
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN message
// Limited error handling
func (bm *BusManager) Send(frame Frame) error {
	err := bm.Bus().Send(frame)
	if err != nil {
		bm.logger.Warnf("send x%x : %v", frame.ID, err)
	}
	return err
}

// Subscribe to a specific CAN ID
func (bm *BusManager) Subscribe(ident uint32, rtr bool, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	// Verify that we are not adding the same one twice
	for _, existing := range bm.frameListeners[ident] {
		if existing == callback {
			bm.logger.Warnf("callback for frame id x%x already added", ident)
			return
		}
	}
	// Copy on write, Handle iterates without the lock
	listeners := make([]FrameListener, 0, len(bm.frameListeners[ident])+1)
	listeners = append(listeners, bm.frameListeners[ident]...)
	bm.frameListeners[ident] = append(listeners, callback)
}

// Unsubscribe removes callback from ident
func (bm *BusManager) Unsubscribe(ident uint32, rtr bool, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	listeners := make([]FrameListener, 0, len(bm.frameListeners[ident]))
	for _, existing := range bm.frameListeners[ident] {
		if existing != callback {
			listeners = append(listeners, existing)
		}
	}
	if len(listeners) == 0 {
		delete(bm.frameListeners, ident)
		return
	}
	bm.frameListeners[ident] = listeners
}
