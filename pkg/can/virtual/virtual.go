// Package virtual is an in-process CAN bus primarily used for testing.
//
// Buses created with the same channel name share one medium: a frame sent
// by one bus is delivered to every other connected bus on the channel,
// and to the sender too when receive-own is enabled. Delivery is
// asynchronous, in order, one goroutine per connected bus.
package virtual

import (
	"errors"
	"sync"

	can "github.com/samsamfire/goecat/pkg/can"
	log "github.com/sirupsen/logrus"
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
}

const queueSize = 256

var (
	ErrNotConnected = errors.New("virtual bus is not connected")
	ErrQueueFull    = errors.New("virtual bus reception queue is full")
)

type medium struct {
	mu    sync.Mutex
	buses map[*Bus]struct{}
}

var (
	mediumsMu sync.Mutex
	mediums   = make(map[string]*medium)
)

func mediumFor(channel string) *medium {
	mediumsMu.Lock()
	defer mediumsMu.Unlock()
	m, ok := mediums[channel]
	if !ok {
		m = &medium{buses: make(map[*Bus]struct{})}
		mediums[channel] = m
	}
	return m
}

func (m *medium) broadcast(sender *Bus, frame can.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for bus := range m.buses {
		if bus == sender && !sender.ReceiveOwn() {
			continue
		}
		if !bus.enqueue(frame) && bus != sender {
			err = ErrQueueFull
		}
	}
	return err
}

type Bus struct {
	logger       *log.Entry
	mu           sync.Mutex
	channel      string
	medium       *medium
	receiveOwn   bool
	framehandler can.FrameListener
	rx           chan can.Frame
	stop         chan struct{}
	wg           sync.WaitGroup
	connected    bool
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{
		channel: channel,
		logger:  log.WithFields(log.Fields{"service": "[CAN]", "channel": channel}),
	}, nil
}

// "Connect" to the channel medium
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.medium = mediumFor(b.channel)
	b.rx = make(chan can.Frame, queueSize)
	b.stop = make(chan struct{})
	b.connected = true
	b.wg.Add(1)
	go b.handleReception(b.rx, b.stop)
	b.mu.Unlock()

	b.medium.mu.Lock()
	b.medium.buses[b] = struct{}{}
	b.medium.mu.Unlock()
	return nil
}

// "Disconnect" from the medium, pending frames are dropped
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	m := b.medium
	b.mu.Unlock()

	m.mu.Lock()
	delete(m.buses, b)
	m.mu.Unlock()
	close(b.stop)
	b.wg.Wait()
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	connected, m := b.connected, b.medium
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return m.broadcast(b, frame)
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

func (b *Bus) ReceiveOwn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiveOwn
}

func (b *Bus) enqueue(frame can.Frame) bool {
	select {
	case b.rx <- frame:
		return true
	default:
		b.logger.Warnf("reception queue full, frame x%x dropped", frame.ID)
		return false
	}
}

// Handle incoming traffic
func (b *Bus) handleReception(rx <-chan can.Frame, stop <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		case frame := <-rx:
			b.mu.Lock()
			handler := b.framehandler
			b.mu.Unlock()
			if handler != nil {
				handler.Handle(frame)
			}
		}
	}
}
