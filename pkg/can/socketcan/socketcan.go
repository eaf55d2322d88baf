// Package socketcan adapts a Linux socketcan interface, through
// github.com/brutella/can, to the [can.Bus] used by the canopen driver.
package socketcan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	sockcan "github.com/brutella/can"
	can "github.com/samsamfire/goecat/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Failures of the receive loop within this delay are returned by Connect
const StartupGrace = 50 * time.Millisecond

var ErrStopped = errors.New("socketcan receive loop stopped")

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type Bus struct {
	mu       sync.Mutex
	logger   *log.Entry
	name     string
	bus      *sockcan.Bus
	serve    func() error
	listener can.FrameListener
	stopped  error
}

func newBus(name string, bus *sockcan.Bus, serve func() error) *Bus {
	return &Bus{
		logger: log.WithFields(log.Fields{"service": "[CAN]", "interface": name}),
		name:   name,
		bus:    bus,
		serve:  serve,
	}
}

// Connect starts receiving. A receive loop failing at startup, e.g. on an
// interface that is down, is returned here. Later failures are logged and
// make Send fail.
func (b *Bus) Connect(...any) error {
	done := make(chan error, 1)
	go func() {
		err := b.serve()
		if err == nil {
			err = ErrStopped
		}
		b.mu.Lock()
		b.stopped = err
		b.mu.Unlock()
		done <- err
	}()
	select {
	case err := <-done:
		return fmt.Errorf("socketcan %v : %w", b.name, err)
	case <-time.After(StartupGrace):
	}
	go func() {
		if err := <-done; !errors.Is(err, ErrStopped) {
			b.logger.Warnf("receive loop stopped : %v", err)
		}
	}()
	return nil
}

func (b *Bus) Disconnect() error {
	if b.bus == nil {
		return nil
	}
	return b.bus.Disconnect()
}

func (b *Bus) Send(frame can.Frame) error {
	if err := b.err(); err != nil {
		return fmt.Errorf("socketcan %v : %w", b.name, err)
	}
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

// Subscribe sets the listener receiving every frame
func (b *Bus) Subscribe(listener can.FrameListener) error {
	if listener == nil {
		return errors.New("nil frame listener")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

// Handle implements the brutella/can handler
func (b *Bus) Handle(frame sockcan.Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener == nil {
		return
	}
	listener.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func (b *Bus) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func NewSocketCanBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("socketcan %v : %w", name, err)
	}
	b := newBus(name, bus, bus.ConnectAndPublish)
	bus.Subscribe(b)
	return b, nil
}
