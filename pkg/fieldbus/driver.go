// Package fieldbus defines the contract between the master and the
// underlying master library that builds and parses fieldbus frames.
//
// A [Driver] is bound to a [Storage] arena owned by the master context
// and may keep pointers into it until it is closed.
package fieldbus

import (
	"fmt"
	"sort"
	"time"
)

// Broadcast position, addresses every slave
const Broadcast uint16 = 0

// Default timeout for mailbox (parameter) writes
const MailboxTimeout = 70 * time.Millisecond

// Driver is the master library collaborator
type Driver interface {
	ParameterWriter
	Open(ifname string) error                                // Open network interface
	Close() error                                            // Close network interface, release storage
	Bind(storage *Storage) error                             // Bind storage, must be called before Discover
	Discover() (int, error)                                  // Build slave table, returns number of slaves
	ConfigureMapping(image []byte, group uint8) (int, error) // Map process image, returns used size
	ConfigureDC() (bool, error)                              // Configure distributed clocks
	RequestState(position uint16, state State) error         // Request state, position 0 is broadcast
	PollState(position uint16, state State, timeout time.Duration) (State, error)
	Exchange(timeout time.Duration) (int, error) // Send outputs, receive inputs, returns working counter
	DCTime() int64
}

// CycleSetter is implemented by drivers that need the cycle period,
// e.g. to configure slave side synchronization
type CycleSetter interface {
	SetCycle(period time.Duration)
}

type NewDriverFunc func() (Driver, error)

var driverRegistry = make(map[string]NewDriverFunc)

// Register a new driver type
// This should be called inside an init() function of the driver package
func RegisterDriver(name string, newDriver NewDriverFunc) {
	driverRegistry[name] = newDriver
}

// Create a new driver by name
func New(name string) (Driver, error) {
	newDriver, ok := driverRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported driver : %v (available %v)", name, Drivers())
	}
	return newDriver()
}

// Drivers lists registered driver names
func Drivers() []string {
	names := make([]string, 0, len(driverRegistry))
	for name := range driverRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
