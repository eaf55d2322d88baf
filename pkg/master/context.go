// Package master owns the memory shared with the underlying fieldbus
// driver: the slave table, the process image and the scratch buffers.
//
// The [Context] allocates one [fieldbus.Storage] arena at creation and
// binds it to the driver, which keeps pointers into it. The arena is never
// resized or copied, so these pointers stay valid until [Context.Close].
//
// The context does not serialize access to the live process image: a
// single control goroutine discovers, configures and exchanges. Other
// goroutines use [Context.Snapshot], served from a copy published after
// every tick.
package master

import (
	"fmt"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type Context struct {
	logger  *log.Entry
	driver  fieldbus.Driver
	ifname  string
	storage *fieldbus.Storage
	used    int
	closed  bool
	mapped  bool

	// Guards shadow only
	mu     sync.RWMutex
	shadow Snapshot
}

// Create allocates the storage arena for capacity slaves, opens the
// interface and binds the arena to the driver.
func Create(driver fieldbus.Driver, ifname string, capacity int, logger *log.Entry) (*Context, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if driver == nil {
		return nil, &ecat.ConfigError{Op: "create", Err: ecat.ErrIllegalArgument}
	}
	if capacity < 1 || capacity > fieldbus.MaxSlaves {
		return nil, &ecat.ConfigError{
			Op:  "create",
			Err: fmt.Errorf("capacity %v outside 1..%v", capacity, fieldbus.MaxSlaves),
		}
	}
	c := &Context{
		logger:  logger.WithFields(log.Fields{"service": "[MASTER]", "ifname": ifname}),
		driver:  driver,
		ifname:  ifname,
		storage: fieldbus.NewStorage(capacity),
	}
	if err := driver.Open(ifname); err != nil {
		return nil, &ecat.ConfigError{Op: "open " + ifname, Err: err}
	}
	if err := driver.Bind(c.storage); err != nil {
		return nil, &ecat.ConfigError{Op: "bind", Err: multierr.Append(err, driver.Close())}
	}
	c.logger.WithField("capacity", capacity).Info("master context created")
	return c, nil
}

// Discover builds the slave table. Zero slaves is returned without error,
// callers decide whether an empty segment is acceptable.
func (c *Context) Discover() (int, error) {
	if c.closed {
		return 0, ecat.ErrClosed
	}
	for i := range c.storage.Slaves {
		c.storage.Slaves[i].Reset()
	}
	c.storage.SlaveCount = 0
	c.mapped = false

	count, err := c.driver.Discover()
	if err != nil {
		return 0, &ecat.ConfigError{Op: "discover", Err: err}
	}
	if count != c.storage.SlaveCount || count > c.storage.Capacity {
		return 0, &ecat.ConfigError{
			Op:  "discover",
			Err: fmt.Errorf("driver reported %v slaves, table holds %v (capacity %v)", count, c.storage.SlaveCount, c.storage.Capacity),
		}
	}
	for i := 1; i <= count; i++ {
		slave := &c.storage.Slaves[i]
		c.logger.WithFields(log.Fields{
			"position": i,
			"name":     slave.Name,
			"identity": slave.Identity.String(),
		}).Info("slave found")
	}
	return count, nil
}

// Slave returns the descriptor at position (1..SlaveCount).
// The returned pointer must not be used after Close.
func (c *Context) Slave(position int) (*fieldbus.Slave, bool) {
	if c.closed {
		return nil, false
	}
	slave := c.storage.Slave(position)
	return slave, slave != nil
}

func (c *Context) SlaveCount() int {
	return c.storage.SlaveCount
}

// ConfigureMapping runs every pending slave setup hook, once, then maps
// the process image for group.
func (c *Context) ConfigureMapping(group uint8) (int, error) {
	if c.closed {
		return 0, ecat.ErrClosed
	}
	if int(group) >= fieldbus.MaxGroups {
		return 0, &ecat.ConfigError{Op: "mapping", Err: fmt.Errorf("group %v outside 0..%v", group, fieldbus.MaxGroups-1)}
	}
	for i := 1; i <= c.storage.SlaveCount; i++ {
		slave := &c.storage.Slaves[i]
		if slave.SetupDone() {
			continue
		}
		c.logger.WithField("position", i).Debug("running slave setup")
		if err := slave.RunSetup(c.driver, uint16(i)); err != nil {
			return 0, &ecat.ConfigError{Op: fmt.Sprintf("setup slave %v", i), Err: err}
		}
	}
	used, err := c.driver.ConfigureMapping(c.storage.IOMap[:], group)
	if err != nil {
		return 0, &ecat.ConfigError{Op: "mapping", Err: err}
	}
	if used < 0 || used > fieldbus.IOMapSize {
		return 0, &ecat.ConfigError{Op: "mapping", Err: fmt.Errorf("process image of %v bytes exceeds %v", used, fieldbus.IOMapSize)}
	}
	c.used = used
	c.mapped = true
	g := c.storage.Groups[group]
	c.logger.WithFields(log.Fields{
		"size":         used,
		"outputs":      g.Outputs.Length,
		"inputs":       g.Inputs.Length,
		"expected_wkc": g.ExpectedWKC,
	}).Info("process image mapped")
	return used, nil
}

// ConfigureDC configures distributed clocks, returns whether any slave
// supports them.
func (c *Context) ConfigureDC() (bool, error) {
	if c.closed {
		return false, ecat.ErrClosed
	}
	found, err := c.driver.ConfigureDC()
	if err != nil {
		return false, &ecat.ConfigError{Op: "distributed clock", Err: err}
	}
	c.logger.WithField("dc", found).Info("distributed clock configured")
	return found, nil
}

// Exchange performs one process data exchange. Must only be called from
// the control goroutine.
func (c *Context) Exchange(timeout time.Duration) (int, error) {
	if c.closed {
		return 0, ecat.ErrClosed
	}
	return c.driver.Exchange(timeout)
}

// Image returns the mapped part of the process image
func (c *Context) Image() []byte {
	return c.storage.IOMap[:c.used:c.used]
}

// Mapped reports whether ConfigureMapping succeeded
func (c *Context) Mapped() bool {
	return c.mapped
}

func (c *Context) Group(group uint8) fieldbus.Group {
	if int(group) >= fieldbus.MaxGroups {
		return fieldbus.Group{}
	}
	return c.storage.Groups[group]
}

func (c *Context) Driver() fieldbus.Driver {
	return c.driver
}

func (c *Context) DCTime() int64 {
	return c.driver.DCTime()
}

func (c *Context) Interface() string {
	return c.ifname
}

// Close closes the driver. Slave handles are invalid afterwards.
// The bus should have been brought back to INIT before.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closing master context")
	return c.driver.Close()
}
