// Package network runs a single servo drive on a fieldbus segment: it
// opens the master, brings the bus to OP, enables the drive and streams a
// velocity ramp until the context is cancelled, then brings everything
// back down.
//
// [Run] is the entry point. [Network] exposes the individual phases.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/cyclic"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/samsamfire/goecat/pkg/master"
	"github.com/samsamfire/goecat/pkg/nmt"
	"github.com/samsamfire/goecat/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

// A Network holds everything needed for one run. Its methods must be
// called from a single goroutine, in order.
type Network struct {
	logger *log.Entry
	cfg    config.Config
	ifname string
	ramp   cia402.Ramp
	driver fieldbus.Driver
	setup  fieldbus.SetupHook

	master *master.Context
	states *nmt.Controller
	engine *cyclic.Engine
	drive  *cia402.Controller
	in     pdo.Inputs
	out    pdo.Outputs
	mapped bool
	// Set once the drive first reports operation enabled
	enabled bool

	monitorCancel context.CancelFunc
	wgMonitor     sync.WaitGroup
}

// NewNetwork validates the configuration and resolves the driver. An empty
// ifname or a zero ramp keeps the configured values.
func NewNetwork(ifname string, ramp cia402.Ramp, opts ...Option) (*Network, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if o.logger == nil {
		o.logger = log.NewEntry(log.StandardLogger())
	}
	cfg := *o.cfg
	if ifname != "" {
		cfg.Master.Interface = ifname
	}
	if ramp != (cia402.Ramp{}) {
		cfg.Ramp = config.RampConfig{Step: ramp.Step, Max: ramp.Max}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	network := &Network{
		logger: o.logger.WithField("service", "[NETWORK]"),
		cfg:    cfg,
		ifname: cfg.Master.Interface,
		ramp:   cfg.Ramp.Ramp(),
		driver: o.driver,
		setup:  o.setup,
	}
	if !o.setupSet {
		// Validated above
		network.setup, _ = config.Profile(cfg.Drive.Profile)
	}
	if network.driver == nil {
		driver, err := fieldbus.New(cfg.Master.Driver)
		if err != nil {
			return nil, &ecat.ConfigError{Op: "driver", Err: err}
		}
		network.driver = driver
	}
	return network, nil
}

// Open creates the master context, discovers the segment and registers the
// drive setup
func (network *Network) Open() error {
	if setter, ok := network.driver.(fieldbus.CycleSetter); ok {
		setter.SetCycle(network.cfg.Cycle.Period)
	}
	m, err := master.Create(network.driver, network.ifname, network.cfg.Master.Capacity, network.logger)
	if err != nil {
		return err
	}
	network.master = m
	count, err := m.Discover()
	if err != nil {
		return err
	}
	if count == 0 {
		return &ecat.ConfigError{Op: "discover", Err: ecat.ErrNoSlaves}
	}
	slave, ok := m.Slave(int(network.cfg.Drive.Position))
	if !ok {
		return &ecat.ConfigError{
			Op:  "discover",
			Err: fmt.Errorf("no drive at position %v, %v slaves found", network.cfg.Drive.Position, count),
		}
	}
	if network.setup != nil {
		slave.RegisterSetupHook(network.setup)
	}
	network.logger.WithFields(log.Fields{
		"slaves": count,
		"drive":  slave.Name,
	}).Info("segment opened")

	network.states = nmt.NewController(m, nmt.Options{
		Group:           network.cfg.Master.Group,
		WarmupTicks:     network.cfg.Cycle.WarmupTicks,
		WarmupPeriod:    network.cfg.Cycle.Period,
		Attempts:        network.cfg.State.Attempts,
		AttemptTimeout:  network.cfg.State.AttemptTimeout,
		ExchangeTimeout: network.cfg.Cycle.ExchangeTimeout,
	}, network.logger)
	return nil
}

// Configure maps the process image and checks the drive records against
// the mapped regions
func (network *Network) Configure() error {
	if network.master == nil {
		return ecat.ErrClosed
	}
	if err := network.states.Configure(); err != nil {
		return err
	}
	position := network.cfg.Drive.Position
	slave, _ := network.master.Slave(int(position))
	in, out, err := pdo.Map(network.master.Image(), slave, position)
	if err != nil {
		return err
	}
	out.SetTargetVelocity(0)
	out.SetControlword(0)
	network.in, network.out = in, out
	network.mapped = true
	return nil
}

// Start brings the bus to OP
func (network *Network) Start() error {
	if network.master == nil {
		return ecat.ErrClosed
	}
	return network.states.Start()
}

// Stream runs the cyclic exchange, enabling the drive then streaming the
// ramp, until ctx is done (nil) or a fatal error occurs
func (network *Network) Stream(ctx context.Context) error {
	if !network.mapped {
		return &ecat.ConfigError{Op: "stream", Err: errors.New("process image not mapped")}
	}
	network.engine = cyclic.NewEngine(network.master, cyclic.Options{
		Group:     network.cfg.Master.Group,
		Timeout:   network.cfg.Cycle.ExchangeTimeout,
		MaxMissed: network.cfg.Cycle.MaxMissed,
		Realtime:  network.cfg.Cycle.Realtime,
	}, network.logger)
	network.drive = cia402.NewController(network.ramp, network.cfg.Drive.MaxWaitTicks, network.logger)
	network.startMonitor()
	defer network.stopMonitor()

	network.enabled = false
	return network.engine.Run(ctx, network.cfg.Cycle.Period, network.tick)
}

// tick runs the drive for one exchange result
func (network *Network) tick(res cyclic.Result) error {
	if !res.Trusted {
		// Stale inputs, keep the outputs of the last trusted tick
		network.drive.Hold()
		return nil
	}
	if err := network.drive.Update(network.in, network.out); err != nil {
		return err
	}
	if !network.enabled && network.drive.Enabled() {
		network.enabled = true
		network.logger.WithField("ramp", network.ramp.String()).Info("drive enabled, streaming setpoints")
	}
	return nil
}

// Close stops the monitor and releases the master context
func (network *Network) Close() error {
	network.stopMonitor()
	if network.master == nil {
		return nil
	}
	err := network.master.Close()
	network.master = nil
	network.mapped = false
	return err
}

// Master returns the master context, nil before Open or after Close
func (network *Network) Master() *master.Context {
	return network.master
}

// Drive returns the drive controller, nil before Stream
func (network *Network) Drive() *cia402.Controller {
	return network.drive
}

// Run drives the segment on ifname until ctx is cancelled. It returns nil
// after a cancellation and a clean shutdown, the first fatal error
// otherwise. Shutdown failures are logged, never returned.
func Run(ctx context.Context, ifname string, ramp cia402.Ramp, opts ...Option) error {
	network, err := NewNetwork(ifname, ramp, opts...)
	if err != nil {
		return errors.Wrap(err, "setup")
	}
	defer func() {
		if err := network.Close(); err != nil {
			network.logger.Warnf("close : %v", err)
		}
	}()

	phases := []struct {
		name string
		fn   func() error
	}{
		{"open", network.Open},
		{"configure", network.Configure},
		{"start", network.Start},
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			network.logger.Info("cancelled before streaming")
			network.shutdown()
			return nil
		}
		if err := phase.fn(); err != nil {
			network.shutdown()
			return errors.Wrap(err, phase.name)
		}
	}
	err = network.Stream(ctx)
	network.shutdown()
	if err != nil {
		return errors.Wrap(err, "stream")
	}
	return nil
}
