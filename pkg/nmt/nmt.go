// Package nmt brings the bus through INIT, PRE-OP, SAFE-OP and OP.
//
// The driver state machine is asynchronous, the [Controller] presents it as
// blocking calls with a bounded number of poll attempts. Once the process
// image is mapped every attempt also performs one exchange so that slaves
// keep receiving process data while they transition.
package nmt

import (
	"fmt"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/samsamfire/goecat/pkg/master"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultWarmupTicks     = 10
	DefaultAttempts        = 200
	DefaultAttemptTimeout  = 50 * time.Millisecond
	DefaultExchangeTimeout = 2 * time.Millisecond
)

type Options struct {
	Group uint8
	// Exchanges performed before requesting SAFE-OP, lets the distributed
	// clock settle
	WarmupTicks int
	// Pause between warm-up exchanges
	WarmupPeriod    time.Duration
	Attempts        int
	AttemptTimeout  time.Duration
	ExchangeTimeout time.Duration
}

type Controller struct {
	logger *log.Entry
	master *master.Context
	opts   Options
}

func NewController(m *master.Context, opts Options, logger *log.Entry) *Controller {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if opts.WarmupTicks < 0 {
		opts.WarmupTicks = 0
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	return &Controller{master: m, opts: opts, logger: logger.WithField("service", "[NMT]")}
}

// Request asks position (or [fieldbus.Broadcast]) to enter state
func (c *Controller) Request(position uint16, state fieldbus.State) error {
	c.logger.WithFields(log.Fields{"position": position, "state": state.String()}).Debug("requesting state")
	if err := c.master.Driver().RequestState(position, state); err != nil {
		return fmt.Errorf("request %v on slave %v : %w", state, position, err)
	}
	return nil
}

// Poll reads the current state of position, waiting at most timeout for
// state to be reached
func (c *Controller) Poll(position uint16, state fieldbus.State, timeout time.Duration) (fieldbus.State, error) {
	return c.master.Driver().PollState(position, state, timeout)
}

// WaitFor polls until position reaches state or the attempts are exhausted.
// The returned error holds the last observed state of every slave.
func (c *Controller) WaitFor(position uint16, state fieldbus.State, stage string) error {
	var actual fieldbus.State
	var err error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		if c.master.Mapped() {
			if _, exErr := c.master.Exchange(c.opts.ExchangeTimeout); exErr != nil {
				c.logger.Debugf("exchange during %v : %v", stage, exErr)
			}
		}
		actual, err = c.Poll(position, state, c.opts.AttemptTimeout)
		if err != nil {
			c.logger.WithField("attempt", attempt).Debugf("poll failed : %v", err)
			continue
		}
		if actual.Reached(state) {
			c.logger.WithFields(log.Fields{"state": actual.String(), "attempts": attempt}).Infof("%v reached", state)
			return nil
		}
	}
	c.logger.WithFields(log.Fields{"state": actual.String(), "target": state.String()}).Errorf("%v failed", stage)
	return &ecat.StateTransitionError{
		Target:   state.String(),
		Stage:    stage,
		Attempts: c.opts.Attempts,
		Observed: c.Observed(),
	}
}

// Observed returns the last known state of every slave
func (c *Controller) Observed() []ecat.SlaveState {
	count := c.master.SlaveCount()
	observed := make([]ecat.SlaveState, 0, count)
	for i := 1; i <= count; i++ {
		slave, ok := c.master.Slave(i)
		if !ok {
			break
		}
		observed = append(observed, ecat.SlaveState{
			Position:   uint16(i),
			State:      slave.State.String(),
			StatusCode: slave.StatusCode,
		})
	}
	return observed
}

// Configure waits for PRE-OP, runs the slave setup, maps the process image
// and configures the distributed clock
func (c *Controller) Configure() error {
	if err := c.Request(fieldbus.Broadcast, fieldbus.StatePreOp); err != nil {
		return err
	}
	if err := c.WaitFor(fieldbus.Broadcast, fieldbus.StatePreOp, "configure"); err != nil {
		return err
	}
	if _, err := c.master.ConfigureMapping(c.opts.Group); err != nil {
		return err
	}
	if _, err := c.master.ConfigureDC(); err != nil {
		return err
	}
	return nil
}

// Start runs the warm-up exchanges then requests SAFE-OP and OP
func (c *Controller) Start() error {
	if !c.master.Mapped() {
		return &ecat.ConfigError{Op: "start", Err: fmt.Errorf("process image not mapped : %w", ecat.ErrIllegalArgument)}
	}
	c.logger.WithField("ticks", c.opts.WarmupTicks).Debug("warming up")
	for i := 0; i < c.opts.WarmupTicks; i++ {
		if _, err := c.master.Exchange(c.opts.ExchangeTimeout); err != nil {
			c.logger.Debugf("warm-up exchange : %v", err)
		}
		if c.opts.WarmupPeriod > 0 {
			time.Sleep(c.opts.WarmupPeriod)
		}
	}
	if err := c.Request(fieldbus.Broadcast, fieldbus.StateSafeOp); err != nil {
		return err
	}
	if err := c.WaitFor(fieldbus.Broadcast, fieldbus.StateSafeOp, "start"); err != nil {
		return err
	}
	if err := c.Request(fieldbus.Broadcast, fieldbus.StateOp); err != nil {
		return err
	}
	return c.WaitFor(fieldbus.Broadcast, fieldbus.StateOp, "start")
}

// BringUp is Configure followed by Start
func (c *Controller) BringUp() error {
	if err := c.Configure(); err != nil {
		return err
	}
	return c.Start()
}

// Shutdown requests INIT on every slave and waits for it within the usual
// budget. The error is meant to be logged, not escalated.
func (c *Controller) Shutdown() error {
	if err := c.Request(fieldbus.Broadcast, fieldbus.StateInit); err != nil {
		return err
	}
	return c.WaitFor(fieldbus.Broadcast, fieldbus.StateInit, "shutdown")
}
