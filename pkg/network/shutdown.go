package network

import (
	"github.com/pkg/errors"
	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Shutdown writes the halt command with a zero velocity, performs one last
// exchange and requests INIT on every slave. Every step is attempted, the
// failures are combined.
func (network *Network) Shutdown() error {
	if network.master == nil {
		return nil
	}
	var err error
	if network.mapped {
		cia402.Halt(network.out)
		wkc, exErr := network.master.Exchange(network.cfg.Cycle.ExchangeTimeout)
		expected := network.master.Group(network.cfg.Master.Group).ExpectedWKC
		switch {
		case exErr != nil:
			err = multierr.Append(err, errors.Wrap(exErr, "halt exchange"))
		case wkc < expected:
			err = multierr.Append(err, errors.Wrap(&ecat.ExchangeError{WKC: wkc, Expected: expected}, "halt exchange"))
		}
	}
	if network.states != nil {
		if initErr := network.states.Shutdown(); initErr != nil {
			err = multierr.Append(err, errors.Wrap(initErr, "request init"))
		}
	}
	return err
}

// shutdown runs Shutdown and logs what failed
func (network *Network) shutdown() {
	err := network.Shutdown()
	if err == nil {
		network.logger.Info("bus back to INIT")
		return
	}
	for _, e := range multierr.Errors(err) {
		network.logger.WithField("phase", "shutdown").Warnf("best effort step failed : %v", e)
	}
	if network.drive != nil {
		stats := network.drive.Stats()
		network.logger.WithFields(log.Fields{
			"drive_state": stats.State.String(),
			"status":      stats.Status,
		}).Debug("drive at shutdown")
	}
}
