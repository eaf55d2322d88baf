package network

import (
	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	log "github.com/sirupsen/logrus"
)

type options struct {
	cfg      *config.Config
	driver   fieldbus.Driver
	logger   *log.Entry
	setup    fieldbus.SetupHook
	setupSet bool
}

// Option customizes a [Network] or a [Run]
type Option func(*options)

// WithConfig replaces [config.Default]. The interface and ramp given to
// [Run] or [NewNetwork] still take precedence when set.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithDriver uses driver instead of creating the one named in the
// configuration
func WithDriver(driver fieldbus.Driver) Option {
	return func(o *options) { o.driver = driver }
}

func WithLogger(logger *log.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// WithDriveSetup replaces the configured drive profile with hook. A nil
// hook disables the setup.
func WithDriveSetup(hook fieldbus.SetupHook) Option {
	return func(o *options) {
		o.setup = hook
		o.setupSet = true
	}
}
