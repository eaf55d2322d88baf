// Package config holds the runtime configuration of a run and the drive
// setup profiles applied before mapping.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Master  MasterConfig  `yaml:"master"`
	Cycle   CycleConfig   `yaml:"cycle"`
	State   StateConfig   `yaml:"state"`
	Drive   DriveConfig   `yaml:"drive"`
	Ramp    RampConfig    `yaml:"ramp"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

type MasterConfig struct {
	Driver    string `yaml:"driver" ini:"driver"`
	Interface string `yaml:"interface" ini:"interface"`
	Capacity  int    `yaml:"capacity" ini:"capacity"`
	Group     uint8  `yaml:"group" ini:"group"`
}

type CycleConfig struct {
	Period          time.Duration `yaml:"period" ini:"period"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout" ini:"exchange_timeout"`
	WarmupTicks     int           `yaml:"warmup_ticks" ini:"warmup_ticks"`
	MaxMissed       int           `yaml:"max_missed" ini:"max_missed"`
	// Lock the cyclic loop to a thread with raised priority
	Realtime bool `yaml:"realtime" ini:"realtime"`
}

type StateConfig struct {
	Attempts       int           `yaml:"attempts" ini:"attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" ini:"attempt_timeout"`
}

type DriveConfig struct {
	Position     uint16 `yaml:"position" ini:"position"`
	MaxWaitTicks int    `yaml:"max_wait_ticks" ini:"max_wait_ticks"`
	Profile      string `yaml:"profile" ini:"profile"`
}

type RampConfig struct {
	Step int32 `yaml:"step" ini:"step"`
	Max  int32 `yaml:"max" ini:"max"`
}

type MonitorConfig struct {
	// Zero disables the monitor
	Period time.Duration `yaml:"period" ini:"period"`
}

type LogConfig struct {
	Level string `yaml:"level" ini:"level"`
}

// Default returns the configuration used when nothing is specified
func Default() *Config {
	return &Config{
		Master: MasterConfig{
			Driver:    "sim",
			Interface: "sim0",
			Capacity:  8,
		},
		Cycle: CycleConfig{
			Period:          5 * time.Millisecond,
			ExchangeTimeout: 2 * time.Millisecond,
			WarmupTicks:     10,
			MaxMissed:       20,
		},
		State: StateConfig{
			Attempts:       200,
			AttemptTimeout: 50 * time.Millisecond,
		},
		Drive: DriveConfig{
			Position:     1,
			MaxWaitTicks: 200,
			Profile:      ProfileAKD,
		},
		Ramp:    RampConfig{Step: 100, Max: 10000},
		Monitor: MonitorConfig{Period: time.Second},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path on top of [Default]. The format is chosen from the
// extension : .ini/.conf or .yaml/.yml. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".conf":
		err = cfg.loadINI(path)
	case ".yaml", ".yml":
		err = cfg.loadYAML(path)
	default:
		err = fmt.Errorf("unknown configuration format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, &ecat.ConfigError{Op: "load " + path, Err: err}
	}
	log.WithField("path", path).Debug("configuration loaded")
	return cfg, nil
}

func (cfg *Config) loadINI(path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return err
	}
	sections := []struct {
		name string
		dest any
	}{
		{"master", &cfg.Master},
		{"cycle", &cfg.Cycle},
		{"state", &cfg.State},
		{"drive", &cfg.Drive},
		{"ramp", &cfg.Ramp},
		{"monitor", &cfg.Monitor},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		section, err := file.GetSection(s.name)
		if err != nil {
			continue
		}
		if err := section.MapTo(s.dest); err != nil {
			return fmt.Errorf("section [%v] : %w", s.name, err)
		}
	}
	return nil
}

func (cfg *Config) loadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

// Validate checks the configuration without modifying it
func (cfg *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return &ecat.ConfigError{Op: "validate", Err: fmt.Errorf(format, args...)}
	}
	if cfg.Master.Driver == "" {
		return fail("master driver is empty")
	}
	if cfg.Master.Capacity < 1 || cfg.Master.Capacity > fieldbus.MaxSlaves {
		return fail("master capacity %v outside 1..%v", cfg.Master.Capacity, fieldbus.MaxSlaves)
	}
	if int(cfg.Master.Group) >= fieldbus.MaxGroups {
		return fail("master group %v outside 0..%v", cfg.Master.Group, fieldbus.MaxGroups-1)
	}
	if cfg.Cycle.Period <= 0 {
		return fail("cycle period must be positive, got %v", cfg.Cycle.Period)
	}
	if cfg.Cycle.ExchangeTimeout <= 0 {
		return fail("exchange timeout must be positive, got %v", cfg.Cycle.ExchangeTimeout)
	}
	if cfg.Cycle.WarmupTicks < 0 {
		return fail("warm-up ticks must not be negative, got %v", cfg.Cycle.WarmupTicks)
	}
	if cfg.Cycle.MaxMissed <= 0 {
		return fail("max missed ticks must be positive, got %v", cfg.Cycle.MaxMissed)
	}
	if cfg.State.Attempts <= 0 || cfg.State.AttemptTimeout <= 0 {
		return fail("state budget %v x %v must be positive", cfg.State.Attempts, cfg.State.AttemptTimeout)
	}
	if cfg.Drive.Position < 1 || int(cfg.Drive.Position) > cfg.Master.Capacity {
		return fail("drive position %v outside 1..%v", cfg.Drive.Position, cfg.Master.Capacity)
	}
	if cfg.Drive.MaxWaitTicks <= 0 {
		return fail("drive max wait ticks must be positive, got %v", cfg.Drive.MaxWaitTicks)
	}
	if _, err := Profile(cfg.Drive.Profile); err != nil {
		return fail("%v", err)
	}
	if err := cfg.Ramp.Ramp().Validate(); err != nil {
		return err
	}
	if cfg.Monitor.Period < 0 {
		return fail("monitor period must not be negative, got %v", cfg.Monitor.Period)
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return fail("%v", err)
	}
	return nil
}

func (r RampConfig) Ramp() cia402.Ramp {
	return cia402.Ramp{Step: r.Step, Max: r.Max}
}
