package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/samsamfire/goecat/pkg/fieldbus/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.Nil(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, "sim", cfg.Master.Driver)
	assert.Equal(t, 5*time.Millisecond, cfg.Cycle.Period)
	assert.Equal(t, 200, cfg.State.Attempts)
	assert.Equal(t, 50*time.Millisecond, cfg.State.AttemptTimeout)
	assert.EqualValues(t, 100, cfg.Ramp.Ramp().At(1))
}

func TestLoadINI(t *testing.T) {
	path := writeFile(t, "bench.ini", `
[master]
driver = canopen
interface = virtual:bench
capacity = 4

[cycle]
period = 4ms
warmup_ticks = 0

[state]
attempts = 20
attempt_timeout = 10ms

[drive]
position = 2
profile = cia402-canopen

[ramp]
step = -50
max = -500

[log]
level = debug
`)
	cfg, err := Load(path)
	require.Nil(t, err)
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, "canopen", cfg.Master.Driver)
	assert.Equal(t, "virtual:bench", cfg.Master.Interface)
	assert.Equal(t, 4, cfg.Master.Capacity)
	assert.Equal(t, 4*time.Millisecond, cfg.Cycle.Period)
	assert.Equal(t, 0, cfg.Cycle.WarmupTicks)
	// Untouched keys keep their default
	assert.Equal(t, 2*time.Millisecond, cfg.Cycle.ExchangeTimeout)
	assert.Equal(t, 20, cfg.State.Attempts)
	assert.EqualValues(t, 2, cfg.Drive.Position)
	assert.Equal(t, ProfileCiA402CANopen, cfg.Drive.Profile)
	assert.EqualValues(t, -500, cfg.Ramp.Max)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "bench.yaml", `
master:
  driver: sim
  capacity: 2
cycle:
  period: 1ms
  max_missed: 5
drive:
  profile: none
monitor:
  period: 0s
`)
	cfg, err := Load(path)
	require.Nil(t, err)
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Master.Capacity)
	assert.Equal(t, time.Millisecond, cfg.Cycle.Period)
	assert.Equal(t, 5, cfg.Cycle.MaxMissed)
	assert.Equal(t, ProfileNone, cfg.Drive.Profile)
	assert.Equal(t, time.Duration(0), cfg.Monitor.Period)
	assert.Equal(t, "sim0", cfg.Master.Interface)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, "bench.json", "{}"))
	assert.ErrorIs(t, err, ecat.ErrConfig)
	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.ErrorIs(t, err, ecat.ErrConfig)
	_, err = Load(writeFile(t, "bad.yaml", "cycle:\n  period: soon\n"))
	assert.ErrorIs(t, err, ecat.ErrConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"zero capacity", func(cfg *Config) { cfg.Master.Capacity = 0 }},
		{"capacity too large", func(cfg *Config) { cfg.Master.Capacity = fieldbus.MaxSlaves + 1 }},
		{"negative period", func(cfg *Config) { cfg.Cycle.Period = -time.Millisecond }},
		{"no attempts", func(cfg *Config) { cfg.State.Attempts = 0 }},
		{"position outside capacity", func(cfg *Config) { cfg.Drive.Position = 9 }},
		{"unknown profile", func(cfg *Config) { cfg.Drive.Profile = "ipos" }},
		{"zero ramp step", func(cfg *Config) { cfg.Ramp.Step = 0 }},
		{"ramp opposite signs", func(cfg *Config) { cfg.Ramp.Max = -1 }},
		{"bad log level", func(cfg *Config) { cfg.Log.Level = "loud" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ecat.ErrConfig)
		})
	}
}

func newSegment(t *testing.T) *sim.Driver {
	drv := sim.New(nil, sim.AKD())
	require.Nil(t, drv.Open("sim0"))
	require.Nil(t, drv.Bind(fieldbus.NewStorage(1)))
	_, err := drv.Discover()
	require.Nil(t, err)
	return drv
}

func TestSetupAKD(t *testing.T) {
	drv := newSegment(t)
	hook, err := Profile(ProfileAKD)
	require.Nil(t, err)
	require.Nil(t, hook(drv, 1))
	assert.Equal(t, []sim.Parameter{
		{Index: 0x1C12, Subindex: 0, Value: []byte{0x00}},
		{Index: 0x1C13, Subindex: 0, Value: []byte{0x00}},
		{Index: 0x1C12, Subindex: 1, Value: []byte{0x02, 0x17}},
		{Index: 0x1C12, Subindex: 0, Value: []byte{0x01}},
		{Index: 0x1C13, Subindex: 1, Value: []byte{0x01, 0x1B}},
		{Index: 0x1C13, Subindex: 0, Value: []byte{0x01}},
		{Index: 0x6060, Subindex: 0, Value: []byte{0x09}},
		{Index: 0x60C2, Subindex: 1, Value: []byte{0x02}},
		{Index: 0x60C2, Subindex: 2, Value: []byte{0xfd}},
		{Index: 0x36E9, Subindex: 0, Value: []byte{0x00, 0x00, 0x00, 0x00}},
	}, drv.Parameters(1))
}

func TestSetupCiA402CANopen(t *testing.T) {
	drv := newSegment(t)
	require.Nil(t, SetupCiA402CANopen(drv, 1))
	params := drv.Parameters(1)
	require.Len(t, params, 10)
	assert.Equal(t, sim.Parameter{Index: 0x1600, Subindex: 1, Value: []byte{0x10, 0x00, 0x40, 0x60}}, params[1])
	assert.Equal(t, sim.Parameter{Index: 0x1A00, Subindex: 0, Value: []byte{0x02}}, params[7])
	assert.Equal(t, sim.Parameter{Index: 0x1800, Subindex: 2, Value: []byte{0x01}}, params[8])
}

func TestProfiles(t *testing.T) {
	assert.Equal(t, []string{"akd", "cia402-canopen", "none"}, Profiles())
	hook, err := Profile(ProfileNone)
	assert.Nil(t, err)
	assert.Nil(t, hook)
	_, err = Profile("unknown")
	assert.NotNil(t, err)
}
