package cia402

import (
	"testing"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bench struct {
	image []byte
	in    pdo.Inputs
	out   pdo.Outputs
}

func newBench(t *testing.T) *bench {
	image := make([]byte, pdo.OutputsSize+pdo.InputsSize)
	out, err := pdo.NewOutputs(image, fieldbus.Range{Offset: 0, Length: pdo.OutputsSize})
	require.Nil(t, err)
	in, err := pdo.NewInputs(image, fieldbus.Range{Offset: pdo.OutputsSize, Length: pdo.InputsSize})
	require.Nil(t, err)
	return &bench{image: image, in: in, out: out}
}

func (b *bench) status(status uint16) {
	pdo.EncodeInputs(b.image[pdo.OutputsSize:], pdo.InputsRecord{Statusword: status})
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		status  uint16
		next    State
		control uint16
	}{
		{"fault held", StateFaultReset, 0x0008, StateFaultReset, 0x80},
		{"fault cleared", StateFaultReset, 0x0000, StateReadyToSwitchOn, 0x06},
		{"ready waiting", StateReadyToSwitchOn, 0x0007, StateReadyToSwitchOn, 0x06},
		{"ready acknowledged", StateReadyToSwitchOn, 0x0006, StateSwitchedOn, 0x07},
		{"switched waiting", StateSwitchedOn, 0x0006, StateSwitchedOn, 0x07},
		{"switched acknowledged", StateSwitchedOn, 0x0004, StateEnablePending, 0x0F},
		{"enable waiting", StateEnablePending, 0x0004, StateEnablePending, 0x0F},
		{"enable acknowledged", StateEnablePending, 0x0000, StateOperationEnabled, 0x0F},
		{"fault during bring-up", StateSwitchedOn, 0x000E, StateFaultReset, 0x80},
		{"enabled stays", StateOperationEnabled, 0x0000, StateOperationEnabled, 0x0F},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, control := Transition(tc.state, tc.status)
			assert.Equal(t, tc.next, next)
			assert.Equal(t, tc.control, control)
		})
	}
}

func TestScenarioReadyToSwitchedOn(t *testing.T) {
	b := newBench(t)
	c := NewController(Ramp{Step: 100, Max: 1000}, 10, nil)
	b.status(0x0000)
	// Reset on a healthy drive moves on without a reset command
	assert.Nil(t, c.Update(b.in, b.out))
	assert.Equal(t, StateReadyToSwitchOn, c.State())
	assert.EqualValues(t, 0x06, b.out.Controlword())

	assert.Nil(t, c.Update(b.in, b.out))
	assert.Equal(t, StateSwitchedOn, c.State())
	assert.EqualValues(t, 0x07, b.out.Controlword())
}

func TestScenarioFaultReset(t *testing.T) {
	b := newBench(t)
	c := NewController(Ramp{Step: 100, Max: 1000}, 10, nil)
	b.status(0x0008)
	for i := 0; i < 3; i++ {
		assert.Nil(t, c.Update(b.in, b.out))
		assert.Equal(t, StateFaultReset, c.State())
		assert.EqualValues(t, 0x80, b.out.Controlword())
	}
	b.status(0x0007)
	assert.Nil(t, c.Update(b.in, b.out))
	assert.Equal(t, StateReadyToSwitchOn, c.State())
	assert.EqualValues(t, 0x06, b.out.Controlword())

	b.status(0x0006)
	assert.Nil(t, c.Update(b.in, b.out))
	assert.EqualValues(t, 0x07, b.out.Controlword())
	b.status(0x0004)
	b.out.SetTargetVelocity(1234)
	assert.Nil(t, c.Update(b.in, b.out))
	assert.Equal(t, StateEnablePending, c.State())
	assert.EqualValues(t, 0x0F, b.out.Controlword())
	assert.EqualValues(t, 0, b.out.TargetVelocity())
}

func TestBoundedWait(t *testing.T) {
	b := newBench(t)
	c := NewController(Ramp{Step: 100, Max: 1000}, 5, nil)
	b.status(0x0007)
	var err error
	ticks := 0
	for err == nil && ticks < 100 {
		err = c.Update(b.in, b.out)
		ticks++
	}
	assert.ErrorIs(t, err, ecat.ErrStateTransition)
	var stErr *ecat.StateTransitionError
	assert.ErrorAs(t, err, &stErr)
	assert.EqualValues(t, 0x0007, stErr.Status)
	// One tick to leave FaultReset then 5 tolerated waits
	assert.Equal(t, 7, ticks)
}

func TestFlappingFaultIsBounded(t *testing.T) {
	b := newBench(t)
	c := NewController(Ramp{Step: 100, Max: 1000}, 5, nil)
	var err error
	ticks := 0
	for err == nil && ticks < 1000 {
		if ticks%2 == 0 {
			b.status(0x0009)
		} else {
			b.status(0x0001)
		}
		err = c.Update(b.in, b.out)
		ticks++
	}
	assert.ErrorIs(t, err, ecat.ErrStateTransition)
	var stErr *ecat.StateTransitionError
	assert.ErrorAs(t, err, &stErr)
	assert.Equal(t, StateOperationEnabled.String(), stErr.Target)
	// 4 stages of 5 tolerated waits plus their transition tick
	assert.Equal(t, 25, ticks)
	assert.False(t, c.Enabled())
}

func TestStreaming(t *testing.T) {
	b := newBench(t)
	c := NewController(Ramp{Step: 300, Max: 1000}, 10, nil)
	b.status(0x0000)
	for i := 0; i < 4; i++ {
		assert.Nil(t, c.Update(b.in, b.out))
	}
	assert.True(t, c.Enabled())

	expected := []int32{300, 600, 900, 1000, 1000}
	for _, want := range expected {
		assert.Nil(t, c.Update(b.in, b.out))
		assert.Equal(t, want, b.out.TargetVelocity())
		assert.EqualValues(t, 0x0F, b.out.Controlword())
	}

	t.Run("hold keeps outputs", func(t *testing.T) {
		c.Hold()
		assert.EqualValues(t, 1000, b.out.TargetVelocity())
		assert.EqualValues(t, 1, c.Stats().Held)
	})

	t.Run("fault while streaming", func(t *testing.T) {
		b.status(0x0008)
		err := c.Update(b.in, b.out)
		assert.ErrorIs(t, err, ecat.ErrDriveFault)
		assert.EqualValues(t, 0, b.out.TargetVelocity())
		assert.EqualValues(t, ControlHalt, b.out.Controlword())
	})
}

func TestHalt(t *testing.T) {
	b := newBench(t)
	b.out.Store(pdo.OutputsRecord{Controlword: ControlEnableOperation, TargetVelocity: 750})
	Halt(b.out)
	assert.Equal(t, pdo.OutputsRecord{Controlword: ControlHalt}, b.out.Record())
}

func TestRamp(t *testing.T) {
	r := Ramp{Step: 100, Max: 250}
	assert.Nil(t, r.Validate())
	for k, want := range []int32{0, 100, 200, 250, 250} {
		assert.Equal(t, want, r.At(uint64(k)))
	}
	down := Ramp{Step: -40, Max: -100}
	assert.Nil(t, down.Validate())
	assert.EqualValues(t, -80, down.At(2))
	assert.EqualValues(t, -100, down.At(3))
	assert.EqualValues(t, -100, down.At(1<<40))

	big := Ramp{Step: 1 << 30, Max: 1<<31 - 1}
	assert.EqualValues(t, 1<<31-1, big.At(5))

	assert.ErrorIs(t, Ramp{Step: 0, Max: 10}.Validate(), ecat.ErrConfig)
	assert.ErrorIs(t, Ramp{Step: 10, Max: -10}.Validate(), ecat.ErrIllegalArgument)
}
