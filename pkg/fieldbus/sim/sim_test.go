package sim

import (
	"testing"
	"time"

	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSegment(t *testing.T, configs ...DeviceConfig) (*Driver, *fieldbus.Storage) {
	d := New(nil, configs...)
	storage := fieldbus.NewStorage(4)
	require.Nil(t, d.Open("sim0"))
	require.Nil(t, d.Bind(storage))
	return d, storage
}

func TestDiscoverAndMap(t *testing.T) {
	d, storage := newSegment(t, AKD(), AKD())
	count, err := d.Discover()
	assert.Nil(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, storage.SlaveCount)
	assert.Equal(t, "AKD", storage.Slaves[1].Name)
	assert.Equal(t, fieldbus.StatePreOp, storage.Slaves[2].State)

	used, err := d.ConfigureMapping(storage.IOMap[:], 0)
	assert.Nil(t, err)
	assert.Equal(t, 4*6, used)
	// Outputs segment first
	assert.Equal(t, fieldbus.Range{Offset: 0, Length: 6}, storage.Slaves[1].Outputs)
	assert.Equal(t, fieldbus.Range{Offset: 6, Length: 6}, storage.Slaves[2].Outputs)
	assert.Equal(t, fieldbus.Range{Offset: 12, Length: 6}, storage.Slaves[1].Inputs)
	assert.Equal(t, 6, storage.Groups[0].ExpectedWKC)
}

func TestCapacityLimitsDiscovery(t *testing.T) {
	d := New(nil, AKD(), AKD(), AKD())
	storage := fieldbus.NewStorage(2)
	require.Nil(t, d.Open("sim0"))
	require.Nil(t, d.Bind(storage))
	count, err := d.Discover()
	assert.Nil(t, err)
	assert.Equal(t, 2, count)
}

func TestStates(t *testing.T) {
	t.Run("op refused before mapping", func(t *testing.T) {
		d, _ := newSegment(t, AKD())
		_, _ = d.Discover()
		assert.Nil(t, d.RequestState(fieldbus.Broadcast, fieldbus.StateOp))
		state, err := d.PollState(1, fieldbus.StateOp, time.Millisecond)
		assert.Nil(t, err)
		assert.True(t, state.HasError())
	})
	t.Run("reachable limit", func(t *testing.T) {
		cfg := AKD()
		cfg.Reachable = fieldbus.StateSafeOp
		d, storage := newSegment(t, AKD(), cfg)
		_, _ = d.Discover()
		_, _ = d.ConfigureMapping(storage.IOMap[:], 0)
		assert.Nil(t, d.RequestState(fieldbus.Broadcast, fieldbus.StateOp))
		state, _ := d.PollState(fieldbus.Broadcast, fieldbus.StateOp, time.Millisecond)
		assert.Equal(t, fieldbus.StateSafeOp, state)
		assert.Equal(t, fieldbus.StateOp, storage.Slaves[1].State)
		assert.Equal(t, codeInvalidStateChange, storage.Slaves[2].StatusCode)
	})
}

func TestExchangeDriveBehaviour(t *testing.T) {
	d, storage := newSegment(t, AKD())
	_, _ = d.Discover()
	_, _ = d.ConfigureMapping(storage.IOMap[:], 0)
	_, _ = d.ConfigureDC()
	assert.Nil(t, d.RequestState(fieldbus.Broadcast, fieldbus.StateOp))

	in, out, err := pdo.Map(storage.IOMap[:], &storage.Slaves[1], 1)
	require.Nil(t, err)

	steps := []struct {
		control uint16
		status  uint16
	}{
		{0x06, 0x0006},
		{0x07, 0x0004},
		{0x0F, 0x0000},
	}
	for _, step := range steps {
		out.SetControlword(step.control)
		wkc, err := d.Exchange(time.Millisecond)
		assert.Nil(t, err)
		assert.Equal(t, 3, wkc)
		assert.Equal(t, step.status, in.Statusword())
	}
	out.SetTargetVelocity(50)
	_, _ = d.Exchange(time.Millisecond)
	_, _ = d.Exchange(time.Millisecond)
	assert.EqualValues(t, 100, in.PositionActual())
	assert.EqualValues(t, 5*time.Millisecond*5, time.Duration(d.DCTime()))

	t.Run("dropped frame leaves inputs stale", func(t *testing.T) {
		d.InjectFault(1)
		d.DropNext(1)
		wkc, err := d.Exchange(time.Millisecond)
		assert.Nil(t, err)
		assert.Equal(t, 0, wkc)
		assert.EqualValues(t, 0, in.Statusword())
		wkc, _ = d.Exchange(time.Millisecond)
		assert.Equal(t, 3, wkc)
		assert.EqualValues(t, 0x0008, in.Statusword())
	})
}

func TestLatencyAndStuckBits(t *testing.T) {
	cfg := AKD()
	cfg.Latency = 2
	cfg.StuckBits = 0x0002
	d, storage := newSegment(t, cfg)
	_, _ = d.Discover()
	_, _ = d.ConfigureMapping(storage.IOMap[:], 0)
	_ = d.RequestState(fieldbus.Broadcast, fieldbus.StateOp)
	in, out, _ := pdo.Map(storage.IOMap[:], &storage.Slaves[1], 1)

	out.SetControlword(0x06)
	_, _ = d.Exchange(0)
	_, _ = d.Exchange(0)
	assert.EqualValues(t, 0x0007, in.Statusword())
	_, _ = d.Exchange(0)
	assert.EqualValues(t, 0x0006, in.Statusword())

	out.SetControlword(0x07)
	for i := 0; i < 10; i++ {
		_, _ = d.Exchange(0)
	}
	assert.EqualValues(t, 0x0006, in.Statusword())
}

func TestParameters(t *testing.T) {
	d, _ := newSegment(t, AKD())
	_, _ = d.Discover()
	assert.Nil(t, d.WriteParameter(1, 0x6060, 0, uint8(9), fieldbus.MailboxTimeout))
	assert.NotNil(t, d.WriteParameter(2, 0x6060, 0, uint8(9), fieldbus.MailboxTimeout))
	assert.Equal(t, []Parameter{{Index: 0x6060, Subindex: 0, Value: []byte{9}}}, d.Parameters(1))
}
