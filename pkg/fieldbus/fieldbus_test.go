package fieldbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateReached(t *testing.T) {
	assert.True(t, StateOp.Reached(StateSafeOp))
	assert.True(t, StateSafeOp.Reached(StateSafeOp))
	assert.False(t, StatePreOp.Reached(StateSafeOp))
	assert.False(t, (StateOp | StateError).Reached(StateOp))
	assert.False(t, StateBoot.Reached(StatePreOp))
	assert.False(t, StateOp.Reached(StateInit))
	assert.True(t, StateInit.Reached(StateInit))
	assert.Equal(t, "SAFE-OP+ERROR", (StateSafeOp | StateError).String())
	assert.Equal(t, "OP", StateOp.String())
}

func TestRangeSlice(t *testing.T) {
	image := make([]byte, 16)
	b, err := Range{Offset: 4, Length: 6}.Slice(image)
	assert.Nil(t, err)
	assert.Len(t, b, 6)
	assert.Equal(t, 6, cap(b))
	_, err = Range{Offset: 12, Length: 6}.Slice(image)
	assert.NotNil(t, err)
	_, err = Range{Offset: -1, Length: 2}.Slice(image)
	assert.NotNil(t, err)
}

type recordingWriter struct {
	writes int
}

func (w *recordingWriter) WriteParameter(uint16, uint16, uint8, any, time.Duration) error {
	w.writes++
	return nil
}

func TestSetupHookRunsOnce(t *testing.T) {
	storage := NewStorage(2)
	storage.SlaveCount = 1
	slave := storage.Slave(1)
	assert.NotNil(t, slave)
	assert.Nil(t, storage.Slave(0))
	assert.Nil(t, storage.Slave(2))

	calls := 0
	slave.RegisterSetupHook(func(w ParameterWriter, position uint16) error {
		calls++
		return w.WriteParameter(position, 0x6060, 0, uint8(9), MailboxTimeout)
	})
	w := &recordingWriter{}
	assert.Nil(t, slave.RunSetup(w, 1))
	assert.Nil(t, slave.RunSetup(w, 1))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, w.writes)
	assert.True(t, slave.SetupDone())
}

func TestEncodeValue(t *testing.T) {
	data, err := EncodeValue(uint16(0x1702))
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x02, 0x17}, data)
	data, err = EncodeValue(int32(-1))
	assert.Nil(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, data)
	_, err = EncodeValue(3)
	assert.NotNil(t, err)
}

func TestRegistry(t *testing.T) {
	RegisterDriver("test-null", func() (Driver, error) { return nil, nil })
	assert.Contains(t, Drivers(), "test-null")
	_, err := New("does-not-exist")
	assert.NotNil(t, err)
}
