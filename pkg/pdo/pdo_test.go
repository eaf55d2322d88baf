package pdo

import (
	"bytes"
	"encoding/binary"
	"testing"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/fieldbus"
	"github.com/stretchr/testify/assert"
)

func TestRecordSizes(t *testing.T) {
	assert.Equal(t, 6, OutputsSize)
	assert.Equal(t, 6, InputsSize)
}

func TestLayoutMismatch(t *testing.T) {
	image := make([]byte, 64)
	t.Run("short outputs", func(t *testing.T) {
		_, err := NewOutputs(image, fieldbus.Range{Offset: 0, Length: 4})
		assert.ErrorIs(t, err, ecat.ErrLayoutMismatch)
	})
	t.Run("long inputs", func(t *testing.T) {
		_, err := NewInputs(image, fieldbus.Range{Offset: 0, Length: 8})
		assert.ErrorIs(t, err, ecat.ErrLayoutMismatch)
	})
	t.Run("outside image", func(t *testing.T) {
		_, err := NewOutputs(image, fieldbus.Range{Offset: 60, Length: OutputsSize})
		assert.ErrorIs(t, err, ecat.ErrConfig)
	})
	t.Run("check reports position", func(t *testing.T) {
		slave := &fieldbus.Slave{
			Outputs: fieldbus.Range{Offset: 0, Length: OutputsSize},
			Inputs:  fieldbus.Range{Offset: 6, Length: 2},
		}
		err := Check(slave, 3)
		var layout *ecat.LayoutError
		assert.ErrorAs(t, err, &layout)
		assert.EqualValues(t, 3, layout.Position)
		assert.Equal(t, "inputs", layout.Region)
	})
}

func TestMapRejectsLayout(t *testing.T) {
	image := make([]byte, 16)
	slave := &fieldbus.Slave{
		Outputs: fieldbus.Range{Offset: 0, Length: 8},
		Inputs:  fieldbus.Range{Offset: 8, Length: InputsSize},
	}
	_, out, err := Map(image, slave, 2)
	assert.ErrorIs(t, err, ecat.ErrLayoutMismatch)
	var layout *ecat.LayoutError
	assert.ErrorAs(t, err, &layout)
	assert.EqualValues(t, 2, layout.Position)
	assert.Equal(t, "outputs", layout.Region)
	assert.False(t, out.Valid())
}

func TestViewsWriteThrough(t *testing.T) {
	image := make([]byte, 12)
	slave := &fieldbus.Slave{
		Outputs: fieldbus.Range{Offset: 0, Length: OutputsSize},
		Inputs:  fieldbus.Range{Offset: 6, Length: InputsSize},
	}
	in, out, err := Map(image, slave, 1)
	assert.Nil(t, err)
	out.SetControlword(0x0F)
	out.SetTargetVelocity(-200)
	assert.Equal(t, OutputsRecord{Controlword: 0x0F, TargetVelocity: -200}, DecodeOutputs(image[0:6]))

	// Matches encoding/binary little-endian encoding of the struct
	var expected bytes.Buffer
	assert.Nil(t, binary.Write(&expected, binary.LittleEndian, OutputsRecord{Controlword: 0x0F, TargetVelocity: -200}))
	assert.Equal(t, expected.Bytes(), image[0:6])

	EncodeInputs(image[6:], InputsRecord{PositionActual: 1234, Statusword: 0x0008})
	assert.EqualValues(t, 0x0008, in.Statusword())
	assert.EqualValues(t, 1234, in.PositionActual())

	var decoded InputsRecord
	assert.Nil(t, binary.Read(bytes.NewReader(image[6:]), binary.LittleEndian, &decoded))
	assert.Equal(t, decoded, in.Record())

	out.Store(OutputsRecord{Controlword: 0x06})
	assert.Equal(t, OutputsRecord{Controlword: 0x06}, out.Record())
	assert.Equal(t, []byte{0x06, 0, 0, 0, 0, 0}, image[0:6])

	// Views cannot grow into the neighbouring region
	assert.True(t, out.Valid())
	assert.True(t, in.Valid())
}
