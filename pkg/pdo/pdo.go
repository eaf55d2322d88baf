package pdo

import (
	"encoding/binary"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/fieldbus"
)

// Outputs is a writable view over a slave's output region
type Outputs struct {
	buf []byte
}

// Inputs is a read-only view over a slave's input region
type Inputs struct {
	buf []byte
}

func view(image []byte, r fieldbus.Range, want int, region string, position uint16) ([]byte, error) {
	if r.Length != want {
		return nil, &ecat.LayoutError{Position: position, Region: region, Want: want, Got: r.Length}
	}
	buf, err := r.Slice(image)
	if err != nil {
		return nil, &ecat.ConfigError{Op: "map " + region, Err: err}
	}
	return buf, nil
}

// NewOutputs creates an outputs view. The range length must be exactly
// [OutputsSize].
func NewOutputs(image []byte, r fieldbus.Range) (Outputs, error) {
	buf, err := view(image, r, OutputsSize, "outputs", 0)
	return Outputs{buf: buf}, err
}

// NewInputs creates an inputs view. The range length must be exactly
// [InputsSize].
func NewInputs(image []byte, r fieldbus.Range) (Inputs, error) {
	buf, err := view(image, r, InputsSize, "inputs", 0)
	return Inputs{buf: buf}, err
}

// Map creates both views for the slave at position
func Map(image []byte, slave *fieldbus.Slave, position uint16) (Inputs, Outputs, error) {
	if err := Check(slave, position); err != nil {
		return Inputs{}, Outputs{}, err
	}
	in, err := view(image, slave.Inputs, InputsSize, "inputs", position)
	if err != nil {
		return Inputs{}, Outputs{}, err
	}
	out, err := view(image, slave.Outputs, OutputsSize, "outputs", position)
	if err != nil {
		return Inputs{}, Outputs{}, err
	}
	return Inputs{buf: in}, Outputs{buf: out}, nil
}

// Check validates the slave's mapped regions against the records
func Check(slave *fieldbus.Slave, position uint16) error {
	if slave.Inputs.Length != InputsSize {
		return &ecat.LayoutError{Position: position, Region: "inputs", Want: InputsSize, Got: slave.Inputs.Length}
	}
	if slave.Outputs.Length != OutputsSize {
		return &ecat.LayoutError{Position: position, Region: "outputs", Want: OutputsSize, Got: slave.Outputs.Length}
	}
	return nil
}

func (o Outputs) Controlword() uint16 {
	return binary.LittleEndian.Uint16(o.buf[offControlword:])
}

func (o Outputs) SetControlword(cw uint16) {
	binary.LittleEndian.PutUint16(o.buf[offControlword:], cw)
}

func (o Outputs) TargetVelocity() int32 {
	return int32(binary.LittleEndian.Uint32(o.buf[offTargetVelocity:]))
}

func (o Outputs) SetTargetVelocity(v int32) {
	binary.LittleEndian.PutUint32(o.buf[offTargetVelocity:], uint32(v))
}

// Record decodes the current outputs
func (o Outputs) Record() OutputsRecord {
	return OutputsRecord{Controlword: o.Controlword(), TargetVelocity: o.TargetVelocity()}
}

// Store writes a whole record
func (o Outputs) Store(r OutputsRecord) {
	o.SetControlword(r.Controlword)
	o.SetTargetVelocity(r.TargetVelocity)
}

// Valid reports whether the view is mapped
func (o Outputs) Valid() bool {
	return len(o.buf) == OutputsSize
}

func (i Inputs) Statusword() uint16 {
	return binary.LittleEndian.Uint16(i.buf[offStatusword:])
}

func (i Inputs) PositionActual() int32 {
	return int32(binary.LittleEndian.Uint32(i.buf[offPositionActual:]))
}

// Record decodes the current inputs
func (i Inputs) Record() InputsRecord {
	return InputsRecord{PositionActual: i.PositionActual(), Statusword: i.Statusword()}
}

// Valid reports whether the view is mapped
func (i Inputs) Valid() bool {
	return len(i.buf) == InputsSize
}

// EncodeInputs writes an inputs record in wire layout, used by simulated
// devices producing inputs.
func EncodeInputs(buf []byte, r InputsRecord) {
	binary.LittleEndian.PutUint32(buf[offPositionActual:], uint32(r.PositionActual))
	binary.LittleEndian.PutUint16(buf[offStatusword:], r.Statusword)
}

// DecodeOutputs reads an outputs record from its wire layout
func DecodeOutputs(buf []byte) OutputsRecord {
	return OutputsRecord{
		Controlword:    binary.LittleEndian.Uint16(buf[offControlword:]),
		TargetVelocity: int32(binary.LittleEndian.Uint32(buf[offTargetVelocity:])),
	}
}
