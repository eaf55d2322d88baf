// Package pdo maps the process data of a drive, as laid out in the
// shared process image, to typed records.
//
// Views never copy: reads and writes go straight to the image bytes, so
// an [Outputs] write is sent on the next exchange and an [Inputs] read
// always sees the last received data. The layout is the on-wire one,
// little-endian and without padding.
package pdo

import "encoding/binary"

// OutputsRecord is the RxPDO 0x1702 (synchronous velocity) layout
type OutputsRecord struct {
	Controlword    uint16 // 0x6040
	TargetVelocity int32  // 0x60FF
}

// InputsRecord is the TxPDO 0x1B01 layout
type InputsRecord struct {
	PositionActual int32  // 0x6064
	Statusword     uint16 // 0x6041
}

// Wire sizes of the records. binary.Size ignores Go struct padding.
var (
	OutputsSize = binary.Size(OutputsRecord{})
	InputsSize  = binary.Size(InputsRecord{})
)

// Field offsets inside the records
const (
	offControlword    = 0
	offTargetVelocity = 2
	offPositionActual = 0
	offStatusword     = 4
)
