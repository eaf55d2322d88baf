package fieldbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeValue encodes a parameter value into its little-endian wire form.
// Untyped ints are rejected as their width is unknown.
func EncodeValue(value any) ([]byte, error) {
	var data []byte
	switch v := value.(type) {
	case bool:
		if v {
			data = []byte{1}
		} else {
			data = []byte{0}
		}
	case uint8:
		data = []byte{v}
	case int8:
		data = []byte{byte(v)}
	case uint16:
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, v)
	case int16:
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(v))
	case uint32:
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, v)
	case int32:
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(v))
	case float32:
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(v))
	case uint64:
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, v)
	case int64:
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(v))
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", value)
	}
	return data, nil
}
