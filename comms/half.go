package comms

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// Half-precision wire format: tile payloads may optionally travel as IEEE
// 754 binary16 to halve broadcast volume. Precision loss is the caller's
// trade-off; the authoritative owner copy always stays in full precision.

// EncodeHalf packs values into little-endian float16 bytes, 2 bytes per
// element.
func EncodeHalf(values []float64) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		bits := float16.Fromfloat32(float32(v)).Bits()
		binary.LittleEndian.PutUint16(out[2*i:], bits)
	}
	return out
}

// DecodeHalf unpacks little-endian float16 bytes into out. len(data) must be
// exactly 2*len(out).
func DecodeHalf(data []byte, out []float64) {
	if len(data) != 2*len(out) {
		exceptions.Panicf("comms: DecodeHalf got %d bytes for %d elements", len(data), len(out))
	}
	for i := range out {
		bits := binary.LittleEndian.Uint16(data[2*i:])
		out[i] = float64(float16.Frombits(bits).Float32())
	}
}

// HalfBytes returns the wire size of n elements in half precision.
func HalfBytes(n int) int { return 2 * n }
