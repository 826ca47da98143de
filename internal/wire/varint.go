// Package wire implements the primitive encodings of the chunk format:
// compressed integers, padded size fields, strings and event framing.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// MaxVarintLen is the longest compressed integer: eight 7-bit groups and
	// one raw byte.
	MaxVarintLen = 9

	// PaddedLen is the width of a padded size field.
	PaddedLen = 4

	// MaxPadded is the largest value a padded field can hold.
	MaxPadded = 1<<28 - 1

	// MaxSmallEventSize is the largest event whose size fits the one byte
	// small header.
	MaxSmallEventSize = 127
)

var (
	ErrTruncated = errors.New("wire: truncated input")
	ErrMalformed = errors.New("wire: malformed input")
)

// VarintLen returns the number of bytes PutVarint uses for v.
func VarintLen(v uint64) int {
	for i := 0; i < 8; i++ {
		if v < 0x80 {
			return i + 1
		}
		v >>= 7
	}
	return MaxVarintLen
}

// PutVarint encodes v into dst and returns the number of bytes written.
// Seven bits are stored per byte, least significant group first, with the top
// bit set on every byte except the last. After 56 bits the ninth byte carries
// the remaining eight bits unmodified. dst must have room for VarintLen(v)
// bytes.
func PutVarint(dst []byte, v uint64) int {
	for i := 0; i < 8; i++ {
		if v < 0x80 {
			dst[i] = byte(v)
			return i + 1
		}
		dst[i] = byte(v&0x7f | 0x80)
		v >>= 7
	}
	dst[8] = byte(v)
	return MaxVarintLen
}

// AppendVarint appends the compressed encoding of v to dst.
func AppendVarint(dst []byte, v uint64) []byte {
	var tmp [MaxVarintLen]byte
	n := PutVarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// Varint decodes a compressed integer from src. It returns the value and the
// number of bytes read, or n == 0 if src is too short.
func Varint(src []byte) (v uint64, n int) {
	for i := 0; i < 8; i++ {
		if i >= len(src) {
			return 0, 0
		}
		b := src[i]
		v |= uint64(b&0x7f) << (7 * i)
		if b < 0x80 {
			return v, i + 1
		}
	}
	if len(src) < MaxVarintLen {
		return 0, 0
	}
	v |= uint64(src[8]) << 56
	return v, MaxVarintLen
}

// PutPadded writes v as a fixed four byte compressed integer: three 7-bit
// groups with the continuation bit forced on, then a final group with it
// clear. The result decodes with Varint.
func PutPadded(dst []byte, v uint32) {
	dst[0] = byte(v&0x7f | 0x80)
	dst[1] = byte(v>>7&0x7f | 0x80)
	dst[2] = byte(v>>14&0x7f | 0x80)
	dst[3] = byte(v >> 21 & 0x7f)
}

// PutDouble writes f as eight big-endian bytes.
func PutDouble(dst []byte, f float64) {
	binary.BigEndian.PutUint64(dst, math.Float64bits(f))
}

// AppendDouble appends f as eight big-endian bytes.
func AppendDouble(dst []byte, f float64) []byte {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(f))
}
