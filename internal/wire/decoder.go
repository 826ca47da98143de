package wire

import (
	"encoding/binary"
	"math"
)

// StringValue is a decoded string field. Exactly one of Null, Ref or Value
// applies.
type StringValue struct {
	Null  bool
	IsRef bool
	Ref   uint64
	Value string
}

// Decoder reads primitives from a byte slice. The first failure is sticky:
// later reads return zero values and Err reports the failure.
type Decoder struct {
	buf []byte
	pos int
	err error
}

// NewDecoder returns a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decoding failure.
func (d *Decoder) Err() error { return d.err }

// Pos returns the read offset.
func (d *Decoder) Pos() int { return d.pos }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Seek moves the read offset.
func (d *Decoder) Seek(pos int) {
	if pos < 0 || pos > len(d.buf) {
		d.fail(ErrTruncated)
		return
	}
	d.pos = pos
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Ulong reads a compressed unsigned integer.
func (d *Decoder) Ulong() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := Varint(d.buf[d.pos:])
	if n == 0 {
		d.fail(ErrTruncated)
		return 0
	}
	d.pos += n
	return v
}

// Long reads a compressed signed integer.
func (d *Decoder) Long() int64 { return int64(d.Ulong()) }

// Byte reads one raw byte.
func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.buf) {
		d.fail(ErrTruncated)
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

// Bool reads a one byte boolean.
func (d *Decoder) Bool() bool { return d.Byte() != 0 }

// Double reads an eight byte big-endian float.
func (d *Decoder) Double() float64 {
	p := d.Bytes(8)
	if p == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p))
}

// Bytes returns the next n bytes without copying.
func (d *Decoder) Bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.fail(ErrTruncated)
		return nil
	}
	p := d.buf[d.pos : d.pos+n]
	d.pos += n
	return p
}

// String reads a string field in any of its encodings.
func (d *Decoder) String() StringValue {
	switch enc := d.Byte(); enc {
	case StringNull:
		return StringValue{Null: true}
	case StringEmpty:
		return StringValue{}
	case StringPoolRef:
		return StringValue{IsRef: true, Ref: d.Ulong()}
	case StringUTF8:
		n := d.Ulong()
		if n > uint64(d.Remaining()) {
			d.fail(ErrTruncated)
			return StringValue{}
		}
		return StringValue{Value: string(d.Bytes(int(n)))}
	default:
		d.fail(ErrMalformed)
		return StringValue{}
	}
}
