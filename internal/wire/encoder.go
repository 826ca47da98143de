package wire

// String encodings.
const (
	StringNull    byte = 0
	StringEmpty   byte = 1
	StringPoolRef byte = 2
	StringUTF8    byte = 3
)

// HeaderLen returns the size field width for small or large events.
func HeaderLen(large bool) int {
	if large {
		return PaddedLen
	}
	return 1
}

// FinishEvent stores the size of the event occupying buf[start:end] into the
// size field reserved at start. The size covers the size field itself. It
// returns false when a small header cannot represent the size; the caller then
// rewrites the event with a large header.
func FinishEvent(buf []byte, start, end int, large bool) bool {
	size := end - start
	if large {
		if size > MaxPadded {
			return false
		}
		PutPadded(buf[start:], uint32(size))
		return true
	}
	if size > MaxSmallEventSize {
		return false
	}
	buf[start] = byte(size)
	return true
}

// AppendString appends s with the UTF-8 or empty string encoding.
func AppendString(dst []byte, s string) []byte {
	if s == "" {
		return append(dst, StringEmpty)
	}
	dst = append(dst, StringUTF8)
	dst = AppendVarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// AppendStringRef appends a reference into the symbol pool.
func AppendStringRef(dst []byte, id uint64) []byte {
	dst = append(dst, StringPoolRef)
	return AppendVarint(dst, id)
}

// Encoder builds event payloads in memory. The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Reset empties the encoder, keeping its memory.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the encoded bytes. The slice is valid until the next write.
func (e *Encoder) Bytes() []byte { return e.buf }

// Ulong appends a compressed unsigned integer.
func (e *Encoder) Ulong(v uint64) { e.buf = AppendVarint(e.buf, v) }

// Long appends a compressed signed integer in two's complement form.
func (e *Encoder) Long(v int64) { e.buf = AppendVarint(e.buf, uint64(v)) }

// Byte appends a single raw byte.
func (e *Encoder) Byte(b byte) { e.buf = append(e.buf, b) }

// Bool appends a boolean as one byte.
func (e *Encoder) Bool(b bool) {
	if b {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

// Double appends an eight byte big-endian float.
func (e *Encoder) Double(f float64) { e.buf = AppendDouble(e.buf, f) }

// String appends an inline string.
func (e *Encoder) String(s string) { e.buf = AppendString(e.buf, s) }

// StringRef appends a symbol pool reference.
func (e *Encoder) StringRef(id uint64) { e.buf = AppendStringRef(e.buf, id) }

// Raw appends bytes verbatim.
func (e *Encoder) Raw(p []byte) { e.buf = append(e.buf, p...) }

// BeginEvent reserves the size field of a new event and writes its type.
// It returns the offset EndEvent needs.
func (e *Encoder) BeginEvent(typeID uint64, large bool) int {
	start := len(e.buf)
	for i := 0; i < HeaderLen(large); i++ {
		e.buf = append(e.buf, 0)
	}
	e.Ulong(typeID)
	return start
}

// EndEvent patches the size of the event begun at start. A small event that
// outgrew its header is rewritten in place with a padded header.
func (e *Encoder) EndEvent(start int, large bool) {
	if FinishEvent(e.buf, start, len(e.buf), large) {
		return
	}
	if large {
		panic("wire: event exceeds maximum size")
	}
	// Grow the one byte header to four bytes and shift the payload.
	e.buf = append(e.buf, 0, 0, 0)
	copy(e.buf[start+PaddedLen:], e.buf[start+1:len(e.buf)-3])
	FinishEvent(e.buf, start, len(e.buf), true)
}
