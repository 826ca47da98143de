package chunk

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Header layout. All fields are big-endian.
const (
	HeaderSize = 68

	MajorVersion = 2
	MinorVersion = 1

	offMagic          = 0
	offMajor          = 4
	offMinor          = 6
	offChunkSize      = 8
	offLastCheckpoint = 16
	offMetadata       = 24
	offStartTime      = 32
	offDuration       = 40
	offStartTicks     = 48
	offFrequency      = 56
	offGeneration     = 64
	offFlags          = 66
)

// Generation values with a special meaning. A reader that sees GenerationGuard
// is racing a header patch and must retry; GenerationComplete marks a chunk
// that will not be written again.
const (
	GenerationComplete uint8 = 0
	GenerationFirst    uint8 = 1
	GenerationMax      uint8 = 254
	GenerationGuard    uint8 = 0xFF
)

// Header flag bits.
const (
	FlagCompressedInts uint16 = 1 << 0
	FlagFinal          uint16 = 1 << 1
)

// Magic opens every chunk.
var Magic = [4]byte{'F', 'L', 'R', 0}

// Header is the fixed preamble of a chunk.
type Header struct {
	Major            uint16
	Minor            uint16
	ChunkSize        int64
	LastCheckpoint   int64
	MetadataPosition int64
	StartTimeNanos   int64
	DurationNanos    int64
	StartTicks       int64
	TicksFrequency   int64
	Generation       uint8
	Flags            uint16
}

// Put encodes h into dst, which must hold HeaderSize bytes.
func (h *Header) Put(dst []byte) {
	copy(dst[offMagic:], Magic[:])
	binary.BigEndian.PutUint16(dst[offMajor:], h.Major)
	binary.BigEndian.PutUint16(dst[offMinor:], h.Minor)
	binary.BigEndian.PutUint64(dst[offChunkSize:], uint64(h.ChunkSize))
	binary.BigEndian.PutUint64(dst[offLastCheckpoint:], uint64(h.LastCheckpoint))
	binary.BigEndian.PutUint64(dst[offMetadata:], uint64(h.MetadataPosition))
	binary.BigEndian.PutUint64(dst[offStartTime:], uint64(h.StartTimeNanos))
	binary.BigEndian.PutUint64(dst[offDuration:], uint64(h.DurationNanos))
	binary.BigEndian.PutUint64(dst[offStartTicks:], uint64(h.StartTicks))
	binary.BigEndian.PutUint64(dst[offFrequency:], uint64(h.TicksFrequency))
	dst[offGeneration] = h.Generation
	dst[offGeneration+1] = 0
	binary.BigEndian.PutUint16(dst[offFlags:], h.Flags)
}

// ParseHeader decodes a chunk header.
func ParseHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("chunk header: need %d bytes, have %d", HeaderSize, len(src))
	}
	if [4]byte(src[offMagic:offMagic+4]) != Magic {
		return Header{}, fmt.Errorf("chunk header: bad magic %q", src[offMagic:offMagic+4])
	}
	h := Header{
		Major:            binary.BigEndian.Uint16(src[offMajor:]),
		Minor:            binary.BigEndian.Uint16(src[offMinor:]),
		ChunkSize:        int64(binary.BigEndian.Uint64(src[offChunkSize:])),
		LastCheckpoint:   int64(binary.BigEndian.Uint64(src[offLastCheckpoint:])),
		MetadataPosition: int64(binary.BigEndian.Uint64(src[offMetadata:])),
		StartTimeNanos:   int64(binary.BigEndian.Uint64(src[offStartTime:])),
		DurationNanos:    int64(binary.BigEndian.Uint64(src[offDuration:])),
		StartTicks:       int64(binary.BigEndian.Uint64(src[offStartTicks:])),
		TicksFrequency:   int64(binary.BigEndian.Uint64(src[offFrequency:])),
		Generation:       src[offGeneration],
		Flags:            binary.BigEndian.Uint16(src[offFlags:]),
	}
	if h.Major != MajorVersion {
		return h, fmt.Errorf("chunk header: unsupported version %d.%d", h.Major, h.Minor)
	}
	return h, nil
}

// Complete reports whether the chunk was closed.
func (h Header) Complete() bool { return h.Generation == GenerationComplete }

// Final reports whether the chunk is the last one of a recording.
func (h Header) Final() bool { return h.Flags&FlagFinal != 0 }

// StartTime returns the wall clock time the chunk was opened.
func (h Header) StartTime() time.Time { return time.Unix(0, h.StartTimeNanos) }

// Duration returns the time covered by the chunk.
func (h Header) Duration() time.Duration { return time.Duration(h.DurationNanos) }

// nextGeneration advances a flush generation, skipping the reserved values.
func nextGeneration(g uint8) uint8 {
	if g >= GenerationMax {
		return GenerationFirst
	}
	return g + 1
}
