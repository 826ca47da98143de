// Package event defines the public types shared by producers, the recorder and
// chunk consumers: event type identifiers, descriptors, stack frames, thread
// identities and completed-chunk records.
package event

import (
	"fmt"
	"strings"
	"time"
)

// TypeID identifies an event type or a constant pool inside a chunk.
type TypeID uint64

// Reserved type identifiers. Metadata and checkpoint events frame the chunk,
// the pool identifiers name the constant pools written by checkpoints, and the
// remaining identifiers are the built-in event types.
const (
	TypeMetadata   TypeID = 0
	TypeCheckpoint TypeID = 1

	TypeThread      TypeID = 2
	TypeThreadGroup TypeID = 3
	TypeStackTrace  TypeID = 4
	TypeMethod      TypeID = 5
	TypeClass       TypeID = 6
	TypeSymbol      TypeID = 7

	TypeDataLoss        TypeID = 100
	TypeThreadStart     TypeID = 101
	TypeThreadEnd       TypeID = 102
	TypeExecutionSample TypeID = 103
	TypeFlush           TypeID = 104

	// FirstUserType is the lowest identifier available to host-defined events.
	FirstUserType TypeID = 1000
)

// IsReserved reports whether id belongs to the recorder's own range.
func (id TypeID) IsReserved() bool {
	return id < FirstUserType
}

// IsPool reports whether id names a constant pool.
func (id TypeID) IsPool() bool {
	return id >= TypeThread && id <= TypeSymbol
}

// FieldKind is the wire kind of an event field.
type FieldKind string

const (
	KindLong       FieldKind = "long"
	KindInt        FieldKind = "int"
	KindBoolean    FieldKind = "boolean"
	KindDouble     FieldKind = "double"
	KindString     FieldKind = "string"
	KindThread     FieldKind = "thread"
	KindStackTrace FieldKind = "stacktrace"
	KindClass      FieldKind = "class"
	KindTicks      FieldKind = "ticks"
)

// Field describes one field of an event payload.
type Field struct {
	Name  string    `json:"name"`
	Kind  FieldKind `json:"kind"`
	Label string    `json:"label,omitempty"`
}

// Descriptor describes an event type. Every event starts with the implicit
// fields start time (ticks), duration (ticks) and event thread.
type Descriptor struct {
	ID         TypeID   `json:"id"`
	Name       string   `json:"name"`
	Label      string   `json:"label,omitempty"`
	Category   []string `json:"category,omitempty"`
	Fields     []Field  `json:"fields"`
	StackTrace bool     `json:"stackTrace"`
	Throttled  bool     `json:"throttled,omitempty"`
}

// FrameType classifies a stack frame.
type FrameType uint8

const (
	FrameGo FrameType = iota
	FrameInlined
	FrameNative
)

// Method identifies a function. Type is the package path plus receiver, and
// Descriptor holds the source file.
type Method struct {
	Type       string
	Name       string
	Descriptor string
}

// String returns the qualified method name.
func (m Method) String() string {
	if m.Type == "" {
		return m.Name
	}
	return m.Type + "." + m.Name
}

// SplitFunctionName splits a runtime function name such as
// "github.com/acme/svc.(*Server).Handle" into its type and method parts.
func SplitFunctionName(fn string) Method {
	slash := strings.LastIndex(fn, "/")
	dot := strings.LastIndex(fn, ".")
	if dot <= slash || dot < 0 {
		return Method{Name: fn}
	}
	return Method{Type: fn[:dot], Name: fn[dot+1:]}
}

// Frame is a symbolized stack frame.
type Frame struct {
	Method Method
	Line   int32
	PC     uintptr
	Type   FrameType
}

// String returns a human readable frame.
func (f Frame) String() string {
	return fmt.Sprintf("%s:%d", f.Method, f.Line)
}

// ThreadInfo is the identity of a producer thread. ID is assigned by the
// recorder when the thread attaches and stays stable for the process lifetime.
type ThreadInfo struct {
	ID    uint64
	OSID  int64
	Name  string
	Group string
}

// ChunkInfo describes a completed chunk file. Location is set once the chunk
// has been archived.
type ChunkInfo struct {
	RecordingID string        `json:"recording_id"`
	Sequence    int           `json:"sequence"`
	Path        string        `json:"path"`
	Location    string        `json:"location,omitempty"`
	SizeBytes   int64         `json:"size_bytes"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration_ns"`
	Flushes     int           `json:"flushes"`
	Final       bool          `json:"final"`
}

// EndTime returns the time the chunk was closed.
func (c ChunkInfo) EndTime() time.Time {
	return c.StartTime.Add(c.Duration)
}

// FileStats contains statistics about a file being written: the open chunk,
// which counts flushes, or a catalog file, which counts records.
type FileStats struct {
	RecordCount    int
	Flushes        int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// FileFormat represents the chunk catalog file format.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)
