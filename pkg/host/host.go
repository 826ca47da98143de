// Package host defines the collaborators the recorder needs from the runtime
// that embeds it.
//
// The recorder never suspends threads, allocates raw memory, walks stacks or
// touches the file system on its own. It reaches those services through the
// interfaces below, so an embedding runtime can supply its own primitives and
// tests can supply fakes.
package host

import (
	"io"
	"time"

	"github.com/jittakal/flightrec/pkg/event"
)

// Quiescer runs a callback while every producer is paused at a point where it
// holds no partially written event.
type Quiescer interface {
	// Run blocks until all producers are paused, invokes fn, then resumes them.
	Run(fn func())
}

// Gate is implemented by quiescers that need producers to announce the
// critical section around each event write. Producers call Enter before
// reserving buffer space and Exit after committing or rolling back.
type Gate interface {
	Enter()
	Exit()
}

// Allocator provides the memory backing thread-local buffers.
type Allocator interface {
	// Allocate returns a zeroed slice of exactly size bytes, or an error when
	// the request cannot be satisfied.
	Allocate(size int) ([]byte, error)

	// Free returns memory obtained from Allocate.
	Free(mem []byte)
}

// File is the raw file API the chunk writer needs.
type File interface {
	io.Writer
	io.Seeker
	io.Closer

	// Sync commits the file contents to stable storage.
	Sync() error
}

// FileSystem creates chunk files.
type FileSystem interface {
	// Create creates or truncates the named file.
	Create(path string) (File, error)
}

// StackWalker captures the program counters of the calling thread.
type StackWalker interface {
	// Walk fills pcs with return addresses, skipping skip frames above the
	// caller. It returns the number of entries written and whether the stack
	// was deeper than len(pcs).
	Walk(skip int, pcs []uintptr) (n int, truncated bool)
}

// Symbolizer resolves program counters to frames.
type Symbolizer interface {
	Frame(pc uintptr) event.Frame
}

// MetadataProvider supplies the serialized event type metadata.
type MetadataProvider interface {
	// Metadata returns the current metadata blob and a version that changes
	// whenever the blob changes.
	Metadata() (blob []byte, version uint64)
}

// Clock supplies wall time and the tick counter used for event timestamps.
type Clock interface {
	Now() time.Time
	Ticks() int64
	Frequency() int64
}
