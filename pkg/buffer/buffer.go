// Package buffer defines the public vocabulary of recorder buffers.
//
// Producers write framed events into buffers of several kinds. Drained bytes
// flow into a Sink, which is the chunk writer in a running recorder.
package buffer

// Kind classifies a buffer by who owns it and how it is sized.
type Kind uint8

const (
	// KindThreadLocalNative buffers hold events emitted from native code paths.
	KindThreadLocalNative Kind = iota
	// KindThreadLocalManaged buffers hold events emitted by managed code and may
	// outlive their thread while an in-flight writer references them.
	KindThreadLocalManaged
	// KindGlobal buffers are the fixed, pre-allocated global pool.
	KindGlobal
	// KindHeapResizable buffers grow by doubling.
	KindHeapResizable
)

// String returns the kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindThreadLocalNative:
		return "thread_local_native"
	case KindThreadLocalManaged:
		return "thread_local_managed"
	case KindGlobal:
		return "global"
	case KindHeapResizable:
		return "heap"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of a buffer's cursors.
type Stats struct {
	Kind      Kind
	Size      int
	Committed int
	Flushed   int
	Retired   bool
}

// Unflushed returns the number of committed bytes not yet drained.
func (s Stats) Unflushed() int {
	return s.Committed - s.Flushed
}

// Sink receives drained buffer contents. Implementations must consume data
// before returning, since the caller reuses the memory.
type Sink interface {
	WriteBuffer(data []byte) error
}
