// Package buffer implements the byte buffers events are written into and the
// lock-light lists that track them.
package buffer

import (
	"sync/atomic"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/buffer"
)

// Buffer is a contiguous byte region with two cursors. Bytes in
// [0, flushed) have been persisted, [flushed, committed) hold complete events
// waiting to be drained, and [committed, size) is free. 0 <= flushed <=
// committed <= size holds at every observable point.
//
// The owning thread writes past committed without locking and publishes
// finished events with Commit. Everything else that reads or resets the cursors
// holds the buffer's node lock.
type Buffer struct {
	data      []byte
	kind      buffer.Kind
	committed atomic.Int64
	flushed   atomic.Int64
	retired   atomic.Bool
	refs      atomic.Int32
	node      atomic.Int32
	owner     uint64
}

// New allocates a buffer of the given kind and size.
func New(kind buffer.Kind, size int) *Buffer {
	return FromMemory(kind, make([]byte, size))
}

// FromMemory wraps memory obtained from an allocator.
func FromMemory(kind buffer.Kind, mem []byte) *Buffer {
	b := &Buffer{data: mem, kind: kind}
	b.node.Store(int32(NilHandle))
	return b
}

// Kind returns the buffer kind.
func (b *Buffer) Kind() buffer.Kind { return b.kind }

// Size returns the capacity in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Committed returns the end of the last complete event.
func (b *Buffer) Committed() int { return int(b.committed.Load()) }

// Flushed returns the end of the persisted prefix.
func (b *Buffer) Flushed() int { return int(b.flushed.Load()) }

// Unflushed returns the number of committed bytes not yet persisted.
func (b *Buffer) Unflushed() int { return b.Committed() - b.Flushed() }

// Available returns the free space after committed.
func (b *Buffer) Available() int { return len(b.data) - b.Committed() }

// IsEmpty reports whether every committed byte has been persisted.
func (b *Buffer) IsEmpty() bool { return b.Unflushed() == 0 }

// Memory returns the backing slice. Only the owner may write to it, and only
// past Committed.
func (b *Buffer) Memory() []byte { return b.data }

// UnflushedBytes returns the committed but not persisted region. Caller holds
// the node lock.
func (b *Buffer) UnflushedBytes() []byte {
	return b.data[b.Flushed():b.Committed()]
}

// Commit publishes every byte up to pos.
func (b *Buffer) Commit(pos int) {
	if pos < b.Flushed() || pos > len(b.data) {
		errors.Invariant("buffer", "commit %d outside [%d, %d]", pos, b.Flushed(), len(b.data))
	}
	b.committed.Store(int64(pos))
}

// MarkFlushed records that every byte up to pos has been persisted.
func (b *Buffer) MarkFlushed(pos int) {
	if pos < b.Flushed() || pos > b.Committed() {
		errors.Invariant("buffer", "flush mark %d outside [%d, %d]", pos, b.Flushed(), b.Committed())
	}
	b.flushed.Store(int64(pos))
}

// Drain hands the unflushed region to fn and marks it flushed when fn
// succeeds. The region end is read once, so bytes the owner commits while fn
// runs stay unflushed. Caller holds the node lock.
func (b *Buffer) Drain(fn func(p []byte) error) (int, error) {
	start, end := b.Flushed(), b.Committed()
	if start == end {
		return 0, nil
	}
	if err := fn(b.data[start:end]); err != nil {
		return 0, err
	}
	b.MarkFlushed(end)
	return end - start, nil
}

// Reinit resets both cursors to the start, reusing the same memory.
func (b *Buffer) Reinit() {
	b.flushed.Store(0)
	b.committed.Store(0)
}

// Append copies p after committed and commits it. It returns false if the
// buffer cannot hold p; heap-resizable buffers grow instead. Caller holds the
// node lock.
func (b *Buffer) Append(p []byte) bool {
	pos := b.Committed()
	if pos+len(p) > len(b.data) {
		if b.kind != buffer.KindHeapResizable {
			return false
		}
		b.Grow(pos + len(p))
	}
	copy(b.data[pos:], p)
	b.committed.Store(int64(pos + len(p)))
	return true
}

// Grow doubles the capacity of a heap-resizable buffer until it holds at
// least min bytes, preserving its contents. Caller holds the node lock.
func (b *Buffer) Grow(min int) {
	if b.kind != buffer.KindHeapResizable {
		errors.Invariant("buffer", "grow on fixed %s buffer", b.kind)
	}
	size := len(b.data)
	if size == 0 {
		size = 64
	}
	for size < min {
		size *= 2
	}
	if size == len(b.data) {
		return
	}
	grown := make([]byte, size)
	copy(grown, b.data)
	b.data = grown
}

// Retire marks a thread-local buffer whose thread has gone away while an
// in-flight writer may still reference it.
func (b *Buffer) Retire() { b.retired.Store(true) }

// Reinstate clears the retired mark so the buffer can be reused.
func (b *Buffer) Reinstate() { b.retired.Store(false) }

// Retired reports whether the buffer is retired.
func (b *Buffer) Retired() bool { return b.retired.Load() }

// Acquire registers an in-flight writer.
func (b *Buffer) Acquire() { b.refs.Add(1) }

// Release drops an in-flight writer.
func (b *Buffer) Release() {
	if b.refs.Add(-1) < 0 {
		errors.Invariant("buffer", "release without acquire")
	}
}

// InUse reports whether any writer still references the buffer.
func (b *Buffer) InUse() bool { return b.refs.Load() > 0 }

// Node returns the handle of the list node holding the buffer.
func (b *Buffer) Node() Handle { return Handle(b.node.Load()) }

func (b *Buffer) setNode(h Handle) { b.node.Store(int32(h)) }

// Owner returns the identity of the owning thread, or 0 for shared buffers.
func (b *Buffer) Owner() uint64 { return b.owner }

// SetOwner records the owning thread.
func (b *Buffer) SetOwner(id uint64) { b.owner = id }

// Stats returns a snapshot of the cursors.
func (b *Buffer) Stats() buffer.Stats {
	return buffer.Stats{
		Kind:      b.kind,
		Size:      len(b.data),
		Committed: b.Committed(),
		Flushed:   b.Flushed(),
		Retired:   b.Retired(),
	}
}
