// Package buffer provides the byte buffers events are recorded into and the
// lists that track them.
//
// # Buffers
//
// A Buffer is a fixed region of memory with two cursors:
//
//	0 <= flushed <= committed <= size
//
// The owning thread appends event bytes past committed and publishes them with
// Commit. The persister copies [flushed, committed) into the chunk and then
// advances flushed with MarkFlushed. Heap-resizable buffers grow on demand for
// events too large for any thread-local buffer.
//
// # Lists
//
// List is a singly linked list of buffers stored in an arena of nodes:
//
//	list := buffer.NewList("global", pkgbuffer.KindGlobal)
//	h, err := list.Add(buffer.New(pkgbuffer.KindGlobal, 512*1024))
//
// Every node carries a SpinLock. Producers and the persister take node locks
// with TryLock and skip contended nodes; flush takes them with Lock. Splicing a
// node in or out takes the list lock for the pointer updates only.
//
//	list.Range(func(h, prev buffer.Handle, b *buffer.Buffer) bool {
//	    if !list.TryLock(h, buffer.OwnerPersister) {
//	        return true // busy, try the next one
//	    }
//	    defer list.Unlock(h, buffer.OwnerPersister)
//	    drain(b)
//	    return true
//	})
//
// Nodes are only ever inserted at the head and a removed node keeps its
// forward pointer, so a reader walking the list without the list lock never
// sees a cycle.
package buffer
