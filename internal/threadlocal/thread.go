package threadlocal

import (
	"sync/atomic"

	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/errors"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
)

const (
	classNative = iota
	classManaged
	numClasses
)

func classOf(kind pkgbuffer.Kind) int {
	switch kind {
	case pkgbuffer.KindThreadLocalNative:
		return classNative
	case pkgbuffer.KindThreadLocalManaged:
		return classManaged
	default:
		errors.Invariant("thread local store", "%s is not a thread-local kind", kind)
		return -1
	}
}

// Thread is one producer. Its methods must be called by a single goroutine at
// a time. Store.Close may release a thread's buffers from another goroutine
// while an event is in flight; those buffers are retired, not freed.
type Thread struct {
	store *Store
	info  event.ThreadInfo
	key   string

	bufs     [numClasses]atomic.Pointer[buffer.Buffer]
	heap     atomic.Pointer[buffer.Buffer]
	detached atomic.Bool

	pcs    []uintptr
	writer EventWriter
}

// ID returns the stable thread id.
func (t *Thread) ID() uint64 { return t.info.ID }

// Info returns the thread identity.
func (t *Thread) Info() event.ThreadInfo { return t.info }

// Detached reports whether Detach has been called.
func (t *Thread) Detached() bool { return t.detached.Load() }

// buffer returns the thread's buffer of the given class, allocating it on
// first use.
func (t *Thread) buffer(kind pkgbuffer.Kind) (*buffer.Buffer, error) {
	c := classOf(kind)
	if b := t.bufs[c].Load(); b != nil {
		return b, nil
	}

	s := t.store
	mem, err := s.alloc.Allocate(s.cfg.BufferSize)
	if err != nil {
		return nil, errors.ErrOutOfMemory
	}
	b := buffer.FromMemory(kind, mem)
	b.SetOwner(t.info.ID)
	if _, err := s.listFor(kind).Add(b); err != nil {
		s.alloc.Free(mem)
		return nil, err
	}
	t.bufs[c].Store(b)
	if t.detached.Load() {
		b.Retire()
	}
	return b, nil
}

func (t *Thread) heapBuffer() (*buffer.Buffer, error) {
	if b := t.heap.Load(); b != nil {
		return b, nil
	}
	b := buffer.New(pkgbuffer.KindHeapResizable, t.store.cfg.BufferSize)
	b.SetOwner(t.info.ID)
	if _, err := t.store.heap.Add(b); err != nil {
		return nil, err
	}
	t.heap.Store(b)
	if t.detached.Load() {
		b.Retire()
	}
	return b, nil
}

// Emit writes one event with the current tick count and no duration. fn
// writes the payload fields; it may be nil. An event that outgrows the one
// byte size field is written again with a four byte one. Emit returns false
// when the event was dropped.
func (t *Thread) Emit(kind pkgbuffer.Kind, typeID event.TypeID, fn func(w *EventWriter)) bool {
	return t.EmitAt(kind, typeID, t.store.clock.Ticks(), 0, fn)
}

// EmitAt is Emit with an explicit start and duration in ticks.
func (t *Thread) EmitAt(kind pkgbuffer.Kind, typeID event.TypeID, start, duration int64, fn func(w *EventWriter)) bool {
	for attempt := 0; attempt < 2; attempt++ {
		w, err := t.Begin(kind, typeID, start, duration)
		if err != nil {
			return false
		}
		if fn != nil {
			fn(w)
		}
		if w.End() {
			return true
		}
		if w.Lost() {
			return false
		}
	}
	return false
}

// Detach emits the thread end event and releases the thread's buffers. It is
// called by the producer itself.
func (t *Thread) Detach() {
	if t.detached.Load() {
		return
	}
	t.Emit(pkgbuffer.KindThreadLocalNative, event.TypeThreadEnd, nil)
	t.detach()
}

// detach releases the buffers without emitting. It may run on any goroutine.
// Unflushed bytes move to the global pool; buffers an in-flight writer still
// references are retired and reclaimed after a later drain. A retired managed
// buffer is reinstated if a thread with the same key attaches before it is
// reclaimed.
func (t *Thread) detach() {
	s := t.store
	if !t.detached.CompareAndSwap(false, true) {
		return
	}

	s.repos.Threads.Detach(t.info.ID)
	for c := range t.bufs {
		if b := t.bufs[c].Load(); b != nil {
			t.release(b, c == classManaged)
		}
	}
	if b := t.heap.Load(); b != nil {
		t.release(b, false)
	}

	s.mu.Lock()
	delete(s.threads, t.info.ID)
	s.mu.Unlock()

	s.logger.Debug("Thread detached", "thread_id", t.info.ID, "name", t.info.Name)
}

func (t *Thread) release(b *buffer.Buffer, managed bool) {
	s := t.store
	list := s.listFor(b.Kind())
	owner := t.info.ID
	h := b.Node()

	list.Lock(h, owner)
	if b.InUse() {
		b.Retire()
		list.Unlock(h, owner)
		if managed {
			s.mu.Lock()
			s.retired[t.key] = b
			s.mu.Unlock()
		}
		return
	}

	if b.Kind() == pkgbuffer.KindHeapResizable && !b.IsEmpty() {
		// Large events go straight to the drain; nothing to promote into.
		b.Retire()
		list.Unlock(h, owner)
		return
	}

	if !b.IsEmpty() {
		n := b.Unflushed()
		if err := s.pool.Write(b, owner, false); err != nil {
			s.pool.AddLost(n)
			s.lossLog.Warn("Dropped unflushed bytes of detached thread",
				"thread_id", owner,
				"bytes", n,
				"total_lost", s.pool.Lost())
		}
	}
	list.Remove(h, buffer.NilHandle, owner)
	list.Unlock(h, owner)
	s.free(b)
}
