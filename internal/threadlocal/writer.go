package threadlocal

import (
	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
)

// EventWriter serializes one event directly into a thread-local buffer. It is
// obtained from Thread.Begin and is valid until End. Field writes after a
// failed promotion are ignored and End reports the event as lost.
//
// None of its methods block or allocate, except for the first event of a
// thread and for stack traces seen for the first time in an epoch.
type EventWriter struct {
	t      *Thread
	b      *buffer.Buffer
	typeID event.TypeID
	start  int
	pos    int
	large  bool
	lost   bool
	active bool
}

// Begin starts an event of typeID in the thread's buffer of the given kind
// and writes the implicit fields: start ticks, duration ticks and thread id.
// Every Begin must be paired with End.
func (t *Thread) Begin(kind pkgbuffer.Kind, typeID event.TypeID, start, duration int64) (*EventWriter, error) {
	w := &t.writer
	if w.active {
		errors.Invariant("event writer", "thread %d began an event inside another", t.info.ID)
	}
	if t.detached.Load() {
		return nil, errors.ErrThreadDetached
	}

	s := t.store
	if s.gate != nil {
		s.gate.Enter()
	}
	b, err := t.buffer(kind)
	if err != nil {
		if s.gate != nil {
			s.gate.Exit()
		}
		return nil, err
	}
	b.Acquire()
	if t.detached.Load() {
		b.Release()
		if s.gate != nil {
			s.gate.Exit()
		}
		return nil, errors.ErrThreadDetached
	}
	t.reuse(b)

	*w = EventWriter{
		t:      t,
		b:      b,
		typeID: typeID,
		start:  b.Committed(),
		large:  s.isLarge(typeID),
		active: true,
	}
	w.pos = w.start
	if hdr := wire.HeaderLen(w.large); w.ensure(hdr) {
		w.pos += hdr
	}
	w.Ulong(uint64(typeID))
	w.Long(start)
	w.Long(duration)
	w.Ulong(t.info.ID)
	return w, nil
}

// reuse rewinds a fixed buffer whose contents have all been drained.
func (t *Thread) reuse(b *buffer.Buffer) {
	if b.Committed() == 0 || !b.IsEmpty() {
		return
	}
	list := t.store.listFor(b.Kind())
	h := b.Node()
	if h == buffer.NilHandle || !list.TryLock(h, t.info.ID) {
		return
	}
	if b.IsEmpty() {
		b.Reinit()
	}
	list.Unlock(h, t.info.ID)
}

// ensure makes room for n more bytes, promoting when the buffer is full.
func (w *EventWriter) ensure(n int) bool {
	if w.lost {
		return false
	}
	if w.pos+n <= w.b.Size() {
		return true
	}
	return w.promote(n)
}

// promote moves committed bytes out of the current buffer so the event in
// progress, plus n more bytes, fits. The event moves along with it.
func (w *EventWriter) promote(n int) bool {
	t := w.t
	s := t.store
	owner := t.info.ID
	inProgress := w.pos - w.start
	requested := inProgress + n
	if requested > wire.MaxPadded {
		return w.drop(requested)
	}

	b := w.b
	if b.Kind() != pkgbuffer.KindHeapResizable {
		list := s.listFor(b.Kind())
		h := b.Node()
		list.Lock(h, owner)
		err := s.pool.Write(b, owner, false)
		if err == nil && requested <= b.Size() {
			mem := b.Memory()
			copy(mem, mem[w.start:w.pos])
			b.Reinit()
			list.Unlock(h, owner)
			w.start, w.pos = 0, inProgress
			return true
		}
		list.Unlock(h, owner)
		if requested <= b.Size() {
			return w.drop(requested)
		}
	}

	// Larger than any fixed buffer: continue in the heap buffer.
	hb, err := t.heapBuffer()
	if err != nil {
		return w.drop(requested)
	}
	hl := s.heap
	hh := hb.Node()
	hl.Lock(hh, owner)
	if hb == b {
		hb.Grow(w.pos + n)
		hl.Unlock(hh, owner)
		return true
	}
	if hb.IsEmpty() {
		hb.Reinit()
	}
	hstart := hb.Committed()
	hb.Grow(hstart + requested)
	copy(hb.Memory()[hstart:], b.Memory()[w.start:w.pos])
	hl.Unlock(hh, owner)

	b.Release()
	hb.Acquire()
	w.b = hb
	w.start, w.pos = hstart, hstart+inProgress
	return true
}

// drop rolls the event back and accounts for it as lost.
func (w *EventWriter) drop(requested int) bool {
	s := w.t.store
	w.lost = true
	w.pos = w.start
	s.pool.AddLost(requested)
	s.lossLog.Warn("Event dropped, no buffer capacity",
		"thread_id", w.t.info.ID,
		"event_type", uint64(w.typeID),
		"bytes", requested,
		"total_lost", s.pool.Lost())
	s.writeDataLoss(w.t.info.ID, requested)
	return false
}

// Lost reports whether the event was dropped.
func (w *EventWriter) Lost() bool { return w.lost }

// Len returns the number of bytes written so far, including the header.
func (w *EventWriter) Len() int { return w.pos - w.start }

// End finishes the event and commits it. It returns false when the event was
// dropped, or when a one byte size field cannot hold the event; in the latter
// case the event is rolled back, its type is switched to four byte size
// fields and the caller should write it again.
func (w *EventWriter) End() bool {
	if !w.active {
		errors.Invariant("event writer", "End without Begin")
	}
	s := w.t.store
	defer func() {
		w.b.Release()
		w.active = false
		if s.gate != nil {
			s.gate.Exit()
		}
	}()

	if w.lost {
		return false
	}
	if !wire.FinishEvent(w.b.Memory(), w.start, w.pos, w.large) {
		if w.large {
			return w.drop(w.pos - w.start)
		}
		s.MarkLarge(w.typeID)
		w.pos = w.start
		return false
	}
	w.b.Commit(w.pos)
	return true
}

// Ulong writes a compressed unsigned integer.
func (w *EventWriter) Ulong(v uint64) {
	n := wire.VarintLen(v)
	if !w.ensure(n) {
		return
	}
	wire.PutVarint(w.b.Memory()[w.pos:], v)
	w.pos += n
}

// Long writes a compressed signed integer.
func (w *EventWriter) Long(v int64) { w.Ulong(uint64(v)) }

// Int writes a 32-bit integer.
func (w *EventWriter) Int(v int32) { w.Ulong(uint64(int64(v))) }

// Bool writes a one byte boolean.
func (w *EventWriter) Bool(v bool) {
	if !w.ensure(1) {
		return
	}
	var b byte
	if v {
		b = 1
	}
	w.b.Memory()[w.pos] = b
	w.pos++
}

// Double writes an eight byte float.
func (w *EventWriter) Double(v float64) {
	if !w.ensure(8) {
		return
	}
	wire.PutDouble(w.b.Memory()[w.pos:], v)
	w.pos += 8
}

// String writes an inline string.
func (w *EventWriter) String(v string) {
	if v == "" {
		if !w.ensure(1) {
			return
		}
		w.b.Memory()[w.pos] = wire.StringEmpty
		w.pos++
		return
	}
	n := 1 + wire.VarintLen(uint64(len(v))) + len(v)
	if !w.ensure(n) {
		return
	}
	mem := w.b.Memory()
	mem[w.pos] = wire.StringUTF8
	p := w.pos + 1
	p += wire.PutVarint(mem[p:], uint64(len(v)))
	copy(mem[p:], v)
	w.pos += n
}

// Symbol writes v as a reference into the symbol pool.
func (w *EventWriter) Symbol(v string) {
	id := w.t.store.repos.Symbols.Intern(v)
	n := 1 + wire.VarintLen(id)
	if !w.ensure(n) {
		return
	}
	mem := w.b.Memory()
	mem[w.pos] = wire.StringPoolRef
	wire.PutVarint(mem[w.pos+1:], id)
	w.pos += n
}

// Class writes the pool id of a type name.
func (w *EventWriter) Class(name string) {
	w.Ulong(w.t.store.repos.Types.Intern(name))
}

// StackTrace captures the caller's stack, skipping skip frames above the
// caller, and writes its pool id. Without a stack walker the id is 0.
func (w *EventWriter) StackTrace(skip int) {
	s := w.t.store
	if s.walk == nil || len(w.t.pcs) == 0 {
		w.Ulong(0)
		return
	}
	n, truncated := s.walk.Walk(skip+1, w.t.pcs)
	w.Ulong(s.repos.StackTraces.Intern(w.t.pcs[:n], truncated))
}

// Frames writes the pool id of an already captured stack.
func (w *EventWriter) Frames(pcs []uintptr, truncated bool) {
	w.Ulong(w.t.store.repos.StackTraces.Intern(pcs, truncated))
}

// Raw writes pre-encoded bytes.
func (w *EventWriter) Raw(p []byte) {
	if !w.ensure(len(p)) {
		return
	}
	copy(w.b.Memory()[w.pos:], p)
	w.pos += len(p)
}
