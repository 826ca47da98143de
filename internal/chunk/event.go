package chunk

import (
	"sync"

	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
)

// Event is an event under construction by BeginEvent. Fields are appended to
// its encoder after the implicit start, duration and thread fields.
type Event struct {
	*wire.Encoder
	typeID event.TypeID
	start  int
	large  bool
}

// TypeID returns the event type.
func (e *Event) TypeID() event.TypeID { return e.typeID }

// Large reports whether the event reserved a four byte size field.
func (e *Event) Large() bool { return e.large }

// largeTypes remembers event types that outgrew a one byte size field.
type largeTypes struct {
	mu    sync.RWMutex
	types map[event.TypeID]struct{}
}

func (l *largeTypes) has(id event.TypeID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.types[id]
	return ok
}

func (l *largeTypes) mark(id event.TypeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.types == nil {
		l.types = make(map[event.TypeID]struct{})
	}
	l.types[id] = struct{}{}
}

// staging collects events built outside the thread-local path. They are
// written ahead of every other source on the next drain.
type staging struct {
	mu  sync.Mutex
	buf []byte
}

func (s *staging) append(p []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	s.mu.Unlock()
}

func (s *staging) Name() string { return "writer" }

func (s *staging) Drain(sink pkgbuffer.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	if err := sink.WriteBuffer(s.buf); err != nil {
		return err
	}
	s.buf = s.buf[:0]
	return nil
}

// BeginEvent starts an event of typeID with the implicit fields filled in. The
// size field is one byte unless the type is known to be large.
func (w *Writer) BeginEvent(typeID event.TypeID, start, duration int64, thread uint64) *Event {
	e := &Event{Encoder: wire.NewEncoder(64), typeID: typeID, large: w.large.has(typeID)}
	e.start = e.BeginEvent(uint64(typeID), e.large)
	e.Long(start)
	e.Long(duration)
	e.Ulong(thread)
	return e
}

// EndEvent finishes e and stages it for the next flush. A small event of 128
// bytes or more is rejected: its type is marked large and EndEvent returns
// false, so the caller begins it again with a four byte size field.
func (w *Writer) EndEvent(e *Event) bool {
	if !wire.FinishEvent(e.Bytes(), e.start, e.Len(), e.large) {
		if !e.large {
			w.large.mark(e.typeID)
		}
		return false
	}
	w.staged.append(e.Bytes()[e.start:])
	return true
}

// WriteEvent builds an event with fn and stages it, retrying once with a four
// byte size field when needed.
func (w *Writer) WriteEvent(typeID event.TypeID, start, duration int64, thread uint64, fn func(e *Event)) bool {
	for attempt := 0; attempt < 2; attempt++ {
		e := w.BeginEvent(typeID, start, duration, thread)
		if fn != nil {
			fn(e)
		}
		if w.EndEvent(e) {
			return true
		}
		if e.large {
			return false
		}
	}
	return false
}
