// Package stackwalk captures and symbolizes goroutine stacks for the
// recorder.
package stackwalk

import (
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
)

// DefaultCacheSize is the number of symbolized program counters kept.
const DefaultCacheSize = 16384

// Walker captures the current goroutine's stack with runtime.Callers.
type Walker struct{}

var _ host.StackWalker = Walker{}

// Walk fills pcs with return addresses starting skip frames above the caller
// of Walk.
func (Walker) Walk(skip int, pcs []uintptr) (int, bool) {
	// Skip runtime.Callers and Walk itself.
	n := runtime.Callers(skip+2, pcs)
	if n < len(pcs) {
		return n, false
	}
	var more [1]uintptr
	return n, runtime.Callers(skip+2+n, more[:]) > 0
}

// Symbolizer resolves program counters through the runtime symbol table and
// caches the results.
type Symbolizer struct {
	cache *lru.Cache[uintptr, event.Frame]
}

var _ host.Symbolizer = (*Symbolizer)(nil)

// NewSymbolizer creates a symbolizer caching up to size frames.
func NewSymbolizer(size int) (*Symbolizer, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uintptr, event.Frame](size)
	if err != nil {
		return nil, err
	}
	return &Symbolizer{cache: cache}, nil
}

// Frame returns the innermost frame at pc.
func (s *Symbolizer) Frame(pc uintptr) event.Frame {
	if f, ok := s.cache.Get(pc); ok {
		return f
	}
	f := Resolve(pc)
	s.cache.Add(pc, f)
	return f
}

// Len returns the number of cached frames.
func (s *Symbolizer) Len() int { return s.cache.Len() }

// Resolve symbolizes pc without caching.
func Resolve(pc uintptr) event.Frame {
	frames := runtime.CallersFrames([]uintptr{pc})
	fr, _ := frames.Next()
	if fr.Function == "" {
		return event.Frame{Method: event.Method{Name: "unknown"}, PC: pc, Type: event.FrameNative}
	}
	m := event.SplitFunctionName(fr.Function)
	m.Descriptor = fr.File
	typ := event.FrameGo
	if fr.Func == nil {
		typ = event.FrameInlined
	}
	return event.Frame{Method: m, Line: int32(fr.Line), PC: pc, Type: typ}
}
