// Package threadlocal owns the per-producer buffers events are written into
// and the promotion of their contents into the global memory pool.
//
// Each attached Thread lazily allocates one fixed buffer per class on its
// first event. When an event does not fit, the committed bytes move to the
// global pool and the buffer is reused from the start; events larger than a
// fixed buffer move to the thread's heap-resizable buffer. When no capacity is
// left anywhere the event is dropped and counted as lost.
package threadlocal

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/memory"
	"github.com/jittakal/flightrec/internal/observability"
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
)

// Config holds thread-local sizing.
type Config struct {
	BufferSize int
	StackDepth int
}

// Deps are the collaborators a Store writes through.
type Deps struct {
	Pool         *memory.Pool
	Allocator    host.Allocator
	Repositories *repository.Repositories
	Walker       host.StackWalker
	Clock        host.Clock
	Gate         host.Gate
	Logger       *slog.Logger
}

// Store tracks every attached thread and the lists holding their buffers.
type Store struct {
	cfg   Config
	pool  *memory.Pool
	alloc host.Allocator
	repos *repository.Repositories
	walk  host.StackWalker
	clock host.Clock
	gate  host.Gate

	native  *buffer.List
	managed *buffer.List
	heap    *buffer.List

	large  sync.Map
	nextID atomic.Uint64

	mu      sync.Mutex
	threads map[uint64]*Thread
	retired map[string]*buffer.Buffer

	logger  *slog.Logger
	lossLog *observability.RateLimited
}

// NewStore creates an empty store.
func NewStore(cfg Config, deps Deps) *Store {
	logger := deps.Logger.With("component", "thread_local")
	return &Store{
		cfg:     cfg,
		pool:    deps.Pool,
		alloc:   deps.Allocator,
		repos:   deps.Repositories,
		walk:    deps.Walker,
		clock:   deps.Clock,
		gate:    deps.Gate,
		native:  buffer.NewList("thread_local_native", pkgbuffer.KindThreadLocalNative),
		managed: buffer.NewList("thread_local_managed", pkgbuffer.KindThreadLocalManaged),
		heap:    buffer.NewList("heap", pkgbuffer.KindHeapResizable),
		threads: make(map[uint64]*Thread),
		retired: make(map[string]*buffer.Buffer),
		logger:  logger,
		lossLog: observability.NewRateLimited(logger, time.Second),
	}
}

// Attach registers a producer thread. key identifies the producer across
// attach cycles; a managed buffer retired under the same key is reinstated.
// The recorder assigns info.ID.
func (s *Store) Attach(key string, info event.ThreadInfo) *Thread {
	info.ID = s.nextID.Add(1)
	t := &Thread{
		store: s,
		info:  info,
		key:   key,
		pcs:   make([]uintptr, s.cfg.StackDepth),
	}

	s.mu.Lock()
	if b, ok := s.retired[key]; ok {
		if s.reinstate(b, info.ID) {
			delete(s.retired, key)
			t.bufs[classManaged].Store(b)
		} else if b.Node() == buffer.NilHandle {
			delete(s.retired, key)
		}
	}
	s.threads[info.ID] = t
	s.mu.Unlock()

	s.repos.Threads.Attach(info)
	t.Emit(pkgbuffer.KindThreadLocalNative, event.TypeThreadStart, nil)

	s.logger.Debug("Thread attached", "thread_id", info.ID, "name", info.Name, "key", key)
	return t
}

// reinstate hands a retired managed buffer to owner. The checks are repeated
// under the node lock, which ReclaimRetired also holds while it unlinks and
// frees a buffer. It returns false when the buffer is gone, still referenced
// or locked by the drain.
func (s *Store) reinstate(b *buffer.Buffer, owner uint64) bool {
	h := b.Node()
	if h == buffer.NilHandle || b.InUse() {
		return false
	}
	if !s.managed.TryLock(h, owner) {
		return false
	}
	defer s.managed.Unlock(h, owner)
	if s.managed.Buffer(h) != b || !b.Retired() || b.InUse() {
		return false
	}
	b.Reinstate()
	b.SetOwner(owner)
	return true
}

// Threads returns the number of attached threads.
func (s *Store) Threads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Lists returns the thread-local lists in drain order.
func (s *Store) Lists() []*buffer.List {
	return []*buffer.List{s.native, s.managed, s.heap}
}

func (s *Store) listFor(kind pkgbuffer.Kind) *buffer.List {
	switch kind {
	case pkgbuffer.KindThreadLocalNative:
		return s.native
	case pkgbuffer.KindThreadLocalManaged:
		return s.managed
	case pkgbuffer.KindHeapResizable:
		return s.heap
	default:
		errors.Invariant("thread local store", "no list for %s buffers", kind)
		return nil
	}
}

func (s *Store) isLarge(id event.TypeID) bool {
	_, ok := s.large.Load(id)
	return ok
}

// MarkLarge makes every later event of the type use a four byte size field.
func (s *Store) MarkLarge(id event.TypeID) {
	s.large.Store(id, struct{}{})
}

// Name identifies the store as a chunk source.
func (s *Store) Name() string { return "thread_local" }

// Lost returns the total number of dropped bytes.
func (s *Store) Lost() int64 { return s.pool.Lost() }

// Drain writes the unflushed bytes of every thread-local buffer to sink,
// taking each node lock in turn, then reclaims retired buffers that are no
// longer referenced. It is called by the chunk writer with its mutex held.
func (s *Store) Drain(sink pkgbuffer.Sink) error {
	for _, list := range s.Lists() {
		if err := drainList(list, sink); err != nil {
			return err
		}
	}
	s.ReclaimRetired()
	return nil
}

func drainList(list *buffer.List, sink pkgbuffer.Sink) error {
	var err error
	list.Range(func(h, _ buffer.Handle, _ *buffer.Buffer) bool {
		list.Lock(h, buffer.OwnerWriter)
		defer list.Unlock(h, buffer.OwnerWriter)
		b := list.Buffer(h)
		if b == nil {
			return true
		}
		_, err = b.Drain(sink.WriteBuffer)
		return err == nil
	})
	return err
}

// ReclaimRetired frees retired buffers that are empty and unreferenced.
func (s *Store) ReclaimRetired() int {
	reclaimed := 0
	for _, list := range s.Lists() {
		list.Range(func(h, prev buffer.Handle, b *buffer.Buffer) bool {
			if !b.Retired() || b.InUse() || !b.IsEmpty() {
				return true
			}
			if !list.TryLock(h, buffer.OwnerWriter) {
				return true
			}
			if cur := list.Buffer(h); cur == b && b.Retired() && !b.InUse() {
				list.Remove(h, prev, buffer.OwnerWriter)
				s.free(b)
				reclaimed++
			}
			list.Unlock(h, buffer.OwnerWriter)
			return true
		})
	}
	if reclaimed > 0 {
		s.mu.Lock()
		for key, b := range s.retired {
			if b.Node() == buffer.NilHandle {
				delete(s.retired, key)
			}
		}
		s.mu.Unlock()
		s.logger.Debug("Reclaimed retired buffers", "count", reclaimed)
	}
	return reclaimed
}

func (s *Store) free(b *buffer.Buffer) {
	if b.Kind() != pkgbuffer.KindHeapResizable {
		s.alloc.Free(b.Memory())
	}
}

// Close detaches every thread and frees all buffers. Threads still writing
// keep their buffers retired until their writer finishes. Unflushed data that
// cannot be promoted is counted as lost.
func (s *Store) Close() {
	s.mu.Lock()
	threads := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.Unlock()

	for _, t := range threads {
		t.detach()
	}
	s.ReclaimRetired()
}

// writeDataLoss records a drop straight into global memory. Failure is
// ignored: the bytes lost counter already accounts for the drop.
func (s *Store) writeDataLoss(thread uint64, amount int) {
	var buf [64]byte
	p := buf[:1]
	p = wire.AppendVarint(p, uint64(event.TypeDataLoss))
	p = wire.AppendVarint(p, uint64(s.clock.Ticks()))
	p = wire.AppendVarint(p, 0)
	p = wire.AppendVarint(p, thread)
	p = wire.AppendVarint(p, uint64(amount))
	p = wire.AppendVarint(p, uint64(s.pool.Lost()))
	wire.FinishEvent(p, 0, len(p), false)
	_ = s.pool.WriteBytes(p, thread, false)
}
