package threadlocal

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/epoch"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/memory"
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
)

const testType event.TypeID = event.FirstUserType

type mockAllocator struct {
	mu   sync.Mutex
	live int
}

func (a *mockAllocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live += size
	return make([]byte, size), nil
}

func (a *mockAllocator) Free(mem []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live -= len(mem)
}

type mockClock struct{}

func (mockClock) Now() time.Time   { return time.Unix(0, 0) }
func (mockClock) Ticks() int64     { return 1 }
func (mockClock) Frequency() int64 { return 1_000_000_000 }

type mockSymbolizer struct{}

func (mockSymbolizer) Frame(pc uintptr) event.Frame {
	return event.Frame{Method: event.Method{Name: "fn"}, PC: pc}
}

type mockWalker struct{ pcs []uintptr }

func (m mockWalker) Walk(_ int, pcs []uintptr) (int, bool) {
	n := copy(pcs, m.pcs)
	return n, n < len(m.pcs)
}

type mockGate struct{ depth, enters atomic.Int32 }

func (g *mockGate) Enter() {
	g.depth.Add(1)
	g.enters.Add(1)
}

func (g *mockGate) Exit() { g.depth.Add(-1) }

type mockSink struct{ data []byte }

func (m *mockSink) WriteBuffer(p []byte) error {
	m.data = append(m.data, p...)
	return nil
}

type fixture struct {
	store *Store
	pool  *memory.Pool
	alloc *mockAllocator
	repos *repository.Repositories
	gate  *mockGate
}

func newFixture(t *testing.T, globalSize, globalCount, threadSize int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc := &mockAllocator{}
	pool, err := memory.NewPool(memory.Config{BufferSize: globalSize, Count: globalCount}, alloc, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	repos := repository.New(epoch.New(), mockSymbolizer{}, nil)
	gate := &mockGate{}
	store := NewStore(Config{BufferSize: threadSize, StackDepth: 8}, Deps{
		Pool:         pool,
		Allocator:    alloc,
		Repositories: repos,
		Walker:       mockWalker{pcs: []uintptr{1, 2, 3}},
		Clock:        mockClock{},
		Gate:         gate,
		Logger:       logger,
	})
	return &fixture{store: store, pool: pool, alloc: alloc, repos: repos, gate: gate}
}

// eventOverhead is the framing of a large testType event from thread 1:
// size(4) + type(2) + start(1) + duration(1) + thread(1).
const eventOverhead = 9

func emitSized(th *Thread, kind pkgbuffer.Kind, size int) bool {
	payload := make([]byte, size-eventOverhead)
	return th.Emit(kind, testType, func(w *EventWriter) { w.Raw(payload) })
}

func globalCommitted(p *memory.Pool) []int {
	var out []int
	p.List().Range(func(_, _ buffer.Handle, b *buffer.Buffer) bool {
		out = append(out, b.Committed())
		return true
	})
	return out
}

// Two global buffers of 1024 bytes absorb two 600 byte promotions. The third
// promotion finds no room, so the 600 byte event in progress is lost while
// the committed bytes stay in the thread buffer.
func TestThread_PromotionFailureCountsLostBytes(t *testing.T) {
	f := newFixture(t, 1024, 2, 1024)
	th := f.store.Attach("worker", event.ThreadInfo{Name: "worker"})
	if th.ID() != 1 {
		t.Fatalf("ID() = %d, want 1", th.ID())
	}
	kind := pkgbuffer.KindThreadLocalManaged

	for i := 1; i <= 3; i++ {
		if !emitSized(th, kind, 600) {
			t.Fatalf("event %d dropped", i)
		}
	}
	if f.store.Lost() != 0 {
		t.Fatalf("Lost() = %d after fitting promotions, want 0", f.store.Lost())
	}
	if got := globalCommitted(f.pool); len(got) != 2 || got[0] != 600 || got[1] != 600 {
		t.Fatalf("global buffers = %v, want [600 600]", got)
	}

	if emitSized(th, kind, 600) {
		t.Fatal("event written without capacity")
	}
	if f.store.Lost() != 600 {
		t.Errorf("Lost() = %d, want 600", f.store.Lost())
	}

	b := th.bufs[classManaged].Load()
	if b.Unflushed() != 600 {
		t.Errorf("thread buffer holds %d unflushed bytes, want 600", b.Unflushed())
	}
	if b.InUse() {
		t.Error("buffer still referenced after the dropped event")
	}
	if f.gate.depth.Load() != 0 {
		t.Errorf("gate depth = %d, want 0", f.gate.depth.Load())
	}
}

func TestThread_SmallEventUpgrade(t *testing.T) {
	f := newFixture(t, 4096, 2, 1024)
	th := f.store.Attach("w", event.ThreadInfo{})
	kind := pkgbuffer.KindThreadLocalManaged

	if !th.Emit(kind, testType, func(w *EventWriter) { w.String("short") }) {
		t.Fatal("small event dropped")
	}
	if f.store.isLarge(testType) {
		t.Fatal("small event marked the type large")
	}

	payload := make([]byte, 200)
	if !th.Emit(kind, testType, func(w *EventWriter) { w.Raw(payload) }) {
		t.Fatal("large event dropped")
	}
	if !f.store.isLarge(testType) {
		t.Error("oversized small event did not mark the type large")
	}

	b := th.bufs[classManaged].Load()
	dec := wire.NewDecoder(b.UnflushedBytes())
	first := dec.Ulong()
	dec.Seek(int(first))
	if dec.Pos() != int(first) {
		t.Fatal("cannot seek to second event")
	}
	second := dec.Ulong()
	if dec.Pos()-int(first) != wire.PaddedLen {
		t.Errorf("second event header = %d bytes, want %d", dec.Pos()-int(first), wire.PaddedLen)
	}
	if int(first+second) != b.Committed() {
		t.Errorf("event sizes %d + %d != committed %d", first, second, b.Committed())
	}
}

func TestThread_LargeEventUsesHeapBuffer(t *testing.T) {
	f := newFixture(t, 1024, 2, 256)
	th := f.store.Attach("w", event.ThreadInfo{})

	if !emitSized(th, pkgbuffer.KindThreadLocalManaged, 3000) {
		t.Fatal("large event dropped")
	}

	heap := th.heap.Load()
	if heap == nil {
		t.Fatal("no heap buffer allocated")
	}
	if heap.Committed() != 3000 {
		t.Errorf("heap committed = %d, want 3000", heap.Committed())
	}
	if heap.InUse() {
		t.Error("heap buffer still referenced")
	}
	if f.store.Lost() != 0 {
		t.Errorf("Lost() = %d, want 0", f.store.Lost())
	}
}

func TestStore_Drain(t *testing.T) {
	f := newFixture(t, 4096, 2, 512)
	a := f.store.Attach("a", event.ThreadInfo{Name: "a"})
	b := f.store.Attach("b", event.ThreadInfo{Name: "b"})

	for i := 0; i < 10; i++ {
		a.Emit(pkgbuffer.KindThreadLocalNative, testType, func(w *EventWriter) {
			w.Long(int64(i))
			w.StackTrace(0)
		})
		b.Emit(pkgbuffer.KindThreadLocalManaged, testType, func(w *EventWriter) {
			w.Symbol("tag")
			w.Bool(true)
			w.Double(1.5)
		})
	}

	sink := &mockSink{}
	if err := f.store.Drain(sink); err != nil {
		t.Fatal(err)
	}

	// Walk the drained stream by size fields.
	events := 0
	dec := wire.NewDecoder(sink.data)
	for dec.Remaining() > 0 {
		start := dec.Pos()
		size := dec.Ulong()
		if size == 0 || dec.Err() != nil {
			t.Fatalf("bad event at %d: size %d err %v", start, size, dec.Err())
		}
		dec.Seek(start + int(size))
		events++
	}
	// Ten events per thread plus two thread start events.
	if events != 22 {
		t.Errorf("drained %d events, want 22", events)
	}
	if f.repos.StackTraces.Len() != 1 || f.repos.Symbols.Unflushed() == 0 {
		t.Errorf("stack traces = %d, symbols = %d", f.repos.StackTraces.Len(), f.repos.Symbols.Unflushed())
	}

	sink = &mockSink{}
	if err := f.store.Drain(sink); err != nil || len(sink.data) != 0 {
		t.Errorf("second drain = %d bytes, err %v", len(sink.data), err)
	}
}

func TestThread_DetachPromotesAndFrees(t *testing.T) {
	f := newFixture(t, 4096, 2, 512)
	th := f.store.Attach("w", event.ThreadInfo{})
	th.Emit(pkgbuffer.KindThreadLocalManaged, testType, nil)

	th.Detach()

	if !th.Detached() || f.store.Threads() != 0 {
		t.Fatalf("Detached() = %v, Threads() = %d", th.Detached(), f.store.Threads())
	}
	for _, l := range f.store.Lists() {
		if l.Len() != 0 {
			t.Errorf("list %s still holds %d buffers", l.Name(), l.Len())
		}
	}
	if f.alloc.live != 2*4096 {
		t.Errorf("allocator live = %d, want only the global pool", f.alloc.live)
	}
	total := 0
	for _, n := range globalCommitted(f.pool) {
		total += n
	}
	if total == 0 {
		t.Error("detached thread data was not promoted")
	}

	if _, err := th.Begin(pkgbuffer.KindThreadLocalNative, testType, 0, 0); err != errors.ErrThreadDetached {
		t.Errorf("Begin() after detach error = %v", err)
	}
}

func TestStore_RetireAndReinstate(t *testing.T) {
	f := newFixture(t, 4096, 2, 512)
	th := f.store.Attach("producer", event.ThreadInfo{})

	w, err := th.Begin(pkgbuffer.KindThreadLocalManaged, testType, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	managed := th.bufs[classManaged].Load()

	// Closing the store while the event is in flight retires the buffer.
	f.store.Close()
	if !managed.Retired() {
		t.Fatal("in-use buffer was not retired")
	}
	if !w.End() {
		t.Fatal("in-flight event lost")
	}

	again := f.store.Attach("producer", event.ThreadInfo{})
	if got := again.bufs[classManaged].Load(); got != managed {
		t.Fatal("retired buffer not reinstated for the same key")
	}
	if managed.Retired() || managed.Owner() != again.ID() {
		t.Errorf("Retired() = %v, Owner() = %d", managed.Retired(), managed.Owner())
	}
}

func TestStore_ReclaimRetired(t *testing.T) {
	f := newFixture(t, 4096, 2, 512)
	th := f.store.Attach("producer", event.ThreadInfo{})

	w, err := th.Begin(pkgbuffer.KindThreadLocalManaged, testType, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.store.Close()
	w.End()

	if f.store.managed.Len() != 1 {
		t.Fatalf("managed list = %d, want the retired buffer", f.store.managed.Len())
	}
	if err := f.store.Drain(&mockSink{}); err != nil {
		t.Fatal(err)
	}
	if f.store.managed.Len() != 0 {
		t.Errorf("retired buffer not reclaimed after drain")
	}
	if _, ok := f.store.retired["producer"]; ok {
		t.Error("reclaimed buffer still registered for reinstatement")
	}
}

func TestThread_ConcurrentProducers(t *testing.T) {
	f := newFixture(t, 64*1024, 8, 1024)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			th := f.store.Attach("p", event.ThreadInfo{})
			for i := 0; i < 200; i++ {
				th.Emit(pkgbuffer.KindThreadLocalNative, testType, func(w *EventWriter) {
					w.Long(int64(i))
					w.String("payload")
				})
			}
			th.Detach()
		}(g)
	}

	// Drain concurrently with the producers.
	sink := &mockSink{}
	for i := 0; i < 20; i++ {
		if err := f.store.Drain(sink); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if f.gate.depth.Load() != 0 {
		t.Errorf("gate depth = %d", f.gate.depth.Load())
	}
	if f.store.Threads() != 0 {
		t.Errorf("Threads() = %d, want 0", f.store.Threads())
	}
}

// A producer that reattaches under the same key races the drain reclaiming
// its retired buffer. Whichever wins, the new thread must end up with a
// linked buffer it can promote from.
func TestStore_ReattachDuringReclaim(t *testing.T) {
	f := newFixture(t, 64*1024, 8, 512)
	kind := pkgbuffer.KindThreadLocalManaged

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := f.store.Drain(&mockSink{}); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		th := f.store.Attach("worker", event.ThreadInfo{})
		if b := th.bufs[classManaged].Load(); b != nil && b.Node() == buffer.NilHandle {
			t.Fatalf("iteration %d: reinstated a reclaimed buffer", i)
		}
		emitSized(th, kind, 400)
		emitSized(th, kind, 400)

		w, err := th.Begin(kind, testType, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		th.detach()
		w.End()
	}
	close(stop)
	<-drained

	if err := f.store.Drain(&mockSink{}); err != nil {
		t.Fatal(err)
	}
	if n := f.store.managed.Len(); n != 0 {
		t.Errorf("managed list = %d after the final drain, want 0", n)
	}
	if f.store.Threads() != 0 {
		t.Errorf("Threads() = %d, want 0", f.store.Threads())
	}
}
