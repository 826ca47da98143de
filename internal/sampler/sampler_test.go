package sampler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jittakal/flightrec/internal/epoch"
	"github.com/jittakal/flightrec/internal/quiesce"
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/wire"
	"github.com/jittakal/flightrec/pkg/event"
)

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
func (mockClock) Frequency() int64 { return 1e9 }

type mockSymbolizer struct{}

func (mockSymbolizer) Frame(pc uintptr) event.Frame {
	return event.Frame{Method: event.Method{Type: "main", Name: "fn"}, PC: pc}
}

// hookSymbolizer runs hook on the first symbolized frame.
type hookSymbolizer struct {
	once sync.Once
	hook func()
}

func (h *hookSymbolizer) Frame(pc uintptr) event.Frame {
	h.once.Do(h.hook)
	return event.Frame{Method: event.Method{Type: "main", Name: "fn"}, PC: pc}
}

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

type lossCounter struct{ bytes int }

func (l *lossCounter) AddLost(n int) { l.bytes += n }

type denyAll struct{ asked int }

func (d *denyAll) Sample(event.TypeID) bool {
	d.asked++
	return false
}

type collectSink struct{ data []byte }

func (s *collectSink) WriteBuffer(p []byte) error {
	s.data = append(s.data, p...)
	return nil
}

func newSampler(t *testing.T, cfg Config, throttler Throttler, loss LossRecorder) (*Sampler, *mockAllocator, *repository.Repositories) {
	t.Helper()
	alloc := &mockAllocator{}
	repos := repository.New(epoch.New(), mockSymbolizer{}, nil)
	s, err := New(cfg, Deps{
		Allocator:    alloc,
		Repositories: repos,
		Clock:        mockClock{},
		Throttler:    throttler,
		Loss:         loss,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, alloc, repos
}

// sampleEventSize is a one byte size, type 103, ticks 1, duration 0,
// thread 0, goroutines and stack trace id below 128.
const sampleEventSize = 7

func TestSampler_OverflowAndDrain(t *testing.T) {
	loss := &lossCounter{}
	s, alloc, _ := newSampler(t, Config{BufferSize: 64, Buffers: 2}, nil, loss)
	waker := &countingWaker{}
	s.SetWaker(waker)

	for i := 0; i < 9; i++ {
		if !s.write(1, 1, 1) {
			t.Fatalf("write %d failed", i+1)
		}
	}
	if s.HasOverflow() || waker.n.Load() != 0 {
		t.Fatal("overflow before the first buffer filled")
	}

	// Tenth sample switches buffers and wakes the persister.
	if !s.write(1, 1, 1) {
		t.Fatal("write after first overflow failed")
	}
	if !s.HasOverflow() || waker.n.Load() != 1 {
		t.Fatalf("HasOverflow() = %v, wakes = %d", s.HasOverflow(), waker.n.Load())
	}

	for i := 0; i < 8; i++ {
		s.write(1, 1, 1)
	}
	if s.write(1, 1, 1) {
		t.Fatal("write succeeded with every buffer overflowed")
	}
	if s.Lost() != 1 || loss.bytes != sampleEventSize {
		t.Errorf("Lost() = %d, lost bytes = %d", s.Lost(), loss.bytes)
	}

	sink := &collectSink{}
	if err := s.DrainOverflowed(sink); err != nil {
		t.Fatal(err)
	}
	if len(sink.data) != 18*sampleEventSize {
		t.Errorf("drained %d bytes, want %d", len(sink.data), 18*sampleEventSize)
	}
	if s.HasOverflow() {
		t.Error("overflow flag survived the drain")
	}
	if !s.write(1, 1, 1) {
		t.Error("write failed after drain")
	}

	s.Close()
	if alloc.live != 0 {
		t.Errorf("Close() leaked %d bytes", alloc.live)
	}
}

func TestSampler_SampleOnce(t *testing.T) {
	s, _, repos := newSampler(t, Config{BufferSize: 64 * 1024, Buffers: 1}, nil, nil)

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-block
	}()
	defer func() {
		close(block)
		wg.Wait()
	}()

	n := s.SampleOnce()
	if n < 2 {
		t.Fatalf("SampleOnce() = %d, want at least the test and the blocked goroutine", n)
	}
	if s.Samples() != int64(n) {
		t.Errorf("Samples() = %d, want %d", s.Samples(), n)
	}
	if repos.StackTraces.Len() == 0 {
		t.Error("no stack traces interned")
	}

	sink := &collectSink{}
	if err := s.Drain(sink); err != nil {
		t.Fatal(err)
	}
	events := 0
	for pos := 0; pos < len(sink.data); events++ {
		size, _ := wire.Varint(sink.data[pos:])
		typeID, _ := wire.Varint(sink.data[pos+1:])
		if event.TypeID(typeID) != event.TypeExecutionSample {
			t.Fatalf("event %d has type %d", events, typeID)
		}
		pos += int(size)
	}
	if events != n {
		t.Errorf("drained %d events, want %d", events, n)
	}
}

func TestSampler_Throttled(t *testing.T) {
	deny := &denyAll{}
	s, _, _ := newSampler(t, Config{}, deny, nil)

	if n := s.SampleOnce(); n != 0 {
		t.Errorf("SampleOnce() = %d with every sample refused", n)
	}
	if deny.asked == 0 {
		t.Error("throttler never consulted")
	}
}

func TestSampler_MaxGoroutines(t *testing.T) {
	s, _, _ := newSampler(t, Config{MaxGoroutines: 1}, nil, nil)
	if n := s.SampleOnce(); n != 1 {
		t.Errorf("SampleOnce() = %d, want 1", n)
	}
}

func TestSampler_StartStop(t *testing.T) {
	s, _, _ := newSampler(t, Config{Interval: time.Millisecond}, nil, nil)
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Samples() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	if s.Samples() == 0 {
		t.Fatal("sampling loop recorded nothing")
	}
	after := s.Samples()
	time.Sleep(10 * time.Millisecond)
	if s.Samples() != after {
		t.Error("samples recorded after Stop")
	}
}

func TestSampler_FlipWaitsForSample(t *testing.T) {
	sp := quiesce.New()
	ep := epoch.New()

	var flipped atomic.Bool
	flipDuringIntern := false
	done := make(chan struct{})
	sym := &hookSymbolizer{hook: func() {
		go func() {
			defer close(done)
			sp.Run(func() {
				ep.Flip()
				flipped.Store(true)
			})
		}()
		time.Sleep(20 * time.Millisecond)
		flipDuringIntern = flipped.Load()
	}}

	s, err := New(Config{Buffers: 1, MaxGoroutines: 1}, Deps{
		Allocator:    &mockAllocator{},
		Repositories: repository.New(ep, sym, nil),
		Gate:         sp,
		Clock:        mockClock{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if n := s.SampleOnce(); n != 1 {
		t.Fatalf("SampleOnce() = %d, want 1", n)
	}
	if flipDuringIntern {
		t.Fatal("epoch flipped between stack trace intern and sample write")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flip never ran after the sample completed")
	}
	if !flipped.Load() {
		t.Error("flip callback did not run")
	}
}
