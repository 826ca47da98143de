// Package sampler periodically records the stacks of all goroutines as
// execution sample events.
//
// Samples are written into a small set of secondary buffers owned by the
// sampler rather than into thread-local storage. When the active buffer
// cannot take the next sample it is marked overflowed, the next buffer
// becomes active and the persister is woken to drain the overflowed ones
// ahead of everything else.
package sampler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/observability"
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
)

// Defaults.
const (
	DefaultInterval      = 20 * time.Millisecond
	DefaultBufferSize    = 64 * 1024
	DefaultBuffers       = 4
	DefaultMaxGoroutines = 256
)

// Config controls sampling.
type Config struct {
	Interval      time.Duration
	BufferSize    int
	Buffers       int
	MaxGoroutines int
}

// Throttler decides whether a sample may be recorded.
type Throttler interface {
	Sample(id event.TypeID) bool
}

// LossRecorder accounts for dropped bytes.
type LossRecorder interface {
	AddLost(n int)
}

// Waker is notified when a buffer overflows.
type Waker interface {
	Wake()
}

// Deps are the collaborators of a Sampler.
type Deps struct {
	Allocator    host.Allocator
	Repositories *repository.Repositories
	Gate         host.Gate
	Clock        host.Clock
	Throttler    Throttler
	Loss         LossRecorder
	Logger       *slog.Logger
}

type slot struct {
	h          buffer.Handle
	b          *buffer.Buffer
	overflowed atomic.Bool
}

// Sampler owns the sampling goroutine and its buffers.
type Sampler struct {
	cfg   Config
	deps  Deps
	list  *buffer.List
	slots []*slot

	active  int
	records []runtime.StackRecord
	enc     wire.Encoder

	waker   atomic.Pointer[wakerBox]
	samples atomic.Int64
	lost    atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *slog.Logger
	lossLog *observability.RateLimited
}

type wakerBox struct{ w Waker }

// New allocates the sampler's buffers.
func New(cfg Config, deps Deps) (*Sampler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}
	if cfg.MaxGoroutines <= 0 {
		cfg.MaxGoroutines = DefaultMaxGoroutines
	}

	logger := deps.Logger.With("component", "sampler")
	s := &Sampler{
		cfg:     cfg,
		deps:    deps,
		list:    buffer.NewList("sampler", pkgbuffer.KindGlobal),
		logger:  logger,
		lossLog: observability.NewRateLimited(logger, time.Second),
	}
	for i := 0; i < cfg.Buffers; i++ {
		mem, err := deps.Allocator.Allocate(cfg.BufferSize)
		if err != nil {
			s.Close()
			return nil, err
		}
		b := buffer.FromMemory(pkgbuffer.KindGlobal, mem)
		h, err := s.list.Add(b)
		if err != nil {
			deps.Allocator.Free(mem)
			s.Close()
			return nil, err
		}
		s.slots = append(s.slots, &slot{h: h, b: b})
	}
	return s, nil
}

// SetWaker installs the persister wake-up hook.
func (s *Sampler) SetWaker(w Waker) {
	s.waker.Store(&wakerBox{w: w})
}

// Name identifies the sampler as a drain source.
func (s *Sampler) Name() string { return "sampler" }

// List returns the sampler's buffer list.
func (s *Sampler) List() *buffer.List { return s.list }

// Samples returns the number of samples recorded.
func (s *Sampler) Samples() int64 { return s.samples.Load() }

// Lost returns the number of samples dropped for lack of buffer space.
func (s *Sampler) Lost() int64 { return s.lost.Load() }

// Start runs the sampling loop until ctx is cancelled or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("Sampler started", "interval", s.cfg.Interval)
}

// Stop ends the sampling loop and waits for it.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce records one execution sample per goroutine, subject to the
// throttler, and returns the number written. It must not run concurrently
// with itself.
func (s *Sampler) SampleOnce() int {
	n := runtime.NumGoroutine() + 8
	if cap(s.records) < n {
		s.records = make([]runtime.StackRecord, n)
	}
	records := s.records[:cap(s.records)]
	got, ok := runtime.GoroutineProfile(records)
	if !ok {
		s.records = make([]runtime.StackRecord, got+8)
		return 0
	}
	if got > s.cfg.MaxGoroutines {
		got = s.cfg.MaxGoroutines
	}

	ticks := s.deps.Clock.Ticks()
	written := 0
	for i := 0; i < got; i++ {
		if s.sample(ticks, uint64(got), &records[i]) {
			written++
		}
	}
	s.samples.Add(int64(written))
	return written
}

// sample records one goroutine stack. The stack trace id and the event that
// refers to it are written inside one gate section so that an epoch flip
// cannot fall between them.
func (s *Sampler) sample(ticks int64, goroutines uint64, rec *runtime.StackRecord) bool {
	if g := s.deps.Gate; g != nil {
		g.Enter()
		defer g.Exit()
	}
	if s.deps.Throttler != nil && !s.deps.Throttler.Sample(event.TypeExecutionSample) {
		return false
	}
	pcs := rec.Stack()
	truncated := len(pcs) == len(rec.Stack0)
	id := s.deps.Repositories.StackTraces.Intern(pcs, truncated)
	return s.write(ticks, goroutines, id)
}

func (s *Sampler) write(ticks int64, goroutines, stackTrace uint64) bool {
	e := &s.enc
	e.Reset()
	start := e.BeginEvent(uint64(event.TypeExecutionSample), false)
	e.Long(ticks)
	e.Long(0)
	e.Ulong(0)
	e.Ulong(goroutines)
	e.Ulong(stackTrace)
	e.EndEvent(start, false)
	return s.append(e.Bytes())
}

// append writes p into the active buffer, switching to the next free buffer
// when it is full.
func (s *Sampler) append(p []byte) bool {
	for tries := 0; tries < len(s.slots); tries++ {
		sl := s.slots[s.active]
		if !sl.overflowed.Load() {
			s.list.Lock(sl.h, buffer.OwnerSampler)
			ok := sl.b.Append(p)
			s.list.Unlock(sl.h, buffer.OwnerSampler)
			if ok {
				return true
			}
			sl.overflowed.Store(true)
			s.wake()
		}
		s.active = (s.active + 1) % len(s.slots)
	}

	s.lost.Add(1)
	if s.deps.Loss != nil {
		s.deps.Loss.AddLost(len(p))
	}
	s.lossLog.Warn("Execution sample dropped, all sampler buffers overflowed",
		"bytes", len(p),
		"samples_lost", s.lost.Load())
	return false
}

func (s *Sampler) wake() {
	if box := s.waker.Load(); box != nil {
		box.w.Wake()
	}
}

// HasOverflow reports whether any buffer is waiting to be drained.
func (s *Sampler) HasOverflow() bool {
	for _, sl := range s.slots {
		if sl.overflowed.Load() {
			return true
		}
	}
	return false
}

// DrainOverflowed writes the overflowed buffers to sink and returns them to
// service.
func (s *Sampler) DrainOverflowed(sink pkgbuffer.Sink) error {
	return s.drain(sink, true)
}

// Drain writes every sampler buffer to sink.
func (s *Sampler) Drain(sink pkgbuffer.Sink) error {
	return s.drain(sink, false)
}

func (s *Sampler) drain(sink pkgbuffer.Sink, overflowedOnly bool) error {
	for _, sl := range s.slots {
		if overflowedOnly && !sl.overflowed.Load() {
			continue
		}
		s.list.Lock(sl.h, buffer.OwnerWriter)
		_, err := sl.b.Drain(sink.WriteBuffer)
		if err == nil {
			sl.b.Reinit()
			sl.overflowed.Store(false)
		}
		s.list.Unlock(sl.h, buffer.OwnerWriter)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close frees the sampler's buffers. The sampler must be stopped.
func (s *Sampler) Close() {
	for _, sl := range s.slots {
		s.list.Lock(sl.h, buffer.OwnerSampler)
		if b := s.list.Remove(sl.h, buffer.NilHandle, buffer.OwnerSampler); b != nil {
			s.deps.Allocator.Free(b.Memory())
		}
		s.list.Unlock(sl.h, buffer.OwnerSampler)
	}
	s.slots = nil
}
