// Package memory implements the global memory pool that thread-local buffers
// promote into when they fill up.
package memory

import (
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/errors"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/host"
)

const (
	// DefaultPasses bounds how many times TryAcquirePromotionSlot walks the
	// list before giving up.
	DefaultPasses = 100

	// DefaultFullRatio is the fill level at which the persister is woken.
	DefaultFullRatio = 0.5
)

// Waker is notified when global buffers are worth draining.
type Waker interface {
	Wake()
}

// MetricsCollector defines the interface for pool metrics.
type MetricsCollector interface {
	IncPromotions(kind string, result string)
	SetGlobalFillRatio(ratio float64)
	AddBytesLost(n int)
}

// Config holds pool sizing.
type Config struct {
	BufferSize int
	Count      int
	FullRatio  float64
	Passes     int
}

// Slot is a global buffer whose node lock is held by the caller.
type Slot struct {
	Handle buffer.Handle
	Buffer *buffer.Buffer
	owner  uint64
}

// Pool is a fixed set of pre-allocated global buffers registered in one list.
type Pool struct {
	list      *buffer.List
	alloc     host.Allocator
	size      int
	fullRatio float64
	passes    int
	lost      atomic.Int64
	waker     atomic.Pointer[wakerBox]
	metrics   MetricsCollector
	logger    *slog.Logger
}

type wakerBox struct{ w Waker }

// NewPool allocates cfg.Count buffers of cfg.BufferSize bytes from alloc.
func NewPool(cfg Config, alloc host.Allocator, metrics MetricsCollector, logger *slog.Logger) (*Pool, error) {
	if cfg.BufferSize <= 0 || cfg.Count <= 0 {
		return nil, &errors.ConfigError{Option: "globalbuffersize", Reason: "global pool needs a positive size and count"}
	}
	if cfg.FullRatio <= 0 || cfg.FullRatio > 1 {
		cfg.FullRatio = DefaultFullRatio
	}
	if cfg.Passes <= 0 {
		cfg.Passes = DefaultPasses
	}

	p := &Pool{
		list:      buffer.NewList("global", pkgbuffer.KindGlobal),
		alloc:     alloc,
		size:      cfg.BufferSize,
		fullRatio: cfg.FullRatio,
		passes:    cfg.Passes,
		metrics:   metrics,
		logger:    logger.With("component", "memory_pool"),
	}
	for i := 0; i < cfg.Count; i++ {
		mem, err := alloc.Allocate(cfg.BufferSize)
		if err != nil {
			p.Close()
			return nil, errors.ErrOutOfMemory
		}
		if _, err := p.list.Add(buffer.FromMemory(pkgbuffer.KindGlobal, mem)); err != nil {
			alloc.Free(mem)
			p.Close()
			return nil, err
		}
	}

	p.logger.Debug("Global memory pool allocated",
		"buffers", cfg.Count,
		"buffer_size", cfg.BufferSize,
		"full_ratio", cfg.FullRatio)
	return p, nil
}

// SetWaker installs the persister wake-up hook.
func (p *Pool) SetWaker(w Waker) {
	p.waker.Store(&wakerBox{w: w})
}

// List returns the list of global buffers.
func (p *Pool) List() *buffer.List { return p.list }

// BufferSize returns the capacity of each global buffer.
func (p *Pool) BufferSize() int { return p.size }

// FullRatio returns the fill ratio at which buffers are drained.
func (p *Pool) FullRatio() float64 { return p.fullRatio }

// IsFull reports whether b has reached the drain threshold.
func (p *Pool) IsFull(b *buffer.Buffer) bool {
	return float64(b.Committed()) >= p.fullRatio*float64(b.Size())
}

// TryAcquirePromotionSlot finds a global buffer with at least needed bytes
// available and returns it with its node lock held by owner. Contended nodes
// are skipped. Availability is checked again once the lock is held, since it
// may have shrunk in between.
//
// It does not block and does not allocate; it gives up with
// ErrPromotionFailed after the configured number of passes.
func (p *Pool) TryAcquirePromotionSlot(needed int, owner uint64) (Slot, error) {
	if needed > p.size {
		return Slot{}, errors.ErrPromotionFailed
	}
	for pass := 0; pass < p.passes; pass++ {
		contended := false
		for h := p.list.Head(); h != buffer.NilHandle; h = p.list.Next(h) {
			b := p.list.Buffer(h)
			if b == nil || b.Available() < needed {
				continue
			}
			if !p.list.TryLock(h, owner) {
				contended = true
				continue
			}
			if b.Available() >= needed {
				return Slot{Handle: h, Buffer: b, owner: owner}, nil
			}
			p.list.Unlock(h, owner)
		}
		// Only a lock holder can free space.
		if !contended {
			break
		}
		runtime.Gosched()
	}
	return Slot{}, errors.ErrPromotionFailed
}

// Release unlocks a slot returned by TryAcquirePromotionSlot.
func (p *Pool) Release(s Slot) {
	p.list.Unlock(s.Handle, s.owner)
}

// Write moves the unflushed bytes of src into a global buffer and marks them
// flushed in src. Unless flushpoint is set, the persister is woken when the
// destination crosses the fill ratio. The caller holds whatever lock guards
// src's cursors.
func (p *Pool) Write(src *buffer.Buffer, owner uint64, flushpoint bool) error {
	n, err := src.Drain(func(data []byte) error {
		return p.WriteBytes(data, owner, flushpoint)
	})
	if err != nil {
		p.record(src.Kind(), "failed")
		return err
	}
	if n > 0 {
		p.record(src.Kind(), "ok")
	}
	return nil
}

// WriteBytes copies data into a global buffer.
func (p *Pool) WriteBytes(data []byte, owner uint64, flushpoint bool) error {
	if len(data) == 0 {
		return nil
	}
	slot, err := p.TryAcquirePromotionSlot(len(data), owner)
	if err != nil {
		return err
	}
	slot.Buffer.Append(data)
	full := p.IsFull(slot.Buffer)
	ratio := float64(slot.Buffer.Committed()) / float64(slot.Buffer.Size())
	p.Release(slot)

	if p.metrics != nil {
		p.metrics.SetGlobalFillRatio(ratio)
	}
	if full && !flushpoint {
		p.wake()
	}
	return nil
}

func (p *Pool) record(kind pkgbuffer.Kind, result string) {
	if p.metrics != nil {
		p.metrics.IncPromotions(kind.String(), result)
	}
}

func (p *Pool) wake() {
	if box := p.waker.Load(); box != nil {
		box.w.Wake()
	}
}

// Name identifies the pool as a drain source.
func (p *Pool) Name() string { return "global" }

// Drain writes the unflushed bytes of every global buffer to sink, waiting for
// each node lock, and rewinds buffers that were emptied. It is called by the
// chunk writer.
func (p *Pool) Drain(sink pkgbuffer.Sink) error {
	var err error
	p.list.Range(func(h, _ buffer.Handle, _ *buffer.Buffer) bool {
		p.list.Lock(h, buffer.OwnerWriter)
		_, err = p.drainLocked(h, sink)
		p.list.Unlock(h, buffer.OwnerWriter)
		return err == nil
	})
	return err
}

// PersistFull writes the global buffers that reached the fill ratio to sink
// and returns the number of bytes written. Buffers whose node lock is held
// elsewhere are skipped; they are picked up by a later pass.
func (p *Pool) PersistFull(sink pkgbuffer.Sink, owner uint64) (int, error) {
	total := 0
	var err error
	p.list.Range(func(h, _ buffer.Handle, b *buffer.Buffer) bool {
		if !p.IsFull(b) || !p.list.TryLock(h, owner) {
			return true
		}
		var n int
		if cur := p.list.Buffer(h); cur != nil && p.IsFull(cur) {
			n, err = p.drainLocked(h, sink)
			total += n
		}
		p.list.Unlock(h, owner)
		return err == nil
	})
	return total, err
}

func (p *Pool) drainLocked(h buffer.Handle, sink pkgbuffer.Sink) (int, error) {
	b := p.list.Buffer(h)
	if b == nil {
		return 0, nil
	}
	n, err := b.Drain(sink.WriteBuffer)
	if err != nil {
		return n, err
	}
	if b.IsEmpty() {
		b.Reinit()
	}
	return n, nil
}

// AddLost records n bytes of dropped event data.
func (p *Pool) AddLost(n int) {
	p.lost.Add(int64(n))
	if p.metrics != nil {
		p.metrics.AddBytesLost(n)
	}
}

// Lost returns the total number of dropped bytes.
func (p *Pool) Lost() int64 { return p.lost.Load() }

// Close returns every buffer to the allocator. The pool must not be used
// afterwards.
func (p *Pool) Close() {
	for h := p.list.Head(); h != buffer.NilHandle; {
		next := p.list.Next(h)
		p.list.Lock(h, buffer.OwnerPersister)
		if b := p.list.Remove(h, buffer.NilHandle, buffer.OwnerPersister); b != nil {
			p.alloc.Free(b.Memory())
		}
		p.list.Unlock(h, buffer.OwnerPersister)
		h = next
	}
}
