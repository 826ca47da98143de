// Package persister runs the goroutine that moves recorded data from memory
// into chunk files.
//
// The persister parks on a one-slot semaphore. It is woken when a global
// buffer crosses the fill ratio, when a sampler buffer overflows, on every
// flush interval, and for explicit flush, rotate and close requests. It is
// the only goroutine that writes to the chunk writer while a recording runs.
package persister

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tebeka/atexit"

	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/observability"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/storage"
)

// DefaultFlushInterval is the period between flushpoints.
const DefaultFlushInterval = time.Second

// ChunkWriter is the part of the chunk writer the persister drives.
type ChunkWriter interface {
	Open(path string) error
	Flush(flushpoint bool) error
	Close(final bool) (event.ChunkInfo, error)
	Persist(source string, fn func(sink pkgbuffer.Sink) error) (int64, error)
	IsOpen() bool
	Size() int64
	Stats() event.FileStats
}

// GlobalPool hands over global buffers that reached the fill ratio.
type GlobalPool interface {
	PersistFull(sink pkgbuffer.Sink, owner uint64) (int, error)
}

// Sampler hands over overflowed sampler buffers.
type Sampler interface {
	HasOverflow() bool
	DrainOverflowed(sink pkgbuffer.Sink) error
}

// MetricsCollector defines the interface for persister metrics.
type MetricsCollector interface {
	IncChunkRotations()
	IncStorageErrors(backend, operation string)
}

// FatalHandler is called when the recording cannot continue.
type FatalHandler func(err error)

// Config controls the persister.
type Config struct {
	FlushInterval time.Duration
	// MaxChunkSize triggers a rotation signal once the open chunk reaches it.
	// Zero disables size based rotation.
	MaxChunkSize int64
}

// Deps are the collaborators of a Persister.
type Deps struct {
	Writer  ChunkWriter
	Pool    GlobalPool
	Sampler Sampler
	// Policy is consulted after every pass in addition to MaxChunkSize.
	Policy storage.RotationPolicy
	// NextPath names the chunk opened by a rotation.
	NextPath func() (string, error)
	// OnChunk receives every chunk completed by Rotate or Close.
	OnChunk func(info event.ChunkInfo)
	Fatal   FatalHandler
	Metrics MetricsCollector
	Logger  *slog.Logger
}

type requestKind int

const (
	requestFlush requestKind = iota
	requestRotate
	requestClose
)

func (k requestKind) String() string {
	switch k {
	case requestFlush:
		return "flush"
	case requestRotate:
		return "rotate"
	case requestClose:
		return "close"
	default:
		return "unknown"
	}
}

type request struct {
	kind  requestKind
	final bool
	reply chan result
}

type result struct {
	info event.ChunkInfo
	err  error
}

// Persister owns the persister goroutine.
type Persister struct {
	cfg  Config
	deps Deps

	wake      chan struct{}
	requests  chan request
	rotations chan struct{}
	pending   atomic.Bool

	passes  atomic.Int64
	skipped atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	logger  *slog.Logger
	skipLog *observability.RateLimited
}

// New creates a stopped persister.
func New(cfg Config, deps Deps) *Persister {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	logger := deps.Logger.With("component", "persister")
	p := &Persister{
		cfg:       cfg,
		deps:      deps,
		wake:      make(chan struct{}, 1),
		requests:  make(chan request),
		rotations: make(chan struct{}, 1),
		logger:    logger,
		skipLog:   observability.NewRateLimited(logger, time.Second),
	}
	if p.deps.Fatal == nil {
		p.deps.Fatal = p.exit
	}
	return p
}

// exit is the default fatal handler.
func (p *Persister) exit(err error) {
	p.logger.Error("Recording failed, exiting", "error", err)
	atexit.Exit(1)
}

// Wake schedules a persistence pass. It never blocks.
func (p *Persister) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Rotations delivers a value whenever the open chunk should be rotated.
// Signals are coalesced until the next rotation.
func (p *Persister) Rotations() <-chan struct{} { return p.rotations }

// Passes returns the number of completed wake-up passes.
func (p *Persister) Passes() int64 { return p.passes.Load() }

// Skipped returns the number of periodic writes that failed and were skipped.
func (p *Persister) Skipped() int64 { return p.skipped.Load() }

// Start runs the persister goroutine until Stop or ctx is cancelled.
func (p *Persister) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true
	go p.run(ctx, p.done)

	p.logger.Info("Persister started", "flush_interval", p.cfg.FlushInterval)
}

// Stop ends the goroutine and waits for it. It does not close the chunk.
func (p *Persister) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("Persister stopped", "passes", p.passes.Load(), "skipped", p.skipped.Load())
}

func (p *Persister) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.guard("pass", p.pass)
		case <-ticker.C:
			p.guard("flush", p.flushpoint)
		case req := <-p.requests:
			var res result
			p.guard(req.kind.String(), func() { res = p.handle(req) })
			req.reply <- res
		}
	}
}

// guard recovers a panic in fn and hands it to the fatal handler.
func (p *Persister) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.deps.Fatal(&errors.FatalError{Op: "persister " + op, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	fn()
}

// pass persists overflowed sampler buffers first, then the full global
// buffers, and checks whether the chunk should rotate.
func (p *Persister) pass() {
	defer p.passes.Add(1)

	if s := p.deps.Sampler; s != nil && s.HasOverflow() {
		_, err := p.deps.Writer.Persist("sampler", s.DrainOverflowed)
		p.skip("persist sampler", err)
	}
	if pool := p.deps.Pool; pool != nil {
		_, err := p.deps.Writer.Persist("global", func(sink pkgbuffer.Sink) error {
			_, err := pool.PersistFull(sink, buffer.OwnerPersister)
			return err
		})
		p.skip("persist global", err)
	}
	p.checkRotation()
}

func (p *Persister) flushpoint() {
	if !p.deps.Writer.IsOpen() {
		return
	}
	p.skip("flush", p.deps.Writer.Flush(true))
	p.checkRotation()
}

// skip accounts for a failed periodic write. The data stays in memory or is
// retried on the next pass.
func (p *Persister) skip(op string, err error) {
	if err == nil || errors.Is(err, errors.ErrWriterClosed) {
		return
	}
	p.skipped.Add(1)
	if m := p.deps.Metrics; m != nil {
		m.IncStorageErrors("chunk", op)
	}
	p.skipLog.Warn("Periodic chunk write failed, skipping",
		"operation", op,
		"error", err,
		"retryable", errors.IsRetryable(err))
}

func (p *Persister) checkRotation() {
	w := p.deps.Writer
	if !w.IsOpen() || p.pending.Load() {
		return
	}
	due := p.cfg.MaxChunkSize > 0 && w.Size() >= p.cfg.MaxChunkSize
	if !due && p.deps.Policy != nil {
		due = p.deps.Policy.ShouldRotate(w.Stats())
	}
	if !due {
		return
	}
	p.pending.Store(true)
	select {
	case p.rotations <- struct{}{}:
	default:
	}
	p.logger.Debug("Chunk rotation due", "size", w.Size())
}

// Flush writes a flushpoint to the open chunk.
func (p *Persister) Flush(ctx context.Context) error {
	_, err := p.do(ctx, request{kind: requestFlush})
	return err
}

// Rotate completes the open chunk and opens the next one. A failure is
// fatal and is also handed to the fatal handler.
func (p *Persister) Rotate(ctx context.Context) (event.ChunkInfo, error) {
	return p.do(ctx, request{kind: requestRotate})
}

// Close completes the open chunk without opening another. When final is set
// the chunk is marked as the last of the recording. A failure is fatal and
// is also handed to the fatal handler.
func (p *Persister) Close(ctx context.Context, final bool) (event.ChunkInfo, error) {
	return p.do(ctx, request{kind: requestClose, final: final})
}

func (p *Persister) do(ctx context.Context, req request) (event.ChunkInfo, error) {
	p.mu.Lock()
	running, done := p.running, p.done
	p.mu.Unlock()
	if !running {
		return event.ChunkInfo{}, errors.ErrPersisterStopped
	}

	req.reply = make(chan result, 1)
	select {
	case p.requests <- req:
	case <-done:
		return event.ChunkInfo{}, errors.ErrPersisterStopped
	case <-ctx.Done():
		return event.ChunkInfo{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.info, res.err
	case <-ctx.Done():
		return event.ChunkInfo{}, ctx.Err()
	}
}

func (p *Persister) handle(req request) result {
	w := p.deps.Writer
	switch req.kind {
	case requestFlush:
		if !w.IsOpen() {
			return result{err: errors.ErrWriterClosed}
		}
		return result{err: w.Flush(true)}

	case requestRotate:
		info, err := p.complete(false)
		if err != nil {
			return result{err: err}
		}
		path, err := p.deps.NextPath()
		if err == nil {
			err = w.Open(path)
		}
		if err != nil {
			err = &errors.FatalError{Op: "chunk rotate", Err: err}
			p.deps.Fatal(err)
			return result{info: info, err: err}
		}
		if m := p.deps.Metrics; m != nil {
			m.IncChunkRotations()
		}
		p.logger.Info("Chunk rotated", "completed", info.Path, "next", path)
		return result{info: info}

	case requestClose:
		info, err := p.complete(req.final)
		return result{info: info, err: err}
	}
	errors.Invariant("persister", "unknown request %d", req.kind)
	return result{}
}

// complete closes the open chunk and reports it to OnChunk.
func (p *Persister) complete(final bool) (event.ChunkInfo, error) {
	info, err := p.deps.Writer.Close(final)
	if err != nil {
		if errors.IsFatal(err) {
			p.deps.Fatal(err)
		}
		return info, err
	}
	p.pending.Store(false)
	if p.deps.OnChunk != nil {
		p.deps.OnChunk(info)
	}
	return info, nil
}
