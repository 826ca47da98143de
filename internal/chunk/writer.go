package chunk

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jittakal/flightrec/internal/epoch"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
)

// State is the lifecycle state of a Writer.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateFlushing
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFlushing:
		return "flushing"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Source is a set of buffers drained into the chunk on every flush.
type Source interface {
	Name() string
	Drain(sink pkgbuffer.Sink) error
}

// MetricsCollector defines the interface for chunk metrics.
type MetricsCollector interface {
	IncChunkFlushes(kind string)
	ObserveFlushDuration(duration float64)
	SetChunkSize(size float64)
	AddPersistedBytes(source string, n int)
}

// ChunkWriter is implemented by Writer and NopWriter.
type ChunkWriter interface {
	Open(path string) error
	Flush(flushpoint bool) error
	Close(final bool) (event.ChunkInfo, error)
	Persist(source string, fn func(sink pkgbuffer.Sink) error) (int64, error)
	WriteEvent(typeID event.TypeID, start, duration int64, thread uint64, fn func(e *Event)) bool
	State() State
	IsOpen() bool
	Size() int64
	Stats() event.FileStats
}

// Deps are the collaborators a Writer reads from and writes through.
type Deps struct {
	FileSystem   host.FileSystem
	Clock        host.Clock
	Quiescer     host.Quiescer
	Metadata     host.MetadataProvider
	Epoch        *epoch.Epoch
	Repositories *repository.Repositories
	// Sources are drained in order on every flush.
	Sources []Source
	Metrics MetricsCollector
	Logger  *slog.Logger
}

// Writer serializes drained buffers, constant pool checkpoints and metadata
// into chunk files. One chunk is open at a time. All file I/O happens with the
// writer mutex held, by the persister or by the goroutine stopping the
// recording.
type Writer struct {
	deps    Deps
	sources []Source
	logger  *slog.Logger

	large  largeTypes
	staged staging

	mu              sync.Mutex
	state           State
	file            host.File
	path            string
	pos             int64
	startTime       time.Time
	startTicks      int64
	generation      uint8
	lastCheckpoint  int64
	metadataPos     int64
	metadataVersion uint64
	flushes         int
	lastWrite       time.Time

	cp       checkpoint
	scratch  wire.Encoder
	hdr      [HeaderSize]byte
	maxEvent int
}

var _ ChunkWriter = (*Writer)(nil)

// NewWriter creates a closed writer.
func NewWriter(deps Deps) *Writer {
	w := &Writer{
		deps:     deps,
		logger:   deps.Logger.With("component", "chunk_writer"),
		maxEvent: wire.MaxPadded,
	}
	w.sources = append([]Source{&w.staged}, deps.Sources...)
	return w
}

// State returns the lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsOpen reports whether a chunk is open.
func (w *Writer) IsOpen() bool { return w.State() != StateClosed }

// Size returns the current chunk size in bytes.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// Path returns the path of the open chunk.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Stats describes the open chunk for rotation policies.
func (w *Writer) Stats() event.FileStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return event.FileStats{
		Flushes:        w.flushes,
		SizeBytes:      w.pos,
		FirstWriteTime: w.startTime,
		LastWriteTime:  w.lastWrite,
	}
}

// Open creates path and writes a header whose patch fields are zero.
func (w *Writer) Open(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateClosed {
		return errors.ErrWriterOpen
	}

	f, err := w.deps.FileSystem.Create(path)
	if err != nil {
		return &errors.StorageError{Operation: "create", Path: path, Err: err}
	}
	w.file = f
	w.path = path
	w.pos = 0
	w.startTime = w.deps.Clock.Now()
	w.startTicks = w.deps.Clock.Ticks()
	w.lastWrite = w.startTime
	w.generation = GenerationFirst
	w.lastCheckpoint = 0
	w.metadataPos = 0
	w.flushes = 0

	h := w.header(w.generation, FlagCompressedInts)
	h.Put(w.hdr[:])
	if err := w.write(w.hdr[:]); err != nil {
		f.Close()
		w.file = nil
		return &errors.StorageError{Operation: "write header", Path: path, Err: err}
	}
	w.state = StateOpen

	w.logger.Info("Chunk opened", "path", path)
	return nil
}

// Flush drains every source, writes the checkpoints and metadata that changed
// and patches the header so the chunk is readable up to this point. A
// flushpoint serializes the current epoch of the repositories and keeps it;
// otherwise the previous epoch is serialized and cleared.
func (w *Writer) Flush(flushpoint bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return errors.ErrWriterClosed
	}
	w.state = StateFlushing
	defer func() { w.state = StateOpen }()

	started := time.Now()
	if err := w.drain(); err != nil {
		return err
	}
	if flushpoint {
		w.stageFlushEvent()
		if err := w.staged.Drain(w.sink(w.staged.Name())); err != nil {
			return w.ioError("write", err)
		}
	}
	if err := w.writeCheckpoints(flushpoint); err != nil {
		return err
	}
	if err := w.writeMetadata(false); err != nil {
		return err
	}
	w.generation = nextGeneration(w.generation)
	if err := w.patchHeader(w.generation, FlagCompressedInts); err != nil {
		return err
	}
	w.flushes++

	if m := w.deps.Metrics; m != nil {
		m.IncChunkFlushes(flushKind(flushpoint))
		m.ObserveFlushDuration(time.Since(started).Seconds())
		m.SetChunkSize(float64(w.pos))
	}
	w.logger.Debug("Chunk flushed",
		"path", w.path,
		"size", w.pos,
		"generation", w.generation,
		"flushpoint", flushpoint)
	return nil
}

func flushKind(flushpoint bool) string {
	if flushpoint {
		return "flushpoint"
	}
	return "epoch"
}

// Close finishes the chunk. It drains every source, then drains again and
// flips the epoch while producers are quiescent, writes the retired epoch's
// checkpoints and the metadata, and marks the header complete. Failures are
// returned as *errors.FatalError: the chunk cannot be trusted afterwards.
func (w *Writer) Close(final bool) (event.ChunkInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return event.ChunkInfo{}, errors.ErrWriterClosed
	}
	w.state = StateClosing

	info, err := w.close(final)
	if err != nil {
		if w.file != nil {
			w.file.Close()
			w.file = nil
		}
		w.state = StateClosed
		return info, &errors.FatalError{Op: "chunk close", Err: err}
	}
	w.state = StateClosed

	if m := w.deps.Metrics; m != nil {
		m.IncChunkFlushes("close")
		m.SetChunkSize(float64(info.SizeBytes))
	}
	w.logger.Info("Chunk closed",
		"path", info.Path,
		"size", info.SizeBytes,
		"duration", info.Duration,
		"final", final)
	return info, nil
}

func (w *Writer) close(final bool) (event.ChunkInfo, error) {
	if err := w.drain(); err != nil {
		return event.ChunkInfo{}, err
	}

	var drainErr error
	quiesce := func() {
		drainErr = w.drain()
		w.deps.Epoch.Flip()
	}
	if w.deps.Quiescer != nil {
		w.deps.Quiescer.Run(quiesce)
	} else {
		quiesce()
	}
	if drainErr != nil {
		return event.ChunkInfo{}, drainErr
	}

	if err := w.writeCheckpoints(false); err != nil {
		return event.ChunkInfo{}, err
	}
	if err := w.writeMetadata(w.metadataPos == 0); err != nil {
		return event.ChunkInfo{}, err
	}

	flags := FlagCompressedInts
	if final {
		flags |= FlagFinal
	}
	if err := w.patchHeader(GenerationComplete, flags); err != nil {
		return event.ChunkInfo{}, err
	}
	if err := w.file.Sync(); err != nil {
		return event.ChunkInfo{}, w.ioError("sync", err)
	}
	if err := w.file.Close(); err != nil {
		return event.ChunkInfo{}, w.ioError("close", err)
	}
	w.file = nil

	return event.ChunkInfo{
		Path:      w.path,
		SizeBytes: w.pos,
		StartTime: w.startTime,
		Duration:  w.deps.Clock.Now().Sub(w.startTime),
		Flushes:   w.flushes,
		Final:     final,
	}, nil
}

// Persist runs fn with a sink that appends to the open chunk and returns the
// number of bytes fn wrote. It is how the persister moves full global buffers
// between flushes.
func (w *Writer) Persist(source string, fn func(sink pkgbuffer.Sink) error) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateOpen {
		return 0, errors.ErrWriterClosed
	}
	before := w.pos
	err := fn(w.sink(source))
	return w.pos - before, err
}

func (w *Writer) drain() error {
	for _, src := range w.sources {
		if err := src.Drain(w.sink(src.Name())); err != nil {
			return w.ioError("drain "+src.Name(), err)
		}
	}
	return nil
}

// sourceSink appends drained bytes to the chunk and counts them per source.
type sourceSink struct {
	w      *Writer
	source string
}

func (s sourceSink) WriteBuffer(data []byte) error {
	if err := s.w.write(data); err != nil {
		return err
	}
	if m := s.w.deps.Metrics; m != nil {
		m.AddPersistedBytes(s.source, len(data))
	}
	return nil
}

func (w *Writer) sink(source string) pkgbuffer.Sink {
	return sourceSink{w: w, source: source}
}

// write appends p at the end of the chunk. Caller holds w.mu.
func (w *Writer) write(p []byte) error {
	n, err := w.file.Write(p)
	w.pos += int64(n)
	if err != nil {
		return err
	}
	w.lastWrite = w.deps.Clock.Now()
	return nil
}

func (w *Writer) stageFlushEvent() {
	ticks := w.deps.Clock.Ticks()
	w.WriteEvent(event.TypeFlush, ticks, 0, 0, func(e *Event) {
		e.Ulong(uint64(w.flushes + 1))
		e.Long(w.pos)
	})
}

// writeCheckpoints writes the thread checkpoint, when threads changed, and
// then the flush checkpoint holding every other pool.
func (w *Writer) writeCheckpoints(flushpoint bool) error {
	repos := w.deps.Repositories
	if repos.HasThreadData(flushpoint) {
		if err := w.writeCheckpoint(CheckpointThreads, func(cw repository.CheckpointWriter) repository.Status {
			return repos.WriteThreads(cw, flushpoint)
		}); err != nil {
			return err
		}
	}
	return w.writeCheckpoint(CheckpointFlush, func(cw repository.CheckpointWriter) repository.Status {
		return repos.WriteFlush(cw, flushpoint)
	})
}

// writeCheckpoint writes one checkpoint event:
// [size][type][start][duration][delta][mask][pool count]{[pool][count][entries]}.
// delta is the distance back to the previous checkpoint, 0 for the first.
func (w *Writer) writeCheckpoint(mask byte, fill func(repository.CheckpointWriter) repository.Status) error {
	w.cp.reset()
	if fill(&w.cp) == repository.Empty {
		return nil
	}

	offset := w.pos
	var delta int64
	if w.lastCheckpoint != 0 {
		delta = offset - w.lastCheckpoint
	}
	e := &w.scratch
	e.Reset()
	start := e.BeginEvent(uint64(event.TypeCheckpoint), true)
	e.Long(w.deps.Clock.Ticks())
	e.Long(0)
	e.Long(delta)
	e.Byte(mask)
	e.Ulong(uint64(w.cp.count))
	e.Raw(w.cp.pools.Bytes())
	if err := w.endLarge(start, "write checkpoint"); err != nil {
		return err
	}

	if err := w.write(e.Bytes()); err != nil {
		return w.ioError("write checkpoint", err)
	}
	w.lastCheckpoint = offset
	return nil
}

// writeMetadata writes [size][type][start][duration][metadata id][blob] when
// the provider's version changed or force is set.
func (w *Writer) writeMetadata(force bool) error {
	if w.deps.Metadata == nil {
		return nil
	}
	blob, version := w.deps.Metadata.Metadata()
	if !force && w.metadataPos != 0 && version == w.metadataVersion {
		return nil
	}

	offset := w.pos
	e := &w.scratch
	e.Reset()
	start := e.BeginEvent(uint64(event.TypeMetadata), true)
	e.Long(w.deps.Clock.Ticks())
	e.Long(0)
	e.Ulong(version)
	e.Ulong(uint64(len(blob)))
	e.Raw(blob)
	if err := w.endLarge(start, "write metadata"); err != nil {
		return err
	}

	if err := w.write(e.Bytes()); err != nil {
		return w.ioError("write metadata", err)
	}
	w.metadataPos = offset
	w.metadataVersion = version
	return nil
}

// endLarge finishes the large event started at start in the scratch encoder.
func (w *Writer) endLarge(start int, op string) error {
	if size := len(w.scratch.Bytes()) - start; size > w.maxEvent {
		return w.ioError(op, fmt.Errorf("%w: %d bytes", errors.ErrEventTooLarge, size))
	}
	w.scratch.EndEvent(start, true)
	return nil
}

func (w *Writer) header(generation uint8, flags uint16) Header {
	return Header{
		Major:            MajorVersion,
		Minor:            MinorVersion,
		ChunkSize:        w.pos,
		LastCheckpoint:   w.lastCheckpoint,
		MetadataPosition: w.metadataPos,
		StartTimeNanos:   w.startTime.UnixNano(),
		DurationNanos:    int64(w.lastWrite.Sub(w.startTime)),
		StartTicks:       w.startTicks,
		TicksFrequency:   w.deps.Clock.Frequency(),
		Generation:       generation,
		Flags:            flags,
	}
}

// patchHeader rewrites the mutable header fields. The generation byte holds
// GenerationGuard while the other fields are in flux.
func (w *Writer) patchHeader(generation uint8, flags uint16) error {
	h := w.header(generation, flags)
	h.Put(w.hdr[:])

	guard := [1]byte{GenerationGuard}
	steps := []struct {
		off  int64
		data []byte
	}{
		{offGeneration, guard[:]},
		{offChunkSize, w.hdr[offChunkSize:offStartTime]},
		{offDuration, w.hdr[offDuration:offStartTicks]},
		{offGeneration, w.hdr[offGeneration:HeaderSize]},
	}
	for _, s := range steps {
		if _, err := w.file.Seek(s.off, io.SeekStart); err != nil {
			return w.ioError("seek", err)
		}
		if _, err := w.file.Write(s.data); err != nil {
			return w.ioError("patch header", err)
		}
	}
	if _, err := w.file.Seek(w.pos, io.SeekStart); err != nil {
		return w.ioError("seek", err)
	}
	return nil
}

func (w *Writer) ioError(op string, err error) error {
	return &errors.StorageError{Operation: op, Path: w.path, Err: err}
}
