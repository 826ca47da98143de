package chunk

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jittakal/flightrec/internal/epoch"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
)

type memFile struct {
	data    []byte
	pos     int64
	closed  bool
	syncErr error
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, stderrors.New("file closed")
	}
	end := f.pos + int64(len(p))
	if end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	copy(f.data[f.pos:], p)
	f.pos = end
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(f.data)) + offset
	}
	return f.pos, nil
}

func (f *memFile) Sync() error { return f.syncErr }

func (f *memFile) Close() error {
	f.closed = true
	return nil
}

type memFS struct {
	mu       sync.Mutex
	files    map[string]*memFile
	syncErr  error
	createEr error
}

func newMemFS() *memFS { return &memFS{files: make(map[string]*memFile)} }

func (fs *memFS) Create(path string) (host.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.createEr != nil {
		return nil, fs.createEr
	}
	f := &memFile{syncErr: fs.syncErr}
	fs.files[path] = f
	return f, nil
}

type fakeClock struct{ calls atomic.Int64 }

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (c *fakeClock) Now() time.Time {
	return baseTime.Add(time.Duration(c.calls.Add(1)) * time.Millisecond)
}
func (c *fakeClock) Ticks() int64     { return 42 }
func (c *fakeClock) Frequency() int64 { return int64(time.Second) }

type countingQuiescer struct{ runs int }

func (q *countingQuiescer) Run(fn func()) {
	q.runs++
	fn()
}

type fakeMetadata struct {
	blob    []byte
	version uint64
}

func (m *fakeMetadata) Metadata() ([]byte, uint64) { return m.blob, m.version }

type fakeSymbolizer struct{}

func (fakeSymbolizer) Frame(pc uintptr) event.Frame {
	return event.Frame{
		Method: event.Method{Type: "main", Name: fmt.Sprintf("fn%d", pc), Descriptor: "main.go"},
		Line:   int32(pc),
	}
}

type bytesSource struct {
	name string
	data []byte
}

func (s *bytesSource) Name() string { return s.name }

func (s *bytesSource) Drain(sink pkgbuffer.Sink) error {
	if len(s.data) == 0 {
		return nil
	}
	err := sink.WriteBuffer(s.data)
	s.data = nil
	return err
}

type fixture struct {
	fs     *memFS
	ep     *epoch.Epoch
	repos  *repository.Repositories
	quiet  *countingQuiescer
	meta   *fakeMetadata
	source *bytesSource
	w      *Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fs:     newMemFS(),
		ep:     epoch.New(),
		quiet:  &countingQuiescer{},
		meta:   &fakeMetadata{blob: []byte(`{"types":[]}`), version: 1},
		source: &bytesSource{name: "test"},
	}
	f.repos = repository.New(f.ep, fakeSymbolizer{}, nil)
	f.w = NewWriter(Deps{
		FileSystem:   f.fs,
		Clock:        &fakeClock{},
		Quiescer:     f.quiet,
		Metadata:     f.meta,
		Epoch:        f.ep,
		Repositories: f.repos,
		Sources:      []Source{f.source},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

// userEvent encodes a type 1000 event referencing a stack trace.
func userEvent(thread, stackTrace uint64) []byte {
	e := wire.NewEncoder(32)
	start := e.BeginEvent(1000, false)
	e.Long(5)
	e.Long(0)
	e.Ulong(thread)
	e.Ulong(stackTrace)
	e.EndEvent(start, false)
	return e.Bytes()
}

func (f *fixture) parse(t *testing.T, path string) *Chunk {
	t.Helper()
	c, err := ParseChunk(f.fs.files[path].data)
	if err != nil {
		t.Fatalf("ParseChunk(%s): %v", path, err)
	}
	return c
}

func poolTypes(cp CheckpointRecord) []event.TypeID {
	var ids []event.TypeID
	for _, p := range cp.Pools {
		ids = append(ids, p.Type)
	}
	return ids
}

func equalTypes(a, b []event.TypeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHeader_RoundTrip(t *testing.T) {
	h := Header{
		Major:            MajorVersion,
		Minor:            MinorVersion,
		ChunkSize:        4096,
		LastCheckpoint:   3000,
		MetadataPosition: 2000,
		StartTimeNanos:   baseTime.UnixNano(),
		DurationNanos:    int64(time.Minute),
		StartTicks:       7,
		TicksFrequency:   int64(time.Second),
		Generation:       3,
		Flags:            FlagCompressedInts | FlagFinal,
	}
	buf := make([]byte, HeaderSize)
	h.Put(buf)

	if string(buf[:4]) != "FLR\x00" {
		t.Errorf("magic = %q", buf[:4])
	}
	if buf[4] != 0 || buf[5] != 2 || buf[6] != 0 || buf[7] != 1 {
		t.Errorf("version bytes = %v, want big-endian 2.1", buf[4:8])
	}

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Errorf("ParseHeader() = %+v, want %+v", got, h)
	}
	if !got.Final() || got.Complete() {
		t.Errorf("Final() = %v, Complete() = %v", got.Final(), got.Complete())
	}
	if !got.StartTime().Equal(baseTime) || got.Duration() != time.Minute {
		t.Errorf("StartTime() = %v, Duration() = %v", got.StartTime(), got.Duration())
	}
}

func TestParseHeader_Errors(t *testing.T) {
	good := make([]byte, HeaderSize)
	(&Header{Major: MajorVersion, Minor: MinorVersion}).Put(good)

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'
	badVersion := append([]byte(nil), good...)
	badVersion[5] = 9

	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:HeaderSize-1]},
		{"bad magic", badMagic},
		{"unsupported version", badVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHeader(tt.data); err == nil {
				t.Error("ParseHeader() succeeded")
			}
		})
	}
}

func TestNextGeneration(t *testing.T) {
	tests := []struct{ in, want uint8 }{
		{GenerationFirst, 2},
		{100, 101},
		{GenerationMax - 1, GenerationMax},
		{GenerationMax, GenerationFirst},
	}
	for _, tt := range tests {
		if got := nextGeneration(tt.in); got != tt.want {
			t.Errorf("nextGeneration(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWriter_Lifecycle(t *testing.T) {
	f := newFixture(t)
	w := f.w

	if w.State() != StateClosed || w.IsOpen() {
		t.Fatalf("new writer state = %s", w.State())
	}
	if err := w.Flush(true); !stderrors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("Flush() on closed writer = %v", err)
	}
	if _, err := w.Close(false); !stderrors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("Close() on closed writer = %v", err)
	}
	if _, err := w.Persist("global", func(pkgbuffer.Sink) error { return nil }); !stderrors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("Persist() on closed writer = %v", err)
	}

	if err := w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateOpen || w.Size() != HeaderSize || w.Path() != "a.chunk" {
		t.Errorf("after Open: state = %s, size = %d, path = %s", w.State(), w.Size(), w.Path())
	}
	if err := w.Open("b.chunk"); !stderrors.Is(err, errors.ErrWriterOpen) {
		t.Errorf("second Open() = %v, want ErrWriterOpen", err)
	}

	h, err := ParseHeader(f.fs.files["a.chunk"].data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Generation != GenerationFirst || h.ChunkSize != 0 || h.MetadataPosition != 0 {
		t.Errorf("fresh header = %+v", h)
	}

	if _, err := w.Close(false); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateClosed {
		t.Errorf("state after Close = %s", w.State())
	}
}

func TestWriter_OpenCreateFailure(t *testing.T) {
	f := newFixture(t)
	f.fs.createEr = stderrors.New("read-only file system")

	err := f.w.Open("a.chunk")
	var storageErr *errors.StorageError
	if !stderrors.As(err, &storageErr) || storageErr.Operation != "create" {
		t.Fatalf("Open() error = %v, want create StorageError", err)
	}
	if f.w.IsOpen() {
		t.Error("writer open after failed create")
	}
}

func TestWriter_FlushLayout(t *testing.T) {
	f := newFixture(t)
	f.repos.Threads.Attach(event.ThreadInfo{ID: 1, OSID: 100, Name: "worker", Group: "pool"})
	st := f.repos.StackTraces.Intern([]uintptr{10, 20}, false)
	f.source.data = userEvent(1, st)

	if err := f.w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}
	if err := f.w.Flush(true); err != nil {
		t.Fatal(err)
	}

	data := f.fs.files["a.chunk"].data
	c := f.parse(t, "a.chunk")
	h := c.Header

	if h.ChunkSize != int64(len(data)) || h.ChunkSize != f.w.Size() {
		t.Errorf("ChunkSize = %d, file = %d, writer = %d", h.ChunkSize, len(data), f.w.Size())
	}
	if h.Generation != 2 {
		t.Errorf("Generation = %d, want 2 after one flush", h.Generation)
	}
	if h.Flags != FlagCompressedInts {
		t.Errorf("Flags = %b", h.Flags)
	}

	events := c.EventsOf(1000)
	if len(events) != 1 {
		t.Fatalf("user events = %d, want 1", len(events))
	}
	if events[0].Thread != 1 || events[0].Start != 5 {
		t.Errorf("event = %+v", events[0])
	}
	if id, _ := wire.Varint(events[0].Payload); id != st {
		t.Errorf("stack trace ref = %d, want %d", id, st)
	}
	if n := len(c.EventsOf(event.TypeFlush)); n != 1 {
		t.Errorf("flush events = %d, want 1", n)
	}

	if len(c.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(c.Checkpoints))
	}
	threads, flush := c.Checkpoints[0], c.Checkpoints[1]
	if threads.Mask != CheckpointThreads || !equalTypes(poolTypes(threads), []event.TypeID{event.TypeThread, event.TypeThreadGroup}) {
		t.Errorf("thread checkpoint mask = %b, pools = %v", threads.Mask, poolTypes(threads))
	}
	wantFlush := []event.TypeID{event.TypeStackTrace, event.TypeMethod, event.TypeClass, event.TypeSymbol}
	if flush.Mask != CheckpointFlush || !equalTypes(poolTypes(flush), wantFlush) {
		t.Errorf("flush checkpoint mask = %b, pools = %v", flush.Mask, poolTypes(flush))
	}
	if threads.Delta != 0 || flush.Delta != flush.Offset-threads.Offset {
		t.Errorf("deltas = %d, %d", threads.Delta, flush.Delta)
	}
	if h.LastCheckpoint != flush.Offset {
		t.Errorf("LastCheckpoint = %d, want %d", h.LastCheckpoint, flush.Offset)
	}
	// Events precede the checkpoints that resolve them.
	if events[0].Offset > threads.Offset {
		t.Errorf("event at %d written after checkpoint at %d", events[0].Offset, threads.Offset)
	}

	if len(c.Metadata) != 1 || h.MetadataPosition != c.Metadata[0].Offset {
		t.Fatalf("metadata records = %d, header position = %d", len(c.Metadata), h.MetadataPosition)
	}
	if string(c.Metadata[0].Blob) != `{"types":[]}` || c.Metadata[0].Version != 1 {
		t.Errorf("metadata = %+v", c.Metadata[0])
	}

	frames, truncated := c.Pools.StackTrace(st)
	if truncated || len(frames) != 2 {
		t.Fatalf("frames = %v, truncated = %v", frames, truncated)
	}
	if frames[0].Method.String() != "main.fn10" || frames[1].Line != 20 {
		t.Errorf("frames = %v", frames)
	}
	if th := c.Pools.Thread(1); th.Name != "worker" || th.Group != "pool" || th.OSID != 100 {
		t.Errorf("thread = %+v", th)
	}
}

func TestWriter_FlushpointWritesOnlyNewEntries(t *testing.T) {
	f := newFixture(t)
	f.repos.Symbols.Intern("first")

	if err := f.w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}
	if err := f.w.Flush(true); err != nil {
		t.Fatal(err)
	}
	f.repos.Symbols.Intern("first")
	f.repos.Symbols.Intern("second")
	if err := f.w.Flush(true); err != nil {
		t.Fatal(err)
	}

	c := f.parse(t, "a.chunk")
	var counts []int
	for _, cp := range c.Checkpoints {
		for _, p := range cp.Pools {
			counts = append(counts, p.Count)
		}
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 1 {
		t.Errorf("symbol pool counts per flush = %v, want [1 1]", counts)
	}
	if len(c.Pools.Symbols) != 2 {
		t.Errorf("symbols = %v", c.Pools.Symbols)
	}
	if c.Header.Generation != 3 {
		t.Errorf("Generation = %d, want 3", c.Header.Generation)
	}
}

func TestWriter_MetadataOnlyWhenChanged(t *testing.T) {
	f := newFixture(t)
	if err := f.w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := f.w.Flush(true); err != nil {
			t.Fatal(err)
		}
	}
	f.meta.version = 2
	f.meta.blob = []byte(`{"types":[{"id":1000}]}`)
	if err := f.w.Flush(true); err != nil {
		t.Fatal(err)
	}

	c := f.parse(t, "a.chunk")
	if len(c.Metadata) != 2 {
		t.Fatalf("metadata records = %d, want 2", len(c.Metadata))
	}
	if c.Header.MetadataPosition != c.Metadata[1].Offset || c.Metadata[1].Version != 2 {
		t.Errorf("header points at %d, latest metadata %+v", c.Header.MetadataPosition, c.Metadata[1])
	}
}

func TestWriter_OversizedEvents(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture)
		wantOp  string
	}{
		{
			name: "metadata",
			prepare: func(f *fixture) {
				f.meta.version = 2
				f.meta.blob = make([]byte, 4096)
			},
			wantOp: "write metadata",
		},
		{
			name: "checkpoint",
			prepare: func(f *fixture) {
				pcs := make([]uintptr, 300)
				for i := range pcs {
					pcs[i] = uintptr(i + 1)
				}
				f.repos.StackTraces.Intern(pcs, false)
			},
			wantOp: "write checkpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.w.Open("a.chunk"); err != nil {
				t.Fatal(err)
			}
			f.w.maxEvent = 1024
			tt.prepare(f)

			err := f.w.Flush(true)
			if !stderrors.Is(err, errors.ErrEventTooLarge) {
				t.Fatalf("Flush() error = %v, want ErrEventTooLarge", err)
			}
			var storageErr *errors.StorageError
			if !stderrors.As(err, &storageErr) || storageErr.Operation != tt.wantOp {
				t.Errorf("Flush() error = %v, want StorageError for %q", err, tt.wantOp)
			}
		})
	}
}

func TestWriter_Close(t *testing.T) {
	f := newFixture(t)
	f.repos.Threads.Attach(event.ThreadInfo{ID: 1, Name: "worker"})
	first := f.repos.StackTraces.Intern([]uintptr{10}, false)

	if err := f.w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}
	if err := f.w.Flush(true); err != nil {
		t.Fatal(err)
	}
	second := f.repos.StackTraces.Intern([]uintptr{30}, true)
	f.source.data = userEvent(1, second)

	info, err := f.w.Close(true)
	if err != nil {
		t.Fatal(err)
	}
	if f.quiet.runs != 1 || f.ep.Generation() != 1 {
		t.Errorf("quiescer runs = %d, epoch generation = %d", f.quiet.runs, f.ep.Generation())
	}

	data := f.fs.files["a.chunk"].data
	if !f.fs.files["a.chunk"].closed {
		t.Error("chunk file left open")
	}
	if info.Path != "a.chunk" || info.SizeBytes != int64(len(data)) || !info.Final || info.Flushes != 1 {
		t.Errorf("ChunkInfo = %+v", info)
	}

	c := f.parse(t, "a.chunk")
	if !c.Header.Complete() || !c.Header.Final() {
		t.Errorf("header generation = %d, flags = %b", c.Header.Generation, c.Header.Flags)
	}
	if c.Header.ChunkSize != int64(len(data)) {
		t.Errorf("ChunkSize = %d, file = %d", c.Header.ChunkSize, len(data))
	}
	for _, id := range []uint64{first, second} {
		if _, ok := c.Pools.StackTraces[id]; !ok {
			t.Errorf("stack trace %d missing from closed chunk", id)
		}
	}
	if _, truncated := c.Pools.StackTrace(second); !truncated {
		t.Error("truncation flag lost")
	}
	if len(c.Metadata) != 1 {
		t.Errorf("metadata records = %d, want 1", len(c.Metadata))
	}

	// The retired epoch is cleared and live threads moved to the new one.
	if f.repos.StackTraces.Len() != 0 {
		t.Errorf("new epoch holds %d stack traces", f.repos.StackTraces.Len())
	}
	if f.repos.Threads.Unflushed() != 1 {
		t.Errorf("live threads in new epoch = %d, want 1", f.repos.Threads.Unflushed())
	}
}

func TestReadChunks_Concatenated(t *testing.T) {
	f := newFixture(t)
	f.repos.Threads.Attach(event.ThreadInfo{ID: 7, Name: "main"})

	for _, path := range []string{"a.chunk", "b.chunk"} {
		if err := f.w.Open(path); err != nil {
			t.Fatal(err)
		}
		if _, err := f.w.Close(path == "b.chunk"); err != nil {
			t.Fatal(err)
		}
	}

	a, b := f.fs.files["a.chunk"].data, f.fs.files["b.chunk"].data
	chunks, err := ReadChunks(append(append([]byte(nil), a...), b...))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[1].Offset != int64(len(a)) {
		t.Errorf("second chunk offset = %d, want %d", chunks[1].Offset, len(a))
	}
	if chunks[0].Header.Final() || !chunks[1].Header.Final() {
		t.Error("final flag on the wrong chunk")
	}
	for i, c := range chunks {
		if c.Pools.Thread(7).Name != "main" {
			t.Errorf("chunk %d cannot resolve the live thread", i)
		}
		if len(c.Metadata) != 1 {
			t.Errorf("chunk %d metadata records = %d, want 1", i, len(c.Metadata))
		}
	}
}

func TestWriter_CloseFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.fs.syncErr = stderrors.New("input/output error")

	if err := f.w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}
	_, err := f.w.Close(false)
	if !errors.IsFatal(err) {
		t.Fatalf("Close() error = %v, want FatalError", err)
	}
	if !stderrors.Is(err, f.fs.syncErr) {
		t.Errorf("Close() error does not wrap the cause: %v", err)
	}
	if f.w.State() != StateClosed {
		t.Errorf("state after failed close = %s", f.w.State())
	}
}

func TestWriter_EventHeaderUpgrade(t *testing.T) {
	f := newFixture(t)
	const typeID event.TypeID = 2000
	payload := make([]byte, 200)

	e := f.w.BeginEvent(typeID, 1, 0, 1)
	if e.Large() {
		t.Fatal("unknown type started with a large header")
	}
	e.Raw(payload)
	if f.w.EndEvent(e) {
		t.Fatal("EndEvent() accepted a 200 byte event with a one byte size")
	}

	e = f.w.BeginEvent(typeID, 1, 0, 1)
	if !e.Large() {
		t.Fatal("type not marked large after rejection")
	}
	e.Raw(payload)
	if !f.w.EndEvent(e) {
		t.Fatal("EndEvent() rejected a large event")
	}

	ok := f.w.WriteEvent(typeID+1, 1, 0, 1, func(e *Event) { e.Raw(payload) })
	if !ok {
		t.Fatal("WriteEvent() did not retry with a large header")
	}
	if !f.w.WriteEvent(typeID+2, 1, 0, 1, func(e *Event) { e.String("small") }) {
		t.Fatal("WriteEvent() rejected a small event")
	}

	if err := f.w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}
	if err := f.w.Flush(false); err != nil {
		t.Fatal(err)
	}
	c := f.parse(t, "a.chunk")

	// 4 byte size, 2 byte type id, start, duration, thread and the payload.
	for _, id := range []event.TypeID{typeID, typeID + 1} {
		recs := c.EventsOf(id)
		if len(recs) != 1 || recs[0].Size != 4+2+3+len(payload) {
			t.Errorf("type %d records = %+v", id, recs)
		}
	}
	if recs := c.EventsOf(typeID + 2); len(recs) != 1 || recs[0].Size >= 128 {
		t.Errorf("small event records = %+v", recs)
	}
}

func TestWriter_Persist(t *testing.T) {
	f := newFixture(t)
	if err := f.w.Open("a.chunk"); err != nil {
		t.Fatal(err)
	}

	ev := userEvent(1, 0)
	n, err := f.w.Persist("global", func(sink pkgbuffer.Sink) error {
		if err := sink.WriteBuffer(ev); err != nil {
			return err
		}
		return sink.WriteBuffer(ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(2*len(ev)) {
		t.Errorf("Persist() = %d bytes, want %d", n, 2*len(ev))
	}
	if f.w.Size() != HeaderSize+n {
		t.Errorf("Size() = %d", f.w.Size())
	}
	stats := f.w.Stats()
	if stats.SizeBytes != f.w.Size() || !stats.LastWriteTime.After(stats.FirstWriteTime) {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestNopWriter_Panics(t *testing.T) {
	var w ChunkWriter = NopWriter{}
	tests := []struct {
		name string
		call func()
	}{
		{"Open", func() { w.Open("a.chunk") }},
		{"Flush", func() { w.Flush(true) }},
		{"Close", func() { w.Close(true) }},
		{"Persist", func() { w.Persist("global", nil) }},
		{"WriteEvent", func() { w.WriteEvent(1000, 0, 0, 0, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if _, ok := recover().(*errors.InvariantError); !ok {
					t.Errorf("%s did not panic with an InvariantError", tt.name)
				}
			}()
			tt.call()
		})
	}

	if w.IsOpen() || w.Size() != 0 || w.State() != StateClosed {
		t.Error("NopWriter reports an open chunk")
	}
}
