package chunk

import (
	"fmt"
	"os"

	"github.com/jittakal/flightrec/internal/wire"
	"github.com/jittakal/flightrec/pkg/event"
)

// Record is one event read back from a chunk. Payload starts after the
// implicit start, duration and thread fields.
type Record struct {
	Offset   int64
	Size     int
	Type     event.TypeID
	Start    int64
	Duration int64
	Thread   uint64
	Payload  []byte
}

// PoolSection is one pool of a checkpoint.
type PoolSection struct {
	Type  event.TypeID
	Count int
}

// CheckpointRecord is a parsed checkpoint event.
type CheckpointRecord struct {
	Offset int64
	Start  int64
	Delta  int64
	Mask   byte
	Pools  []PoolSection
}

// MetadataRecord is a parsed metadata event.
type MetadataRecord struct {
	Offset  int64
	Version uint64
	Blob    []byte
}

// MethodEntry is a method pool record.
type MethodEntry struct {
	Type       uint64
	Name       uint64
	Descriptor uint64
}

// FrameEntry is one frame of a stack trace pool record.
type FrameEntry struct {
	Method uint64
	Line   int32
	Type   event.FrameType
}

// StackTraceEntry is a stack trace pool record.
type StackTraceEntry struct {
	Truncated bool
	Frames    []FrameEntry
}

// ThreadEntry is a thread pool record.
type ThreadEntry struct {
	OSID  int64
	Name  string
	Group uint64
}

// Pools holds every constant pool entry found in a chunk, keyed by id.
type Pools struct {
	Symbols      map[uint64]string
	Types        map[uint64]uint64
	Methods      map[uint64]MethodEntry
	StackTraces  map[uint64]StackTraceEntry
	Threads      map[uint64]ThreadEntry
	ThreadGroups map[uint64]string
}

func newPools() Pools {
	return Pools{
		Symbols:      make(map[uint64]string),
		Types:        make(map[uint64]uint64),
		Methods:      make(map[uint64]MethodEntry),
		StackTraces:  make(map[uint64]StackTraceEntry),
		Threads:      make(map[uint64]ThreadEntry),
		ThreadGroups: make(map[uint64]string),
	}
}

// Method resolves a method id.
func (p *Pools) Method(id uint64) event.Method {
	m, ok := p.Methods[id]
	if !ok {
		return event.Method{}
	}
	return event.Method{
		Type:       p.Symbols[p.Types[m.Type]],
		Name:       p.Symbols[m.Name],
		Descriptor: p.Symbols[m.Descriptor],
	}
}

// StackTrace resolves a stack trace id into frames.
func (p *Pools) StackTrace(id uint64) ([]event.Frame, bool) {
	st, ok := p.StackTraces[id]
	if !ok {
		return nil, false
	}
	frames := make([]event.Frame, len(st.Frames))
	for i, f := range st.Frames {
		frames[i] = event.Frame{Method: p.Method(f.Method), Line: f.Line, Type: f.Type}
	}
	return frames, st.Truncated
}

// Thread resolves a thread id.
func (p *Pools) Thread(id uint64) event.ThreadInfo {
	t, ok := p.Threads[id]
	if !ok {
		return event.ThreadInfo{ID: id}
	}
	return event.ThreadInfo{ID: id, OSID: t.OSID, Name: t.Name, Group: p.ThreadGroups[t.Group]}
}

// Chunk is a parsed chunk.
type Chunk struct {
	Offset      int64
	Header      Header
	Events      []Record
	Checkpoints []CheckpointRecord
	Metadata    []MetadataRecord
	Pools       Pools
}

// EventsOf returns the events of one type.
func (c *Chunk) EventsOf(id event.TypeID) []Record {
	var out []Record
	for _, r := range c.Events {
		if r.Type == id {
			out = append(out, r)
		}
	}
	return out
}

// ParseChunk parses the chunk at the start of data. A chunk still being
// written is read up to its last flush.
func ParseChunk(data []byte) (*Chunk, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Generation == GenerationGuard {
		return nil, fmt.Errorf("chunk: header is being patched")
	}
	if h.ChunkSize < HeaderSize || h.ChunkSize > int64(len(data)) {
		return nil, fmt.Errorf("chunk: size %d outside [%d, %d]", h.ChunkSize, HeaderSize, len(data))
	}

	c := &Chunk{Header: h, Pools: newPools()}
	body := data[:h.ChunkSize]
	for pos := HeaderSize; pos < len(body); {
		size, n := wire.Varint(body[pos:])
		if n == 0 || size < uint64(n) || pos+int(size) > len(body) {
			return nil, fmt.Errorf("chunk: bad event size at offset %d", pos)
		}
		if err := c.parseEvent(int64(pos), body[pos+n:pos+int(size)], int(size)); err != nil {
			return nil, fmt.Errorf("chunk: event at offset %d: %w", pos, err)
		}
		pos += int(size)
	}
	return c, nil
}

func (c *Chunk) parseEvent(offset int64, body []byte, size int) error {
	d := wire.NewDecoder(body)
	typeID := event.TypeID(d.Ulong())

	switch typeID {
	case event.TypeMetadata:
		d.Long()
		d.Long()
		m := MetadataRecord{Offset: offset, Version: d.Ulong()}
		m.Blob = d.Bytes(int(d.Ulong()))
		c.Metadata = append(c.Metadata, m)
	case event.TypeCheckpoint:
		cp := CheckpointRecord{Offset: offset, Start: d.Long()}
		d.Long()
		cp.Delta = d.Long()
		cp.Mask = d.Byte()
		pools := int(d.Ulong())
		for i := 0; i < pools && d.Err() == nil; i++ {
			sec := PoolSection{Type: event.TypeID(d.Ulong()), Count: int(d.Ulong())}
			c.parsePool(d, sec)
			cp.Pools = append(cp.Pools, sec)
		}
		c.Checkpoints = append(c.Checkpoints, cp)
	default:
		r := Record{Offset: offset, Size: size, Type: typeID}
		r.Start = d.Long()
		r.Duration = d.Long()
		r.Thread = d.Ulong()
		r.Payload = body[d.Pos():]
		c.Events = append(c.Events, r)
	}
	return d.Err()
}

func (c *Chunk) parsePool(d *wire.Decoder, sec PoolSection) {
	p := &c.Pools
	for i := 0; i < sec.Count && d.Err() == nil; i++ {
		id := d.Ulong()
		switch sec.Type {
		case event.TypeSymbol:
			p.Symbols[id] = d.String().Value
		case event.TypeClass:
			p.Types[id] = d.Ulong()
		case event.TypeMethod:
			p.Methods[id] = MethodEntry{Type: d.Ulong(), Name: d.Ulong(), Descriptor: d.Ulong()}
		case event.TypeStackTrace:
			st := StackTraceEntry{Truncated: d.Byte() != 0}
			n := int(d.Ulong())
			for j := 0; j < n && d.Err() == nil; j++ {
				st.Frames = append(st.Frames, FrameEntry{
					Method: d.Ulong(),
					Line:   int32(d.Ulong()),
					Type:   event.FrameType(d.Byte()),
				})
			}
			p.StackTraces[id] = st
		case event.TypeThread:
			p.Threads[id] = ThreadEntry{OSID: d.Long(), Name: d.String().Value, Group: d.Ulong()}
		case event.TypeThreadGroup:
			d.Ulong()
			p.ThreadGroups[id] = d.String().Value
		default:
			d.Seek(d.Pos() + d.Remaining())
			return
		}
	}
}

// ReadChunks parses every chunk in data, which may hold several chunks
// written back to back.
func ReadChunks(data []byte) ([]*Chunk, error) {
	var chunks []*Chunk
	for off := 0; off < len(data); {
		c, err := ParseChunk(data[off:])
		if err != nil {
			return chunks, fmt.Errorf("chunk at offset %d: %w", off, err)
		}
		c.Offset = int64(off)
		chunks = append(chunks, c)
		off += int(c.Header.ChunkSize)
	}
	return chunks, nil
}

// ReadFile parses every chunk in the named file.
func ReadFile(path string) ([]*Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ReadChunks(data)
}
