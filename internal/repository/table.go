// Package repository implements the deduplicating constant pools that events
// reference by id: symbols, types, methods, stack traces, threads and thread
// groups.
//
// Every pool is double buffered by an epoch.Epoch. Producers intern into the
// current epoch while the chunk writer drains the previous one, so a drain of
// the retired epoch never races with inserts.
package repository

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/jittakal/flightrec/internal/buffer"
	"github.com/jittakal/flightrec/internal/epoch"
	"github.com/jittakal/flightrec/internal/wire"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
)

// Status reports whether a Write produced any records.
type Status uint8

const (
	Empty Status = iota
	NonEmpty
)

func (s Status) String() string {
	if s == NonEmpty {
		return "non_empty"
	}
	return "empty"
}

// CheckpointWriter receives serialized pools. entries holds count records of
// the form [id][payload] and is only valid for the duration of the call.
type CheckpointWriter interface {
	AddPool(typeID event.TypeID, count int, entries []byte)
}

// MetricsCollector defines the interface for repository metrics.
type MetricsCollector interface {
	SetRepositoryEntries(repository string, entries int)
}

type entry struct {
	id  uint64
	key []byte
}

// set is the per-epoch half of a table.
type set struct {
	index     map[uint64][]entry
	buf       *buffer.Buffer
	scratch   []byte
	entries   int
	unflushed int
}

func newSet() *set {
	return &set{
		index: make(map[uint64][]entry),
		buf:   buffer.New(pkgbuffer.KindHeapResizable, 0),
	}
}

func (s *set) find(hash uint64, key []byte) (uint64, bool) {
	for _, e := range s.index[hash] {
		if bytes.Equal(e.key, key) {
			return e.id, true
		}
	}
	return 0, false
}

func (s *set) clear() {
	clear(s.index)
	s.buf.Reinit()
	s.entries = 0
	s.unflushed = 0
}

// Table is a deduplicating pool keyed by bytes. Ids come from a counter that
// is never reset, so an id is never reused for a different payload while a
// recording runs.
type Table struct {
	name    string
	typeID  event.TypeID
	epoch   *epoch.Epoch
	metrics MetricsCollector

	mu   sync.Mutex
	seq  atomic.Uint64
	sets [2]*set
}

// NewTable creates a table that writes its records as pool typeID.
func NewTable(name string, typeID event.TypeID, ep *epoch.Epoch, metrics MetricsCollector) *Table {
	return &Table{
		name:    name,
		typeID:  typeID,
		epoch:   ep,
		metrics: metrics,
		sets:    [2]*set{newSet(), newSet()},
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// TypeID returns the pool type the table writes.
func (t *Table) TypeID() event.TypeID { return t.typeID }

// Intern returns the id of key in the current epoch, inserting it when
// absent. For a new entry, payload is called under the table lock to append
// the serialized record body to dst. payload may intern into other tables
// that come later in the write order, never into earlier ones.
func (t *Table) Intern(key []byte, payload func(dst []byte) []byte) uint64 {
	return t.intern(key, 0, false, payload)
}

// InternID is like Intern but stores key under a caller-chosen id. It is used
// for pools whose ids must stay stable across epochs.
func (t *Table) InternID(key []byte, id uint64, payload func(dst []byte) []byte) uint64 {
	return t.intern(key, id, true, payload)
}

func (t *Table) intern(key []byte, id uint64, fixed bool, payload func(dst []byte) []byte) uint64 {
	hash := xxhash.Sum64(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sets[t.epoch.Current()]
	if existing, ok := s.find(hash, key); ok {
		return existing
	}

	if !fixed {
		id = t.seq.Add(1)
	}
	s.scratch = wire.AppendVarint(s.scratch[:0], id)
	if payload != nil {
		s.scratch = payload(s.scratch)
	}
	s.buf.Append(s.scratch)

	s.index[hash] = append(s.index[hash], entry{id: id, key: bytes.Clone(key)})
	s.entries++
	s.unflushed++
	if t.metrics != nil {
		t.metrics.SetRepositoryEntries(t.name, s.entries)
	}
	return id
}

// Lookup returns the id of key in the current epoch without inserting.
func (t *Table) Lookup(key []byte) (uint64, bool) {
	hash := xxhash.Sum64(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sets[t.epoch.Current()].find(hash, key)
}

// Write serializes pending records into w. A flushpoint write drains the
// current epoch and keeps its dedup index, because producers keep interning
// until the next flip. Any other write drains the previous epoch and then
// clears it entirely.
func (t *Table) Write(w CheckpointWriter, flushpoint bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.epoch.Previous()
	if flushpoint {
		idx = t.epoch.Current()
	}
	s := t.sets[idx]

	status := Empty
	if s.unflushed > 0 {
		w.AddPool(t.typeID, s.unflushed, s.buf.UnflushedBytes())
		s.buf.MarkFlushed(s.buf.Committed())
		s.unflushed = 0
		status = NonEmpty
	}
	if !flushpoint {
		s.clear()
	}
	return status
}

// Unflushed returns the number of current-epoch records not yet written.
func (t *Table) Unflushed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sets[t.epoch.Current()].unflushed
}

// HasUnflushed reports whether either epoch holds unwritten records.
func (t *Table) HasUnflushed(flushpoint bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.epoch.Previous()
	if flushpoint {
		idx = t.epoch.Current()
	}
	return t.sets[idx].unflushed > 0
}

// Len returns the number of entries in the current epoch.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sets[t.epoch.Current()].entries
}

// Reset empties both epochs. The id counter keeps running.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sets {
		s.clear()
	}
}
