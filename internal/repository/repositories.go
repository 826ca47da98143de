package repository

import (
	"encoding/binary"
	"sync"

	"github.com/jittakal/flightrec/internal/epoch"
	"github.com/jittakal/flightrec/internal/wire"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
)

// Symbols interns strings.
type Symbols struct{ *Table }

// Intern returns the id of str.
func (s *Symbols) Intern(str string) uint64 {
	return s.Table.Intern([]byte(str), func(dst []byte) []byte {
		return wire.AppendString(dst, str)
	})
}

// Types interns type names. A record is the symbol id of the name.
type Types struct {
	*Table
	symbols *Symbols
}

// Intern returns the id of the named type.
func (t *Types) Intern(name string) uint64 {
	return t.Table.Intern([]byte(name), func(dst []byte) []byte {
		return wire.AppendVarint(dst, t.symbols.Intern(name))
	})
}

// Methods interns functions. A record is [type id][name symbol][file symbol].
type Methods struct {
	*Table
	types   *Types
	symbols *Symbols
}

// Intern returns the id of m.
func (m *Methods) Intern(method event.Method) uint64 {
	key := make([]byte, 0, len(method.Type)+len(method.Name)+len(method.Descriptor)+2)
	key = append(key, method.Type...)
	key = append(key, 0)
	key = append(key, method.Name...)
	key = append(key, 0)
	key = append(key, method.Descriptor...)

	return m.Table.Intern(key, func(dst []byte) []byte {
		dst = wire.AppendVarint(dst, m.types.Intern(method.Type))
		dst = wire.AppendVarint(dst, m.symbols.Intern(method.Name))
		return wire.AppendVarint(dst, m.symbols.Intern(method.Descriptor))
	})
}

// StackTraces interns raw program counter sequences. A record is
// [truncated][frame count]{[method id][line][frame type]}; frames are
// symbolized only the first time a trace is seen in an epoch.
type StackTraces struct {
	*Table
	methods    *Methods
	symbolizer host.Symbolizer
}

// Intern returns the id of the trace.
func (s *StackTraces) Intern(pcs []uintptr, truncated bool) uint64 {
	key := make([]byte, 1, 1+8*len(pcs))
	if truncated {
		key[0] = 1
	}
	for _, pc := range pcs {
		key = binary.LittleEndian.AppendUint64(key, uint64(pc))
	}

	return s.Table.Intern(key, func(dst []byte) []byte {
		dst = append(dst, key[0])
		dst = wire.AppendVarint(dst, uint64(len(pcs)))
		for _, pc := range pcs {
			frame := s.symbolizer.Frame(pc)
			dst = wire.AppendVarint(dst, s.methods.Intern(frame.Method))
			dst = wire.AppendVarint(dst, uint64(frame.Line))
			dst = append(dst, byte(frame.Type))
		}
		return dst
	})
}

// ThreadGroups interns group names. A record is [parent id][name].
type ThreadGroups struct{ *Table }

// Intern returns the id of the group.
func (g *ThreadGroups) Intern(name string) uint64 {
	return g.Table.Intern([]byte(name), func(dst []byte) []byte {
		dst = wire.AppendVarint(dst, 0)
		return wire.AppendString(dst, name)
	})
}

// Threads interns thread identities under their stable ids. A record is
// [os id][name][group id]. Attached threads are registered again after every
// epoch flip so the next chunk can resolve them.
type Threads struct {
	*Table
	groups *ThreadGroups

	mu   sync.Mutex
	live map[uint64]event.ThreadInfo
}

// Attach records a live thread and interns it into the current epoch.
func (t *Threads) Attach(info event.ThreadInfo) uint64 {
	t.mu.Lock()
	t.live[info.ID] = info
	t.mu.Unlock()
	return t.intern(info)
}

// Detach forgets a thread. Its record stays in the current epoch.
func (t *Threads) Detach(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, id)
}

// Live returns the number of attached threads.
func (t *Threads) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *Threads) intern(info event.ThreadInfo) uint64 {
	key := wire.AppendVarint(nil, info.ID)
	return t.Table.InternID(key, info.ID, func(dst []byte) []byte {
		dst = wire.AppendVarint(dst, uint64(info.OSID))
		dst = wire.AppendString(dst, info.Name)
		var group uint64
		if info.Group != "" {
			group = t.groups.Intern(info.Group)
		}
		return wire.AppendVarint(dst, group)
	})
}

func (t *Threads) reregister(int) {
	t.mu.Lock()
	live := make([]event.ThreadInfo, 0, len(t.live))
	for _, info := range t.live {
		live = append(live, info)
	}
	t.mu.Unlock()

	for _, info := range live {
		t.intern(info)
	}
}

// Repositories groups the pools of one recording.
type Repositories struct {
	Symbols      *Symbols
	Types        *Types
	Methods      *Methods
	StackTraces  *StackTraces
	Threads      *Threads
	ThreadGroups *ThreadGroups
}

// New creates every pool on ep. Live threads are re-registered on each flip.
func New(ep *epoch.Epoch, symbolizer host.Symbolizer, metrics MetricsCollector) *Repositories {
	symbols := &Symbols{NewTable("symbols", event.TypeSymbol, ep, metrics)}
	types := &Types{Table: NewTable("types", event.TypeClass, ep, metrics), symbols: symbols}
	methods := &Methods{Table: NewTable("methods", event.TypeMethod, ep, metrics), types: types, symbols: symbols}
	groups := &ThreadGroups{NewTable("thread_groups", event.TypeThreadGroup, ep, metrics)}

	r := &Repositories{
		Symbols: symbols,
		Types:   types,
		Methods: methods,
		StackTraces: &StackTraces{
			Table:      NewTable("stack_traces", event.TypeStackTrace, ep, metrics),
			methods:    methods,
			symbolizer: symbolizer,
		},
		Threads: &Threads{
			Table:  NewTable("threads", event.TypeThread, ep, metrics),
			groups: groups,
			live:   make(map[uint64]event.ThreadInfo),
		},
		ThreadGroups: groups,
	}
	ep.OnFlip(r.Threads.reregister)
	return r
}

// WriteThreads writes the thread checkpoint pools: threads, then groups.
func (r *Repositories) WriteThreads(w CheckpointWriter, flushpoint bool) Status {
	return writeAll(w, flushpoint, r.Threads.Table, r.ThreadGroups.Table)
}

// WriteFlush writes the flush checkpoint pools in dependency order: each pool
// only references pools written after it.
func (r *Repositories) WriteFlush(w CheckpointWriter, flushpoint bool) Status {
	return writeAll(w, flushpoint,
		r.StackTraces.Table, r.Methods.Table, r.Types.Table, r.Symbols.Table)
}

// HasThreadData reports whether the thread checkpoint would carry anything.
func (r *Repositories) HasThreadData(flushpoint bool) bool {
	return r.Threads.HasUnflushed(flushpoint) || r.ThreadGroups.HasUnflushed(flushpoint)
}

// Tables returns every pool in write order.
func (r *Repositories) Tables() []*Table {
	return []*Table{
		r.Threads.Table, r.ThreadGroups.Table,
		r.StackTraces.Table, r.Methods.Table, r.Types.Table, r.Symbols.Table,
	}
}

// Reset empties every pool.
func (r *Repositories) Reset() {
	for _, t := range r.Tables() {
		t.Reset()
	}
}

func writeAll(w CheckpointWriter, flushpoint bool, tables ...*Table) Status {
	status := Empty
	for _, t := range tables {
		if t.Write(w, flushpoint) == NonEmpty {
			status = NonEmpty
		}
	}
	return status
}
