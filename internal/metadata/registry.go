// Package metadata keeps the registered event types and serializes them into
// the metadata blob written to every chunk.
package metadata

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/validator"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
)

// Document is the decoded form of a metadata blob.
type Document struct {
	Version uint64             `json:"version"`
	Types   []event.Descriptor `json:"types"`
}

// Builtin returns the descriptors of the recorder's own event types.
func Builtin() []event.Descriptor {
	return []event.Descriptor{
		{
			ID:       event.TypeDataLoss,
			Name:     "flightrec.DataLoss",
			Label:    "Data Loss",
			Category: []string{"Recorder"},
			Fields: []event.Field{
				{Name: "amount", Kind: event.KindLong, Label: "Bytes dropped"},
				{Name: "total", Kind: event.KindLong, Label: "Total bytes dropped"},
			},
		},
		{
			ID:       event.TypeThreadStart,
			Name:     "flightrec.ThreadStart",
			Label:    "Thread Start",
			Category: []string{"Runtime"},
			Fields:   []event.Field{},
		},
		{
			ID:       event.TypeThreadEnd,
			Name:     "flightrec.ThreadEnd",
			Label:    "Thread End",
			Category: []string{"Runtime"},
			Fields:   []event.Field{},
		},
		{
			ID:       event.TypeExecutionSample,
			Name:     "flightrec.ExecutionSample",
			Label:    "Execution Sample",
			Category: []string{"Runtime", "Profiling"},
			Fields: []event.Field{
				{Name: "goroutines", Kind: event.KindLong, Label: "Goroutines sampled"},
				{Name: "stackTrace", Kind: event.KindStackTrace},
			},
			Throttled: true,
		},
		{
			ID:       event.TypeFlush,
			Name:     "flightrec.Flush",
			Label:    "Flush",
			Category: []string{"Recorder"},
			Fields: []event.Field{
				{Name: "flushId", Kind: event.KindLong},
				{Name: "chunkSize", Kind: event.KindLong},
			},
		},
	}
}

// Registry holds the registered event types. It implements
// host.MetadataProvider; the version changes whenever a type is added or
// replaced.
type Registry struct {
	validator *validator.DescriptorValidator

	mu      sync.RWMutex
	types   map[event.TypeID]event.Descriptor
	byName  map[string]event.TypeID
	next    event.TypeID
	version uint64
	blob    []byte
}

var _ host.MetadataProvider = (*Registry)(nil)

// NewRegistry returns a registry holding the built-in types.
func NewRegistry() *Registry {
	r := &Registry{
		validator: validator.NewDescriptorValidator(),
		types:     make(map[event.TypeID]event.Descriptor),
		byName:    make(map[string]event.TypeID),
		next:      event.FirstUserType,
	}
	for _, d := range Builtin() {
		if _, err := r.Register(d); err != nil {
			errors.Invariant("metadata registry", "built-in %s rejected: %v", d.Name, err)
		}
	}
	return r
}

// Register adds or replaces an event type. A zero ID assigns the next free
// user identifier. Registering an identical descriptor again is a no-op.
func (r *Registry) Register(d event.Descriptor) (event.TypeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID == 0 {
		if id, ok := r.byName[d.Name]; ok {
			d.ID = id
		} else {
			d.ID = r.next
		}
	}
	if err := r.validator.Validate(&d); err != nil {
		return 0, err
	}
	if id, ok := r.byName[d.Name]; ok && id != d.ID {
		return 0, &errors.ValidationError{
			EventType: d.Name,
			Field:     "name",
			Reason:    fmt.Sprintf("already registered with id %d", id),
		}
	}
	if old, ok := r.types[d.ID]; ok {
		if old.Name != d.Name {
			return 0, &errors.ValidationError{
				EventType: d.Name,
				Field:     "id",
				Reason:    fmt.Sprintf("id %d already used by %s", d.ID, old.Name),
			}
		}
		if sameDescriptor(old, d) {
			return d.ID, nil
		}
	}

	r.types[d.ID] = d
	r.byName[d.Name] = d.ID
	if d.ID >= r.next {
		r.next = d.ID + 1
	}
	r.version++
	r.blob = nil
	return d.ID, nil
}

func sameDescriptor(a, b event.Descriptor) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// Lookup returns the descriptor of id.
func (r *Registry) Lookup(id event.TypeID) (event.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[id]
	return d, ok
}

// ByName returns the descriptor registered under name.
func (r *Registry) ByName(name string) (event.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return event.Descriptor{}, false
	}
	return r.types[id], true
}

// Descriptors returns every registered type ordered by id.
func (r *Registry) Descriptors() []event.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

func (r *Registry) sorted() []event.Descriptor {
	out := make([]event.Descriptor, 0, len(r.types))
	for _, d := range r.types {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Version returns the current metadata version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Metadata returns the JSON encoded Document and its version.
func (r *Registry) Metadata() ([]byte, uint64) {
	r.mu.RLock()
	if r.blob != nil {
		defer r.mu.RUnlock()
		return r.blob, r.version
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blob == nil {
		blob, err := json.Marshal(Document{Version: r.version, Types: r.sorted()})
		if err != nil {
			errors.Invariant("metadata registry", "encode metadata: %v", err)
		}
		r.blob = blob
	}
	return r.blob, r.version
}

// Decode parses a metadata blob.
func Decode(blob []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		return Document{}, fmt.Errorf("decode metadata: %w", err)
	}
	return doc, nil
}

// Index maps the types of a document by id.
func (d Document) Index() map[event.TypeID]event.Descriptor {
	idx := make(map[event.TypeID]event.Descriptor, len(d.Types))
	for _, t := range d.Types {
		idx[t.ID] = t
	}
	return idx
}
