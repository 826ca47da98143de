package chunk

import (
	"github.com/jittakal/flightrec/internal/errors"
	pkgbuffer "github.com/jittakal/flightrec/pkg/buffer"
	"github.com/jittakal/flightrec/pkg/event"
)

// NopWriter stands in for a Writer when persistence is disabled. Reaching any
// of its mutating methods is a logic error and panics.
type NopWriter struct{}

var _ ChunkWriter = NopWriter{}

func nop(op string) {
	errors.Invariant("chunk writer", "%s called with persistence disabled", op)
}

func (NopWriter) Open(string) error { nop("Open"); return nil }

func (NopWriter) Flush(bool) error { nop("Flush"); return nil }

func (NopWriter) Close(bool) (event.ChunkInfo, error) { nop("Close"); return event.ChunkInfo{}, nil }

func (NopWriter) Persist(string, func(pkgbuffer.Sink) error) (int64, error) {
	nop("Persist")
	return 0, nil
}

func (NopWriter) WriteEvent(event.TypeID, int64, int64, uint64, func(*Event)) bool {
	nop("WriteEvent")
	return false
}

func (NopWriter) State() State { return StateClosed }

func (NopWriter) IsOpen() bool { return false }

func (NopWriter) Size() int64 { return 0 }

func (NopWriter) Stats() event.FileStats { return event.FileStats{} }
