// Package chunk writes and reads the self-describing chunk files a recording
// is persisted as.
//
// A chunk is a 68 byte big-endian header followed by events. Each event is
// framed as [size][type id][fields...]; the size is a one byte value for
// small events and a four byte padded integer for large ones. Type 0 events
// carry the event metadata and type 1 events are checkpoints holding the
// constant pools that other events refer to by id.
//
// The Writer moves through Closed, Open, Flushing and Closing. Every Flush
// patches the header so a partially written chunk is readable up to its last
// flush; Close marks it complete:
//
//	w := chunk.NewWriter(chunk.Deps{...})
//	if err := w.Open(path); err != nil {
//	    return err
//	}
//	defer w.Close(true)
//	w.Flush(true)
//
// ParseChunk and ReadChunks read chunks back, resolving pool references.
package chunk
