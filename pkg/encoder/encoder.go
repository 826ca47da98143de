// Package encoder defines interfaces for writing the chunk catalog of a
// recording in analytics file formats.
package encoder

import "github.com/jittakal/flightrec/pkg/event"

// Encoder writes catalog entries to a specific file format.
type Encoder interface {
	// Encode writes one row per chunk to a file and returns file statistics.
	Encode(filePath string, chunks []event.ChunkInfo) (*event.FileStats, error)

	// Format returns the file format this encoder produces.
	Format() event.FileFormat

	// FileExtension returns the file extension (e.g., ".parquet", ".avro").
	FileExtension() string
}
