package encoder

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/jittakal/flightrec/pkg/encoder"
	"github.com/jittakal/flightrec/pkg/event"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*ParquetEncoder)(nil)

// ChunkParquet is the Parquet row of one catalog entry. Time columns use
// TIMESTAMP_MICROS so query engines read them as timestamps.
type ChunkParquet struct {
	RecordingID string    `parquet:"recording_id,dict"`
	Sequence    int32     `parquet:"sequence"`
	Path        string    `parquet:"path"`
	Location    *string   `parquet:"location,optional"`
	SizeBytes   int64     `parquet:"size_bytes"`
	StartTime   time.Time `parquet:"start_time,timestamp(microsecond)"`
	EndTime     time.Time `parquet:"end_time,timestamp(microsecond)"`
	DurationMS  int64     `parquet:"duration_ms"`
	Flushes     int32     `parquet:"flushes"`
	Final       bool      `parquet:"final"`
}

// ParquetEncoder implements encoder.Encoder for Apache Parquet columnar format.
// Supports compression codecs SNAPPY (default), GZIP, LZ4 and ZSTD.
type ParquetEncoder struct {
	compressionName string
}

// NewParquetEncoder creates a new Parquet encoder with specified compression.
func NewParquetEncoder(compression string) *ParquetEncoder {
	return &ParquetEncoder{
		compressionName: compression,
	}
}

// compressionCodec converts string compression name to parquet WriterOption.
func compressionCodec(compression string) parquet.WriterOption {
	switch strings.ToLower(compression) {
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "uncompressed", "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// Encode writes the catalog to a Parquet file.
func (e *ParquetEncoder) Encode(filePath string, chunks []event.ChunkInfo) (*event.FileStats, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	rows := make([]ChunkParquet, len(chunks))
	for i, c := range chunks {
		rows[i] = toParquet(c)
	}

	writer := parquet.NewGenericWriter[ChunkParquet](
		file,
		parquet.SchemaOf(new(ChunkParquet)),
		compressionCodec(e.compressionName),
		parquet.CreatedBy("flightrec", "1.0", "0"),
	)

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		file.Close()
		return nil, fmt.Errorf("failed to write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return catalogStats(filePath, chunks)
}

func toParquet(c event.ChunkInfo) ChunkParquet {
	row := ChunkParquet{
		RecordingID: c.RecordingID,
		Sequence:    int32(c.Sequence),
		Path:        c.Path,
		SizeBytes:   c.SizeBytes,
		StartTime:   c.StartTime.UTC(),
		EndTime:     c.EndTime().UTC(),
		DurationMS:  c.Duration.Milliseconds(),
		Flushes:     int32(c.Flushes),
		Final:       c.Final,
	}
	if c.Location != "" {
		location := c.Location
		row.Location = &location
	}
	return row
}

// catalogStats describes a written catalog file. The write times span the
// chunks it lists.
func catalogStats(filePath string, chunks []event.ChunkInfo) (*event.FileStats, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	first, last := chunks[0].StartTime, chunks[0].EndTime()
	for _, c := range chunks[1:] {
		if c.StartTime.Before(first) {
			first = c.StartTime
		}
		if c.EndTime().After(last) {
			last = c.EndTime()
		}
	}
	return &event.FileStats{
		RecordCount:    len(chunks),
		SizeBytes:      fileInfo.Size(),
		FirstWriteTime: first,
		LastWriteTime:  last,
	}, nil
}

// Format returns the file format.
func (e *ParquetEncoder) Format() event.FileFormat {
	return event.FormatParquet
}

// FileExtension returns the file extension.
func (e *ParquetEncoder) FileExtension() string {
	return ".parquet"
}
