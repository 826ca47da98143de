package encoder

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/jittakal/flightrec/pkg/encoder"
	"github.com/jittakal/flightrec/pkg/event"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*AvroEncoder)(nil)

// AvroEncoder implements encoder.Encoder for Avro Object Container Files.
// "gzip" wraps the whole file; "deflate" and "snappy" use the OCF block codecs.
type AvroEncoder struct {
	codec       *goavro.Codec
	compression string
}

// NewAvroEncoder creates a new Avro encoder with specified compression.
func NewAvroEncoder(compression string) (*AvroEncoder, error) {
	codec, err := goavro.NewCodec(avroSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}

	return &AvroEncoder{
		codec:       codec,
		compression: strings.ToLower(compression),
	}, nil
}

// avroSchema returns the Avro schema for catalog entries.
func avroSchema() string {
	return `{
		"type": "record",
		"name": "ChunkRecord",
		"namespace": "io.flightrec.catalog",
		"fields": [
			{"name": "recording_id", "type": "string"},
			{"name": "sequence", "type": "int"},
			{"name": "path", "type": "string"},
			{"name": "location", "type": ["null", "string"], "default": null},
			{"name": "size_bytes", "type": "long"},
			{"name": "start_time", "type": {"type": "long", "logicalType": "timestamp-micros"}},
			{"name": "end_time", "type": {"type": "long", "logicalType": "timestamp-micros"}},
			{"name": "duration_ms", "type": "long"},
			{"name": "flushes", "type": "int"},
			{"name": "final", "type": "boolean"}
		]
	}`
}

// blockCodec maps the compression name to an OCF block codec.
func (e *AvroEncoder) blockCodec() string {
	switch e.compression {
	case "deflate":
		return goavro.CompressionDeflateLabel
	case "snappy":
		return goavro.CompressionSnappyLabel
	default:
		return goavro.CompressionNullLabel
	}
}

// Encode writes the catalog to an Avro file.
func (e *AvroEncoder) Encode(filePath string, chunks []event.ChunkInfo) (*event.FileStats, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := e.write(file, chunks); err != nil {
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return catalogStats(filePath, chunks)
}

// EncodeToBytes encodes the catalog in memory.
func (e *AvroEncoder) EncodeToBytes(chunks []event.ChunkInfo) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to encode")
	}
	var buf bytes.Buffer
	if err := e.write(&buf, chunks); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *AvroEncoder) write(w io.Writer, chunks []event.ChunkInfo) error {
	var gzipWriter *gzip.Writer
	if e.compression == "gzip" {
		gzipWriter = gzip.NewWriter(w)
		w = gzipWriter
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           e.codec,
		CompressionName: e.blockCodec(),
	})
	if err != nil {
		return fmt.Errorf("failed to create OCF writer: %w", err)
	}

	records := make([]any, len(chunks))
	for i, c := range chunks {
		records[i] = toAvro(c)
	}
	if err := ocfWriter.Append(records); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}

	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil {
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	return nil
}

func toAvro(c event.ChunkInfo) map[string]any {
	m := map[string]any{
		"recording_id": c.RecordingID,
		"sequence":     int32(c.Sequence),
		"path":         c.Path,
		"size_bytes":   c.SizeBytes,
		"start_time":   c.StartTime.UTC(),
		"end_time":     c.EndTime().UTC(),
		"duration_ms":  c.Duration.Milliseconds(),
		"flushes":      int32(c.Flushes),
		"final":        c.Final,
		"location":     nil,
	}
	if c.Location != "" {
		m["location"] = goavro.Union("string", c.Location)
	}
	return m
}

// ReadAvro decodes a catalog written by AvroEncoder.
func ReadAvro(r io.Reader, gzipped bool) ([]event.ChunkInfo, error) {
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open OCF reader: %w", err)
	}

	var chunks []event.ChunkInfo
	for ocf.Scan() {
		datum, err := ocf.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		m, ok := datum.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T", datum)
		}
		c := event.ChunkInfo{
			RecordingID: m["recording_id"].(string),
			Sequence:    int(m["sequence"].(int32)),
			Path:        m["path"].(string),
			SizeBytes:   m["size_bytes"].(int64),
			StartTime:   m["start_time"].(time.Time),
			Duration:    time.Duration(m["duration_ms"].(int64)) * time.Millisecond,
			Flushes:     int(m["flushes"].(int32)),
			Final:       m["final"].(bool),
		}
		if u, ok := m["location"].(map[string]any); ok {
			c.Location, _ = u["string"].(string)
		}
		chunks = append(chunks, c)
	}
	return chunks, ocf.Err()
}

// Format returns the file format.
func (e *AvroEncoder) Format() event.FileFormat {
	return event.FormatAvro
}

// FileExtension returns the file extension.
func (e *AvroEncoder) FileExtension() string {
	if e.compression == "gzip" {
		return ".avro.gz"
	}
	return ".avro"
}
