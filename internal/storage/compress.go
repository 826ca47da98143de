package storage

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression is the codec applied to chunks before they are archived.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a configured codec name. An empty name means
// no compression.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(name)); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported compression: %s", name)
	}
}

// Extension returns the suffix appended to archived object names.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// ContentType returns the MIME type of an archived object.
func (c Compression) ContentType() string {
	switch c {
	case CompressionGzip:
		return "application/gzip"
	case CompressionZstd:
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// Copy writes src to dst through the codec and returns the number of bytes
// read from src.
func (c Compression) Copy(dst io.Writer, src io.Reader) (int64, error) {
	switch c {
	case CompressionGzip:
		zw := gzip.NewWriter(dst)
		n, err := io.Copy(zw, src)
		if err != nil {
			zw.Close()
			return n, err
		}
		return n, zw.Close()
	case CompressionZstd:
		zw, err := zstd.NewWriter(dst)
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(zw, src)
		if err != nil {
			zw.Close()
			return n, err
		}
		return n, zw.Close()
	default:
		return io.Copy(dst, src)
	}
}

// NewReader returns a reader that decodes src.
func (c Compression) NewReader(src io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionGzip:
		return gzip.NewReader(src)
	case CompressionZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(src), nil
	}
}
