// Package storage implements the chunk repository, rotation policy and the
// archivers that copy completed chunks to long-term storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/event"
	pkgstorage "github.com/jittakal/flightrec/pkg/storage"
)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncArchives(backend string, status string)
	ObserveArchiveDuration(backend string, duration float64)
	ObserveArchivedSize(backend string, size float64)
	IncStorageErrors(backend string, operation string)
}

// uploadFunc stores size bytes read from body under key.
type uploadFunc func(ctx context.Context, key string, body io.Reader, size int64) error

// archiver holds the steps shared by every backend: routing, compression,
// metrics and logging. Backends supply the upload and the location format.
type archiver struct {
	backend     string
	router      pkgstorage.Router
	compression Compression
	upload      uploadFunc
	location    func(key string) string
	logger      *slog.Logger
	metrics     MetricsCollector
}

// Backend names the storage backend.
func (a *archiver) Backend() string { return a.backend }

// Key returns the object key a chunk is archived under.
func (a *archiver) Key(info event.ChunkInfo) string {
	return a.router.Route(info) + a.compression.Extension()
}

func (a *archiver) archive(ctx context.Context, info event.ChunkInfo) (string, error) {
	startTime := time.Now()
	key := a.Key(info)

	body, size, cleanup, err := a.prepare(info.Path)
	if err != nil {
		a.fail("prepare")
		return "", &errors.StorageError{Operation: "prepare", Path: info.Path, Err: err}
	}
	defer cleanup()

	if err := a.upload(ctx, key, body, size); err != nil {
		a.fail("upload")
		return "", &errors.StorageError{Operation: "upload", Path: a.location(key), Err: err}
	}

	duration := time.Since(startTime)
	location := a.location(key)

	a.logger.Info("Chunk archived",
		"chunk", info.Path,
		"location", location,
		"chunk_size", info.SizeBytes,
		"archived_size", size,
		"compression", a.compression,
		"total_duration_ms", duration.Milliseconds(),
	)

	if a.metrics != nil {
		a.metrics.IncArchives(a.backend, "success")
		a.metrics.ObserveArchiveDuration(a.backend, duration.Seconds())
		a.metrics.ObserveArchivedSize(a.backend, float64(size))
	}
	return location, nil
}

func (a *archiver) fail(operation string) {
	if a.metrics != nil {
		a.metrics.IncStorageErrors(a.backend, operation)
		a.metrics.IncArchives(a.backend, "failure")
	}
}

// prepare opens the chunk, compressing it into a temporary file first when
// a codec is configured.
func (a *archiver) prepare(path string) (io.Reader, int64, func(), error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	if a.compression == CompressionNone {
		st, err := src.Stat()
		if err != nil {
			src.Close()
			return nil, 0, nil, err
		}
		return src, st.Size(), func() { src.Close() }, nil
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", fmt.Sprintf("%s-archive-*%s", a.backend, a.compression.Extension()))
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := a.compression.Copy(tmp, src); err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return tmp, size, cleanup, nil
}

// ArchiveConfig selects and configures an archive backend.
type ArchiveConfig struct {
	Backend     string
	Compression string
	BasePath    string
	File        FileConfig
	S3          S3Config
	GCS         GCSConfig
	Azure       AzureConfig
}

// NewArchiver creates the archiver for cfg.Backend. It returns nil for the
// "none" backend.
func NewArchiver(ctx context.Context, cfg ArchiveConfig, logger *slog.Logger, metrics MetricsCollector) (pkgstorage.Archiver, error) {
	compression, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	router := NewRouter(cfg.BasePath)
	logger = logger.With("component", "archiver")

	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		return wrap(NewFileArchiver(cfg.File, router, compression, logger, metrics))
	case "s3":
		return wrap(NewS3Archiver(ctx, cfg.S3, router, compression, logger, metrics))
	case "gcs":
		return wrap(NewGCSArchiver(ctx, cfg.GCS, router, compression, logger, metrics))
	case "azure":
		return wrap(NewAzureArchiver(cfg.Azure, router, compression, logger, metrics))
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}

// wrap keeps a failed constructor from yielding a non-nil interface holding
// a nil pointer.
func wrap[T pkgstorage.Archiver](a T, err error) (pkgstorage.Archiver, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}
