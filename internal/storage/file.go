package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jittakal/flightrec/pkg/event"
	pkgstorage "github.com/jittakal/flightrec/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ pkgstorage.Archiver = (*FileArchiver)(nil)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	BasePath string
}

// Validate validates file configuration.
func (c FileConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("file base path is required")
	}
	return nil
}

// FileArchiver copies completed chunks into a local directory tree. Objects
// are written to a temporary name and renamed, so a reader never sees a
// partial chunk.
type FileArchiver struct {
	archiver
	basePath string
}

// NewFileArchiver creates a new filesystem archiver.
func NewFileArchiver(
	cfg FileConfig,
	router pkgstorage.Router,
	compression Compression,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*FileArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	basePath := strings.TrimPrefix(cfg.BasePath, "file://")
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	a := &FileArchiver{basePath: basePath}
	a.archiver = archiver{
		backend:     "file",
		router:      router,
		compression: compression,
		upload:      a.write,
		location:    a.path,
		logger:      logger,
		metrics:     metrics,
	}

	logger.Info("filesystem archiver created",
		"base_path", basePath,
		"compression", compression,
	)
	return a, nil
}

// Archive copies the chunk under the base path and returns its location.
func (a *FileArchiver) Archive(ctx context.Context, info event.ChunkInfo) (string, error) {
	return a.archive(ctx, info)
}

func (a *FileArchiver) path(key string) string {
	return filepath.Join(a.basePath, filepath.FromSlash(key))
}

func (a *FileArchiver) write(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := a.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Close closes the archiver.
func (a *FileArchiver) Close() error {
	a.logger.Info("closing filesystem archiver")
	return nil
}
