// Package storage defines interfaces for chunk storage operations.
//
// This package provides abstractions for archiving completed chunks to
// long-term storage backends (S3, GCS, Azure Blob, local filesystem) and for
// deciding when the open chunk should rotate.
package storage

import (
	"context"

	"github.com/jittakal/flightrec/pkg/event"
)

// Archiver copies completed chunks to long-term storage.
type Archiver interface {
	// Archive uploads the chunk described by info and returns the location
	// it was stored at.
	Archive(ctx context.Context, info event.ChunkInfo) (string, error)

	// Backend names the storage backend (file, s3, gcs, azure).
	Backend() string

	// Close closes the archiver and releases resources.
	Close() error
}

// Router determines archive object keys for completed chunks.
type Router interface {
	// Route returns the object key for a chunk, relative to the backend's
	// bucket or base directory.
	Route(info event.ChunkInfo) string
}

// RotationPolicy determines when the open chunk should be rotated.
type RotationPolicy interface {
	// ShouldRotate returns true if the chunk should be completed based on stats.
	ShouldRotate(stats event.FileStats) bool
}
