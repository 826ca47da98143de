package storage

import (
	"path"
	"path/filepath"
	"time"

	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/storage"
)

// Ensure implementations satisfy interfaces.
var (
	_ storage.Router         = (*DefaultRouter)(nil)
	_ storage.RotationPolicy = (*CompositePolicy)(nil)
)

// DefaultRouter implements Hive-style partitioning for archived chunks.
type DefaultRouter struct {
	basePath string
}

// NewRouter creates a new archive router.
func NewRouter(basePath string) *DefaultRouter {
	return &DefaultRouter{basePath: basePath}
}

// Route returns the object key for a chunk.
// Format: basePath/recording=ID/dt=YYYY-MM-DD/hour=HH/<chunk file name>
// The partition is taken from the chunk start time, not the archive time.
func (r *DefaultRouter) Route(info event.ChunkInfo) string {
	t := info.StartTime.UTC()
	recording := info.RecordingID
	if recording == "" {
		recording = "unknown"
	}
	return path.Join(
		r.basePath,
		"recording="+recording,
		"dt="+t.Format("2006-01-02"),
		"hour="+t.Format("15"),
		filepath.Base(info.Path),
	)
}

// PolicyConfig configures rotation behavior.
type PolicyConfig struct {
	MaxChunkSizeBytes int64
	MaxFlushes        int
	MaxAge            time.Duration
}

// CompositePolicy rotates based on multiple criteria.
type CompositePolicy struct {
	maxSizeBytes int64
	maxFlushes   int
	maxAge       time.Duration
	now          func() time.Time
}

// NewPolicy creates a new rotation policy.
func NewPolicy(config PolicyConfig) *CompositePolicy {
	return &CompositePolicy{
		maxSizeBytes: config.MaxChunkSizeBytes,
		maxFlushes:   config.MaxFlushes,
		maxAge:       config.MaxAge,
		now:          time.Now,
	}
}

// ShouldRotate returns true if any rotation condition is met.
func (p *CompositePolicy) ShouldRotate(stats event.FileStats) bool {
	// Size-based rotation
	if p.maxSizeBytes > 0 && stats.SizeBytes >= p.maxSizeBytes {
		return true
	}

	// Flush-count rotation
	if p.maxFlushes > 0 && stats.Flushes >= p.maxFlushes {
		return true
	}

	// Age-based rotation
	if p.maxAge > 0 && !stats.FirstWriteTime.IsZero() {
		if p.now().Sub(stats.FirstWriteTime) >= p.maxAge {
			return true
		}
	}

	return false
}
