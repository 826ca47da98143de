// Package platform supplies the process-backed host services: memory from the
// Go heap under a byte cap, chunk files on the local file system and a
// monotonic clock.
package platform

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/host"
)

// HeapAllocator hands out zeroed slices from the Go heap. A positive limit
// caps the number of bytes outstanding.
type HeapAllocator struct {
	limit int64
	used  atomic.Int64
}

var _ host.Allocator = (*HeapAllocator)(nil)

// NewHeapAllocator returns an allocator capped at limit bytes; zero means
// unlimited.
func NewHeapAllocator(limit int64) *HeapAllocator {
	return &HeapAllocator{limit: limit}
}

// Allocate returns size zeroed bytes or ErrOutOfMemory once the cap is hit.
func (a *HeapAllocator) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.ErrOutOfMemory
	}
	if used := a.used.Add(int64(size)); a.limit > 0 && used > a.limit {
		a.used.Add(-int64(size))
		return nil, errors.ErrOutOfMemory
	}
	return make([]byte, size), nil
}

// Free returns mem to the budget.
func (a *HeapAllocator) Free(mem []byte) {
	a.used.Add(-int64(len(mem)))
}

// Used returns the number of bytes outstanding.
func (a *HeapAllocator) Used() int64 { return a.used.Load() }

// OSFileSystem creates chunk files with the os package.
type OSFileSystem struct{}

var _ host.FileSystem = OSFileSystem{}

// Create creates or truncates path, creating parent directories.
func (OSFileSystem) Create(path string) (host.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Clock reads wall time and a monotonic nanosecond tick counter.
type Clock struct {
	base time.Time
}

var _ host.Clock = (*Clock)(nil)

// NewClock returns a clock whose ticks count from now.
func NewClock() *Clock {
	return &Clock{base: time.Now()}
}

func (c *Clock) Now() time.Time { return time.Now() }

// Ticks returns nanoseconds since the clock was created.
func (c *Clock) Ticks() int64 { return int64(time.Since(c.base)) }

// Frequency returns ticks per second.
func (c *Clock) Frequency() int64 { return int64(time.Second) }
