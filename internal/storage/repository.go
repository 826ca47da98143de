package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/jittakal/flightrec/internal/chunk"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/event"
)

// ChunkExtension is the file suffix of chunk files.
const ChunkExtension = ".chunk"

// Repository is the directory chunk files are written to while a recording
// runs. Chunk names sort by creation time: <timestamp>_<xid>.chunk.
type Repository struct {
	dir       string
	temporary bool
	preserve  bool
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	chunks []event.ChunkInfo
	paths  []string
}

// NewRepository opens dir as the chunk repository, creating it if needed.
// An empty dir creates a temporary directory. Unless preserve is set, Close
// removes every chunk the repository handed out.
func NewRepository(dir string, preserve bool, logger *slog.Logger) (*Repository, error) {
	r := &Repository{
		dir:      dir,
		preserve: preserve,
		now:      time.Now,
		logger:   logger.With("component", "repository"),
	}
	if dir == "" {
		tmp, err := os.MkdirTemp("", "flightrec-")
		if err != nil {
			return nil, &errors.StorageError{Operation: "create", Path: os.TempDir(), Err: err}
		}
		r.dir = tmp
		r.temporary = true
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &errors.StorageError{Operation: "create", Path: dir, Err: err}
	}

	r.logger.Info("Repository opened", "dir", r.dir, "preserve", preserve)
	return r, nil
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.dir }

// NextPath names the next chunk file.
func (r *Repository) NextPath() (string, error) {
	name := r.now().UTC().Format("2006_01_02_15_04_05") + "_" + xid.New().String() + ChunkExtension
	p := filepath.Join(r.dir, name)

	r.mu.Lock()
	r.paths = append(r.paths, p)
	r.mu.Unlock()
	return p, nil
}

// Add records a completed chunk and returns it with its sequence number.
func (r *Repository) Add(info event.ChunkInfo) event.ChunkInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info.Sequence = len(r.chunks) + 1
	r.chunks = append(r.chunks, info)
	return info
}

// Chunks returns the completed chunks in order.
func (r *Repository) Chunks() []event.ChunkInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.ChunkInfo(nil), r.chunks...)
}

// Dump concatenates the completed chunks into dest and marks the last one
// final, producing a single self-contained recording. It returns the number
// of bytes written.
func (r *Repository) Dump(dest string) (int64, error) {
	chunks := r.Chunks()
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.Path
	}
	n, err := DumpFiles(dest, paths)
	if err != nil {
		return n, err
	}
	r.logger.Info("Recording dumped", "dest", dest, "chunks", len(chunks), "size", n)
	return n, nil
}

// DumpFiles concatenates chunk files into dest in the given order and marks
// the last chunk final.
func DumpFiles(dest string, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, fmt.Errorf("dump %s: no completed chunks", dest)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, &errors.StorageError{Operation: "create", Path: dest, Err: err}
	}
	defer out.Close()

	var total, last int64
	for _, p := range paths {
		last = total
		n, err := appendFile(out, p)
		total += n
		if err != nil {
			return total, &errors.StorageError{Operation: "write", Path: dest, Err: err}
		}
	}
	if err := markFinal(out, last); err != nil {
		return total, &errors.StorageError{Operation: "write", Path: dest, Err: err}
	}
	if err := out.Sync(); err != nil {
		return total, &errors.StorageError{Operation: "sync", Path: dest, Err: err}
	}
	return total, nil
}

// ListChunks returns the chunk files in dir, oldest first.
func ListChunks(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+ChunkExtension))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

// markFinal sets the final flag in the chunk header at offset.
func markFinal(f *os.File, offset int64) error {
	var buf [chunk.HeaderSize]byte
	if _, err := f.ReadAt(buf[:], offset); err != nil {
		return err
	}
	h, err := chunk.ParseHeader(buf[:])
	if err != nil {
		return err
	}
	h.Flags |= chunk.FlagFinal
	h.Put(buf[:])
	_, err = f.WriteAt(buf[:], offset)
	return err
}

// Close removes the repository's chunks unless it is preserved.
func (r *Repository) Close() error {
	if r.preserve {
		return nil
	}
	r.mu.Lock()
	paths := r.paths
	r.paths = nil
	r.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if r.temporary {
		if err := os.RemoveAll(r.dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logger.Info("Repository removed", "dir", r.dir, "chunks", len(paths))
	return firstErr
}
