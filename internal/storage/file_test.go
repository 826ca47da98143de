package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/event"
)

func TestNewFileArchiver(t *testing.T) {
	tests := []struct {
		name    string
		config  FileConfig
		wantErr bool
	}{
		{"valid base path", FileConfig{BasePath: t.TempDir()}, false},
		{"file:// prefix", FileConfig{BasePath: "file://" + t.TempDir()}, false},
		{"nested base path is created", FileConfig{BasePath: filepath.Join(t.TempDir(), "a", "b")}, false},
		{"empty base path", FileConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewFileArchiver(tt.config, NewRouter(""), CompressionNone, testLogger(), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFileArchiver() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if a.Backend() != "file" {
				t.Errorf("Backend() = %q", a.Backend())
			}
			if _, err := os.Stat(a.basePath); err != nil {
				t.Errorf("base path not created: %v", err)
			}
		})
	}
}

func TestFileArchiver_Archive(t *testing.T) {
	content := bytes.Repeat([]byte("chunk data "), 1000)

	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			base := t.TempDir()
			metrics := newMockMetrics()
			a, err := NewFileArchiver(FileConfig{BasePath: base}, NewRouter("recordings"), c, testLogger(), metrics)
			if err != nil {
				t.Fatal(err)
			}
			defer a.Close()

			info := writeChunkFile(t, "c1.chunk", content)
			location, err := a.Archive(context.Background(), info)
			if err != nil {
				t.Fatalf("Archive() error = %v", err)
			}

			want := filepath.Join(base, "recordings", "recording=rec-1", "dt=2025-12-18", "hour=10", "c1.chunk"+c.Extension())
			if location != want {
				t.Errorf("Archive() location = %v, want %v", location, want)
			}
			if got := readAll(t, location, c); !bytes.Equal(got, content) {
				t.Error("archived content differs from the chunk")
			}
			if metrics.archives["file/success"] != 1 {
				t.Errorf("archives = %v", metrics.archives)
			}
			if len(metrics.sizes) != 1 {
				t.Errorf("archived sizes = %v", metrics.sizes)
			}

			// No temporary files are left next to the object.
			entries, err := os.ReadDir(filepath.Dir(location))
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 {
				t.Errorf("archive directory has %d entries, want 1", len(entries))
			}
		})
	}
}

func TestFileArchiver_MissingChunk(t *testing.T) {
	metrics := newMockMetrics()
	a, err := NewFileArchiver(FileConfig{BasePath: t.TempDir()}, NewRouter(""), CompressionZstd, testLogger(), metrics)
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.Archive(context.Background(), event.ChunkInfo{Path: filepath.Join(t.TempDir(), "missing.chunk")})
	var storageErr *errors.StorageError
	if !stderrors.As(err, &storageErr) || storageErr.Operation != "prepare" {
		t.Fatalf("Archive() error = %v, want prepare StorageError", err)
	}
	if metrics.errors["file/prepare"] != 1 || metrics.archives["file/failure"] != 1 {
		t.Errorf("errors = %v, archives = %v", metrics.errors, metrics.archives)
	}
}

func TestFileArchiver_CancelledContext(t *testing.T) {
	metrics := newMockMetrics()
	a, err := NewFileArchiver(FileConfig{BasePath: t.TempDir()}, NewRouter(""), CompressionNone, testLogger(), metrics)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Archive(ctx, writeChunkFile(t, "c.chunk", []byte("x")))
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Archive() error = %v, want context.Canceled", err)
	}
	if metrics.errors["file/upload"] != 1 {
		t.Errorf("errors = %v", metrics.errors)
	}
}

func TestNewArchiver_Backends(t *testing.T) {
	tests := []struct {
		name    string
		config  ArchiveConfig
		wantNil bool
		wantErr bool
	}{
		{"none", ArchiveConfig{Backend: "none"}, true, false},
		{"empty", ArchiveConfig{}, true, false},
		{"file", ArchiveConfig{Backend: "file", File: FileConfig{BasePath: t.TempDir()}}, false, false},
		{"bad compression", ArchiveConfig{Backend: "file", Compression: "lz4"}, false, true},
		{"unknown backend", ArchiveConfig{Backend: "ftp"}, false, true},
		{"s3 without bucket", ArchiveConfig{Backend: "s3"}, false, true},
		{"azure without account", ArchiveConfig{Backend: "azure"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewArchiver(context.Background(), tt.config, testLogger(), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewArchiver() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (a == nil) != tt.wantNil {
				t.Errorf("NewArchiver() = %v, wantNil %v", a, tt.wantNil)
			}
		})
	}
}
