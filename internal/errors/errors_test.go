package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrBufferFull", ErrBufferFull},
		{"ErrPromotionFailed", ErrPromotionFailed},
		{"ErrOutOfMemory", ErrOutOfMemory},
		{"ErrListFull", ErrListFull},
		{"ErrWriterClosed", ErrWriterClosed},
		{"ErrWriterOpen", ErrWriterOpen},
		{"ErrNotRecording", ErrNotRecording},
		{"ErrPublisherClosed", ErrPublisherClosed},
		{"ErrThreadDetached", ErrThreadDetached},
		{"ErrConnectionLost", ErrConnectionLost},
		{"ErrPersisterStopped", ErrPersisterStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Fatalf("%s should not be nil", tt.name)
			}
			if tt.err.Error() == "" {
				t.Errorf("%s should have an error message", tt.name)
			}
		})
	}
}

func TestStorageError(t *testing.T) {
	baseErr := errors.New("disk full")
	storageErr := &StorageError{
		Operation: "write",
		Path:      "/var/lib/flightrec/chunk.chunk",
		Err:       baseErr,
	}

	if storageErr.Error() == "" {
		t.Error("StorageError should have an error message")
	}
	if !errors.Is(storageErr, baseErr) {
		t.Error("StorageError should wrap base error")
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Option: "memorysize", Reason: "must equal globalbuffersize * numglobalbuffers"}

	var target *ConfigError
	if !errors.As(fmt.Errorf("load: %w", err), &target) {
		t.Fatal("errors.As should find ConfigError")
	}
	if target.Option != "memorysize" {
		t.Errorf("Option = %s, want memorysize", target.Option)
	}
}

func TestFatalError(t *testing.T) {
	base := errors.New("no space left on device")
	err := fmt.Errorf("rotate: %w", &FatalError{Op: "close", Err: base})

	if !IsFatal(err) {
		t.Error("IsFatal() = false, want true")
	}
	if !errors.Is(err, base) {
		t.Error("FatalError should wrap base error")
	}
	if IsFatal(base) {
		t.Error("IsFatal(base) = true, want false")
	}
}

func TestInvariant(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Invariant() did not panic")
		}
		inv, ok := r.(*InvariantError)
		if !ok {
			t.Fatalf("panic value = %T, want *InvariantError", r)
		}
		if inv.Structure != "buffer" {
			t.Errorf("Structure = %s, want buffer", inv.Structure)
		}
	}()

	Invariant("buffer", "flushed %d > committed %d", 10, 5)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"promotion failed", ErrPromotionFailed, true},
		{"wrapped promotion failed", fmt.Errorf("promote: %w", ErrPromotionFailed), true},
		{"out of memory", ErrOutOfMemory, false},
		{"storage write", &StorageError{Operation: "write", Err: errors.New("x")}, true},
		{"storage upload", &StorageError{Operation: "upload", Err: errors.New("x")}, true},
		{"storage read", &StorageError{Operation: "read", Err: errors.New("x")}, false},
		{"fatal wrapping retryable", &FatalError{Op: "close", Err: ErrConnectionLost}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
