// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrBufferFull       = errors.New("buffer is full")
	ErrPromotionFailed  = errors.New("no global buffer with enough free space")
	ErrOutOfMemory      = errors.New("out of recorder memory")
	ErrListFull         = errors.New("buffer list arena exhausted")
	ErrWriterClosed     = errors.New("chunk writer is closed")
	ErrWriterOpen       = errors.New("chunk writer is already open")
	ErrNotRecording     = errors.New("recorder is not running")
	ErrPublisherClosed  = errors.New("publisher is closed")
	ErrThreadDetached   = errors.New("thread is detached")
	ErrConnectionLost   = errors.New("connection lost")
	ErrPersisterStopped = errors.New("persister is stopped")
	ErrEventTooLarge    = errors.New("event exceeds maximum size")
)

// ValidationError represents an event descriptor validation failure.
type ValidationError struct {
	EventType string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: event_type=%s field=%s: %s",
		e.EventType, e.Field, e.Reason)
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v",
		e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError reports a recording option that failed validation or could not
// be reconciled with the other options.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: option=%s: %s", e.Option, e.Reason)
}

// FatalError wraps a failure the recorder cannot continue after, such as an
// I/O error while closing or rotating a chunk.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error: op=%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// InvariantError is the panic value used when an internal data structure is
// found in a state that must never occur.
type InvariantError struct {
	Structure string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Structure, e.Detail)
}

// Invariant panics with an InvariantError. It never returns.
func Invariant(structure, format string, args ...any) {
	panic(&InvariantError{Structure: structure, Detail: fmt.Sprintf(format, args...)})
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// It first checks if the error implements the Retryable interface,
// then falls back to checking specific error types and sentinel errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrPromotionFailed) {
		return true
	}

	return false
}

// IsRetryable determines if a StorageError is retryable based on the operation type.
func (e *StorageError) IsRetryable() bool {
	return e.Operation == "write" || e.Operation == "upload" || e.Operation == "create"
}

// IsFatal reports whether err, or any error it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
