// Package notify defines the interface for announcing completed chunks to
// downstream systems.
package notify

import (
	"context"

	"github.com/jittakal/flightrec/pkg/event"
)

// Notifier publishes a message for every chunk the recorder completes.
type Notifier interface {
	// Notify announces a completed chunk.
	Notify(ctx context.Context, info event.ChunkInfo) error

	// Close flushes pending messages and releases resources.
	Close() error
}
