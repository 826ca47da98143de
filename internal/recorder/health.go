package recorder

import (
	"context"
	"strconv"
)

// Liveness reports whether the recording can still make progress. A stopped
// recording never restarts.
func (r *Recorder) Liveness() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StateStopped
}

// Readiness reports whether events are being written to an open chunk.
func (r *Recorder) Readiness(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return r.running() && r.writer.IsOpen()
}

// IsHealthy combines liveness and readiness.
func (r *Recorder) IsHealthy() bool {
	return r.Liveness() && r.Readiness(context.Background())
}

// GetStatus returns per-component health details.
func (r *Recorder) GetStatus() map[string]string {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	status := map[string]string{
		"recording": string(state),
		"chunks":    strconv.Itoa(len(r.repo.Chunks())),
		"archive":   "disabled",
		"notify":    "disabled",
	}
	if r.writer.IsOpen() {
		status["chunk"] = "open"
	} else {
		status["chunk"] = "closed"
	}
	if r.archiver != nil {
		status["archive"] = r.archiver.Backend()
	}
	if r.notifier != nil {
		status["notify"] = "enabled"
	}
	return status
}
