package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/recorder"
	"github.com/jittakal/flightrec/pkg/event"
)

// Controller is the part of a recording the HTTP API drives.
type Controller interface {
	Status() recorder.Status
	Flush(ctx context.Context) error
	Rotate(ctx context.Context) (event.ChunkInfo, error)
}

var _ Controller = (*recorder.Recorder)(nil)

// ErrorResponse is returned by the control endpoints on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusHandler returns the recording status.
func StatusHandler(ctrl Controller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Status(), logger)
	}
}

// FlushHandler writes a flushpoint to the open chunk.
func FlushHandler(ctrl Controller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.Flush(r.Context()); err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, ctrl.Status(), logger)
	}
}

// RotateHandler completes the open chunk and returns it.
func RotateHandler(ctrl Controller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := ctrl.Rotate(r.Context())
		if err != nil {
			writeError(w, err, logger)
			return
		}
		logger.Info("Chunk rotated on request", "path", info.Path, "sequence", info.Sequence)
		writeJSON(w, http.StatusOK, info, logger)
	}
}

func writeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	statusCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrNotRecording),
		errors.Is(err, errors.ErrPersisterStopped),
		errors.Is(err, errors.ErrWriterClosed):
		statusCode = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		statusCode = http.StatusServiceUnavailable
	default:
		logger.Error("recording request failed", "error", err)
	}
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()}, logger)
}
