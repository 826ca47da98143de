package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited wraps a logger for messages that can fire on every event, such
// as data loss warnings. At most one record per interval is emitted; the
// number of records dropped in between is attached as "suppressed".
type RateLimited struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewRateLimited allows one record per every.
func NewRateLimited(logger *slog.Logger, every time.Duration) *RateLimited {
	return &RateLimited{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Warn logs at warning level if the limiter allows it.
func (r *RateLimited) Warn(msg string, args ...any) {
	r.log(slog.LevelWarn, msg, args...)
}

// Error logs at error level if the limiter allows it.
func (r *RateLimited) Error(msg string, args ...any) {
	r.log(slog.LevelError, msg, args...)
}

// Suppressed returns the number of records dropped since the last emitted one.
func (r *RateLimited) Suppressed() int64 {
	return r.suppressed.Load()
}

func (r *RateLimited) log(level slog.Level, msg string, args ...any) {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	if n := r.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	r.logger.Log(context.Background(), level, msg, args...)
}
