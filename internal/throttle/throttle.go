// Package throttle implements the fixed window sampling limiter consulted
// before rate-limited events are recorded.
package throttle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jittakal/flightrec/pkg/event"
)

// Throttler admits at most a budget of samples per window. A window that has
// expired is rotated by exactly one caller; that call, and any call racing
// with it, is sampled out.
type Throttler struct {
	budget   atomic.Int64
	period   atomic.Int64
	count    atomic.Int64
	end      atomic.Int64
	rotating atomic.Bool
	now      func() int64
}

// New returns a throttler admitting budget samples per period.
func New(budget int64, period time.Duration) *Throttler {
	t := &Throttler{now: monotonicNanos}
	t.Set(budget, period)
	return t
}

// Set changes the budget and period. The current window ends now.
func (t *Throttler) Set(budget int64, period time.Duration) {
	t.budget.Store(budget)
	t.period.Store(int64(period))
	t.end.Store(0)
}

// Budget returns the number of samples admitted per window.
func (t *Throttler) Budget() int64 { return t.budget.Load() }

// Period returns the window length.
func (t *Throttler) Period() time.Duration { return time.Duration(t.period.Load()) }

// Sample reports whether the caller may record a sample. It never blocks.
func (t *Throttler) Sample() bool {
	now := t.now()
	if now > t.end.Load() {
		if t.rotating.CompareAndSwap(false, true) {
			t.count.Store(0)
			t.end.Store(now + t.period.Load())
			t.rotating.Store(false)
		}
		return false
	}
	return t.count.Add(1) <= t.budget.Load()
}

var epoch = time.Now()

func monotonicNanos() int64 {
	return int64(time.Since(epoch))
}

// Outcome labels a sampling decision for metrics.
func Outcome(sampled bool) string {
	if sampled {
		return "sampled"
	}
	return "throttled"
}

// MetricsCollector defines the interface for throttling metrics.
type MetricsCollector interface {
	IncThrottleSamples(eventType string, outcome string)
}

// Registry holds one throttler per rate-limited event type.
type Registry struct {
	mu        sync.RWMutex
	throttles map[event.TypeID]*Throttler
	names     map[event.TypeID]string
	metrics   MetricsCollector
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics MetricsCollector) *Registry {
	return &Registry{
		throttles: make(map[event.TypeID]*Throttler),
		names:     make(map[event.TypeID]string),
		metrics:   metrics,
	}
}

// Configure installs or updates the throttler of an event type.
func (r *Registry) Configure(id event.TypeID, name string, budget int64, period time.Duration) *Throttler {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.throttles[id]
	if !ok {
		t = New(budget, period)
		r.throttles[id] = t
	} else {
		t.Set(budget, period)
	}
	r.names[id] = name
	return t
}

// Get returns the throttler of an event type.
func (r *Registry) Get(id event.TypeID) (*Throttler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.throttles[id]
	return t, ok
}

// Sample consults the throttler of id. Types without one are always sampled.
func (r *Registry) Sample(id event.TypeID) bool {
	r.mu.RLock()
	t, ok := r.throttles[id]
	name := r.names[id]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	sampled := t.Sample()
	if r.metrics != nil {
		r.metrics.IncThrottleSamples(name, Outcome(sampled))
	}
	return sampled
}
