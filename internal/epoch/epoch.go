// Package epoch implements the process-wide current/previous flag that double
// buffers constant pools across a chunk boundary.
package epoch

import (
	"sync"
	"sync/atomic"
)

// Epoch is a generation counter whose low bit selects one of two data sets.
// Producers read Current to pick the set they insert into; the chunk writer
// reads Previous to drain the set that was retired by the last flip.
//
// Flip must only be called while every producer is paused, typically from a
// host.Quiescer callback.
type Epoch struct {
	gen atomic.Uint64

	mu    sync.Mutex
	hooks []func(current int)
}

// New returns an epoch at generation zero.
func New() *Epoch {
	return &Epoch{}
}

// Current returns the index of the set producers insert into.
func (e *Epoch) Current() int {
	return int(e.gen.Load() & 1)
}

// Previous returns the index of the set retired by the last flip.
func (e *Epoch) Previous() int {
	return 1 - e.Current()
}

// Generation returns the number of flips so far.
func (e *Epoch) Generation() uint64 {
	return e.gen.Load()
}

// OnFlip registers fn to run after every flip with the new current index.
// Hooks re-register entries that must stay alive in the new epoch.
func (e *Epoch) OnFlip(fn func(current int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Flip toggles the epoch and runs the registered hooks in registration order.
// It returns the new generation.
func (e *Epoch) Flip() uint64 {
	gen := e.gen.Add(1)

	e.mu.Lock()
	hooks := make([]func(int), len(e.hooks))
	copy(hooks, e.hooks)
	e.mu.Unlock()

	cur := int(gen & 1)
	for _, fn := range hooks {
		fn(cur)
	}
	return gen
}
