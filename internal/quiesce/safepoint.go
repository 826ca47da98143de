// Package quiesce provides a host.Quiescer for Go producers.
package quiesce

import (
	"sync"
	"sync/atomic"

	"github.com/jittakal/flightrec/pkg/host"
)

// Safepoint pauses producers between events. Producers bracket each event
// write with Enter and Exit; Run waits until no producer is inside such a
// section and keeps new ones out until its callback returns.
//
// Enter must not be called again before the matching Exit.
type Safepoint struct {
	mu   sync.RWMutex
	runs atomic.Uint64
}

var (
	_ host.Quiescer = (*Safepoint)(nil)
	_ host.Gate     = (*Safepoint)(nil)
)

// New returns an open safepoint.
func New() *Safepoint {
	return &Safepoint{}
}

// Enter marks the start of an event write.
func (s *Safepoint) Enter() { s.mu.RLock() }

// Exit marks the end of an event write.
func (s *Safepoint) Exit() { s.mu.RUnlock() }

// Run invokes fn while every producer is outside an event write.
func (s *Safepoint) Run(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs.Add(1)
	fn()
}

// Runs returns the number of completed or running callbacks.
func (s *Safepoint) Runs() uint64 { return s.runs.Load() }
