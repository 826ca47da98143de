package buffer

import (
	"runtime"
	"sync/atomic"

	"github.com/jittakal/flightrec/internal/errors"
)

// Reserved lock owners. Thread identities start at 1 and count up, so these
// values never collide with a producer.
const (
	OwnerList      uint64 = 1<<64 - 1
	OwnerPersister uint64 = 1<<64 - 2
	OwnerWriter    uint64 = 1<<64 - 3
	OwnerSampler   uint64 = 1<<64 - 4
)

// activeSpins is how many failed attempts Lock makes before yielding the
// processor on every further attempt.
const activeSpins = 32

// SpinLock is a test-and-set lock that records its owner. The zero value is
// unlocked. Critical sections guarded by a SpinLock must be short and must not
// block.
type SpinLock struct {
	owner atomic.Uint64
}

// TryLock acquires the lock for owner if it is free. owner must be non-zero.
func (l *SpinLock) TryLock(owner uint64) bool {
	return l.owner.CompareAndSwap(0, owner)
}

// Lock acquires the lock for owner, spinning and then yielding until it is
// free.
func (l *SpinLock) Lock(owner uint64) {
	for spins := 0; !l.TryLock(owner); spins++ {
		if spins >= activeSpins {
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock. Releasing a lock held by someone else is an
// invariant violation.
func (l *SpinLock) Unlock(owner uint64) {
	if !l.owner.CompareAndSwap(owner, 0) {
		errors.Invariant("spinlock", "unlock by owner %d while held by %d", owner, l.owner.Load())
	}
}

// Owner returns the current holder, or 0 when unlocked.
func (l *SpinLock) Owner() uint64 {
	return l.owner.Load()
}

// HeldBy reports whether owner holds the lock.
func (l *SpinLock) HeldBy(owner uint64) bool {
	return l.owner.Load() == owner
}
