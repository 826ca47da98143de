package buffer

import (
	"sync/atomic"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/buffer"
)

// Handle addresses a node in a List's arena. Handles stay valid for the life
// of the list; a removed node's handle may be reused by a later Add.
type Handle int32

// NilHandle terminates a chain.
const NilHandle Handle = -1

const (
	segmentShift = 6
	segmentSize  = 1 << segmentShift
	maxSegments  = 1024

	// MaxNodes is the arena capacity of one list.
	MaxNodes = segmentSize * maxSegments
)

type node struct {
	next   atomic.Int32
	buffer atomic.Pointer[Buffer]
}

// segment is one slab of the arena. Node locks live in their own table next to
// the nodes so a buffer never carries its lock.
type segment struct {
	nodes [segmentSize]node
	locks [segmentSize]SpinLock
}

// List is a singly linked list of buffers. Splicing takes the list lock, which
// is held only for the pointer updates. Readers walk the chain through Head
// and Next without any lock. Inserts happen only at the head and a removed
// node keeps its forward pointer, so the chain is never cyclic; a reader
// standing on a node that is recycled is carried back to the head and may
// visit some nodes twice. Access to a node's buffer additionally requires the
// node lock.
type List struct {
	name     string
	kind     buffer.Kind
	lock     SpinLock
	head     atomic.Int32
	count    atomic.Int32
	segments [maxSegments]atomic.Pointer[segment]
	used     int
	free     []Handle
}

// NewList creates an empty list.
func NewList(name string, kind buffer.Kind) *List {
	l := &List{name: name, kind: kind}
	l.head.Store(int32(NilHandle))
	return l
}

// Name returns the list name used in logs and metrics.
func (l *List) Name() string { return l.name }

// Kind returns the kind of buffers the list holds.
func (l *List) Kind() buffer.Kind { return l.kind }

// Len returns the number of linked nodes.
func (l *List) Len() int { return int(l.count.Load()) }

func (l *List) slot(h Handle) (*segment, int) {
	if h < 0 || int(h) >= MaxNodes {
		errors.Invariant("buffer list "+l.name, "handle %d out of range", h)
	}
	seg := l.segments[int(h)>>segmentShift].Load()
	if seg == nil {
		errors.Invariant("buffer list "+l.name, "handle %d refers to unallocated segment", h)
	}
	return seg, int(h) & (segmentSize - 1)
}

func (l *List) node(h Handle) *node {
	seg, i := l.slot(h)
	return &seg.nodes[i]
}

// allocate returns an unused handle. Caller holds the list lock.
func (l *List) allocate() (Handle, error) {
	if n := len(l.free); n > 0 {
		h := l.free[n-1]
		l.free = l.free[:n-1]
		return h, nil
	}
	if l.used >= MaxNodes {
		return NilHandle, errors.ErrListFull
	}
	h := Handle(l.used)
	if int(h)&(segmentSize-1) == 0 {
		l.segments[int(h)>>segmentShift].Store(new(segment))
	}
	l.used++
	return h, nil
}

// Add links b at the head of the list and returns its handle.
func (l *List) Add(b *Buffer) (Handle, error) {
	l.lock.Lock(OwnerList)
	defer l.lock.Unlock(OwnerList)

	h, err := l.allocate()
	if err != nil {
		return NilHandle, err
	}
	n := l.node(h)
	n.buffer.Store(b)
	n.next.Store(l.head.Load())
	b.setNode(h)
	l.head.Store(int32(h))
	l.count.Add(1)
	return h, nil
}

// Remove unlinks the node h and returns its buffer. prevHint is the node the
// caller believes precedes h, or NilHandle; if the chain changed since the
// caller looked, the predecessor is found again from the head. The caller must
// hold h's node lock as owner. The removed node keeps its next pointer so
// concurrent readers standing on it can continue their walk.
func (l *List) Remove(h, prevHint Handle, owner uint64) *Buffer {
	seg, i := l.slot(h)
	if !seg.locks[i].HeldBy(owner) {
		errors.Invariant("buffer list "+l.name, "remove of node %d without its lock", h)
	}

	l.lock.Lock(OwnerList)
	defer l.lock.Unlock(OwnerList)

	target := &seg.nodes[i]
	next := target.next.Load()

	if Handle(l.head.Load()) == h {
		l.head.Store(next)
	} else {
		prev := prevHint
		if prev == NilHandle || Handle(l.node(prev).next.Load()) != h {
			prev = l.findPredecessor(h)
		}
		l.node(prev).next.Store(next)
	}

	b := target.buffer.Swap(nil)
	if b != nil {
		b.setNode(NilHandle)
	}
	l.free = append(l.free, h)
	l.count.Add(-1)
	return b
}

// findPredecessor rescans from the head. Caller holds the list lock.
func (l *List) findPredecessor(h Handle) Handle {
	prev := NilHandle
	cur := Handle(l.head.Load())
	for steps := 0; cur != NilHandle; steps++ {
		if steps > MaxNodes {
			errors.Invariant("buffer list "+l.name, "cycle detected while searching for %d", h)
		}
		if cur == h {
			if prev == NilHandle {
				errors.Invariant("buffer list "+l.name, "node %d is the head", h)
			}
			return prev
		}
		prev = cur
		cur = Handle(l.node(cur).next.Load())
	}
	errors.Invariant("buffer list "+l.name, "node %d is not linked", h)
	return NilHandle
}

// Head returns the first node, or NilHandle.
func (l *List) Head() Handle { return Handle(l.head.Load()) }

// Next returns the node after h.
func (l *List) Next(h Handle) Handle { return Handle(l.node(h).next.Load()) }

// Buffer returns the buffer held by h, or nil if the node was removed.
func (l *List) Buffer(h Handle) *Buffer { return l.node(h).buffer.Load() }

// TryLock attempts to take h's node lock.
func (l *List) TryLock(h Handle, owner uint64) bool {
	seg, i := l.slot(h)
	return seg.locks[i].TryLock(owner)
}

// Lock takes h's node lock, spinning until it is free.
func (l *List) Lock(h Handle, owner uint64) {
	seg, i := l.slot(h)
	seg.locks[i].Lock(owner)
}

// Unlock releases h's node lock.
func (l *List) Unlock(h Handle, owner uint64) {
	seg, i := l.slot(h)
	seg.locks[i].Unlock(owner)
}

// Range calls fn for every linked node until fn returns false. It takes no
// locks; fn must lock a node before touching its buffer cursors. A walk is
// bounded by the arena capacity.
func (l *List) Range(fn func(h, prev Handle, b *Buffer) bool) {
	prev := NilHandle
	cur := l.Head()
	for steps := 0; cur != NilHandle; steps++ {
		if steps > MaxNodes {
			return
		}
		next := l.Next(cur)
		if b := l.Buffer(cur); b != nil {
			if !fn(cur, prev, b) {
				return
			}
		}
		prev = cur
		cur = next
	}
}

// Acquire makes one pass over the list and returns the first node whose lock
// it can take and whose buffer satisfies fits, checked while holding the lock.
// Contended nodes are skipped. On success the node lock is held by owner.
func (l *List) Acquire(owner uint64, fits func(*Buffer) bool) (Handle, *Buffer, bool) {
	var (
		found Handle = NilHandle
		buf   *Buffer
	)
	l.Range(func(h, _ Handle, b *Buffer) bool {
		if !fits(b) || !l.TryLock(h, owner) {
			return true
		}
		if cur := l.Buffer(h); cur != nil && fits(cur) {
			found, buf = h, cur
			return false
		}
		l.Unlock(h, owner)
		return true
	})
	return found, buf, found != NilHandle
}
