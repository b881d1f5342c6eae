package dmaserial

import (
	"go.uber.org/atomic"
)

const (
	// AbsoluteMaxBufferSize caps every ring and staging buffer. Requests above it,
	// or of zero/negative size, are latched as allocation failures.
	AbsoluteMaxBufferSize = 1024 * 1024 // 1MB
)

// Ring is a fixed-capacity circular buffer safe for exactly one producer and one
// consumer running in different goroutines, without locks.
//
// The producer only ever writes head and the consumer only ever writes tail. Both are
// free-running counters; the fill level is head-tail, so full and empty are never
// ambiguous and no shared "full" flag is needed.
type Ring[T any] struct {
	buf  []T
	size uint64

	head atomic.Uint64 // producer
	tail atomic.Uint64 // consumer

	errors atomic.Uint32
}

// NewRing allocates a ring holding up to capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	r := &Ring[T]{}
	if capacity <= 0 || capacity > AbsoluteMaxBufferSize {
		r.errors.Store(uint32(RingAllocFailed))
		return r
	}
	r.buf = make([]T, capacity)
	r.size = uint64(capacity)
	return r
}

// Get removes and returns the oldest element. It returns false, without touching
// the ring, when the ring is empty.
func (r *Ring[T]) Get() (T, bool) {
	var zero T
	if r.buf == nil {
		return zero, false
	}
	tail := r.tail.Load()
	if r.head.Load() == tail {
		return zero, false
	}
	idx := tail % r.size
	v := r.buf[idx]
	r.buf[idx] = zero
	r.tail.Store(tail + 1)
	return v, true
}

// Put appends v. A full ring rejects the element, latches RingOverflow and keeps
// its existing content.
func (r *Ring[T]) Put(v T) bool {
	if r.buf == nil {
		return false
	}
	head := r.head.Load()
	if head-r.tail.Load() >= r.size {
		r.setError(RingOverflow)
		return false
	}
	r.buf[head%r.size] = v
	r.head.Store(head + 1)
	return true
}

// OnBuff returns the number of elements currently held.
func (r *Ring[T]) OnBuff() int {
	// tail first: it never passes head, so the difference cannot underflow.
	tail := r.tail.Load()
	n := r.head.Load() - tail
	if n > r.size {
		n = r.size
	}
	return int(n)
}

func (r *Ring[T]) Empty() bool { return r.OnBuff() == 0 }

func (r *Ring[T]) Full() bool {
	return r.buf != nil && uint64(r.OnBuff()) == r.size
}

func (r *Ring[T]) Cap() int { return int(r.size) }

// Free returns how many more elements Put would accept right now.
func (r *Ring[T]) Free() int { return r.Cap() - r.OnBuff() }

// PercentFull returns the fill level as 0..100.
func (r *Ring[T]) PercentFull() int {
	if r.size == 0 {
		return 0
	}
	return r.OnBuff() * 100 / int(r.size)
}

// Level returns the fill level normalised to 0.0..1.0.
func (r *Ring[T]) Level() float64 {
	if r.size == 0 {
		return 0
	}
	return float64(r.OnBuff()) / float64(r.size)
}

func (r *Ring[T]) Errors() RingErrors {
	return RingErrors(r.errors.Load())
}

// ClearErrors clears the overflow latch. An allocation failure stays latched.
func (r *Ring[T]) ClearErrors() {
	for {
		old := r.errors.Load()
		if r.errors.CompareAndSwap(old, old&uint32(RingAllocFailed)) {
			return
		}
	}
}

func (r *Ring[T]) setError(e RingErrors) {
	for {
		old := r.errors.Load()
		if r.errors.CompareAndSwap(old, old|uint32(e)) {
			return
		}
	}
}
