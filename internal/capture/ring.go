package capture

import (
	"math/bits"
	"sync/atomic"
)

// Ring is a bounded single-producer single-consumer queue. TryPush and
// TryPop never block or allocate, so the producer may be a real-time
// audio callback. Exactly one goroutine may push and one may pop at a time.
type Ring[T any] struct {
	buf    []T
	mask   uint64
	head   atomic.Uint64 // next slot to pop
	tail   atomic.Uint64 // next slot to push
	notify chan struct{}
}

// NewRing returns a ring holding at least capacity items, rounded up to a
// power of two.
func NewRing[T any](capacity int) *Ring[T] {
	capacity = max(capacity, 1)
	size := uint64(1) << bits.Len64(uint64(capacity-1))
	return &Ring[T]{
		buf:    make([]T, size),
		mask:   size - 1,
		notify: make(chan struct{}, 1),
	}
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// TryPush appends v and reports false when the ring is full.
func (r *Ring[T]) TryPush(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the oldest item and reports false when the ring is empty.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	v := r.buf[head&r.mask]
	r.buf[head&r.mask] = zero
	r.head.Store(head + 1)
	return v, true
}

// Ready receives a value after a push. Wakeups may be spurious, so the
// consumer retries TryPop after each one.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.notify
}
