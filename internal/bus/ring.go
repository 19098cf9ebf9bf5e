package bus

import (
	"errors"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("ring full")
)

// Ring is a bounded single-producer single-consumer queue.
//
// Exactly one goroutine may call the producer side (Write, Commit, TryPush)
// and exactly one goroutine may call the consumer side (Read, Release, Drain).
// Slots are reused in place, so a pointer returned by Write or Read is only
// valid until the matching Commit or Release.
type Ring[T any] struct {
	// head and tail live on separate cache lines
	head  atomic.Uint64
	_pad1 [56]byte
	tail  atomic.Uint64
	_pad2 [56]byte

	buf  []T
	mask uint64
}

// NewRing allocates a ring. Capacity is rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}
	return &Ring[T]{buf: make([]T, n), mask: n - 1}
}

// Write returns the next free slot, or nil when the ring is full.
// The slot becomes visible to the consumer only after Commit.
func (r *Ring[T]) Write() *T {
	h := r.head.Load()
	if h-r.tail.Load() == uint64(len(r.buf)) {
		return nil
	}
	return &r.buf[h&r.mask]
}

// Commit publishes the slot returned by the last Write.
func (r *Ring[T]) Commit() {
	r.head.Add(1)
}

// TryPush copies v into the ring.
func (r *Ring[T]) TryPush(v T) error {
	slot := r.Write()
	if slot == nil {
		return ErrQueueFull
	}
	*slot = v
	r.Commit()
	return nil
}

// Read returns the oldest unconsumed slot, or nil when the ring is empty.
func (r *Ring[T]) Read() *T {
	t := r.tail.Load()
	if t == r.head.Load() {
		return nil
	}
	return &r.buf[t&r.mask]
}

// Release frees the slot returned by the last Read.
func (r *Ring[T]) Release() {
	r.tail.Add(1)
}

// Drain consumes every element currently visible and returns how many were handled.
func (r *Ring[T]) Drain(fn func(*T)) int {
	n := 0
	for {
		v := r.Read()
		if v == nil {
			return n
		}
		fn(v)
		r.Release()
		n++
	}
}

// Len returns the number of elements currently stored.
func (r *Ring[T]) Len() int {
	t := r.tail.Load()
	return int(r.head.Load() - t)
}

// Cap returns the total capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Empty reports whether the ring holds no elements.
func (r *Ring[T]) Empty() bool {
	return r.head.Load() == r.tail.Load()
}
