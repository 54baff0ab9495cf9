// Package buffer provides a generic, thread-safe bounded ring buffer with
// configurable overflow policies.
//
// The ring is the staging area between a sink's accept path and its flush
// loop: accepts write, the flusher drains with ReadBatch, and a failed flush
// puts the drained items back at the front with Requeue so they are retried
// before anything newer. When the ring is full the overflow policy decides
// what to drop; every drop is counted and reported through the optional
// drop callback, never silent.
package buffer

import (
	"sync"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// DropCallback is called with each item discarded by the overflow policy.
// It runs after the buffer's lock is released, so it may safely re-enter
// the buffer.
type DropCallback[T any] func(item T)

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy       OverflowPolicy
	dropCallback DropCallback[T]
}

// WithPolicy sets the overflow behavior for the buffer.
// Defaults to DropOldest if not specified.
func WithPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *options[T]) {
		opts.policy = policy
	}
}

// WithDropCallback sets a callback invoked for every dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *options[T]) {
		opts.dropCallback = callback
	}
}

// Ring is a thread-safe bounded circular buffer.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	opts     options[T]
	closed   bool
}

// New creates a ring buffer with the given capacity (minimum 1).
func New[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}

	o := options[T]{policy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     o,
	}
}

// Write adds an item to the buffer according to the overflow policy.
// It reports whether the item was stored (false means it was dropped by
// the DropNewest policy or the buffer is closed).
func (r *Ring[T]) Write(item T) bool {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return false
	}

	var dropped []T
	if r.size == r.capacity {
		switch r.opts.policy {
		case DropOldest:
			old := r.items[r.tail]
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.stats.Drop()
			dropped = append(dropped, old)

		case DropNewest:
			r.stats.Drop()
			r.mu.Unlock()
			if r.opts.dropCallback != nil {
				r.opts.dropCallback(item)
			}
			return false
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))

	r.mu.Unlock()

	// Callbacks run outside the lock
	if r.opts.dropCallback != nil {
		for _, d := range dropped {
			r.opts.dropCallback(d)
		}
	}
	return true
}

// Requeue inserts items at the front of the buffer, before everything
// currently stored, preserving their order. It is the failed-flush path: the
// drained items go back so the next drain retries them first. If the
// combined contents exceed capacity the oldest of the requeued items are
// dropped (counted, with callbacks) so the newest data overall survives.
func (r *Ring[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return
	}

	// size never exceeds capacity, so over is at most len(items)
	keep := items
	var dropped []T
	if over := len(items) + r.size - r.capacity; over > 0 {
		dropped = items[:over]
		keep = items[over:]
		for range dropped {
			r.stats.Drop()
		}
	}

	for i := len(keep) - 1; i >= 0; i-- {
		r.tail = (r.tail - 1 + r.capacity) % r.capacity
		r.items[r.tail] = keep[i]
		r.size++
	}
	r.stats.UpdateSize(int64(r.size))

	r.mu.Unlock()

	if r.opts.dropCallback != nil {
		for _, d := range dropped {
			r.opts.dropCallback(d)
		}
	}
}

// Read retrieves and removes one item from the buffer.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // clear for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.Read()
	r.stats.UpdateSize(int64(r.size))

	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (r *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	n := max
	if n > r.size {
		n = r.size
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = r.items[r.tail]
		r.items[r.tail] = zero // clear for GC
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.stats.Read()
	}
	r.stats.UpdateSize(int64(r.size))

	return result
}

// Peek retrieves one item without removing it from the buffer.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.tail], true
}

// Size returns the current number of items in the buffer.
func (r *Ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (r *Ring[T]) Capacity() int {
	return r.capacity // immutable, no lock needed
}

// IsFull returns true if the buffer is at maximum capacity.
func (r *Ring[T]) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == r.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (r *Ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == 0
}

// Clear removes all items from the buffer without counting them as drops.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.size = 0
	r.stats.UpdateSize(0)
}

// Stats returns the buffer's statistics tracker.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}

// Close marks the buffer closed; subsequent writes are rejected. Items
// already buffered remain readable so a final drain can still run.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
