// Package ringbuf provides a fixed-capacity buffer that keeps the most
// recent entries.
package ringbuf

import "sync"

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

// Buffer is a thread-safe circular buffer.
//
// Once full, each Append overwrites the oldest entry:
//
//	Append(A) -> [A, _, _]  head=1, size=1
//	Append(B) -> [A, B, _]  head=2, size=2
//	Append(C) -> [A, B, C]  head=0, size=3
//	Append(D) -> [D, B, C]  head=1, size=3 (A evicted)
type Buffer[T any] struct {
	mu sync.RWMutex

	items []T

	// head is where the next Append writes, not the newest item.
	head int
	size int
	cap  int
}

// New creates a buffer holding at most capacity entries.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{
		items: make([]T, capacity),
		cap:   capacity,
	}
}

// Append adds v, evicting the oldest entry when full.
func (b *Buffer[T]) Append(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = v
	b.head = (b.head + 1) % b.cap
	if b.size < b.cap {
		b.size++
	}
}

// Items returns a copy of the entries from oldest to newest.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	if b.size < b.cap {
		copy(out, b.items[:b.size])
		return out
	}
	// Full: head is the oldest entry.
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.cap]
	}
	return out
}

// Len returns the number of stored entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the maximum number of entries.
func (b *Buffer[T]) Capacity() int {
	return b.cap
}

// Clear drops every entry.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
