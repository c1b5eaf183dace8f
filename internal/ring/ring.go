// Package ring provides the bounded buffers backing the bus history, the
// executor invocation log and the debugger trace. Oldest entries are evicted
// silently once the capacity is reached.
package ring

import "sync"

// Buffer is a bounded, concurrency-safe ring buffer.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	size  int
}

// New returns a Buffer holding at most capacity items. A non-positive
// capacity defaults to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Append adds an item, evicting the oldest one when full.
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[(b.head+b.size)%len(b.items)] = item
	if b.size < len(b.items) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.items)
	}
}

// Len reports the number of retained items.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Newest returns up to limit items, most recent first. A non-positive limit
// returns everything retained.
func (b *Buffer[T]) Newest(limit int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.items[(b.head+b.size-1-i+len(b.items))%len(b.items)])
	}
	return out
}

// Oldest returns up to limit items, oldest first.
func (b *Buffer[T]) Oldest(limit int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.items[(b.head+i)%len(b.items)])
	}
	return out
}
