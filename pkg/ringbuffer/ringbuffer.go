// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ringbuffer provides a fixed-capacity FIFO buffer that evicts the
// oldest entry on overflow.
package ringbuffer

// Buffer is a generic bounded FIFO.
//
// # Description
//
// Push never blocks and never fails: when the buffer is full the oldest
// entry is evicted and returned to the caller, so an owner that keeps a
// secondary index (e.g. request id to entry) can drop the evicted key in
// the same critical section.
//
// # Thread Safety
//
// Buffer is NOT safe for concurrent use. Owners guard it with their own
// lock, which lets them update the buffer and any index atomically.
type Buffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	evicted  int64
}

// New creates a buffer holding at most capacity entries.
// Panics if capacity is not positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item. If the buffer was full, the oldest entry is removed
// and returned with ok=true.
func (b *Buffer[T]) Push(item T) (evicted T, ok bool) {
	if b.size == b.capacity {
		evicted = b.items[b.head]
		ok = true
		b.head = (b.head + 1) % b.capacity
		b.size--
		b.evicted++
	}
	tail := (b.head + b.size) % b.capacity
	b.items[tail] = item
	b.size++
	return evicted, ok
}

// Pop removes and returns the oldest entry.
func (b *Buffer[T]) Pop() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % b.capacity
	b.size--
	return item, true
}

// Snapshot returns the entries oldest first. The slice is a copy; the
// entries themselves are not cloned.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Len returns the number of entries.
func (b *Buffer[T]) Len() int { return b.size }

// Capacity returns the maximum number of entries.
func (b *Buffer[T]) Capacity() int { return b.capacity }

// Evicted returns how many entries have been pushed out since creation.
func (b *Buffer[T]) Evicted() int64 { return b.evicted }
