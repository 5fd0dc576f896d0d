// Package ring provides a fixed-capacity FIFO ring buffer.
package ring

// Buffer stores up to Cap values in insertion order. Index 0 is the oldest value.
type Buffer[T any] struct {
	data  []T
	head  int
	count int
}

// New creates a buffer holding at most capacity values.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Len returns the number of stored values.
func (b *Buffer[T]) Len() int {
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.data)
}

// Full reports whether another Push would fail.
func (b *Buffer[T]) Full() bool {
	return b.count == len(b.data)
}

// Push appends v and reports false if the buffer is full.
func (b *Buffer[T]) Push(v T) bool {
	if b.Full() {
		return false
	}
	b.data[b.index(b.count)] = v
	b.count++
	return true
}

// PushEvict appends v, evicting the oldest value when full. It reports whether a value was evicted.
func (b *Buffer[T]) PushEvict(v T) bool {
	evicted := false
	if b.Full() {
		b.PopFront()
		evicted = true
	}
	b.Push(v)
	return evicted
}

// PopFront removes and returns the oldest value.
func (b *Buffer[T]) PopFront() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	v := b.data[b.head]
	b.data[b.head] = zero
	b.head = (b.head + 1) % len(b.data)
	b.count--
	return v, true
}

// At returns a pointer to the i-th oldest value, or nil when out of range.
// The pointer is valid until the next mutating call.
func (b *Buffer[T]) At(i int) *T {
	if i < 0 || i >= b.count {
		return nil
	}
	return &b.data[b.index(i)]
}

// Front returns the oldest value or nil.
func (b *Buffer[T]) Front() *T {
	return b.At(0)
}

// Back returns the newest value or nil.
func (b *Buffer[T]) Back() *T {
	return b.At(b.count - 1)
}

// Clear drops all values.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.head = 0
	b.count = 0
}

// Values returns a copy of the stored values, oldest first.
func (b *Buffer[T]) Values() []T {
	if b.count == 0 {
		return nil
	}
	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[b.index(i)]
	}
	return out
}

func (b *Buffer[T]) index(i int) int {
	return (b.head + i) % len(b.data)
}
