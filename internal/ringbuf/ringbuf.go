// Package ringbuf provides a bounded, growable ring buffer with random access.
// It backs the per-symbol tick windows: samples are appended at the back,
// evicted from the front, and read by index during window integration.
//
// A Ring is owned by a single goroutine and is not safe for concurrent use.
package ringbuf

// minCapacity is the initial allocation for a new Ring.
const minCapacity = 16

// Ring is a FIFO of T with O(1) push, pop and indexed access.
// Capacity is always a power of two for bitwise modulo. The ring grows by
// doubling until maxLen; beyond that the oldest element is overwritten.
type Ring[T any] struct {
	buf    []T
	mask   int
	head   int // index of the oldest element
	length int
	maxLen int

	// overflow counts elements overwritten because maxLen was reached.
	overflow uint64
}

// New creates a ring that holds at most maxLen elements. maxLen is rounded up
// to the next power of two; values below 2 become 2.
func New[T any](maxLen int) *Ring[T] {
	maxLen = nextPow2(maxLen)
	if maxLen < 2 {
		maxLen = 2
	}
	initial := minCapacity
	if initial > maxLen {
		initial = maxLen
	}
	return &Ring[T]{
		buf:    make([]T, initial),
		mask:   initial - 1,
		maxLen: maxLen,
	}
}

// Push appends v at the back. Returns false if the ring was full and the
// oldest element had to be overwritten.
func (r *Ring[T]) Push(v T) bool {
	if r.length == len(r.buf) {
		if len(r.buf) < r.maxLen {
			r.grow()
		} else {
			r.buf[r.head] = v
			r.head = (r.head + 1) & r.mask
			r.overflow++
			return false
		}
	}
	r.buf[(r.head+r.length)&r.mask] = v
	r.length++
	return true
}

// PopFront removes and returns the oldest element.
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.length == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) & r.mask
	r.length--
	return v, true
}

// At returns the i-th element, 0 being the oldest. Panics when out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.length {
		panic("ringbuf: index out of range")
	}
	return r.buf[(r.head+i)&r.mask]
}

// Front returns the oldest element.
func (r *Ring[T]) Front() (T, bool) {
	if r.length == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Back returns the newest element.
func (r *Ring[T]) Back() (T, bool) {
	if r.length == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.head+r.length-1)&r.mask], true
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int {
	return r.length
}

// Cap returns the current allocation.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// MaxLen returns the bound after which pushes overwrite.
func (r *Ring[T]) MaxLen() int {
	return r.maxLen
}

// Overflow returns the number of elements lost to overwriting.
func (r *Ring[T]) Overflow() uint64 {
	return r.overflow
}

// Reset drops all elements but keeps the allocation.
func (r *Ring[T]) Reset() {
	var zero T
	for i := 0; i < r.length; i++ {
		r.buf[(r.head+i)&r.mask] = zero
	}
	r.head = 0
	r.length = 0
}

func (r *Ring[T]) grow() {
	next := make([]T, len(r.buf)*2)
	for i := 0; i < r.length; i++ {
		next[i] = r.buf[(r.head+i)&r.mask]
	}
	r.buf = next
	r.mask = len(next) - 1
	r.head = 0
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
