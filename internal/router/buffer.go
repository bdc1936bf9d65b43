package router

import (
	"sync"
)

// GrowableBuffer is an unbounded FIFO ring that doubles its capacity when
// full. Push never blocks and never drops.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // next read
	count  int
	closed bool

	pushed    int64
	popped    int64
	grows     int
	highWater int
}

// NewGrowableBuffer creates a buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	b := &GrowableBuffer[T]{buf: make([]T, initialCapacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends item. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.count == len(b.buf) {
		b.grow()
	}

	b.buf[(b.head+b.count)%len(b.buf)] = item
	b.count++
	b.pushed++
	if b.count > b.highWater {
		b.highWater = b.count
	}

	b.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking until one is available. It returns
// false once the buffer is closed and empty.
func (b *GrowableBuffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	return b.take()
}

// TryPop removes the oldest item without blocking.
func (b *GrowableBuffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take()
}

// Close rejects further pushes. Items already queued can still be popped.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current capacity.
func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// BufferStats describes a GrowableBuffer.
type BufferStats struct {
	Len       int
	Cap       int
	Pushed    int64
	Popped    int64
	Grows     int
	HighWater int
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Len:       b.count,
		Cap:       len(b.buf),
		Pushed:    b.pushed,
		Popped:    b.popped,
		Grows:     b.grows,
		HighWater: b.highWater,
	}
}

// take must be called with the lock held.
func (b *GrowableBuffer[T]) take() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}

	item := b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.popped++
	return item, true
}

// grow doubles capacity and unwraps the ring. Must be called with the lock held.
func (b *GrowableBuffer[T]) grow() {
	next := make([]T, len(b.buf)*2)
	n := copy(next, b.buf[b.head:])
	if n < b.count {
		copy(next[n:], b.buf[:b.count-n])
	}
	b.buf = next
	b.head = 0
	b.grows++
}
