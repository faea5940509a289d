package batcher

import "sync"

// Buffer is a concurrency-safe FIFO ring. It doubles its capacity once it
// reaches three-quarters full, up to an optional bound; once bounded and
// full, Push fails instead of blocking the producer.
type Buffer[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
	head  int
	tail  int
	size  int
	bound int
	done  bool

	pushed int64
	popped int64
	grows  int
}

// BufferStats is a point-in-time snapshot of a Buffer.
type BufferStats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Pushed   int64 `json:"pushed"`
	Popped   int64 `json:"popped"`
	Grows    int   `json:"grows"`
}

// NewBuffer returns a Buffer with the given starting capacity. bound caps
// growth; zero means unbounded.
func NewBuffer[T any](initial, bound int) *Buffer[T] {
	if initial < 1 {
		initial = 1
	}
	if bound > 0 && initial > bound {
		initial = bound
	}
	b := &Buffer[T]{items: make([]T, initial), bound: bound}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends an item. Reports false when the buffer is closed or full at
// its bound.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return false
	}
	if (b.size+1)*4 > len(b.items)*3 {
		b.grow()
	}
	if b.size == len(b.items) {
		return false
	}

	b.items[b.tail] = item
	b.tail = (b.tail + 1) % len(b.items)
	b.size++
	b.pushed++
	b.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking until one is available or the
// buffer is closed. Reports false only when closed and empty.
func (b *Buffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size == 0 && !b.done {
		b.cond.Wait()
	}
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// TryPop removes the oldest item without blocking.
func (b *Buffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// Drain removes up to max items in FIFO order; max <= 0 means everything.
func (b *Buffer[T]) Drain(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = b.popLocked()
	}
	return out
}

// Close stops accepting pushes and wakes all blocked Pops. Remaining items
// stay poppable.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.cond.Broadcast()
}

// Len reports the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap reports the current ring capacity.
func (b *Buffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Size:     b.size,
		Capacity: len(b.items),
		Pushed:   b.pushed,
		Popped:   b.popped,
		Grows:    b.grows,
	}
}

func (b *Buffer[T]) popLocked() T {
	item := b.items[b.head]
	var zero T
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	b.popped++
	return item
}

// grow doubles capacity, clamped to the bound. Caller holds the lock.
func (b *Buffer[T]) grow() {
	next := len(b.items) * 2
	if b.bound > 0 && next > b.bound {
		next = b.bound
	}
	if next <= len(b.items) {
		return
	}

	fresh := make([]T, next)
	if b.size > 0 {
		if b.head < b.tail {
			copy(fresh, b.items[b.head:b.tail])
		} else {
			n := copy(fresh, b.items[b.head:])
			copy(fresh[n:], b.items[:b.tail])
		}
	}
	b.items = fresh
	b.head = 0
	b.tail = b.size
	b.grows++
}
