package buffer

import (
	"sync"
)

// circular is the ring-backed Buffer implementation.
type circular[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	tail   int
	size   int
	closed bool

	policy  OverflowPolicy
	onDrop  func(T)
	stats   Stats
	metrics *bufferMetrics
}

// New creates a bounded ring buffer with the given capacity. Capacity must be
// positive; values below 1 are raised to 1.
func New[T any](capacity int, opts ...Option[T]) Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}

	b := &circular[T]{
		items: make([]T, capacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *circular[T]) Write(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.size == len(b.items) {
		switch b.policy {
		case DropNewest:
			b.drop(item)
			return ErrFull
		default: // DropOldest
			evicted := b.items[b.head]
			b.head = (b.head + 1) % len(b.items)
			b.size--
			b.drop(evicted)
		}
	}

	b.items[b.tail] = item
	b.tail = (b.tail + 1) % len(b.items)
	b.size++
	b.stats.Written++
	b.stats.Size = b.size
	if b.metrics != nil {
		b.metrics.written.Inc()
		b.metrics.depth.Set(float64(b.size))
	}
	return nil
}

func (b *circular[T]) Read() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, ErrEmpty
	}
	item := b.takeLocked()
	return item, nil
}

func (b *circular[T]) ReadBatch(max int) ([]T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil, ErrEmpty
	}
	if max <= 0 || max > b.size {
		max = b.size
	}

	out := make([]T, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, b.takeLocked())
	}
	return out, nil
}

// takeLocked removes the oldest item. Caller holds b.mu with size > 0.
func (b *circular[T]) takeLocked() T {
	var zero T
	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	b.stats.Read++
	b.stats.Size = b.size
	if b.metrics != nil {
		b.metrics.read.Inc()
		b.metrics.depth.Set(float64(b.size))
	}
	return item
}

func (b *circular[T]) drop(item T) {
	b.stats.Dropped++
	if b.metrics != nil {
		b.metrics.dropped.Inc()
	}
	if b.onDrop != nil {
		b.onDrop(item)
	}
}

func (b *circular[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *circular[T]) Capacity() int {
	return len(b.items)
}

func (b *circular[T]) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == len(b.items)
}

func (b *circular[T]) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == 0
}

func (b *circular[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head, b.tail, b.size = 0, 0, 0
	b.stats.Size = 0
	if b.metrics != nil {
		b.metrics.depth.Set(0)
	}
}

func (b *circular[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *circular[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
