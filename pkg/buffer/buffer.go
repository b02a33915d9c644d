// Package buffer provides a bounded generic ring buffer used as the
// processor's update queue and the server's per-client backlog.
package buffer

import "errors"

// Buffer errors.
var (
	ErrFull   = errors.New("buffer full")
	ErrEmpty  = errors.New("buffer empty")
	ErrClosed = errors.New("buffer closed")
)

// OverflowPolicy controls what Write does when the buffer is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the incoming item with ErrFull.
	DropNewest
)

// Buffer is a bounded FIFO queue of T.
type Buffer[T any] interface {
	// Write appends an item, applying the overflow policy when full.
	Write(item T) error
	// Read removes and returns the oldest item.
	Read() (T, error)
	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) ([]T, error)
	// Size returns the current number of buffered items.
	Size() int
	// Capacity returns the maximum number of items.
	Capacity() int
	// IsFull reports whether Size() == Capacity().
	IsFull() bool
	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool
	// Clear discards all buffered items.
	Clear()
	// Stats returns cumulative counters.
	Stats() Stats
	// Close rejects further writes; buffered items remain readable.
	Close() error
}

// Stats holds cumulative buffer counters.
type Stats struct {
	Written uint64 `json:"written"`
	Read    uint64 `json:"read"`
	Dropped uint64 `json:"dropped"`
	Size    int    `json:"size"`
}
