// Package buffer provides a generic, thread-safe ring buffer with an
// overflow policy and always-on statistics. Prometheus export is optional.
package buffer

import (
	"sync"

	"github.com/c360/hypernote/errors"
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
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// Stats is a point-in-time view of buffer activity
type Stats struct {
	Writes  int64 `json:"writes"`
	Reads   int64 `json:"reads"`
	Drops   int64 `json:"drops"`
	Size    int   `json:"size"`
	MaxSize int   `json:"max_size"`
}

// Ring is a fixed-capacity circular buffer
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	stats   Stats
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

// New creates a ring holding at most capacity items; capacity < 1 means 1.
// It fails only when metric registration fails.
func New[T any](capacity int, options ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}
	opts := applyOptions(options...)

	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsOwner)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "New", "metrics registration")
		}
	}

	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Write adds item according to the overflow policy. Dropping is not an error.
func (r *Ring[T]) Write(item T) error {
	dropped, didDrop, err := r.write(item)
	if didDrop && r.opts.dropCallback != nil {
		r.opts.dropCallback(dropped)
	}
	return err
}

func (r *Ring[T]) write(item T) (dropped T, didDrop bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrClosed, "Buffer", "Write", "buffer closed")
	}

	if r.size == r.capacity {
		r.stats.Drops++
		if r.metrics != nil {
			r.metrics.drops.Inc()
		}
		if r.opts.overflowPolicy == DropNewest {
			return item, true, nil
		}
		dropped = r.items[r.tail]
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		didDrop = true
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.Writes++
	if r.size > r.stats.MaxSize {
		r.stats.MaxSize = r.size
	}
	if r.metrics != nil {
		r.metrics.writes.Inc()
		r.metrics.size.Set(float64(r.size))
	}
	return dropped, didDrop, nil
}

// Read removes and returns the oldest item
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.Reads++
	if r.metrics != nil {
		r.metrics.size.Set(float64(r.size))
	}
	return item, true
}

// Snapshot copies the buffered items, oldest first, without removing them
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}
	return out
}

// Len returns the number of buffered items
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the capacity
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Clear empties the buffer without invoking the drop callback
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0
	if r.metrics != nil {
		r.metrics.size.Set(0)
	}
}

// Stats returns a copy of the counters
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Size = r.size
	return s
}

// Close rejects further writes; buffered items remain readable
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
