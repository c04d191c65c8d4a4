// Package buffer provides a bounded, thread-safe in-memory buffer used as the
// backing store for measurement record sinks. It supports concurrent appends
// and atomic flushing, with backpressure once the capacity is reached.
package buffer

import (
	"sync"
)

type Record any

type Buffer[R Record] struct {
	mu          sync.Mutex
	pool        sync.Pool
	records     []R
	maxCapacity int
	cond        *sync.Cond
}

func New[R Record](capacity int) *Buffer[R] {
	b := &Buffer[R]{
		records: make([]R, 0, capacity),
		pool: sync.Pool{
			New: func() any {
				return make([]R, 0, capacity)
			},
		},
		maxCapacity: capacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add appends a record, blocking while the buffer is full.
func (b *Buffer[R]) Add(record R) {
	b.mu.Lock()
	for len(b.records) >= b.maxCapacity {
		b.cond.Wait()
	}
	b.records = append(b.records, record)
	b.mu.Unlock()
}

// TryAdd appends a record unless the buffer is full.
func (b *Buffer[R]) TryAdd(record R) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.maxCapacity {
		return false
	}
	b.records = append(b.records, record)
	return true
}

// CopyAndReset returns the buffered records and empties the buffer, waking any
// blocked Add calls. The returned slice comes from an internal pool; hand it
// back with Recycle once consumed.
func (b *Buffer[R]) CopyAndReset() []R {
	tmp := b.pool.Get().([]R)
	tmp = tmp[:0]

	b.mu.Lock()
	tmp = append(tmp, b.records...)
	b.records = b.records[:0]
	b.cond.Broadcast()
	b.mu.Unlock()

	return tmp
}

// Read returns a copy of the buffered records without resetting.
func (b *Buffer[R]) Read() []R {
	b.mu.Lock()
	defer b.mu.Unlock()

	copied := make([]R, len(b.records))
	copy(copied, b.records)
	return copied
}

func (b *Buffer[R]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Buffer[R]) Capacity() int {
	return b.maxCapacity
}

// Recycle returns a slice obtained from CopyAndReset to the pool. The length
// is reset so future users see an empty slice with the capacity preserved.
func (b *Buffer[R]) Recycle(buf []R) {
	b.pool.Put(buf[:0])
}
