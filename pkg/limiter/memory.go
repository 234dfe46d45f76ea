package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Memory is a shared byte budget for transforms that have to hold a whole file
// in memory. TryAcquire takes budget without waiting; Acquire waits for it.
type Memory struct {
	sem      *semaphore.Weighted
	held     atomic.Int64
	capacity int64
}

// NewMemory creates a new memory limiter with the specified total capacity in bytes.
func NewMemory(limit int64) *Memory {
	return &Memory{
		sem:      semaphore.NewWeighted(limit),
		capacity: limit,
	}
}

// TryAcquire reserves n bytes without blocking. It returns false when the
// budget is exhausted or n exceeds the total capacity.
func (m *Memory) TryAcquire(n int64) bool {
	if n > m.capacity {
		return false
	}
	if !m.sem.TryAcquire(n) {
		return false
	}
	m.held.Add(n)
	return true
}

// Acquire blocks until n bytes are available or ctx is done.
// A request larger than the capacity fails immediately.
func (m *Memory) Acquire(ctx context.Context, n int64) error {
	if n > m.capacity {
		return fmt.Errorf("memory request of %d bytes exceeds limiter capacity of %d bytes", n, m.capacity)
	}
	if err := m.sem.Acquire(ctx, n); err != nil {
		return err
	}
	m.held.Add(n)
	return nil
}

// Release returns n bytes to the budget. It must pair with a successful
// TryAcquire or Acquire of the same size.
func (m *Memory) Release(n int64) {
	m.held.Add(-n)
	m.sem.Release(n)
}

// Available returns the amount of memory currently available.
func (m *Memory) Available() int64 {
	return m.capacity - m.held.Load()
}

// Capacity returns the total capacity of the limiter.
func (m *Memory) Capacity() int64 {
	return m.capacity
}
