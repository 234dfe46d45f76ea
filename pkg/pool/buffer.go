package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buckets hands out byte slices from power-of-two size classes. The transform
// path uses it to hold whole files; anything above the largest class is
// allocated directly and never pooled.
type Buckets struct {
	minExp  int
	maxExp  int
	maxSize int64
	classes []sync.Pool
}

// NewBuckets creates a pool spanning [minSize, maxSize]. Both bounds must be
// powers of two and maxSize must be greater than minSize.
func NewBuckets(minSize, maxSize int64) *Buckets {
	if !isPowerOfTwo(minSize) {
		panic(fmt.Sprintf("minSize %d must be a power of two", minSize))
	}
	if !isPowerOfTwo(maxSize) {
		panic(fmt.Sprintf("maxSize %d must be a power of two", maxSize))
	}
	if maxSize <= minSize {
		panic("maxSize must be greater than minSize")
	}

	minExp := bits.TrailingZeros64(uint64(minSize))
	maxExp := bits.TrailingZeros64(uint64(maxSize))

	b := &Buckets{
		minExp:  minExp,
		maxExp:  maxExp,
		maxSize: maxSize,
		classes: make([]sync.Pool, maxExp+1),
	}
	for i := minExp; i <= maxExp; i++ {
		size := int64(1) << i
		b.classes[i].New = func() any {
			buf := make([]byte, int(size))
			return &buf
		}
	}
	return b
}

// Get returns a slice of exactly size bytes backed by the smallest class that fits.
func (b *Buckets) Get(size int64) *[]byte {
	if size <= 0 {
		buf := make([]byte, 0)
		return &buf
	}
	if size > b.maxSize {
		buf := make([]byte, int(size))
		return &buf
	}

	idx := max(bits.Len64(uint64(size-1)), b.minExp)
	bufPtr := b.classes[idx].Get().(*[]byte)
	*bufPtr = (*bufPtr)[:int(size)]
	return bufPtr
}

// Put returns a slice to its class. Slices whose capacity is not one of the
// pool's classes are dropped.
func (b *Buckets) Put(bufPtr *[]byte) {
	if bufPtr == nil {
		return
	}
	c := int64(cap(*bufPtr))
	if c < int64(1)<<b.minExp || c > b.maxSize || !isPowerOfTwo(c) {
		return
	}
	*bufPtr = (*bufPtr)[:c]
	b.classes[bits.TrailingZeros64(uint64(c))].Put(bufPtr)
}

// Fixed pools copy buffers of a single size.
type Fixed struct {
	size int64
	pool sync.Pool
}

func NewFixed(size int64) *Fixed {
	return &Fixed{
		size: size,
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, int(size))
				return &buf
			},
		},
	}
}

func (f *Fixed) Get() *[]byte {
	return f.pool.Get().(*[]byte)
}

func (f *Fixed) Put(buf *[]byte) {
	if buf == nil || int64(cap(*buf)) != f.size {
		return
	}
	*buf = (*buf)[:f.size]
	f.pool.Put(buf)
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}
