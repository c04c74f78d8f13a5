package device

import (
	"sync"
)

// Pool is a size-bucketed buffer pool for partition storage. It stands in for
// the device memory allocator the workers of the original system configure at
// startup: buffers are recycled by exact element count, and the pool stops
// retaining buffers once its byte ceiling is reached.
type Pool struct {
	mu      sync.Mutex
	buckets map[int][][]float64
	limit   int64 // bytes, 0 = unlimited
	held    int64 // bytes currently retained
}

// NewPool creates a pool with the given retention ceiling in bytes.
// A ceiling of 0 means unlimited.
func NewPool(limit int64) *Pool {
	return &Pool{buckets: make(map[int][][]float64), limit: limit}
}

// SetLimit replaces the retention ceiling. Buffers over the new ceiling are
// dropped lazily on Put.
func (p *Pool) SetLimit(limit int64) {
	p.mu.Lock()
	p.limit = limit
	p.mu.Unlock()
}

// Get returns a buffer of exactly n elements, reusing a pooled one if
// available.
func (p *Pool) Get(n int) []float64 {
	p.mu.Lock()
	bucket := p.buckets[n]
	if len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.buckets[n] = bucket[:len(bucket)-1]
		p.held -= int64(n) * 8
		p.mu.Unlock()
		poolHits.Inc()
		poolSizeBytes.Sub(float64(n) * 8)
		poolBuffers.Dec()
		clear(buf)
		return buf
	}
	p.mu.Unlock()
	poolMisses.Inc()
	return make([]float64, n)
}

// Put returns a buffer to the pool. Buffers that would push retention past
// the ceiling are dropped for the GC to collect.
func (p *Pool) Put(buf []float64) {
	n := cap(buf)
	if n == 0 {
		return
	}
	buf = buf[:n]
	p.mu.Lock()
	if p.limit > 0 && p.held+int64(n)*8 > p.limit {
		p.mu.Unlock()
		return
	}
	p.buckets[n] = append(p.buckets[n], buf)
	p.held += int64(n) * 8
	p.mu.Unlock()
	poolSizeBytes.Add(float64(n) * 8)
	poolBuffers.Inc()
}

// Held reports the bytes currently retained by the pool.
func (p *Pool) Held() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}
