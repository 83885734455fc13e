package tensor

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"
	"sync"
)

// ScratchPool recycles float32 work buffers between kernel calls. Buffers
// are bucketed by capacity rounded up to a power of two.
type ScratchPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats counts traffic for one bucket.
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewScratchPool returns an empty pool.
func NewScratchPool() *ScratchPool {
	return &ScratchPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of exactly size elements.
func (p *ScratchPool) Get(size int) []float32 {
	bucket := bucketSize(size)

	p.mu.Lock()
	pool, ok := p.pools[bucket]
	if !ok {
		pool = &sync.Pool{}
		p.pools[bucket] = pool
		p.stats[bucket] = &PoolStats{}
	}
	stats := p.stats[bucket]
	stats.Gets++
	stats.InUse++
	stats.MaxInUse = max(stats.MaxInUse, stats.InUse)
	p.mu.Unlock()

	if v := pool.Get(); v != nil {
		buf := *(v.(*[]float32))
		return buf[:size]
	}

	p.mu.Lock()
	stats.Misses++
	p.mu.Unlock()
	return make([]float32, size, bucket)
}

// Put hands buf back. Buffers that did not come from Get are dropped.
func (p *ScratchPool) Put(buf []float32) {
	c := cap(buf)
	if c == 0 || c != bucketSize(c) {
		return
	}

	p.mu.Lock()
	pool, ok := p.pools[c]
	if !ok {
		p.mu.Unlock()
		return
	}
	stats := p.stats[c]
	stats.Puts++
	stats.InUse--
	p.mu.Unlock()

	buf = buf[:c]
	clear(buf)
	pool.Put(&buf)
}

// Stats returns a copy of the per-bucket counters.
func (p *ScratchPool) Stats() map[int]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]PoolStats, len(p.stats))
	for size, s := range p.stats {
		out[size] = *s
	}
	return out
}

func (p *ScratchPool) String() string {
	stats := p.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	slices.Sort(sizes)

	var b strings.Builder
	b.WriteString("ScratchPool:\n")
	for _, size := range sizes {
		s := stats[size]
		hitRate := 0.0
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&b, "  %d: gets=%d puts=%d in_use=%d max_in_use=%d hit=%.1f%%\n",
			size, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return b.String()
}

func bucketSize(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

var (
	scratch     *ScratchPool
	scratchOnce sync.Once
)

// Scratch returns the process-wide pool used by the layer kernels.
func Scratch() *ScratchPool {
	scratchOnce.Do(func() {
		scratch = NewScratchPool()
	})
	return scratch
}
