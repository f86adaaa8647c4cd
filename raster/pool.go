package raster

import (
	"sync"
	"sync/atomic"
)

// BufferPool manages reusable byte buffers for chunk encoding and decoding.
type BufferPool struct {
	pools     []*sync.Pool
	allocs    atomic.Int64
	hits      atomic.Int64
	oversized atomic.Int64
}

// bufferSizes are the discrete pooled sizes. They cover chunks from 32x32
// uint8 up to 512x512 float64 with a few channels.
var bufferSizes = []int{
	1 << 10,
	16 << 10,
	256 << 10,
	1 << 20,
	4 << 20,
	16 << 20,
}

var chunkBuffers = NewBufferPool()

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	p := &BufferPool{pools: make([]*sync.Pool, len(bufferSizes))}
	for i := range bufferSizes {
		p.pools[i] = &sync.Pool{}
	}
	return p
}

// poolIndex returns the pool index for a size or -1 if none fits.
func poolIndex(size int) int {
	for i, s := range bufferSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

// Get returns a buffer of exactly size bytes. Its contents are undefined.
func (p *BufferPool) Get(size int) []byte {
	p.allocs.Add(1)
	idx := poolIndex(size)
	if idx < 0 {
		p.oversized.Add(1)
		return make([]byte, size)
	}
	if v := p.pools[idx].Get(); v != nil {
		p.hits.Add(1)
		return (*v.(*[]byte))[:size]
	}
	return make([]byte, size, bufferSizes[idx])
}

// Put returns a buffer obtained from Get. Buffers of foreign capacity are
// dropped.
func (p *BufferPool) Put(buf []byte) {
	idx := poolIndex(cap(buf))
	if idx < 0 || cap(buf) != bufferSizes[idx] {
		return
	}
	buf = buf[:cap(buf)]
	p.pools[idx].Put(&buf)
}

// Stats returns (allocations, pool hits, oversized allocations).
func (p *BufferPool) Stats() (allocs, hits, oversized int64) {
	return p.allocs.Load(), p.hits.Load(), p.oversized.Load()
}
