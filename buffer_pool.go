package dmaserial

import (
	"sync"
	"sync/atomic"
)

// BufferPool manages reusable fixed-size scratch buffers for port reads.
type BufferPool struct {
	pool sync.Pool
	size int

	gets    atomic.Int64
	puts    atomic.Int64
	creates atomic.Int64
}

// NewBufferPool creates a buffer pool with fixed-size buffers
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{
		size: bufferSize,
	}
	bp.pool = sync.Pool{
		New: func() any {
			bp.creates.Add(1)
			b := make([]byte, bufferSize)
			return &b
		},
	}
	return bp
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() []byte {
	bp.gets.Add(1)
	return *bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool, cleared.
func (bp *BufferPool) Put(buf []byte) {
	if cap(buf) < bp.size {
		return // Don't pool incorrectly sized buffers
	}
	buf = buf[:bp.size]
	bp.puts.Add(1)

	clear(buf)
	bp.pool.Put(&buf)
}

// Stats returns pool usage statistics
func (bp *BufferPool) Stats() PoolStats {
	return PoolStats{
		Size:    bp.size,
		Gets:    bp.gets.Load(),
		Puts:    bp.puts.Load(),
		Creates: bp.creates.Load(),
	}
}

// PoolStats contains buffer pool usage statistics
type PoolStats struct {
	Size    int   // Buffer size managed by this pool
	Gets    int64 // Number of Get() calls
	Puts    int64 // Number of Put() calls
	Creates int64 // Number of new buffers created
}

// HitRatio returns the cache hit ratio (0.0 to 1.0)
func (ps PoolStats) HitRatio() float64 {
	if ps.Gets == 0 {
		return 0.0
	}
	return 1.0 - (float64(ps.Creates) / float64(ps.Gets))
}

// readPools holds one pool per DMA receive buffer size in use, shared by every
// HostEndpoint.
var readPools sync.Map // int -> *BufferPool

func readPoolFor(size int) *BufferPool {
	if bp, ok := readPools.Load(size); ok {
		return bp.(*BufferPool)
	}
	bp, _ := readPools.LoadOrStore(size, NewBufferPool(size))
	return bp.(*BufferPool)
}
