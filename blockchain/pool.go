package blockchain

import (
	"sync"
	"sync/atomic"
)

// PageSize is the fixed size of every buffer the Pool hands out. It also
// sizes one BitFilter "page" (a filter defaults to 128 pages of bits).
const PageSize = 4096

// Pool is the process-wide page allocator: every BitFilter page and the
// scratch buffers of the Flusher and of prefetch reads are leased from one
// Pool instance, so the whole Blockchain can report how many pages are
// still outstanding. Built on sync.Pool, the
// same GC-pressure-avoidance mechanism go-ethereum uses for its own
// scratch buffers (rlp's encoder pool, crypto's hasher pool); Pool adds
// the outstanding-count bookkeeping this package requires, which
// sync.Pool itself does not track.
type Pool struct {
	inner       sync.Pool
	outstanding atomic.Int64
}

// NewPool constructs a Pool of PageSize buffers.
func NewPool() *Pool {
	p := &Pool{}
	p.inner.New = func() any {
		b := make([]byte, PageSize)
		return &b
	}
	return p
}

// Get leases one zeroed page, incrementing the outstanding count.
func (p *Pool) Get() []byte {
	b := *(p.inner.Get().(*[]byte))
	clear(b)
	p.outstanding.Add(1)
	return b
}

// Put returns a page to the pool, decrementing the outstanding count.
// Callers must not use the buffer after calling Put.
func (p *Pool) Put(b []byte) {
	if cap(b) != PageSize {
		// Not one of ours; drop it on the floor rather than corrupting the
		// pool's size invariant.
		return
	}
	b = b[:PageSize]
	p.inner.Put(&b)
	p.outstanding.Add(-1)
}

// Outstanding returns the number of pages currently leased out. Reported
// through Blockchain.Stats; no shutdown path checks it.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
