// Package buffer provides the big-endian binary Writer and Reader used by the
// socket codec, and the rent/return Pool that backs their storage.
package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Size classes served by a Pool. Requests above maxClassSize are plain
// allocations and are never returned to the pool.
const (
	minClassShift = 8  // 256 B
	maxClassShift = 20 // 1 MiB

	minClassSize = 1 << minClassShift
	maxClassSize = 1 << maxClassShift
)

// Pool is a size-classed rent/return allocator. It is safe for concurrent use.
// A rented Lease is owned exclusively by the caller until it is released.
type Pool struct {
	classes [maxClassShift - minClassShift + 1]sync.Pool

	rented   atomic.Int64
	returned atomic.Int64
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := minClassSize << i
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// classIndex returns the size class able to hold n bytes, or -1 when n is
// larger than the largest class.
func classIndex(n int) int {
	if n <= minClassSize {
		return 0
	}
	if n > maxClassSize {
		return -1
	}
	return bits.Len(uint(n-1)) - minClassShift
}

// Rent returns a Lease whose Bytes has length n.
func (p *Pool) Rent(n int) *Lease {
	if n < 0 {
		n = 0
	}
	idx := classIndex(n)
	if idx < 0 {
		return &Lease{buf: make([]byte, n)}
	}
	bp := p.classes[idx].Get().(*[]byte)
	p.rented.Add(1)
	return &Lease{buf: (*bp)[:n], pool: p, slot: bp, class: idx}
}

func (p *Pool) put(l *Lease) {
	*l.slot = (*l.slot)[:cap(*l.slot)]
	p.classes[l.class].Put(l.slot)
	p.returned.Add(1)
}

// Outstanding reports how many pooled leases have been rented and not yet
// released.
func (p *Pool) Outstanding() int64 {
	return p.rented.Load() - p.returned.Load()
}

// Lease is a handle to storage rented from a Pool. It must not be copied by
// value and must not be used after Release.
type Lease struct {
	buf   []byte
	pool  *Pool
	slot  *[]byte
	class int

	released atomic.Bool
}

// Bytes returns the leased storage, or nil once the lease has been released.
func (l *Lease) Bytes() []byte {
	if l == nil || l.released.Load() {
		return nil
	}
	return l.buf
}

// Len returns the length of the leased storage.
func (l *Lease) Len() int {
	return len(l.Bytes())
}

// Pooled reports whether the lease will be returned to a pool on Release.
func (l *Lease) Pooled() bool {
	return l != nil && l.pool != nil
}

// Release returns the storage to its pool. Calling Release more than once,
// or on a nil Lease, does nothing.
func (l *Lease) Release() {
	if l == nil || l.released.Swap(true) {
		return
	}
	l.buf = nil
	if l.pool != nil {
		l.pool.put(l)
	}
}
