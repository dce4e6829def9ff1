// Package ring implements a fixed-capacity single-producer/single-consumer
// byte ring that never blocks and never allocates after construction.
//
// Exactly one goroutine may call [Ring.Write] and exactly one goroutine may
// call [Ring.Read], [Ring.Peek] and [Ring.Skip]. Indices are published with
// atomic stores and observed with atomic loads, so the consumer never sees
// bytes the producer has not finished copying and the producer never
// overwrites bytes the consumer has not released.
//
// One byte of capacity is reserved to tell a full ring from an empty one, so
// a ring of capacity C holds at most C-1 bytes.
package ring

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/ardnew/aapbridge/pkg"
)

// MinCapacity is the smallest capacity that can hold a byte.
const MinCapacity = 2

// Ring is a lock-free SPSC byte ring.
type Ring struct {
	_    cpu.CacheLinePad
	head atomic.Uint64 // next write index; stored only by the producer
	_    cpu.CacheLinePad
	tail atomic.Uint64 // next read index; stored only by the consumer
	_    cpu.CacheLinePad

	buf  []byte
	size uint64
}

// New allocates a ring of the given capacity.
func New(capacity int) (*Ring, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("ring capacity %d: %w", capacity, pkg.ErrInvalidParameter)
	}
	return &Ring{
		buf:  make([]byte, capacity),
		size: uint64(capacity),
	}, nil
}

// Capacity returns the allocated size C. Usable capacity is C-1.
func (r *Ring) Capacity() int {
	return int(r.size)
}

// Available returns the number of bytes ready to read.
func (r *Ring) Available() int {
	return int(r.used(r.head.Load(), r.tail.Load()))
}

// Free returns the number of bytes that can be written.
func (r *Ring) Free() int {
	return int(r.size - 1 - r.used(r.head.Load(), r.tail.Load()))
}

func (r *Ring) used(head, tail uint64) uint64 {
	return (head + r.size - tail) % r.size
}

// Write appends as much of p as fits and returns the count written.
// Bytes that do not fit are dropped; the caller accounts for the loss.
func (r *Ring) Write(p []byte) int {
	head := r.head.Load()
	tail := r.tail.Load()

	n := min(uint64(len(p)), r.size-1-r.used(head, tail))
	if n == 0 {
		return 0
	}

	first := min(n, r.size-head)
	copy(r.buf[head:head+first], p[:first])
	copy(r.buf, p[first:n])

	r.head.Store((head + n) % r.size)
	return int(n)
}

// Peek copies up to len(p) readable bytes into p without consuming them.
func (r *Ring) Peek(p []byte) int {
	head := r.head.Load()
	tail := r.tail.Load()

	n := min(uint64(len(p)), r.used(head, tail))
	if n == 0 {
		return 0
	}

	first := min(n, r.size-tail)
	copy(p[:first], r.buf[tail:tail+first])
	copy(p[first:n], r.buf)
	return int(n)
}

// Skip discards up to n readable bytes and returns the count discarded.
func (r *Ring) Skip(n int) int {
	if n <= 0 {
		return 0
	}
	head := r.head.Load()
	tail := r.tail.Load()

	k := min(uint64(n), r.used(head, tail))
	r.tail.Store((tail + k) % r.size)
	return int(k)
}

// Read moves up to len(p) bytes out of the ring into p.
func (r *Ring) Read(p []byte) int {
	n := r.Peek(p)
	r.Skip(n)
	return n
}

// Reset empties the ring. Neither side may be active during the call.
func (r *Ring) Reset() {
	r.tail.Store(0)
	r.head.Store(0)
}
