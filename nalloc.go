// Copyright 2026 The Libnalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nalloc implements a general-purpose memory allocator.
//
// Small requests are carved out of page-aligned chunks obtained from the
// operating system. Inside a chunk every block carries an identical header
// at both of its ends (boundary tags), free blocks are threaded on a
// per-chunk doubly linked list, allocation is first fit with splitting, and
// freeing eagerly coalesces with both neighbors. Requests above
// directThreshold bytes, and any request with an alignment above
// mallocAlign, bypass the chunks and get a dedicated mapping of their own.
//
// The zero value of Allocator is ready for use. All methods are safe for
// concurrent use; chunk state is guarded by a single mutex, the direct
// path touches no shared state and takes no lock.
package nalloc

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// mallocAlign is the allocation granularity. Block sizes in headers
	// are stored in units of mallocAlign and every pointer handed out by
	// the chunk path is aligned to it.
	mallocAlign = 16

	// preallocPages pages are mapped in addition to the required amount
	// whenever a new chunk is created.
	preallocPages = 16

	// directThreshold is the largest request still served from a chunk.
	directThreshold = 32768

	trace = false
)

const (
	headerSize       = int(unsafe.Sizeof(blockHeader{}))
	directHeaderSize = int(unsafe.Sizeof(directHeader{}))
	chunkHeaderSize  = int(unsafe.Sizeof(chunkHeader{}))

	// minAlloc is the smallest usable block body: a free block overlays
	// its list links on the body, so anything smaller could not be freed.
	minAlloc = int(unsafe.Sizeof(freeBlockData{}))
)

var pageSize = os.Getpagesize()

// ErrUnknownBlock is returned by Free for a pointer that no chunk owns.
var ErrUnknownBlock = errors.New("nalloc: pointer is not allocated from this allocator")

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

const (
	sizeBits  = 62
	sizeMask  = 1<<sizeBits - 1
	directBit = 1 << 62
	freeBit   = 1 << 63
)

// blockHeader is the tag stored at both the start and the end of every
// block. The low 62 bits hold the block length in units of mallocAlign,
// including both tags; a length of zero marks the sentinel terminating a
// chunk. Bit 62 marks the body of a direct allocation, bit 63 a block on
// its chunk's free list.
type blockHeader struct {
	bits uint64
}

func (h *blockHeader) size() int      { return int(h.bits & sizeMask) }
func (h *blockHeader) setSize(n int)  { h.bits = h.bits&^uint64(sizeMask) | uint64(n) }
func (h *blockHeader) isFree() bool   { return h.bits&freeBit != 0 }
func (h *blockHeader) isDirect() bool { return h.bits&directBit != 0 }

func (h *blockHeader) setFree(v bool) {
	if v {
		h.bits |= freeBit
	} else {
		h.bits &^= freeBit
	}
}

// directHeader sits right before the block header of a direct allocation
// and remembers the base of the mapping so Free can unmap it exactly.
type directHeader struct {
	mapStart uintptr
}

type freeBlockData struct {
	next, prev *freeBlock
}

// freeBlock is the in-memory view of a free block: the start tag followed
// by the list links, which occupy the first bytes of the block body.
type freeBlock struct {
	header blockHeader
	data   freeBlockData
}

// chunkHeader is at offset 0 of every chunk. The blocks follow it
// immediately and are terminated by a zero-size sentinel tag.
type chunkHeader struct {
	next      *chunkHeader
	freeBlock *freeBlock
	size      uint64
}

// Allocator allocates and frees memory. Its zero value is ready for use.
type Allocator struct {
	mu         sync.Mutex
	firstChunk *chunkHeader

	allocs atomic.Int64 // live allocations
	bytes  atomic.Int64 // bytes held from the OS
	mmaps  atomic.Int64 // live mappings
}

// Malloc allocates size bytes and returns a byte slice of the allocated
// memory. The memory is not initialized. Malloc panics for size < 0 and
// returns (nil, nil) for zero size.
//
// It's ok to reslice the returned slice but the result of appending to it
// cannot be passed to Free or Realloc as it may refer to a different
// backing array afterwards.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	p, err := a.UnsafeMalloc(size)
	if p == nil || err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), size), nil
}

// Calloc is like Malloc for nelem*elsize bytes, except the allocated
// memory is zeroed. The product is not checked for overflow.
func (a *Allocator) Calloc(nelem, elsize int) ([]byte, error) {
	p, err := a.UnsafeCalloc(nelem, elsize)
	if p == nil || err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), nelem*elsize), nil
}

// Realloc changes the size of the backing array of b to size bytes. The
// contents are unchanged in the range from the start of the region up to
// the minimum of the old and new sizes. If b's backing array is of zero
// size the call is equivalent to Malloc(size), except that Realloc(nil, 0)
// allocates a minimum block; if size is zero and b's backing array is not
// of zero size, the call is equivalent to Free(b). The region is always
// moved, a Free(b) is done.
func (a *Allocator) Realloc(b []byte, size int) ([]byte, error) {
	b = b[:cap(b)]
	switch {
	case len(b) == 0:
		if size == 0 {
			// some programs, grep among them, expect realloc(NULL, 0)
			// to return a usable pointer
			size = minAlloc
		}
		return a.Malloc(size)
	case size == 0:
		return nil, a.Free(b)
	}

	p, err := a.UnsafeRealloc(unsafe.Pointer(&b[0]), size)
	if p == nil || err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), size), nil
}

// Free deallocates memory (as in C.free). The argument of Free must have
// been acquired from Calloc or Malloc or Realloc or AlignedAlloc.
func (a *Allocator) Free(b []byte) error {
	b = b[:cap(b)]
	if len(b) == 0 {
		return nil
	}

	return a.UnsafeFree(unsafe.Pointer(&b[0]))
}

// AlignedAlloc is like Malloc except the returned memory is aligned to
// align bytes. A nil slice is returned when align or size is zero.
// Alignments up to mallocAlign are served exactly like Malloc, anything
// above gets a dedicated mapping. Alignments above the OS page size are best effort.
func (a *Allocator) AlignedAlloc(align, size int) ([]byte, error) {
	p, err := a.UnsafeAlignedAlloc(align, size)
	if p == nil || err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), size), nil
}

// PosixMemalign stores through memptr a pointer to size bytes of memory
// aligned to align bytes, or nil when no memory is available, and returns
// 0. The alignment is not validated.
func (a *Allocator) PosixMemalign(memptr *unsafe.Pointer, align, size int) int {
	p, _ := a.UnsafeAlignedAlloc(align, size)
	*memptr = p

	return 0
}

// UnsafeMalloc is like Malloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeMalloc(size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, r, err)
		}()
	}
	if size < 0 {
		panic("invalid malloc size")
	}

	if size == 0 {
		return nil, nil
	}

	if size > directThreshold {
		if r, err = a.allocDirect(size, mallocAlign); err != nil {
			return nil, err
		}

		a.allocs.Add(1)
		return r, nil
	}

	size = roundup(size, mallocAlign)
	if size < minAlloc {
		size = minAlloc
	}

	a.mu.Lock()
	for c := a.firstChunk; c != nil; c = c.next {
		if r = chunkAlloc(c, size); r != nil {
			a.mu.Unlock()
			a.allocs.Add(1)
			return r, nil
		}
	}

	// no existing chunk has a fitting free block
	c, r, err := a.newChunk(size)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}

	c.next = a.firstChunk
	a.firstChunk = c
	a.mu.Unlock()
	a.allocs.Add(1)
	return r, nil
}

// UnsafeCalloc is like Calloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeCalloc(nelem, elsize int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p, %v\n", nelem, elsize, r, err)
		}()
	}
	size := nelem * elsize
	if r, err = a.UnsafeMalloc(size); r == nil || err != nil {
		return nil, err
	}

	clear(unsafe.Slice((*byte)(r), size))
	return r, nil
}

// UnsafeRealloc is like Realloc except its first argument and result are
// unsafe.Pointers.
func (a *Allocator) UnsafeRealloc(p unsafe.Pointer, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p, %v\n", p, size, r, err)
		}()
	}
	switch {
	case p == nil:
		if size == 0 {
			size = minAlloc
		}
		return a.UnsafeMalloc(size)
	case size == 0:
		return nil, a.UnsafeFree(p)
	}

	if r, err = a.UnsafeMalloc(size); r == nil || err != nil {
		return nil, err
	}

	n := UnsafeUsableSize(p)
	if n > size {
		n = size
	}
	copy(unsafe.Slice((*byte)(r), n), unsafe.Slice((*byte)(p), n))
	return r, a.UnsafeFree(p)
}

// UnsafeAlignedAlloc is like AlignedAlloc except it returns an
// unsafe.Pointer.
func (a *Allocator) UnsafeAlignedAlloc(align, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "AlignedAlloc(%#x, %#x) %p, %v\n", align, size, r, err)
		}()
	}
	if align == 0 || size == 0 {
		return nil, nil
	}

	if align <= mallocAlign {
		return a.UnsafeMalloc(size)
	}

	// easier to just do a direct allocation regardless of size
	if r, err = a.allocDirect(size, align); err != nil {
		return nil, err
	}

	a.allocs.Add(1)
	return r, nil
}

// UnsafeFree is like Free except its argument is an unsafe.Pointer, which
// must have been acquired from UnsafeCalloc or UnsafeMalloc or
// UnsafeRealloc or UnsafeAlignedAlloc.
func (a *Allocator) UnsafeFree(p unsafe.Pointer) (err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Free(%p) %v\n", p, err)
		}()
	}
	if p == nil {
		return nil
	}

	b := (*freeBlock)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
	if b.header.isDirect() {
		d := (*directHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(b)) - uintptr(directHeaderSize)))
		a.allocs.Add(-1)
		return a.pageFree(d.mapStart, b.header.size()*mallocAlign/pageSize)
	}

	a.mu.Lock()
	err = a.freeInChunk(b)
	a.mu.Unlock()
	if err == nil {
		a.allocs.Add(-1)
	}
	return err
}

// UnsafeUsableSize is like UsableSize except its argument is an
// unsafe.Pointer.
func UnsafeUsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}

	h := (*blockHeader)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
	if h.isDirect() {
		// the size of a direct block counts the whole mapping
		d := (*directHeader)(unsafe.Pointer(uintptr(p) - uintptr(headerSize) - uintptr(directHeaderSize)))
		return h.size()*mallocAlign - int(uintptr(p)-d.mapStart)
	}

	return h.size()*mallocAlign - 2*headerSize
}

// UsableSize reports the capacity of the memory block allocated at &b[0],
// which must be the first byte of a slice returned from Calloc, Malloc,
// Realloc or AlignedAlloc. The capacity can be larger than the size
// originally requested.
func UsableSize(b []byte) int {
	b = b[:cap(b)]
	if len(b) == 0 {
		return 0
	}

	return UnsafeUsableSize(unsafe.Pointer(&b[0]))
}

// Close releases every chunk back to the OS and empties the chunk list.
// Live direct allocations are not tracked and stay mapped; they remain
// valid and can still be freed afterwards.
//
// It's not necessary to Close the Allocator when exiting a process.
func (a *Allocator) Close() (err error) {
	a.mu.Lock()
	for c := a.firstChunk; c != nil; {
		next := c.next
		if e := a.pageFree(uintptr(unsafe.Pointer(c)), int(c.size)/pageSize); e != nil && err == nil {
			err = e
		}
		c = next
	}
	a.firstChunk = nil
	a.mu.Unlock()
	return err
}
