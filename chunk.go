// Copyright 2026 The Libnalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nalloc

import "unsafe"

// copyHeaderToEnd rewrites the end tag of a block to match its start tag.
func copyHeaderToEnd(h *blockHeader) {
	end := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(h.size()*mallocAlign) - uintptr(headerSize)))
	end.bits = h.bits
}

// unlink removes b from c's free list. b keeps its free bit.
func (c *chunkHeader) unlink(b *freeBlock) {
	if b.data.prev == nil {
		c.freeBlock = b.data.next
	} else {
		b.data.prev.data.next = b.data.next
	}

	if b.data.next != nil {
		b.data.next.data.prev = b.data.prev
	}
}

// push prepends b to c's free list.
func (c *chunkHeader) push(b *freeBlock) {
	b.data.prev = nil
	b.data.next = c.freeBlock
	if c.freeBlock != nil {
		c.freeBlock.data.prev = b
	}
	c.freeBlock = b
}

// chunkAlloc carves a block of size bytes (a multiple of mallocAlign, not
// counting the tags) out of c, first fit. It returns nil when no free
// block of c fits.
func chunkAlloc(c *chunkHeader, size int) unsafe.Pointer {
	for b := c.freeBlock; b != nil; b = b.data.next {
		if b.header.size()*mallocAlign < size+2*headerSize {
			continue
		}

		origSize := b.header.size()
		b.header.setFree(false)
		b.header.setSize((size + 2*headerSize) / mallocAlign)
		c.unlink(b)

		if (origSize-b.header.size())*mallocAlign >= 2*headerSize+minAlloc {
			// create a new free block from the remaining space in the
			// found block
			nb := (*freeBlock)(unsafe.Pointer(uintptr(unsafe.Pointer(b)) + uintptr(b.header.size()*mallocAlign)))
			nb.header.bits = 0
			nb.header.setFree(true)
			nb.header.setSize(origSize - b.header.size())
			c.push(nb)
			copyHeaderToEnd(&nb.header)
		} else {
			// not enough space left for a block that could be freed
			// later, keep the whole found block
			b.header.setSize(origSize)
		}

		copyHeaderToEnd(&b.header)
		return unsafe.Pointer(&b.data)
	}

	return nil
}

// newChunk maps a fresh chunk big enough for a size-byte block plus slack,
// lays out the initial used block, the free remainder and the sentinel,
// and returns the chunk and the user pointer of the initial block. The
// caller links the chunk into the list; the allocator lock is held.
func (a *Allocator) newChunk(size int) (*chunkHeader, unsafe.Pointer, error) {
	// room for the chunk header, the used block's tags, the remainder's
	// tags and the sentinel
	pages := (size+chunkHeaderSize+5*headerSize+pageSize-1)/pageSize + preallocPages
	base, err := a.pageAlloc(pages)
	if err != nil {
		return nil, nil, err
	}

	c := (*chunkHeader)(unsafe.Pointer(base))
	c.next = nil
	c.size = uint64(pages * pageSize)

	b := (*blockHeader)(unsafe.Pointer(base + uintptr(chunkHeaderSize)))
	b.bits = 0
	b.setSize((size + 2*headerSize) / mallocAlign)
	copyHeaderToEnd(b)

	fb := (*freeBlock)(unsafe.Pointer(uintptr(unsafe.Pointer(b)) + uintptr(b.size()*mallocAlign)))
	fb.header.bits = 0
	fb.header.setFree(true)
	fb.header.setSize((pages*pageSize - chunkHeaderSize - size - 3*headerSize) / mallocAlign)
	fb.data.next = nil
	fb.data.prev = nil
	copyHeaderToEnd(&fb.header)
	c.freeBlock = fb

	sentinel := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(fb)) + uintptr(fb.header.size()*mallocAlign)))
	sentinel.bits = 0

	return c, unsafe.Pointer(base + uintptr(chunkHeaderSize) + uintptr(headerSize)), nil
}

// freeInChunk returns b to its owning chunk's free list, coalesces with
// both neighbors and releases the chunk when it ends up fully free, unless
// it is the only chunk left. The allocator lock is held.
func (a *Allocator) freeInChunk(b *freeBlock) error {
	addr := uintptr(unsafe.Pointer(b))

	// find the chunk that owns this block
	var prevChunk *chunkHeader
	c := a.firstChunk
	for c != nil {
		if uintptr(unsafe.Pointer(c)) < addr && uintptr(unsafe.Pointer(c))+uintptr(c.size) > addr {
			break
		}

		prevChunk = c
		c = c.next
	}
	if c == nil {
		return ErrUnknownBlock
	}

	b.header.setFree(true)
	c.push(b)

	// merge with the next block if it is free
	nb := (*freeBlock)(unsafe.Pointer(addr + uintptr(b.header.size()*mallocAlign)))
	if nb.header.size() != 0 && nb.header.isFree() {
		b.header.setSize(b.header.size() + nb.header.size())
		c.unlink(nb)
	}

	// merge with the previous block if it is free
	if addr-uintptr(chunkHeaderSize) != uintptr(unsafe.Pointer(c)) {
		ph := (*blockHeader)(unsafe.Pointer(addr - uintptr(headerSize)))
		if ph.isFree() {
			pb := (*freeBlock)(unsafe.Pointer(addr - uintptr(ph.size()*mallocAlign)))
			pb.header.setSize(pb.header.size() + b.header.size())
			c.unlink(b)
			b = pb
		}
	}

	// release the chunk when it holds a single free block spanning its
	// whole allocatable area, keeping a floor of one chunk
	if uintptr(unsafe.Pointer(c)) == uintptr(unsafe.Pointer(b))-uintptr(chunkHeaderSize) &&
		c.size == uint64(b.header.size()*mallocAlign+chunkHeaderSize+headerSize) {
		if a.firstChunk != c || c.next != nil {
			if prevChunk != nil {
				prevChunk.next = c.next
			}
			if a.firstChunk == c {
				a.firstChunk = c.next
			}

			return a.pageFree(uintptr(unsafe.Pointer(c)), int(c.size)/pageSize)
		}
	}

	copyHeaderToEnd(&b.header)
	return nil
}

// allocDirect serves a request from a dedicated mapping. The user pointer
// is aligned to align; alignments above the OS page size are best effort
// because the mapping base is only page aligned. No lock is taken.
func (a *Allocator) allocDirect(size, align int) (unsafe.Pointer, error) {
	directOffset := (align+directHeaderSize+headerSize-1)/align*align - directHeaderSize - headerSize
	pages := (directOffset + directHeaderSize + headerSize + size + pageSize - 1) / pageSize

	base, err := a.pageAlloc(pages)
	if err != nil {
		return nil, err
	}

	d := (*directHeader)(unsafe.Pointer(base + uintptr(directOffset)))
	d.mapStart = base

	h := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(d)) + uintptr(directHeaderSize)))
	h.bits = directBit
	h.setSize(pages * pageSize / mallocAlign)

	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(headerSize)), nil
}

// pageAlloc maps pages*pageSize contiguous bytes and returns their base
// address.
func (a *Allocator) pageAlloc(pages int) (uintptr, error) {
	b, err := mmap(pages * pageSize)
	if err != nil {
		return 0, err
	}

	a.mmaps.Add(1)
	a.bytes.Add(int64(len(b)))
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// pageFree releases pages*pageSize bytes previously returned by pageAlloc.
func (a *Allocator) pageFree(addr uintptr, pages int) error {
	a.mmaps.Add(-1)
	a.bytes.Add(int64(-pages * pageSize))
	return unmap(unsafe.Pointer(addr), pages*pageSize)
}
