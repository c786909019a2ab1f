// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2026 The Libnalloc Authors.

//go:build windows

package nalloc

import (
	"errors"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmap on Windows is a two-step process.
// First, we call CreateFileMapping to get a handle.
// Then, we call MapViewOfFile to get an actual pointer into memory.

// We keep this map so that we can get back the original handle from the
// memory address. Mappings are created and released outside the allocator
// lock on the direct path, so the map carries its own mutex.
var (
	handleLock sync.Mutex
	handleMap  = map[uintptr]windows.Handle{}
)

func mmap(size int) ([]byte, error) {
	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if addr == 0 {
		windows.CloseHandle(h)
		return nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	if addr&uintptr(pageSize-1) != 0 {
		panic("internal error")
	}

	handleLock.Lock()
	handleMap[addr] = h
	handleLock.Unlock()
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func unmap(addr unsafe.Pointer, size int) error {
	// Remove the handle under the lock before the view goes away: as soon
	// as we unmap the view, the OS is free to hand the same address to a
	// concurrent mmap.
	handleLock.Lock()
	handle, ok := handleMap[uintptr(addr)]
	if !ok {
		handleLock.Unlock()
		return errors.New("unknown base address")
	}
	delete(handleMap, uintptr(addr))
	handleLock.Unlock()

	if err := windows.UnmapViewOfFile(uintptr(addr)); err != nil {
		return err
	}

	return os.NewSyscallError("CloseHandle", windows.CloseHandle(handle))
}
