// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2026 The Libnalloc Authors.

//go:build unix

package nalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func mmap(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	if uintptr(unsafe.Pointer(&b[0]))&uintptr(pageSize-1) != 0 {
		panic("internal error")
	}

	return b, nil
}

// unmap releases a mapping by address. unix.Munmap wants the original
// slice back, which the chunk headers do not keep, hence the raw syscall.
func unmap(addr unsafe.Pointer, size int) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0)
	if errno != 0 {
		return errno
	}

	return nil
}
