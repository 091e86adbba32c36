// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides handles over memory-mapped device windows and files.
//
// Device registers must be accessed with single, aligned 32-bit loads and
// stores: Handle exposes them as words rather than as a byte stream.
package mmap // import "github.com/go-lpc/xpad/internal/mmap"

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped region.
type Handle struct {
	data  []byte
	unmap bool
}

// HandleFrom wraps data into a handle. Closing the handle does not unmap data.
// data must be 4-byte aligned, as returned by make([]byte, n) for n >= 4.
func HandleFrom(data []byte) *Handle {
	return &Handle{data: data}
}

// Map maps size bytes of f, starting at offset off, read-write and shared.
func Map(f *os.File, off int64, size int) (*Handle, error) {
	data, err := unix.Mmap(
		int(f.Fd()), off, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not mmap %q: %w", f.Name(), err)
	}
	if len(data) != size {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(data))
	}
	h := &Handle{data: data, unmap: true}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// Open maps the first size bytes of the named file, creating and growing it
// as needed.
func Open(fname string, size int) (*Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: could not stat %q: %w", fname, err)
	}
	if fi.Size() < int64(size) {
		err = f.Truncate(int64(size))
		if err != nil {
			return nil, fmt.Errorf("mmap: could not resize %q: %w", fname, err)
		}
	}
	return Map(f, 0, size)
}

// Close unmaps the region. Further accesses fail.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	if !h.unmap {
		return nil
	}
	return unix.Munmap(data)
}

// Len returns the length of the region, in bytes.
func (h *Handle) Len() int {
	return len(h.data)
}

// Bytes returns the mapped memory.
func (h *Handle) Bytes() []byte {
	return h.data
}

func (h *Handle) word(i int) (*uint32, error) {
	if h == nil {
		return nil, os.ErrInvalid
	}
	if h.data == nil {
		return nil, errClosed
	}
	if i < 0 || 4*i+4 > len(h.data) {
		return nil, fmt.Errorf("mmap: word %d out of range [0, %d)", i, len(h.data)/4)
	}
	return (*uint32)(unsafe.Pointer(&h.data[4*i])), nil
}

// Load32 reads the i-th 32-bit word of the region, in host byte order.
func (h *Handle) Load32(i int) (uint32, error) {
	p, err := h.word(i)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Store32 writes v to the i-th 32-bit word of the region, in host byte order.
func (h *Handle) Store32(i int, v uint32) error {
	p, err := h.word(i)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}
