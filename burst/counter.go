// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package burst

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-lpc/xpad/internal/mmap"
)

// Counter publishes the index of the last image written to disk.
// A file-backed counter is readable by other processes while a burst is
// being written: an int32 in host byte order, -1 when no image was written
// yet.
type Counter struct {
	h *mmap.Handle
}

// OpenCounter opens the counter stored in the named file, creating it as
// needed. An empty name creates an in-memory counter.
func OpenCounter(fname string) (*Counter, error) {
	var (
		h   *mmap.Handle
		err error
	)
	switch fname {
	case "":
		h = mmap.HandleFrom(make([]byte, 4))
	default:
		h, err = mmap.Open(fname, 4)
		if err != nil {
			return nil, fmt.Errorf("burst: could not open counter: %w", err)
		}
	}
	c := &Counter{h: h}
	err = c.Store(-1)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return c, nil
}

// Store publishes v.
func (c *Counter) Store(v int) error {
	err := c.h.Store32(0, uint32(int32(v)))
	if err != nil {
		return fmt.Errorf("burst: could not store counter: %w", err)
	}
	return nil
}

// Load returns the last published value.
func (c *Counter) Load() (int, error) {
	v, err := c.h.Load32(0)
	if err != nil {
		return -1, fmt.Errorf("burst: could not load counter: %w", err)
	}
	return int(int32(v)), nil
}

// Close releases the counter. The file, if any, keeps the last value.
func (c *Counter) Close() error {
	return c.h.Close()
}

// ReadCounter returns the value of the counter stored in the named file.
func ReadCounter(fname string) (int, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return -1, fmt.Errorf("burst: could not read counter: %w", err)
	}
	if len(raw) < 4 {
		return -1, fmt.Errorf("burst: invalid counter file %q", fname)
	}
	return int(int32(binary.NativeEndian.Uint32(raw))), nil
}
