// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHandle(t *testing.T) {
	t.Run("nil-handle", func(t *testing.T) {
		var h *Handle

		_, err := h.Load32(0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid load error: %+v", err)
		}

		err = h.Store32(0, 1)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid store error: %+v", err)
		}

		err = h.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("nil-data", func(t *testing.T) {
		var h Handle

		_, err := h.Load32(0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid load error: %+v", err)
		}

		err = h.Store32(0, 1)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid store error: %+v", err)
		}

		err = h.Close()
		if err != nil {
			t.Fatalf("error closing nil-data handle: %+v", err)
		}
	})
}

func TestHandleFrom(t *testing.T) {
	h := HandleFrom(make([]byte, 16))

	if got, want := h.Len(), 16; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	err := h.Store32(2, 0xcafe0042)
	if err != nil {
		t.Fatalf("could not store word: %+v", err)
	}
	v, err := h.Load32(2)
	if err != nil {
		t.Fatalf("could not load word: %+v", err)
	}
	if got, want := v, uint32(0xcafe0042); got != want {
		t.Fatalf("invalid word: got=0x%x, want=0x%x", got, want)
	}
	if got, want := binary.NativeEndian.Uint32(h.Bytes()[8:]), uint32(0xcafe0042); got != want {
		t.Fatalf("invalid memory: got=0x%x, want=0x%x", got, want)
	}

	for _, i := range []int{-1, 4} {
		_, err = h.Load32(i)
		if err == nil {
			t.Fatalf("expected an error loading word %d", i)
		}
		err = h.Store32(i, 0)
		if err == nil {
			t.Fatalf("expected an error storing word %d", i)
		}
	}
	if got, want := err.Error(), "mmap: word 4 out of range [0, 4)"; got != want {
		t.Fatalf("invalid error: got=%q, want=%q", got, want)
	}
}

func TestOpen(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "counter")

	h, err := Open(fname, 8)
	if err != nil {
		t.Fatalf("could not mmap file: %+v", err)
	}
	defer h.Close()

	if got, want := h.Len(), 8; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	err = h.Store32(1, 0x04030201)
	if err != nil {
		t.Fatalf("could not store: %+v", err)
	}

	o, err := Open(fname, 8)
	if err != nil {
		t.Fatalf("could not re-open file: %+v", err)
	}
	defer o.Close()

	v, err := o.Load32(1)
	if err != nil {
		t.Fatalf("could not load shared word: %+v", err)
	}
	if got, want := v, uint32(0x04030201); got != want {
		t.Fatalf("invalid shared content: got=0x%x, want=0x%x", got, want)
	}

	err = h.Close()
	if err != nil {
		t.Fatalf("could not close handle: %+v", err)
	}
	_, err = h.Load32(0)
	if !errors.Is(err, errClosed) {
		t.Fatalf("invalid load error: %+v", err)
	}

	fi, err := os.Stat(fname)
	if err != nil {
		t.Fatalf("could not stat file: %+v", err)
	}
	if got, want := fi.Size(), int64(8); got != want {
		t.Fatalf("invalid file size: got=%d, want=%d", got, want)
	}
}
