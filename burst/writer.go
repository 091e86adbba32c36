// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package burst

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
)

// Writer drains a ring into one file per raw image.
type Writer struct {
	msg  *log.Logger
	dir  string
	id   int
	ring *Ring
	cnt  *Counter
}

// NewWriter returns a writer storing the images of burst id under dir.
// The index of each durably written image is published through cnt.
func NewWriter(dir string, id int, ring *Ring, cnt *Counter, msg *log.Logger) *Writer {
	if msg == nil {
		msg = log.New(os.Stdout, "burst: ", 0)
	}
	return &Writer{msg: msg, dir: dir, id: id, ring: ring, cnt: cnt}
}

// Run writes images until the ring is closed and drained.
// A slot is released once its file is synced to disk.
func (w *Writer) Run(ctx context.Context) error {
	for {
		raw, i, err := w.ring.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		err = writeRaw(Name(w.dir, w.id, i), raw)
		if err != nil {
			w.msg.Printf("could not write image %d of burst %d: %+v", i, w.id, err)
			return err
		}
		err = w.cnt.Store(i)
		if err != nil {
			return err
		}
		w.ring.Release()
	}
}
