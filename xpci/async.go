// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/go-lpc/xpad/burst"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
	"golang.org/x/sync/errgroup"
)

type ringSink struct {
	ring *burst.Ring
}

func (s ringSink) buffer(ctx context.Context, i int) ([]byte, error) {
	raw, err := s.ring.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not acquire ring slot for image %d: %w", i, err)
	}
	return raw, nil
}

func (s ringSink) commit(i int, raw []byte) error {
	s.ring.Commit()
	return nil
}

// StartStreamingBurst exposes the modules of mask and streams count raw
// images to disk, one file per image, in the background.
// StartStreamingBurst returns once the exposure has started; Wait returns
// the outcome of the burst.
func (e *Engine) StartStreamingBurst(ctx context.Context, typ layout.Type, mask topo.Mask, chips, count, id int) error {
	plan, err := NewPlan(e.topo, typ, chips, mask)
	if err != nil {
		return err
	}
	if count < 1 || count > MaxImages {
		return fmt.Errorf("xpci: invalid number of images %d", count)
	}

	// the burst outlives the caller context.
	actx, end, err := e.begin(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	capacity := e.cfg.burst.ring
	if capacity <= 0 {
		capacity = burst.Capacity(count)
	}

	err = os.MkdirAll(e.cfg.burst.dir, 0755)
	if err != nil {
		end()
		return fmt.Errorf("xpci: could not create burst directory: %w", err)
	}
	err = burst.Clean(e.cfg.burst.dir, id)
	if err != nil {
		end()
		return fmt.Errorf("xpci: could not clean burst %d: %w", id, err)
	}

	cnt, err := burst.OpenCounter(e.cfg.burst.counter)
	if err != nil {
		end()
		return fmt.Errorf("xpci: could not open burst counter: %w", err)
	}

	acq, err := e.arm(actx, plan, count)
	if err != nil {
		_ = cnt.Close()
		end()
		return err
	}

	done := make(chan struct{})
	e.op.Lock()
	e.op.done = done
	e.op.err = nil
	e.op.Unlock()

	var (
		ring = burst.NewRing(capacity, plan.RawSize())
		w    = burst.NewWriter(
			e.cfg.burst.dir, id, ring, cnt,
			log.New(e.msg.Writer(), e.msg.Prefix()+"burst: ", e.msg.Flags()),
		)
		pctx, pcancel = context.WithCancelCause(actx)
	)

	e.msg.Printf("burst %d: %d images (%v), ring of %d slots", id, count, plan, capacity)
	go func() {
		defer close(done)
		defer end()
		defer pcancel(nil)

		var grp errgroup.Group
		grp.Go(func() error {
			err := w.Run(context.Background())
			if err != nil {
				pcancel(fmt.Errorf("xpci: could not write burst %d: %w", id, err))
			}
			return err
		})

		err := e.acquire(pctx, acq, count, ringSink{ring: ring})
		ring.Close()

		werr := grp.Wait()
		if werr != nil && (err == nil || errors.Is(err, werr)) {
			err = fmt.Errorf("xpci: could not write burst %d: %w", id, werr)
		}
		if cerr := cnt.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("xpci: could not close burst counter: %w", cerr)
		}

		switch Code(err) {
		case 0:
			e.msg.Printf("burst %d: done (%d images)", id, ring.Write())
		case 1:
			e.msg.Printf("burst %d: stopped after %d images: %v", id, ring.Write(), err)
		default:
			e.msg.Printf("burst %d: failed after %d images: %+v", id, ring.Write(), err)
		}

		e.op.Lock()
		e.op.err = err
		e.op.Unlock()
	}()

	return nil
}

// Wait waits for the pending burst to finish and returns its outcome.
func (e *Engine) Wait(ctx context.Context) error {
	e.op.Lock()
	done := e.op.done
	e.op.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.op.Lock()
	defer e.op.Unlock()
	return e.op.err
}

// ImageFromBurst reads back raw image index of burst id and reassembles it.
func (e *Engine) ImageFromBurst(typ layout.Type, mask topo.Mask, chips, id, index int) (*layout.Image, error) {
	plan, err := NewPlan(e.topo, typ, chips, mask)
	if err != nil {
		return nil, err
	}
	raw, err := burst.ReadRaw(e.cfg.burst.dir, id, index)
	if err != nil {
		return nil, err
	}
	img, err := layout.Reassemble(raw, plan.Geometry(e.topo), mask)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not reassemble image %d of burst %d: %w", index, id, err)
	}
	return img, nil
}
