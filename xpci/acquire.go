// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/frame"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

// MaxImages is the largest number of images of one exposure sequence.
const MaxImages = 60000

// acquisition holds the RX buffers of one image acquisition.
type acquisition struct {
	plan Plan
	rx   [2]*board.Buffer
}

// open prepares the card for the transfers of plan: the RX buffers are
// locked for the whole acquisition and their addresses programmed once.
func (e *Engine) open(ctx context.Context, plan Plan) (*acquisition, error) {
	err := e.resetBoard()
	if err != nil {
		return nil, err
	}
	if e.topo.Split || e.topo.Name == topo.S700.Name {
		err = e.hub(ctx, frame.NewHubCommand(frame.HubRegFIFOReset, 0))
		if err != nil {
			return nil, fmt.Errorf("xpci: could not reset register FIFO: %w", err)
		}
	}

	acq := &acquisition{plan: plan}
	for _, ch := range topo.Channels {
		if len(plan.Modules[ch]) == 0 {
			continue
		}
		buf, err := e.lock(ch, plan.TransferBytes)
		if err != nil {
			e.close(acq)
			return nil, err
		}
		acq.rx[ch] = buf
		e.regs[board.RxPhys[ch]].w(uint32(buf.Phys) &^ 0x3)
		e.regs[board.RxSize[ch]].w(uint32(plan.TransferBytes))
	}
	e.resetChannels(chanAll)
	e.setHardTimeout(board.Timeout1s)
	if err := e.flush(); err != nil {
		e.close(acq)
		return nil, err
	}
	return acq, nil
}

func (e *Engine) close(acq *acquisition) {
	for i, buf := range acq.rx {
		e.release(buf)
		acq.rx[i] = nil
	}
	e.setHardTimeout(board.Timeout1s)
	if err := e.flush(); err != nil {
		e.msg.Printf("could not restore hardware timeout: %+v", err)
	}
}

// readImage reads one raw image into dst, module-ascending.
//
// Both channels are pipelined: while a transfer is in flight on one channel,
// the data of the previous transfer is copied out of the other channel
// buffer. first bounds the wait for the first transfer, the image timeout
// bounds the others.
func (e *Engine) readImage(ctx context.Context, acq *acquisition, dst []byte, first time.Duration) error {
	var (
		p     = acq.plan
		steps = p.Steps()
		k     [2]int // transfers read per channel
		soft  = first
	)
	if len(dst) < p.RawSize() {
		return fmt.Errorf("xpci: raw image buffer too small (got=%d, want=%d bytes)", len(dst), p.RawSize())
	}

	start := func(ch topo.Channel) error {
		e.eraseSvc(1 << ch)
		return e.start(ch, board.StartRx)
	}
	wait := func(ch topo.Channel) error {
		err := e.wait(ctx, ch, soft)
		soft = e.cfg.imgTimeout
		if err != nil {
			return fmt.Errorf("xpci: could not read transfer %d on channel %d: %w", k[ch], ch, err)
		}
		return nil
	}
	cpy := func(ch topo.Channel) {
		off := p.offset(ch, k[ch])
		copy(dst[off:off+p.TransferBytes], acq.rx[ch].Data)
		k[ch]++
	}

	for i := 1; i <= steps; i++ {
		if i == 1 {
			if err := start(topo.Ch0); err != nil {
				return err
			}
		}
		if err := wait(topo.Ch0); err != nil {
			return err
		}
		if err := start(topo.Ch1); err != nil {
			return err
		}
		cpy(topo.Ch0)

		if err := wait(topo.Ch1); err != nil {
			return err
		}
		if i < steps {
			if err := start(topo.Ch0); err != nil {
				return err
			}
		}
		cpy(topo.Ch1)
	}

	ch := p.surplus()
	for i := 0; i < p.Sequential; i++ {
		if err := start(ch); err != nil {
			return err
		}
		if err := wait(ch); err != nil {
			return err
		}
		cpy(ch)
	}
	return nil
}

// ReadOneImage reads the current image of the modules of mask.
func (e *Engine) ReadOneImage(ctx context.Context, typ layout.Type, mask topo.Mask, chips int) (*layout.Image, error) {
	plan, err := NewPlan(e.topo, typ, chips, mask)
	if err != nil {
		return nil, err
	}

	ctx, end, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	e.last.Store(-1)
	e.setState(Armed)
	err = e.subchannels(ctx, mask, imageTransfer(typ), chips, 1)
	if err != nil {
		return nil, err
	}

	acq, err := e.open(ctx, plan)
	if err != nil {
		return nil, err
	}
	defer e.close(acq)

	op := frame.ReadImage16
	if typ == layout.Image32 {
		op = frame.ReadImage32
	}
	err = e.broadcast(ctx, frame.NewCommand(op, 0), mask)
	if err != nil {
		return nil, err
	}

	e.setState(Reading)
	raw := make([]byte, plan.RawSize())
	err = e.readImage(ctx, acq, raw, e.cfg.imgTimeout)
	if err != nil {
		return nil, err
	}
	e.last.Store(0)

	img, err := layout.Reassemble(raw, plan.Geometry(e.topo), mask)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not reassemble image: %w", err)
	}
	return img, nil
}

// sink receives the raw images of a sequence.
type sink interface {
	// buffer returns the buffer receiving the raw image i.
	buffer(ctx context.Context, i int) ([]byte, error)
	// commit hands over the filled buffer of image i.
	commit(i int, raw []byte) error
}

type memSink struct {
	geo  layout.Geometry
	mask topo.Mask
	size int
	imgs []*layout.Image
}

func (s *memSink) buffer(ctx context.Context, i int) ([]byte, error) {
	return make([]byte, s.size), nil
}

func (s *memSink) commit(i int, raw []byte) error {
	img, err := layout.Reassemble(raw, s.geo, s.mask)
	if err != nil {
		return fmt.Errorf("xpci: could not reassemble image %d: %w", i, err)
	}
	s.imgs = append(s.imgs, img)
	return nil
}

// ReadImageSequence exposes the modules of mask and reads count images.
// Exposure parameters must have been sent beforehand.
//
// When stopped by Abort or Reset, the images read so far are returned
// together with ErrAborted or ErrReset.
func (e *Engine) ReadImageSequence(ctx context.Context, typ layout.Type, mask topo.Mask, chips, count int) ([]*layout.Image, error) {
	plan, err := NewPlan(e.topo, typ, chips, mask)
	if err != nil {
		return nil, err
	}
	if count < 1 || count > MaxImages {
		return nil, fmt.Errorf("xpci: invalid number of images %d", count)
	}

	ctx, end, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	s := &memSink{
		geo:  plan.Geometry(e.topo),
		mask: mask,
		size: plan.RawSize(),
		imgs: make([]*layout.Image, 0, count),
	}

	acq, err := e.arm(ctx, plan, count)
	if err != nil {
		return nil, err
	}
	err = e.acquire(ctx, acq, count, s)
	return s.imgs, err
}

// arm prepares an exposure of count images and starts it.
func (e *Engine) arm(ctx context.Context, plan Plan, count int) (*acquisition, error) {
	e.last.Store(-1)
	e.setState(Armed)

	_, err := e.askReady(ctx, plan.Mask)
	if err != nil {
		return nil, err
	}

	err = e.subchannels(ctx, plan.Mask, imageTransfer(plan.Type), plan.Chips, count)
	if err != nil {
		return nil, err
	}

	acq, err := e.open(ctx, plan)
	if err != nil {
		return nil, err
	}

	// exposure lasts as long as it takes.
	e.setHardTimeout(board.TimeoutDisabled)
	err = e.broadcast(ctx, frame.NewCommand(frame.Expose, 0, 0, 0, 0), plan.Mask)
	if err != nil {
		e.close(acq)
		return nil, fmt.Errorf("xpci: could not start exposure: %w", err)
	}
	e.setState(Exposing)
	return acq, nil
}

// acquire reads count images of an armed exposure into s, then stops the
// exposure and cleans the modules up.
func (e *Engine) acquire(ctx context.Context, acq *acquisition, count int, s sink) error {
	var (
		mask = acq.plan.Mask
		err  error
	)

loop:
	for i := 0; i < count; i++ {
		if err = cause(ctx); err != nil {
			break loop
		}
		var raw []byte
		raw, err = s.buffer(ctx, i)
		if err != nil {
			break loop
		}
		e.setState(Reading)
		err = e.readImage(ctx, acq, raw, e.cfg.firstTimeout)
		if err != nil {
			break loop
		}
		e.last.Store(int64(i))
		err = s.commit(i, raw)
		if err != nil {
			break loop
		}
		e.setState(Exposing)
	}

	e.setState(Draining)
	e.close(acq)

	// teardown runs even when the operation was stopped.
	tctx := context.WithoutCancel(ctx)
	if cerr := e.abortExposure(tctx); cerr != nil {
		e.msg.Printf("could not abort exposure: %+v", cerr)
	}
	if cerr := e.abortClean(tctx, mask); cerr != nil {
		e.msg.Printf("could not clean modules %v up: %+v", mask, cerr)
		if err == nil {
			err = cerr
		}
	}

	if c := cause(ctx); c != nil && (err == nil || errors.Is(err, c)) {
		return c
	}
	return err
}
