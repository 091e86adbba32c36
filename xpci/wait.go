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
	"github.com/go-lpc/xpad/topo"
)

// pollPeriod is the RX FIFO level polling period.
const pollPeriod = 100 * time.Microsecond

func (e *Engine) drainIRQ() {
	for {
		select {
		case <-e.irq:
		default:
			return
		}
	}
}

// start starts a DMA on channel ch. Stale interrupts are dropped first.
func (e *Engine) start(ch topo.Channel, bits uint32) error {
	e.drainIRQ()
	e.regs[board.Ctrl[ch]].w(bits)
	return e.flush()
}

// wait waits for the completion of the DMA in flight on channel ch, for at
// most soft (0 waits forever), and checks the channel service message.
// A soft timeout with an error in the service message reports both.
//
// A reset request stops the wait right away. An abort request lets the DMA
// in flight complete, bounded by the image timeout when soft is 0.
func (e *Engine) wait(ctx context.Context, ch topo.Channel, soft time.Duration) error {
	var tmo <-chan time.Time
	if soft > 0 {
		timer := time.NewTimer(soft)
		defer timer.Stop()
		tmo = timer.C
	}

	done := ctx.Done()
	for {
		select {
		case <-e.irq:
			return e.check(ch)

		case <-tmo:
			e.msg.Printf("soft timeout (%v) on channel %d", soft, ch)
			st := e.svcStatus(ch)
			e.recover()
			if err := e.flush(); err != nil {
				return err
			}
			if err := cause(ctx); err != nil {
				return err
			}
			if st != board.StatusOK {
				return fmt.Errorf("%w: %w", ErrSoftTimeout, &DMAError{Channel: ch, Status: st})
			}
			return ErrSoftTimeout

		case <-done:
			err := context.Cause(ctx)
			if errors.Is(err, ErrAborted) {
				done = nil
				if tmo == nil {
					timer := time.NewTimer(e.cfg.imgTimeout)
					defer timer.Stop()
					tmo = timer.C
				}
				continue
			}
			e.recover()
			_ = e.flush()
			return err
		}
	}
}

// recover brings both channels back to a known state after a lost
// completion.
func (e *Engine) recover() {
	e.resetChannels(chanAll)
	e.clearIRQ()
}

// check returns the hardware error reported for the last DMA on channel ch.
func (e *Engine) check(ch topo.Channel) error {
	if err := e.flush(); err != nil {
		return err
	}
	if st := e.svcStatus(ch); st != board.StatusOK {
		return &DMAError{Channel: ch, Status: st}
	}
	return nil
}

// waitFIFO waits for data in the RX FIFO of channel ch, for at most soft
// (0 waits forever).
func (e *Engine) waitFIFO(ctx context.Context, ch topo.Channel, soft time.Duration) error {
	var deadline time.Time
	if soft > 0 {
		deadline = time.Now().Add(soft)
	}

	tick := time.NewTicker(pollPeriod)
	defer tick.Stop()

	for {
		lvl := board.FIFOLevel(e.regs[board.RegFIFOLevel].r(), int(ch))
		if err := e.flush(); err != nil {
			return err
		}
		if lvl > 0 {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			e.recover()
			_ = e.flush()
			return fmt.Errorf("xpci: no data in RX FIFO of channel %d after %v: %w", ch, soft, ErrSoftTimeout)
		}
		select {
		case <-ctx.Done():
			e.recover()
			_ = e.flush()
			return context.Cause(ctx)
		case <-tick.C:
		}
	}
}
