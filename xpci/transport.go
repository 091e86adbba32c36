// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/frame"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

func (e *Engine) lock(ch topo.Channel, size int) (*board.Buffer, error) {
	buf, err := e.drv.LockPhysicalBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not lock %d bytes DMA buffer for channel %d: %w", size, ch, err)
	}
	return buf, nil
}

func (e *Engine) release(buf *board.Buffer) {
	if buf == nil {
		return
	}
	err := e.drv.ReleasePhysicalBuffer(buf)
	if err != nil {
		e.msg.Printf("could not release DMA buffer 0x%x: %+v", buf.Phys, err)
	}
}

// send transmits one frame per channel (nil frames are skipped) and waits
// for the completion of every transfer.
func (e *Engine) send(ctx context.Context, frames [2][]uint16) error {
	e.resetChannels(chanAll)
	e.eraseSvc(chanAll)

	var bufs [2]*board.Buffer
	defer func() {
		for _, buf := range bufs {
			e.release(buf)
		}
	}()

	for _, ch := range topo.Channels {
		words := frames[ch]
		if words == nil {
			continue
		}
		buf, err := e.lock(ch, 2*len(words))
		if err != nil {
			return err
		}
		bufs[ch] = buf
		for i, w := range words {
			binary.LittleEndian.PutUint16(buf.Data[2*i:], w)
		}
		e.regs[board.TxPhys[ch]].w(uint32(buf.Phys) &^ 0x3)
		e.regs[board.TxSize[ch]].w(uint32(len(buf.Data)))
	}
	if err := e.flush(); err != nil {
		return err
	}

	for _, ch := range topo.Channels {
		if bufs[ch] == nil {
			continue
		}
		err := e.start(ch, board.StartTx)
		if err != nil {
			return err
		}
		err = e.wait(ctx, ch, e.cfg.cmdTimeout)
		if err != nil {
			return fmt.Errorf("xpci: could not send frame on channel %d: %w", ch, err)
		}
	}
	return nil
}

// broadcast sends cmd to the modules of mask, on every channel serving them.
func (e *Engine) broadcast(ctx context.Context, cmd frame.Command, mask topo.Mask) error {
	if err := e.topo.Valid(mask); err != nil {
		return fmt.Errorf("xpci: could not send %v: %w", cmd.Opcode(), err)
	}
	var frames [2][]uint16
	for _, ch := range topo.Channels {
		if !e.topo.Used(mask, ch) {
			continue
		}
		frames[ch] = cmd.WithMask(e.topo.MaskWord(mask, ch)).Words()
	}
	err := e.send(ctx, frames)
	if err != nil {
		return fmt.Errorf("xpci: could not send %v to modules %v: %w", cmd.Opcode(), mask, err)
	}
	return nil
}

// hub sends a hub frame on both channels.
func (e *Engine) hub(ctx context.Context, h frame.Hub) error {
	words := h.Words()
	err := e.send(ctx, [2][]uint16{words, words})
	if err != nil {
		return fmt.Errorf("xpci: could not send hub frame: %w", err)
	}
	return nil
}

// read receives size bytes on channel ch.
func (e *Engine) read(ctx context.Context, ch topo.Channel, size int, soft time.Duration) ([]byte, error) {
	if size <= 0 || size%8 != 0 {
		return nil, fmt.Errorf("xpci: invalid DMA read size %d (must be a positive multiple of 8)", size)
	}
	e.eraseSvc(1 << ch)

	buf, err := e.lock(ch, size)
	if err != nil {
		return nil, err
	}
	defer e.release(buf)

	e.regs[board.RxPhys[ch]].w(uint32(buf.Phys) &^ 0x3)
	e.regs[board.RxSize[ch]].w(uint32(size))
	if err := e.flush(); err != nil {
		return nil, err
	}

	err = e.waitFIFO(ctx, ch, soft)
	if err != nil {
		return nil, err
	}

	err = e.start(ch, board.StartRx)
	if err != nil {
		return nil, err
	}
	err = e.wait(ctx, ch, soft)
	if err != nil {
		return nil, fmt.Errorf("xpci: could not read %d bytes on channel %d: %w", size, ch, err)
	}

	out := make([]byte, size)
	copy(out, buf.Data)
	return out, nil
}

// collect reads and validates the replies acknowledging op, one per module
// of mask.
func (e *Engine) collect(ctx context.Context, op frame.Opcode, mask topo.Mask, soft time.Duration) (map[int]frame.Reply, error) {
	var (
		ack     = frame.Ack(op)
		replies = make(map[int]frame.Reply, mask.Count())
		seen    topo.Mask
	)
	for _, ch := range topo.Channels {
		sub := e.topo.PerChannel(mask, ch)
		n := sub.Count()
		if n == 0 {
			continue
		}
		raw, err := e.read(ctx, ch, n*frame.ReplyBytes, soft)
		if err != nil {
			return nil, fmt.Errorf("xpci: could not read %v replies: %w", op, err)
		}
		words := frame.Words(raw)
		for i := 0; i < n; i++ {
			beg := i * frame.ReplyWords
			mod, err := frame.Validate(words[beg:beg+frame.ReplyWords], ack, uint32(sub), e.topo.IDBits)
			if err != nil {
				return nil, fmt.Errorf("xpci: invalid %v reply %d on channel %d: %w", op, i, ch, err)
			}
			if seen.Has(mod) {
				return nil, fmt.Errorf("xpci: duplicate %v reply from module %d", op, mod)
			}
			seen |= 1 << uint(mod)
			var r frame.Reply
			copy(r[:], words[beg:beg+frame.ReplyWords])
			replies[mod] = r
		}
	}
	if seen != mask {
		return nil, fmt.Errorf("xpci: missing %v replies from modules %v", op, mask&^seen)
	}
	return replies, nil
}

// command sends cmd to the modules of mask and collects their replies.
func (e *Engine) command(ctx context.Context, cmd frame.Command, mask topo.Mask, soft time.Duration) (map[int]frame.Reply, error) {
	err := e.subchannels(ctx, mask, cmdTransfer, 0, 1)
	if err != nil {
		return nil, err
	}
	err = e.broadcast(ctx, cmd, mask)
	if err != nil {
		return nil, err
	}
	return e.collect(ctx, cmd.Opcode(), mask, soft)
}

// transfer is the class of data the subchannels are programmed for.
type transfer int

const (
	cmdTransfer transfer = iota
	img16Transfer
	img32Transfer
)

func imageTransfer(typ layout.Type) transfer {
	if typ == layout.Image32 {
		return img32Transfer
	}
	return img16Transfer
}

// sizing returns the number of transfers expected from n modules of one
// subchannel, and their size in 16-bit words.
func (t transfer) sizing(n, chips int) (trnum, words uint32) {
	if n == 0 {
		return 0, 0
	}
	switch t {
	case img16Transfer, img32Transfer:
		typ := layout.Image16
		if t == img32Transfer {
			typ = layout.Image32
		}
		lines := topo.ModuleRows / typ.Transfers()
		return uint32(typ.Transfers() * n), uint32(lines * layout.LineWords(typ, chips))
	default:
		return 1, uint32(n * frame.ReplyWords)
	}
}

// subchannels programs the card with the number, size and repetition of
// the transfers expected from the modules of mask.
func (e *Engine) subchannels(ctx context.Context, mask topo.Mask, t transfer, chips, loops int) error {
	err := e.hub(ctx, frame.NewHubCommand(frame.HubRegFIFOReset, 0))
	if err != nil {
		return fmt.Errorf("xpci: could not reset register FIFO: %w", err)
	}

	var (
		trnum uint32
		sizes [4]uint32
		sel   = [4]uint32{
			topo.Sub0A: board.SubTrSize0A,
			topo.Sub0B: board.SubTrSize0B,
			topo.Sub1A: board.SubTrSize1A,
			topo.Sub1B: board.SubTrSize1B,
		}
		shift = [4]uint{
			topo.Sub0A: 0,
			topo.Sub0B: 4,
			topo.Sub1A: 8,
			topo.Sub1B: 12,
		}
	)
	for _, s := range []topo.Subchannel{topo.Sub0A, topo.Sub0B, topo.Sub1A, topo.Sub1B} {
		n, words := t.sizing(e.topo.Quarter(mask, s).Count(), chips)
		trnum |= (n & 0xf) << shift[s]
		sizes[s] = words / 4
	}

	reg := e.regs[board.RegSubchnl]
	reg.w(board.SubTrNum | trnum)
	for s, v := range sizes {
		reg.w(sel[s] | v)
	}
	reg.w(board.SubTrLoop | uint32(loops))
	reg.w(board.SubUpdate1 | board.SubUpdate0)
	reg.w(board.SubUpdate1 | board.SubUpdate0)

	if err := e.flush(); err != nil {
		return fmt.Errorf("xpci: could not program subchannels: %w", err)
	}
	return nil
}
