// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xpci

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/topo"
)

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(e *Engine, off int) reg32 {
	return reg32{
		r: func() uint32 {
			return e.readU32(off)
		},
		w: func(v uint32) {
			e.writeU32(off, v)
		},
	}
}

func (e *Engine) readU32(off int) uint32 {
	if e.err != nil {
		return 0
	}
	vs, err := e.drv.RegisterRead32(board.BAR0, off, 1)
	if err != nil {
		e.err = fmt.Errorf("xpci: could not read register 0x%x: %w", off, err)
		return 0
	}
	return vs[0]
}

func (e *Engine) writeU32(off int, v uint32) {
	if e.err != nil {
		return
	}
	err := e.drv.RegisterWrite32(board.BAR0, off, v)
	if err != nil {
		e.err = fmt.Errorf("xpci: could not write register 0x%x: %w", off, err)
	}
}

// flush returns and clears the sticky register I/O error.
func (e *Engine) flush() error {
	err := e.err
	e.err = nil
	return err
}

// channels selects one or both DMA channels.
type channels uint8

const (
	chan0 channels = 1 << topo.Ch0
	chan1 channels = 1 << topo.Ch1
	chanAll        = chan0 | chan1
)

func (cs channels) has(ch topo.Channel) bool { return cs&(1<<ch) != 0 }

// resetChannels aborts any DMA in flight and empties the FIFOs of the
// selected channels.
func (e *Engine) resetChannels(cs channels) {
	for _, ch := range topo.Channels {
		if !cs.has(ch) {
			continue
		}
		e.regs[board.Ctrl[ch]].w(board.ResetChannel)
	}
}

// eraseSvc clears the service messages of the selected channels.
func (e *Engine) eraseSvc(cs channels) {
	for _, ch := range topo.Channels {
		if !cs.has(ch) {
			continue
		}
		beg := int(ch) * board.SvcSize
		clear(e.svc.Data[beg : beg+board.SvcSize])
	}
}

// svcStatus returns the hardware status of the last DMA on channel ch.
func (e *Engine) svcStatus(ch topo.Channel) board.Status {
	return board.Status(e.svc.Data[int(ch)*board.SvcSize])
}

func (e *Engine) svcPhys(ch topo.Channel) uint32 {
	return uint32(e.svc.Phys+uint64(int(ch)*board.SvcSize)) &^ 0x3
}

// setHardTimeout programs the card timeout of every DMA transfer.
func (e *Engine) setHardTimeout(t board.HardTimeout) {
	e.regs[board.RegTimeout].w(uint32(t))
	e.hard = t
}

// clearIRQ acknowledges a pending interrupt flag left by a lost interrupt.
func (e *Engine) clearIRQ() {
	if e.regs[board.RegIRQ].r()&1 != 0 {
		e.regs[board.RegIRQ].w(board.IRQClear)
	}
}

// resetBoard resets the card registers and reprograms the service message
// addresses and the default hardware timeout.
func (e *Engine) resetBoard() error {
	e.regs[board.RegPCIeCmd].w(board.PCIeCmdReset)
	e.regs[board.RegPCIeCmd].w(board.PCIeCmdIdle)
	e.resetChannels(chanAll)
	e.clearIRQ()

	for _, ch := range topo.Channels {
		e.regs[board.SvcPhys[ch]].w(e.svcPhys(ch))
	}
	e.eraseSvc(chanAll)
	e.setHardTimeout(board.Timeout1s)
	e.drainIRQ()

	return e.flush()
}

// ResetBoard resets the interface card.
func (e *Engine) ResetBoard() error {
	_, end, err := e.begin(context.Background())
	if err != nil {
		return err
	}
	defer end()
	return e.resetBoard()
}

var regNames = [board.NumRegs]string{
	"TX0 phys", "TX1 phys", "TX0 size", "TX1 size",
	"RX0 phys", "RX1 phys", "RX0 size", "RX1 size",
	"SVC0 phys", "SVC1 phys", "status/ctrl0", "firmware/ctrl1",
	"hard timeout", "subchannel", "PCIe cmd", "irq",
}

// DumpRegisters writes the content of the card registers to w.
func (e *Engine) DumpRegisters(w io.Writer) error {
	vs, err := e.drv.RegisterRead32(board.BAR0, 0, board.NumRegs)
	if err != nil {
		return fmt.Errorf("xpci: could not read registers: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for i, v := range vs {
		fmt.Fprintf(tw, "reg[%02d]\t%s\t0x%08x\n", i, regNames[i], v)
	}
	return tw.Flush()
}
