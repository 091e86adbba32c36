// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim provides an in-memory PCIe interface card with attached XPAD
// modules, answering commands and producing image data like the hardware.
package sim // import "github.com/go-lpc/xpad/board/sim"

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-lpc/xpad/board"
	"github.com/go-lpc/xpad/frame"
	"github.com/go-lpc/xpad/layout"
	"github.com/go-lpc/xpad/topo"
)

const (
	memBase = 0x1000_0000
	memSize = 4 << 20

	// Firmware is the firmware date reported by simulated modules.
	Firmware = 0x21051700
)

// Sent is a command frame received by the simulated hub.
type Sent struct {
	Channel topo.Channel
	Op      frame.Opcode
	Mask    uint16
	Payload []uint16
}

// Control is a write to a channel control register or to the interrupt
// register.
type Control struct {
	Reg   int
	Value uint32
}

// Option configures a simulated card.
type Option func(*Card)

// WithModules sets the modules attached to the card (default: all populated slots).
func WithModules(m topo.Mask) Option {
	return func(c *Card) { c.mods = m }
}

// WithChips sets the number of chips per module (default: 7).
func WithChips(n int) Option {
	return func(c *Card) { c.chips = n }
}

// WithDelay delays every DMA completion interrupt.
func WithDelay(d time.Duration) Option {
	return func(c *Card) { c.delay = d }
}

// Card is a simulated interface card.
type Card struct {
	mu sync.Mutex

	topo  topo.Topology
	mods  topo.Mask
	chips int
	delay time.Duration

	regs [board.NumRegs]uint32
	pool *board.Pool
	mem  []byte
	live int
	irq  func()
	flag uint32

	rx   [2][]byte
	exp  [2]exposure
	drop int
	fail [2]board.Status
	swap map[int]int

	nimg   int
	format layout.Type
	cfg    map[int]map[int]map[uint16]uint16 // module -> chip -> register -> value
	flat   map[int]map[int]uint16            // module -> chip -> DACL value

	sent []Sent
	hub  []uint16
	subs []uint32
	tmo  []board.HardTimeout
	ctrl []Control
}

type exposure struct {
	typ  layout.Type
	mask topo.Mask
	left int
	next int
}

// New returns a simulated card for topology t.
func New(t topo.Topology, opts ...Option) *Card {
	c := &Card{
		topo:  t,
		mods:  t.Full(),
		chips: topo.MaxChips,
		mem:   make([]byte, memSize),
		swap:  make(map[int]int),
		nimg:  1,
		cfg:   make(map[int]map[int]map[uint16]uint16),
		flat:  make(map[int]map[int]uint16),
	}
	c.pool = board.NewPool(memBase, c.mem)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pixel returns the value sent for pixel (row, col) of module mod in the
// n-th image of an acquisition.
func Pixel(typ layout.Type, mod, n, row, col int) uint32 {
	v := uint32(mod+1)<<12 + uint32(row)<<4 + uint32(col) + uint32(n)*3
	if typ == layout.Image32 {
		return v | uint32(n)<<24
	}
	return v & 0xffff
}

// DropInterrupts makes the card lose the next n completion interrupts.
func (c *Card) DropInterrupts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop = n
}

// Fail makes the next DMA on channel ch complete with the given status.
func (c *Card) Fail(ch topo.Channel, st board.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[ch] = st
}

// Misroute makes replies of module from claim to be sent by module to.
func (c *Card) Misroute(from, to int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swap[from] = to
}

// Sent returns the module commands received so far.
func (c *Card) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// HubCommands returns the hub commands and control bits received so far.
func (c *Card) HubCommands() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.hub...)
}

// Subchannels returns the subchannel register writes received so far.
func (c *Card) Subchannels() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.subs...)
}

// Controls returns the control and interrupt register writes received so far.
func (c *Card) Controls() []Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Control(nil), c.ctrl...)
}

// HardTimeouts returns the history of hardware timeout settings.
func (c *Card) HardTimeouts() []board.HardTimeout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]board.HardTimeout(nil), c.tmo...)
}

// Locked returns the number of DMA buffers currently locked.
func (c *Card) Locked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Config returns the global register value stored in a module chip.
func (c *Card) Config(mod, chip int, reg uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg[mod][chip][reg]
}

// Flat returns the DACL value stored in a module chip.
func (c *Card) Flat(mod, chip int) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flat[mod][chip]
}

// Images returns the number of images requested by the last exposure parameters.
func (c *Card) Images() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nimg
}

func (c *Card) RegisterRead32(bar board.Bar, off, n int) ([]uint32, error) {
	if bar != board.BAR0 {
		return nil, fmt.Errorf("sim: invalid BAR %d", bar)
	}
	if off < 0 || off+n > board.NumRegs {
		return nil, fmt.Errorf("sim: invalid register range [%d, %d)", off, off+n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	o := make([]uint32, n)
	for i := range o {
		switch reg := off + i; reg {
		case board.RegFIFOLevel:
			c.fill(topo.Ch0)
			c.fill(topo.Ch1)
			o[i] = level(len(c.rx[0])) | level(len(c.rx[1]))<<16
		case board.RegFirmware:
			o[i] = Firmware
		case board.RegIRQ:
			o[i] = c.flag
		default:
			o[i] = c.regs[reg]
		}
	}
	return o, nil
}

func level(n int) uint32 {
	v := uint32(n / 8)
	if v > 0xff {
		v = 0xff
	}
	return v
}

func (c *Card) RegisterWrite32(bar board.Bar, off int, words ...uint32) error {
	if bar != board.BAR0 {
		return fmt.Errorf("sim: invalid BAR %d", bar)
	}
	if off < 0 || off+len(words) > board.NumRegs {
		return fmt.Errorf("sim: invalid register range [%d, %d)", off, off+len(words))
	}

	var fire []func()
	c.mu.Lock()
	for i, v := range words {
		reg := off + i
		switch reg {
		case board.RegCtrl0, board.RegCtrl1:
			c.ctrl = append(c.ctrl, Control{Reg: reg, Value: v})
			ch := topo.Channel(reg - board.RegCtrl0)
			if fn := c.control(ch, v); fn != nil {
				fire = append(fire, fn)
			}
		case board.RegIRQ:
			c.ctrl = append(c.ctrl, Control{Reg: reg, Value: v})
			if v == board.IRQClear {
				c.flag = 0
			}
		case board.RegPCIeCmd:
			if v == board.PCIeCmdReset {
				c.rx = [2][]byte{}
				c.exp = [2]exposure{}
			}
			c.regs[reg] = v
		case board.RegSubchnl:
			c.subs = append(c.subs, v)
			c.regs[reg] = v
		case board.RegTimeout:
			c.tmo = append(c.tmo, board.HardTimeout(v))
			c.regs[reg] = v
		default:
			c.regs[reg] = v
		}
	}
	c.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	return nil
}

func (c *Card) LockPhysicalBuffer(size int) (*board.Buffer, error) {
	buf, err := c.pool.Lock(size)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.live++
	c.mu.Unlock()
	return buf, nil
}

func (c *Card) ReleasePhysicalBuffer(buf *board.Buffer) error {
	err := c.pool.Release(buf)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.live--
	c.mu.Unlock()
	return nil
}

func (c *Card) RegisterInterruptCallback(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq = fn
}

func (c *Card) Close() error { return nil }

// region returns the card memory at bus address phys.
func (c *Card) region(phys uint32, size int) ([]byte, error) {
	off := int(phys) - memBase
	if off < 0 || off+size > len(c.mem) {
		return nil, fmt.Errorf("sim: invalid DMA region 0x%x+%d", phys, size)
	}
	return c.mem[off : off+size], nil
}

// control handles a channel control register write and returns the
// completion to signal, if any.
func (c *Card) control(ch topo.Channel, v uint32) func() {
	if v&board.ResetRxFIFO != 0 {
		c.rx[ch] = nil
	}
	switch {
	case v&board.StartTx != 0:
		size := int(c.regs[board.TxSize[ch]])
		p, err := c.region(c.regs[board.TxPhys[ch]], size)
		if err != nil {
			return c.complete(ch, board.StatusTx)
		}
		c.command(ch, frame.Words(p))
		return c.complete(ch, board.StatusOK)

	case v&board.StartRx != 0:
		size := int(c.regs[board.RxSize[ch]])
		p, err := c.region(c.regs[board.RxPhys[ch]], size)
		if err != nil {
			return c.complete(ch, board.StatusRx)
		}
		c.fill(ch)
		n := copy(p, c.rx[ch])
		c.rx[ch] = c.rx[ch][n:]
		if n < size {
			if board.HardTimeout(c.regs[board.RegTimeout]) == board.TimeoutDisabled {
				// DMA stalls until data arrives.
				return nil
			}
			return c.complete(ch, board.StatusTimeout)
		}
		return c.complete(ch, board.StatusOK)
	}
	return nil
}

func (c *Card) complete(ch topo.Channel, st board.Status) func() {
	if f := c.fail[ch]; f != board.StatusOK {
		st = f
		c.fail[ch] = board.StatusOK
	}
	if svc, err := c.region(c.regs[board.SvcPhys[ch]], board.SvcSize); err == nil {
		svc[0] = byte(st)
	}
	c.flag |= 1

	if c.drop > 0 {
		c.drop--
		return nil
	}
	fn := c.irq
	if fn == nil {
		return nil
	}
	delay := c.delay
	return func() { time.AfterFunc(delay, fn) }
}

// fill generates the next image of an ongoing exposure when the channel
// RX FIFO ran dry.
func (c *Card) fill(ch topo.Channel) {
	exp := &c.exp[ch]
	if len(c.rx[ch]) > 0 || exp.left <= 0 {
		return
	}
	c.rx[ch] = c.image(exp.typ, exp.mask, exp.next)
	exp.left--
	exp.next++
}

// image returns the raw lines sent on one channel for image n.
func (c *Card) image(typ layout.Type, mask topo.Mask, n int) []byte {
	nw := layout.LineWords(typ, c.chips)
	words := make([]uint16, nw)
	raw := make([]byte, 0, 2*nw*topo.ModuleRows*mask.Count())
	for _, mod := range mask.Modules() {
		for row := 1; row <= topo.ModuleRows; row++ {
			line := layout.Line{Module: mod, Image: n, Row: row}
			layout.PutLine(words, typ, c.chips, line, func(col int) uint32 {
				return Pixel(typ, mod, n, row, col)
			})
			for _, w := range words {
				raw = binary.LittleEndian.AppendUint16(raw, w)
			}
		}
	}
	return raw
}

// targets decodes the modules of a command frame mask word that are
// attached to channel ch.
func (c *Card) targets(ch topo.Channel, word uint16) topo.Mask {
	m := topo.Mask(word)
	if c.topo.Split {
		switch ch {
		case topo.Ch1:
			m = topo.Mask(word & 0x3ff)
		default:
			m = topo.Mask(word&0x3ff) << 10
		}
	}
	return m & c.mods & c.topo.Channels[ch]
}

// store sets a global register of the selected chips of module mod.
func (c *Card) store(mod int, chips, reg, val uint16) {
	for chip := 0; chip < c.chips; chip++ {
		if chips&(1<<uint(chip)) == 0 {
			continue
		}
		if c.cfg[mod] == nil {
			c.cfg[mod] = make(map[int]map[uint16]uint16)
		}
		if c.cfg[mod][chip] == nil {
			c.cfg[mod][chip] = make(map[uint16]uint16)
		}
		c.cfg[mod][chip][reg] = val
	}
}

func (c *Card) reply(ch topo.Channel, r frame.Reply) {
	if to, ok := c.swap[r.Module()]; ok {
		r[1] = uint16(to + 1)
	}
	for _, w := range r {
		c.rx[ch] = binary.LittleEndian.AppendUint16(c.rx[ch], w)
	}
}

func (c *Card) command(ch topo.Channel, words []uint16) {
	switch {
	case len(words) >= 8 && words[0] == 0 && words[2] == frame.HubHeader && words[3] == frame.HubMessage:
		c.hub = append(c.hub, words[5])
		return
	case len(words) >= 5 && words[0] == frame.HubHeader && words[1] == frame.HubMessage:
		c.hub = append(c.hub, words[3])
		if words[3]&frame.CtrlAbortExposure != 0 {
			c.exp[ch] = exposure{}
		}
		return
	case len(words) >= 9 && words[0] == frame.HubHeader && words[1] == frame.ModMessage:
		// module command.
	default:
		return
	}

	inner := int(words[5])
	if len(words) < 8+inner-3 {
		return
	}
	var (
		op      = frame.Opcode(words[7])
		payload = append([]uint16(nil), words[8:8+inner-3]...)
		mask    = c.targets(ch, words[3])
	)
	c.sent = append(c.sent, Sent{Channel: ch, Op: op, Mask: words[3], Payload: payload})

	switch op {
	case frame.ReqReady:
		for _, mod := range mask.Modules() {
			c.reply(ch, frame.NewReply(mod, op, Firmware>>24, (Firmware>>16)&0xff, Firmware&0xffff))
		}

	case frame.ConfigG:
		chips, reg, val := payload[0], payload[1], payload[2]
		for _, mod := range mask.Modules() {
			c.store(mod, chips, reg, val)
			c.reply(ch, frame.NewReply(mod, op, reg, val))
		}

	case frame.ConfigChip:
		chips := payload[0]
		for _, mod := range mask.Modules() {
			for i, reg := range frame.ChipRegs {
				c.store(mod, chips, reg, payload[1+i])
			}
			c.reply(ch, frame.NewReply(mod, op))
		}

	case frame.FlatConfig:
		chips, val := payload[1], payload[2]
		for _, mod := range mask.Modules() {
			for chip := 0; chip < c.chips; chip++ {
				if chips&(1<<uint(chip)) == 0 {
					continue
				}
				if c.flat[mod] == nil {
					c.flat[mod] = make(map[int]uint16)
				}
				c.flat[mod][chip] = val
			}
			c.reply(ch, frame.NewReply(mod, op, val))
		}

	case frame.ReadConfigG:
		chips, reg := payload[0], payload[1]
		for _, mod := range mask.Modules() {
			data := make([]uint16, 1+topo.MaxChips)
			data[0] = reg
			for chip := 0; chip < c.chips; chip++ {
				if chips&(1<<uint(chip)) == 0 {
					continue
				}
				data[1+chip] = c.cfg[mod][chip][reg]
			}
			c.reply(ch, frame.NewReply(mod, op, data...))
		}

	case frame.ReadTemp:
		for _, mod := range mask.Modules() {
			data := make([]uint16, topo.MaxChips)
			for chip := range data {
				// (v*2.5 - 465) degrees: 200 is 35 degrees.
				data[chip] = uint16(200 + chip)
			}
			c.reply(ch, frame.NewReply(mod, op, data...))
		}

	case frame.ExposureParam:
		c.nimg = int(payload[13])
		c.format = layout.Image16
		if payload[15] != 0 {
			c.format = layout.Image32
		}
		for _, mod := range mask.Modules() {
			c.reply(ch, frame.NewReply(mod, op))
		}

	case frame.Expose:
		c.exp[ch] = exposure{typ: c.format, mask: mask, left: c.nimg}

	case frame.ReadImage16, frame.ReadImage32:
		typ := layout.Image16
		if op == frame.ReadImage32 {
			typ = layout.Image32
		}
		c.rx[ch] = append(c.rx[ch], c.image(typ, mask, 0)...)

	default:
		for _, mod := range mask.Modules() {
			c.reply(ch, frame.NewReply(mod, op))
		}
	}
}

var _ board.Driver = (*Card)(nil)
