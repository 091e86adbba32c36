// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frame builds and validates the 16-bit word frames exchanged with
// XPAD detector modules over the PCIe DMA channels.
package frame // import "github.com/go-lpc/xpad/frame"

import (
	"encoding/binary"
	"fmt"
)

// Frame tags.
const (
	HubHeader  uint16 = 0xbb44
	HubMessage uint16 = 0xcccc
	ModMessage uint16 = 0x3333
	ModHeader  uint16 = 0xaa55
	Trailer    uint16 = 0xf0f0
)

// Opcode is a module command code.
type Opcode uint16

// Module command opcodes.
const (
	ReqReady         Opcode = 0x0101
	ATest            Opcode = 0x0102
	ConfigG          Opcode = 0x0103
	FlatConfig       Opcode = 0x0104
	ReadConfigG      Opcode = 0x0105
	Pulser           Opcode = 0x0106
	ReadTemp         Opcode = 0x0108
	Expose           Opcode = 0x0140
	PulseFlat        Opcode = 0x0150
	PulseConfig      Opcode = 0x0151
	IPI              Opcode = 0x0160
	IPIParam         Opcode = 0x0161
	SaveExpWaitTimes Opcode = 0x0170
	ReadImage16      Opcode = 0x0182
	ReadImage32      Opcode = 0x0183
	ExposureParam    Opcode = 0x0190
	ConfigChip       Opcode = 0x0203
	SaveConfigL      Opcode = 0x0380
	SaveConfigG      Opcode = 0x0381
	LoadConfig       Opcode = 0x0480
	ReadADC          Opcode = 0x0500
	SetHV            Opcode = 0x0510
	MemDiag          Opcode = 0x0520
)

// Chip global registers.
const (
	RegCMOSDisable uint16 = 0x01
	RegAmpTP       uint16 = 0x1f
	RegITHH        uint16 = 0x33
	RegVADJ        uint16 = 0x35
	RegVREF        uint16 = 0x36
	RegIMFP        uint16 = 0x3b
	RegIOTA        uint16 = 0x3c
	RegIPRE        uint16 = 0x3d
	RegITHL        uint16 = 0x3e
	RegITUNE       uint16 = 0x3f
	RegIBuffer     uint16 = 0x40
)

// ChipRegs lists the registers loaded at once by a ConfigChip command,
// in payload order.
var ChipRegs = [...]uint16{
	RegCMOSDisable, RegAmpTP, RegITHH, RegVADJ, RegVREF, RegIMFP,
	RegIOTA, RegIPRE, RegITHL, RegITUNE, RegIBuffer,
}

// Hub-level command codes.
const (
	HubNIOSReboot   uint16 = 0x02ff
	HubFIFOReset    uint16 = 0x05ff
	HubRegFIFOReset uint16 = 0x5ff0
	HubRegModName   uint16 = 0x7ff0
)

// Hub control bits.
const (
	CtrlResetNIOS     uint16 = 0x0001
	CtrlAbortExposure uint16 = 0x0002
)

// Ack returns the acknowledgement opcode of op.
func Ack(op Opcode) Opcode { return op | 0x1000 }

func (op Opcode) String() string {
	switch op &^ 0x1000 {
	case ReqReady:
		return "ask-ready"
	case ATest:
		return "auto-test"
	case ConfigG:
		return "config-g"
	case FlatConfig:
		return "flat-config"
	case ReadConfigG:
		return "read-config-g"
	case Pulser:
		return "pulser"
	case ReadTemp:
		return "read-temp"
	case Expose:
		return "expose"
	case PulseFlat:
		return "pulse-flat"
	case PulseConfig:
		return "pulse-config"
	case IPI:
		return "ipi"
	case IPIParam:
		return "ipi-param"
	case SaveExpWaitTimes:
		return "save-exp-wait-times"
	case ReadImage16:
		return "read-image-16"
	case ReadImage32:
		return "read-image-32"
	case ExposureParam:
		return "exposure-param"
	case ConfigChip:
		return "config-chip"
	case SaveConfigL:
		return "save-config-l"
	case SaveConfigG:
		return "save-config-g"
	case LoadConfig:
		return "load-config"
	case ReadADC:
		return "read-adc"
	case SetHV:
		return "set-hv"
	case MemDiag:
		return "mem-diag"
	}
	return fmt.Sprintf("Opcode(0x%04x)", uint16(op))
}

const (
	padWords  = 4 // frames are padded to 8 bytes
	maskIndex = 3 // position of the module mask word
)

// Command is a module command frame.
type Command struct {
	words []uint16
}

// NewCommand builds a command frame addressed to the modules of mask:
//
//	[HubHeader, ModMessage, outer, mask, ModHeader, inner, 0, op, payload..., Trailer, padding...]
//
// with inner = 3+len(payload) and outer = inner+3.
func NewCommand(op Opcode, mask uint16, payload ...uint16) Command {
	inner := 3 + len(payload)
	n := 8 + len(payload) + 1
	if r := n % padWords; r != 0 {
		n += padWords - r
	}
	words := make([]uint16, n)
	words[0] = HubHeader
	words[1] = ModMessage
	words[2] = uint16(inner + 3)
	words[maskIndex] = mask
	words[4] = ModHeader
	words[5] = uint16(inner)
	words[6] = 0
	words[7] = uint16(op)
	copy(words[8:], payload)
	words[8+len(payload)] = Trailer
	return Command{words: words}
}

// Opcode returns the command opcode.
func (cmd Command) Opcode() Opcode { return Opcode(cmd.words[7]) }

// Mask returns the module mask word.
func (cmd Command) Mask() uint16 { return cmd.words[maskIndex] }

// Payload returns the command payload words.
func (cmd Command) Payload() []uint16 {
	inner := int(cmd.words[5])
	return cmd.words[8 : 8+inner-3]
}

// WithMask returns a copy of cmd addressed with the given mask word.
func (cmd Command) WithMask(mask uint16) Command {
	o := Command{words: make([]uint16, len(cmd.words))}
	copy(o.words, cmd.words)
	o.words[maskIndex] = mask
	return o
}

// Words returns the frame words, padding included.
func (cmd Command) Words() []uint16 { return cmd.words }

// Bytes returns the little-endian wire encoding of the frame.
func (cmd Command) Bytes() []byte { return encode(cmd.words) }

// Hub is a frame interpreted by the hub (or register board) itself.
type Hub struct {
	words []uint16
}

// NewHubCommand builds a hub-level command frame.
func NewHubCommand(cmd, arg uint16) Hub {
	return Hub{words: []uint16{
		0, 0, HubHeader, HubMessage, 0x0003, cmd, arg, Trailer,
	}}
}

// NewHubControl builds a hub control frame forwarded to modules,
// e.g. abort-exposure or NIOS reset.
func NewHubControl(bits uint16) Hub {
	return Hub{words: []uint16{
		HubHeader, HubMessage, 0x0002, bits, Trailer, 0, 0, 0,
	}}
}

// Words returns the frame words, padding included.
func (h Hub) Words() []uint16 { return h.words }

// Bytes returns the little-endian wire encoding of the frame.
func (h Hub) Bytes() []byte { return encode(h.words) }

func encode(words []uint16) []byte {
	buf := make([]byte, 2*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint16(buf[2*i:], w)
	}
	return buf
}

// Words decodes little-endian 16-bit words from raw.
func Words(raw []byte) []uint16 {
	o := make([]uint16, len(raw)/2)
	for i := range o {
		o[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return o
}
